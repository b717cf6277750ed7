// Package router implements tick-driven message delivery over a mesh
// transport: outbound strategy selection across opportunistic, direct and
// propagated delivery, asynchronous delivery-proof correlation, the inbound
// validation path, and propagation-node sync.
//
// The router is single-threaded by design. All state mutation happens on
// the goroutine calling the Process ticks; transport callbacks are assumed
// to arrive on that same goroutine. No operation blocks: waiting on paths,
// pending links and retry backoffs is a stored next-eligible time checked
// at tick start. The sole blocking operation is stamp mining, CPU-bound to
// completion or cancellation within one call.
package router

import (
    "bytes"
    "context"
    "errors"
    "time"

    "go.uber.org/zap"

    "lxmesh/pkg/identity"
    "lxmesh/pkg/lxm"
    "lxmesh/pkg/stamp"
    "lxmesh/pkg/transport"
)

var errStampGeneration = errors.New("router: stamp generation failed")

// Destination aspects under the lxmf application namespace.
const (
    AspectDelivery    = "delivery"
    AspectPropagation = "propagation"
)

// Timing constants, in line with unattended low-bandwidth mesh operation.
const (
    // ProcessingInterval is the suggested tick period for the daemon loop.
    ProcessingInterval = 4 * time.Second
    // DeliveryRetryWait backs off a message when a readiness condition
    // other than a missing path is unmet.
    DeliveryRetryWait = 10 * time.Second
    // PathRequestWait backs off a message after a path request.
    PathRequestWait = 7 * time.Second
    // LinkPendingPoll is the short recheck interval while a link
    // establishes.
    LinkPendingPoll = 1 * time.Second
    // LinkEstablishmentTimeout evicts a link that never left pending.
    LinkEstablishmentTimeout = 20 * time.Second
    // MaxDeliveryAttempts fails a message after this many processing
    // attempts.
    MaxDeliveryAttempts = 5
)

// Default pool capacities.
const (
    DefaultQueueCapacity  = 128
    DefaultFailedCapacity = 64
    DefaultTableCapacity  = 256
    DefaultLinkCapacity   = 32
)

// Config carries router tuning. Zero values select the defaults above.
type Config struct {
    DisplayName string

    // StampCost is the proof-of-work cost announced and enforced for
    // inbound delivery. Zero disables.
    StampCost int
    // EnforceStamps rejects inbound messages without a valid stamp when
    // StampCost is set.
    EnforceStamps bool
    // PropagationOnly forces every outbound message to propagated
    // delivery.
    PropagationOnly bool
    // FallbackToPropagation reroutes a direct or opportunistic message to
    // a relay when the destination identity cannot be recalled.
    FallbackToPropagation bool

    QueueCapacity  int
    FailedCapacity int
    TableCapacity  int
    LinkCapacity   int

    // StatePath persists stamp costs and delivery dedup state between
    // runs. Empty disables persistence.
    StatePath string
}

func (c *Config) applyDefaults() {
    if c.QueueCapacity <= 0 {
        c.QueueCapacity = DefaultQueueCapacity
    }
    if c.FailedCapacity <= 0 {
        c.FailedCapacity = DefaultFailedCapacity
    }
    if c.TableCapacity <= 0 {
        c.TableCapacity = DefaultTableCapacity
    }
    if c.LinkCapacity <= 0 {
        c.LinkCapacity = DefaultLinkCapacity
    }
}

type linkEntry struct {
    link    transport.Link
    created time.Time
}

type pendingResource struct {
    msg        *lxm.Message
    propagated bool
}

// Router owns one delivery endpoint and its queues, link caches and proof
// correlation tables. Multiple routers in one process never observe each
// other's state: every transport callback is bound to this instance's
// destinations and links at registration time.
type Router struct {
    cfg Config

    t   transport.Transport
    id  transport.Identity
    dir transport.NodeDirectory

    deliveryDest transport.Destination

    outbound *queue[*lxm.Message]
    inbound  *queue[*lxm.Message]
    failed   *queue[*lxm.Message]

    receiptTable  *table[*lxm.Message]
    resourceTable *table[*pendingResource]
    directLinks   *table[*linkEntry]
    propLinks     *table[*linkEntry]
    deliveredIDs  *table[struct{}]

    outboundStampCosts map[string]int

    deliveryCallbacks []func(*lxm.Message)

    propagationNode []byte
    sync            syncSession

    ctx   context.Context
    clock func() time.Time
    log   *zap.Logger
}

// New builds a router for the identity, registers its delivery endpoint on
// the transport and loads persisted state when configured.
func New(cfg Config, t transport.Transport, id transport.Identity, dir transport.NodeDirectory) (*Router, error) {
    cfg.applyDefaults()
    r := &Router{
        cfg: cfg,
        t:   t,
        id:  id,
        dir: dir,

        outbound: newQueue[*lxm.Message]("pending-outbound", cfg.QueueCapacity),
        inbound:  newQueue[*lxm.Message]("pending-inbound", cfg.QueueCapacity),
        failed:   newQueue[*lxm.Message]("failed-outbound", cfg.FailedCapacity),

        receiptTable:  newTable[*lxm.Message]("receipt-correlation", cfg.TableCapacity),
        resourceTable: newTable[*pendingResource]("resource-correlation", cfg.TableCapacity),
        directLinks:   newTable[*linkEntry]("direct-links", cfg.LinkCapacity),
        propLinks:     newTable[*linkEntry]("propagation-links", cfg.LinkCapacity),
        deliveredIDs:  newTable[struct{}]("delivered-ids", cfg.TableCapacity),

        outboundStampCosts: make(map[string]int),

        ctx:   context.Background(),
        clock: time.Now,
        log:   zap.L().Named("router"),
    }

    dest, err := t.InDestination(id, lxm.AppName, AspectDelivery)
    if err != nil {
        return nil, err
    }
    r.deliveryDest = dest
    dest.SetPacketCallback(r.handleDeliveryPacket)
    dest.SetLinkEstablishedCallback(r.handleDeliveryLink)

    if cfg.StatePath != "" {
        if err := r.loadState(); err != nil {
            r.log.Warn("could not load persisted state", zap.Error(err))
        }
    }
    return r, nil
}

// RegisterDeliveryCallback adds a callback fired from ProcessInbound for
// every accepted inbound message.
func (r *Router) RegisterDeliveryCallback(cb func(*lxm.Message)) {
    if cb != nil {
        r.deliveryCallbacks = append(r.deliveryCallbacks, cb)
    }
}

// Announce publishes the delivery destination. With nil appData the
// default announce payload of display name and inbound stamp cost is used.
func (r *Router) Announce(appData []byte, pathResponse bool) {
    if appData == nil {
        appData = AnnounceAppData(r.cfg.DisplayName, r.cfg.StampCost)
    }
    r.deliveryDest.Announce(appData, pathResponse)
}

// SetOutboundPropagationNode pins the relay used for propagated delivery
// and sync, overriding directory selection. Nil reverts to the directory.
func (r *Router) SetOutboundPropagationNode(destinationHash []byte) {
    r.propagationNode = append([]byte(nil), destinationHash...)
}

// OutboundPropagationNode returns the pinned relay hash, nil when relay
// selection is left to the directory.
func (r *Router) OutboundPropagationNode() []byte { return r.propagationNode }

// UpdateStampCost records the stamp cost a destination requires for
// delivery, learned from its announce.
func (r *Router) UpdateStampCost(destinationHash []byte, cost int) {
    r.outboundStampCosts[string(destinationHash)] = cost
    r.saveState()
}

// OutboundStampCost returns the recorded stamp cost for a destination,
// zero when none is known.
func (r *Router) OutboundStampCost(destinationHash []byte) int {
    return r.outboundStampCosts[string(destinationHash)]
}

// PendingOutboundCount reports queued outbound messages, including one in
// flight as a resource transfer.
func (r *Router) PendingOutboundCount() int { return r.outbound.len() }

// FailedCount reports messages in the failed queue.
func (r *Router) FailedCount() int { return r.failed.len() }

// ClearFailed empties the failed queue.
func (r *Router) ClearFailed() { r.failed.drain() }

// RetryFailed moves every failed message back to the outbound queue with
// reset delivery accounting.
func (r *Router) RetryFailed() {
    for _, m := range r.failed.drain() {
        m.State = lxm.StateOutbound
        m.DeliveryAttempts = 0
        m.NextDeliveryAttempt = 0
        if evicted, dropped := r.outbound.push(m); dropped {
            r.failMessage(evicted)
        }
    }
}

// HandleOutbound packs, stamps and enqueues a message for delivery. The
// method and representation are resolved immediately from the packed size;
// strategy readiness is evaluated on subsequent ProcessOutbound ticks.
func (r *Router) HandleOutbound(m *lxm.Message) error {
    if m.StampCost == 0 {
        m.StampCost = r.OutboundStampCost(m.DestinationHash)
    }
    if _, err := m.Pack(); err != nil {
        return err
    }
    if m.StampCost > 0 && m.Stamp == nil {
        st, value := stamp.Generate(r.ctx, m.Hash, m.StampCost, stamp.DirectRounds, nil)
        if st == nil {
            if err := r.ctx.Err(); err != nil {
                return err
            }
            return errStampGeneration
        }
        r.log.Debug("stamp generated",
            zap.String("message", m.String()),
            zap.Int("value", value))
        m.Stamp = st
        m.ClearPacked()
        if _, err := m.Pack(); err != nil {
            return err
        }
    }

    if r.cfg.PropagationOnly {
        m.DesiredMethod = lxm.MethodPropagated
    }
    m.ResolveDelivery(r.budget())
    m.State = lxm.StateOutbound

    r.log.Debug("outbound message queued",
        zap.String("message", m.String()),
        zap.String("method", m.Method.String()))
    if evicted, dropped := r.outbound.push(m); dropped {
        r.failMessage(evicted)
    }
    return nil
}

func (r *Router) budget() lxm.Budget {
    mdu := r.t.MDU()
    return lxm.Budget{Opportunistic: mdu, LinkPacket: mdu}
}

// ProcessOutbound runs one outbound tick. Only the queue head is
// processed; a message waiting on a readiness condition blocks those
// behind it until it succeeds or fails. A panic while processing is
// converted to a Failed outcome for the head message and never propagates
// out of the tick.
func (r *Router) ProcessOutbound() {
    head, ok := r.outbound.peek()
    if !ok {
        r.processSync()
        return
    }
    defer func() {
        if rec := recover(); rec != nil {
            r.log.Error("outbound processing panic", zap.Any("panic", rec))
            r.outbound.removeFunc(func(q *lxm.Message) bool { return q == head })
            r.failMessage(head)
        }
    }()

    now := r.clock()
    switch {
    case head.State == lxm.StateSending:
        // Resource transfer in flight, wait for its conclusion.
    case head.NextDeliveryAttempt > now.Unix():
        // Backed off.
    default:
        r.processHead(head, now)
    }
    r.processSync()
}

func (r *Router) processHead(m *lxm.Message, now time.Time) {
    if m.DeliveryAttempts >= MaxDeliveryAttempts {
        r.log.Warn("delivery attempts exhausted", zap.String("message", m.String()))
        r.popHead(m)
        r.failMessage(m)
        return
    }

    if r.cfg.PropagationOnly {
        m.DesiredMethod = lxm.MethodPropagated
    }
    m.ResolveDelivery(r.budget())

    switch m.Method {
    case lxm.MethodOpportunistic:
        r.sendOpportunistic(m, now)
    case lxm.MethodDirect:
        r.sendDirect(m, now)
    case lxm.MethodPropagated:
        r.sendPropagated(m, now)
    default:
        r.popHead(m)
        r.failMessage(m)
    }
}

func (r *Router) sendOpportunistic(m *lxm.Message, now time.Time) {
    if !r.requirePath(m, now) {
        return
    }
    ident := r.t.Recall(m.DestinationHash)
    if ident == nil {
        if r.rerouteToPropagation(m) {
            return
        }
        m.NextDeliveryAttempt = now.Add(DeliveryRetryWait).Unix()
        return
    }

    m.DeliveryAttempts++
    m.State = lxm.StateSending
    dest, err := r.t.OutDestination(ident, lxm.AppName, AspectDelivery)
    if err != nil {
        r.popHead(m)
        r.failMessage(m)
        return
    }
    pkt := r.t.NewPacket(dest, m.OpportunisticWire())
    receipt, err := pkt.Send()
    if err != nil {
        r.popHead(m)
        r.failMessage(m)
        return
    }
    // Sent is marked before the proof callback is registered: a transport
    // proving delivery synchronously must observe the Sent transition
    // first.
    r.markSent(m)
    if receipt != nil {
        r.receiptTable.insert(receipt.Hash(), m)
        receipt.SetDeliveryCallback(r.handleReceiptProof)
    }
}

func (r *Router) sendDirect(m *lxm.Message, now time.Time) {
    if !r.requirePath(m, now) {
        return
    }
    link, waiting := r.getOrCreateLink(r.directLinks, m.DestinationHash, AspectDelivery, now)
    if waiting {
        m.NextDeliveryAttempt = now.Add(LinkPendingPoll).Unix()
        return
    }
    if link == nil {
        // No recalled identity yet, cannot establish a link this tick.
        if r.rerouteToPropagation(m) {
            return
        }
        m.NextDeliveryAttempt = now.Add(DeliveryRetryWait).Unix()
        return
    }

    m.DeliveryAttempts++
    if m.Representation == lxm.RepresentationPacket && len(m.Packed()) <= link.MDU() {
        m.State = lxm.StateSending
        receipt, err := link.NewPacket(m.Packed()).Send()
        if err != nil {
            r.popHead(m)
            r.failMessage(m)
            return
        }
        r.markSent(m)
        if receipt != nil {
            r.receiptTable.insert(receipt.Hash(), m)
            receipt.SetDeliveryCallback(r.handleReceiptProof)
        }
        return
    }
    r.sendResource(m, link, m.Packed(), false)
}

// sendResource hands data to the link as a chunked transfer. The message
// stays at the queue head in Sending state until the conclusion callback
// resolves it.
func (r *Router) sendResource(m *lxm.Message, link transport.Link, data []byte, propagated bool) {
    m.State = lxm.StateSending
    key := identity.ContentHash(data)
    r.resourceTable.insert(key, &pendingResource{msg: m, propagated: propagated})
    if _, err := link.SendResource(data, r.handleResourceConcluded); err != nil {
        r.resourceTable.remove(key)
        r.popHead(m)
        r.failMessage(m)
    }
}

// requirePath checks transport path knowledge, requesting a path and
// backing off when absent. Returns true when the path is known.
func (r *Router) requirePath(m *lxm.Message, now time.Time) bool {
    if r.t.HasPath(m.DestinationHash) {
        return true
    }
    r.log.Debug("no path, requesting", zap.String("message", m.String()))
    m.DeliveryAttempts++
    r.t.RequestPath(m.DestinationHash)
    m.NextDeliveryAttempt = now.Add(PathRequestWait).Unix()
    return false
}

// rerouteToPropagation switches a message to propagated delivery when
// fallback is enabled and a relay is available.
func (r *Router) rerouteToPropagation(m *lxm.Message) bool {
    if !r.cfg.FallbackToPropagation || r.relayInfo() == nil {
        return false
    }
    r.log.Debug("falling back to propagated delivery", zap.String("message", m.String()))
    m.DesiredMethod = lxm.MethodPropagated
    m.Method = lxm.MethodPropagated
    m.Representation = lxm.RepresentationResource
    return true
}

// getOrCreateLink returns an active link to the destination, creating one
// when necessary. It returns (nil, true) while establishment is pending,
// and (nil, false) when no link can be created this tick.
func (r *Router) getOrCreateLink(pool *table[*linkEntry], destinationHash []byte, aspect string, now time.Time) (transport.Link, bool) {
    if entry, ok := pool.get(destinationHash); ok {
        switch entry.link.Status() {
        case transport.LinkActive:
            return entry.link, false
        case transport.LinkPending:
            if now.Sub(entry.created) <= LinkEstablishmentTimeout {
                return nil, true
            }
            r.log.Debug("link establishment timed out, recreating")
            entry.link.Teardown()
            pool.remove(destinationHash)
        case transport.LinkClosed:
            pool.remove(destinationHash)
        }
    }

    ident := r.t.Recall(destinationHash)
    if ident == nil {
        return nil, false
    }
    dest, err := r.t.OutDestination(ident, lxm.AppName, aspect)
    if err != nil {
        return nil, false
    }
    key := append([]byte(nil), destinationHash...)
    link, err := r.t.NewLink(dest, nil, func(l transport.Link) {
        if entry, ok := pool.get(key); ok && entry.link == l {
            pool.remove(key)
        }
    })
    if err != nil {
        return nil, false
    }
    if old, dropped := pool.insert(destinationHash, &linkEntry{link: link, created: now}); dropped && old != nil {
        old.link.Teardown()
    }
    if link.Status() == transport.LinkActive {
        return link, false
    }
    return nil, true
}

// popHead removes the message from the outbound queue; it is always the
// current head when called from tick processing.
func (r *Router) popHead(m *lxm.Message) {
    r.outbound.removeFunc(func(q *lxm.Message) bool { return q == m })
}

func (r *Router) markSent(m *lxm.Message) {
    m.State = lxm.StateSent
    r.popHead(m)
    r.log.Debug("message sent", zap.String("message", m.String()))
    if m.SentCallback != nil {
        m.SentCallback(m)
    }
}

func (r *Router) failMessage(m *lxm.Message) {
    if m == nil {
        return
    }
    m.State = lxm.StateFailed
    r.log.Warn("message failed", zap.String("message", m.String()))
    if m.FailedCallback != nil {
        m.FailedCallback(m)
    }
    if evicted, dropped := r.failed.push(m); dropped && evicted != nil {
        r.log.Warn("failed queue full, dropping oldest", zap.String("message", evicted.String()))
    }
}

// handleReceiptProof resolves a transport delivery proof to its message.
// Unknown or duplicate proofs resolve to nothing.
func (r *Router) handleReceiptProof(receipt transport.Receipt) {
    m, ok := r.receiptTable.get(receipt.Hash())
    if !ok {
        return
    }
    r.receiptTable.remove(receipt.Hash())
    m.State = lxm.StateDelivered
    r.log.Debug("delivery proven", zap.String("message", m.String()))
    m.InvokeDelivered()
}

// handleResourceConcluded resolves a resource transfer conclusion. Direct
// transfers complete to Delivered; propagated transfers complete to Sent
// only, final delivery being outside this node's visibility.
func (r *Router) handleResourceConcluded(res transport.Resource) {
    entry, ok := r.resourceTable.get(res.Hash())
    if !ok {
        return
    }
    r.resourceTable.remove(res.Hash())
    m := entry.msg
    r.popHead(m)

    if res.Status() != transport.ResourceComplete {
        r.failMessage(m)
        return
    }
    m.State = lxm.StateSent
    if m.SentCallback != nil {
        m.SentCallback(m)
    }
    if entry.propagated {
        return
    }
    m.State = lxm.StateDelivered
    m.InvokeDelivered()
}

// handleDeliveryPacket receives an opportunistic frame. The wire omits the
// destination hash, implicit in the addressed endpoint, so it is
// reconstructed before decode.
func (r *Router) handleDeliveryPacket(data []byte, pkt transport.Packet) {
    wire := make([]byte, 0, len(r.deliveryDest.Hash())+len(data))
    wire = append(wire, r.deliveryDest.Hash()...)
    wire = append(wire, data...)
    r.deliver(wire, lxm.MethodOpportunistic, pkt)
}

// handleDeliveryLink accepts an inbound link and binds its packet and
// resource callbacks to this router.
func (r *Router) handleDeliveryLink(l transport.Link) {
    l.SetPacketCallback(func(data []byte, pkt transport.Packet) {
        r.deliver(data, lxm.MethodDirect, nil)
    })
    l.SetResourceConcludedCallback(func(res transport.Resource) {
        if res.Status() == transport.ResourceComplete {
            r.deliver(res.Data(), lxm.MethodDirect, nil)
        }
    })
}

// deliver validates an inbound frame and enqueues it for ProcessInbound.
// Messages from not-yet-learned sources are provisionally accepted:
// announces may lag behind first contact in a store-and-forward mesh.
func (r *Router) deliver(wire []byte, method lxm.Method, pkt transport.Packet) {
    m, err := lxm.Unpack(wire, method, false, r.t)
    if err != nil {
        r.log.Debug("inbound frame rejected", zap.Error(err))
        return
    }
    if !bytes.Equal(m.DestinationHash, r.deliveryDest.Hash()) {
        return
    }
    if !m.SignatureValidated && m.UnverifiedReason != lxm.ReasonSourceUnknown {
        r.log.Warn("inbound message rejected",
            zap.String("message", m.String()),
            zap.String("reason", m.UnverifiedReason.String()))
        return
    }
    if r.cfg.EnforceStamps && r.cfg.StampCost > 0 && !m.ValidateStamp(r.cfg.StampCost) {
        r.log.Warn("inbound message rejected, invalid stamp", zap.String("message", m.String()))
        return
    }

    if method == lxm.MethodOpportunistic && pkt != nil {
        pkt.Prove()
    }

    if _, seen := r.deliveredIDs.get(m.Hash); seen {
        r.log.Debug("duplicate inbound message ignored", zap.String("message", m.String()))
        return
    }
    r.deliveredIDs.insert(m.Hash, struct{}{})
    r.saveState()

    if evicted, dropped := r.inbound.push(m); dropped && evicted != nil {
        r.log.Warn("inbound queue full, dropping oldest", zap.String("message", evicted.String()))
    }
}

// ProcessInbound runs one inbound tick, dispatching every queued message
// to the registered delivery callbacks. A panicking callback is contained
// and logged.
func (r *Router) ProcessInbound() {
    for _, m := range r.inbound.drain() {
        for _, cb := range r.deliveryCallbacks {
            r.dispatch(cb, m)
        }
    }
}

func (r *Router) dispatch(cb func(*lxm.Message), m *lxm.Message) {
    defer func() {
        if rec := recover(); rec != nil {
            r.log.Error("delivery callback panic", zap.Any("panic", rec))
        }
    }()
    cb(m)
}
