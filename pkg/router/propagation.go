package router

import (
    "bytes"
    "time"

    "github.com/vmihailenco/msgpack/v5"
    "go.uber.org/zap"

    "lxmesh/pkg/lxm"
    "lxmesh/pkg/stamp"
    "lxmesh/pkg/transport"
)

// SyncState tracks the propagation-node sync-pull sub-protocol. Error
// states carry the high bit range so a UI can distinguish them from
// progress.
type SyncState uint8

const (
    SyncIdle             SyncState = 0x00
    SyncPathRequested    SyncState = 0x01
    SyncLinkEstablishing SyncState = 0x02
    SyncLinkEstablished  SyncState = 0x03
    SyncRequestSent      SyncState = 0x04
    SyncReceiving        SyncState = 0x05
    SyncResponseReceived SyncState = 0x06
    SyncComplete         SyncState = 0x07

    SyncNoPath         SyncState = 0xf0
    SyncLinkFailed     SyncState = 0xf1
    SyncTransferFailed SyncState = 0xf2
)

func (s SyncState) String() string {
    switch s {
    case SyncIdle:
        return "idle"
    case SyncPathRequested:
        return "path requested"
    case SyncLinkEstablishing:
        return "link establishing"
    case SyncLinkEstablished:
        return "link established"
    case SyncRequestSent:
        return "request sent"
    case SyncReceiving:
        return "receiving"
    case SyncResponseReceived:
        return "response received"
    case SyncComplete:
        return "complete"
    case SyncNoPath:
        return "no path"
    case SyncLinkFailed:
        return "link failed"
    case SyncTransferFailed:
        return "transfer failed"
    default:
        return "unknown"
    }
}

type syncSession struct {
    state    SyncState
    node     []byte
    link     transport.Link
    deadline int64
    limit    int
}

// AnnounceAppData encodes the announce payload carried by a delivery
// destination: display name and required inbound stamp cost.
func AnnounceAppData(displayName string, stampCost int) []byte {
    var cost any
    if stampCost > 0 {
        cost = stampCost
    }
    data, err := msgpack.Marshal([]any{[]byte(displayName), cost})
    if err != nil {
        return nil
    }
    return data
}

// relayInfo resolves the effective propagation relay: the pinned node when
// one is set, otherwise the directory's best candidate.
func (r *Router) relayInfo() *transport.NodeInfo {
    if r.dir == nil {
        return nil
    }
    if r.propagationNode != nil {
        return r.dir.Node(r.propagationNode)
    }
    return r.dir.EffectiveNode()
}

// sendPropagated hands the message to a relay for later pickup by the
// recipient. Local visibility ends at Sent: the relay's onward delivery is
// never observed here.
func (r *Router) sendPropagated(m *lxm.Message, now time.Time) {
    relay := r.relayInfo()
    if relay == nil || !relay.Enabled {
        r.log.Debug("no usable propagation node", zap.String("message", m.String()))
        m.NextDeliveryAttempt = now.Add(DeliveryRetryWait).Unix()
        return
    }
    if !r.t.HasPath(relay.DestinationHash) {
        m.DeliveryAttempts++
        r.t.RequestPath(relay.DestinationHash)
        m.NextDeliveryAttempt = now.Add(PathRequestWait).Unix()
        return
    }
    link, waiting := r.getOrCreateLink(r.propLinks, relay.DestinationHash, AspectPropagation, now)
    if waiting {
        m.NextDeliveryAttempt = now.Add(LinkPendingPoll).Unix()
        return
    }
    if link == nil {
        m.NextDeliveryAttempt = now.Add(DeliveryRetryWait).Unix()
        return
    }

    if relay.StampCost > 0 && m.PropagationStamp == nil {
        // The transient id covers the cached ciphertext; mining binds the
        // stamp to those exact bytes, so the later pack must reuse them.
        tid, err := m.PropagationTransientID()
        if err != nil {
            r.popHead(m)
            r.failMessage(m)
            return
        }
        st, value := stamp.Generate(r.ctx, tid, relay.StampCost, stamp.PropagationRounds, nil)
        if st == nil {
            r.popHead(m)
            r.failMessage(m)
            return
        }
        r.log.Debug("propagation stamp generated",
            zap.String("message", m.String()),
            zap.Int("value", value))
        m.PropagationStamp = st
    }

    data, err := m.PackPropagated(float64(now.UnixNano()) / 1e9)
    if err != nil {
        r.popHead(m)
        r.failMessage(m)
        return
    }
    m.DeliveryAttempts++
    r.sendResource(m, link, data, true)
}

// RequestMessagesFromPropagationNode starts a sync-pull from the effective
// relay. limit caps the number of messages transferred, zero meaning all.
// Progress is observable through SyncStatus; a running sync is not
// restarted.
func (r *Router) RequestMessagesFromPropagationNode(limit int) {
    if r.sync.state != SyncIdle && r.sync.state < SyncComplete {
        return
    }
    relay := r.relayInfo()
    if relay == nil {
        r.log.Warn("cannot sync, no propagation node known")
        return
    }
    r.sync = syncSession{
        state:    SyncPathRequested,
        node:     append([]byte(nil), relay.DestinationHash...),
        deadline: r.clock().Add(PathRequestWait).Unix(),
        limit:    limit,
    }
    if !r.t.HasPath(relay.DestinationHash) {
        r.t.RequestPath(relay.DestinationHash)
    }
}

// SyncStatus reports the sync-pull state machine's current state.
func (r *Router) SyncStatus() SyncState { return r.sync.state }

// CancelSync tears down an in-flight sync and returns to idle.
func (r *Router) CancelSync() {
    if r.sync.link != nil {
        r.sync.link.Teardown()
    }
    r.sync = syncSession{}
}

// processSync advances the sync-pull state machine one step per tick.
func (r *Router) processSync() {
    now := r.clock()
    switch r.sync.state {
    case SyncPathRequested:
        if r.t.HasPath(r.sync.node) {
            r.syncEstablishLink(now)
            return
        }
        if now.Unix() > r.sync.deadline {
            r.log.Warn("sync failed, no path to propagation node")
            r.sync.state = SyncNoPath
        }
    case SyncLinkEstablishing:
        if r.sync.link != nil && r.sync.link.Status() == transport.LinkActive {
            r.sync.state = SyncLinkEstablished
            return
        }
        if now.Unix() > r.sync.deadline {
            r.log.Warn("sync failed, link establishment timed out")
            if r.sync.link != nil {
                r.sync.link.Teardown()
                r.sync.link = nil
            }
            r.sync.state = SyncLinkFailed
        }
    case SyncLinkEstablished:
        r.syncSendRequest(now)
    }
}

func (r *Router) syncEstablishLink(now time.Time) {
    ident := r.t.Recall(r.sync.node)
    if ident == nil {
        r.log.Warn("sync failed, propagation node identity unknown")
        r.sync.state = SyncLinkFailed
        return
    }
    dest, err := r.t.OutDestination(ident, lxm.AppName, AspectPropagation)
    if err != nil {
        r.sync.state = SyncLinkFailed
        return
    }
    link, err := r.t.NewLink(dest, nil, func(l transport.Link) {
        if r.sync.link == l && r.sync.state < SyncComplete {
            r.sync.state = SyncLinkFailed
            r.sync.link = nil
        }
    })
    if err != nil {
        r.sync.state = SyncLinkFailed
        return
    }
    r.sync.link = link
    r.sync.state = SyncLinkEstablishing
    r.sync.deadline = now.Add(LinkEstablishmentTimeout).Unix()
}

// syncSendRequest identifies to the relay and asks for queued messages.
// The response arrives as a resource holding a msgpack list of propagated
// message blobs.
func (r *Router) syncSendRequest(now time.Time) {
    link := r.sync.link
    if link == nil || link.Status() != transport.LinkActive {
        r.sync.state = SyncLinkFailed
        return
    }
    link.Identify(r.id)
    link.SetResourceConcludedCallback(r.syncResourceConcluded)

    request, err := msgpack.Marshal([]any{float64(now.UnixNano()) / 1e9, r.sync.limit})
    if err != nil {
        r.sync.state = SyncTransferFailed
        return
    }
    if _, err := link.NewPacket(request).Send(); err != nil {
        r.log.Warn("sync request send failed", zap.Error(err))
        r.sync.state = SyncTransferFailed
        return
    }
    r.sync.state = SyncRequestSent
}

// syncResourceConcluded ingests the relay's response: every blob addressed
// to this node is decrypted and fed through the normal inbound path.
func (r *Router) syncResourceConcluded(res transport.Resource) {
    if r.sync.state != SyncRequestSent && r.sync.state != SyncReceiving {
        return
    }
    if res.Status() != transport.ResourceComplete {
        r.log.Warn("sync transfer failed")
        r.sync.state = SyncTransferFailed
        return
    }
    r.sync.state = SyncResponseReceived

    var blobs [][]byte
    if err := msgpack.Unmarshal(res.Data(), &blobs); err != nil {
        r.log.Warn("sync response malformed", zap.Error(err))
        r.sync.state = SyncTransferFailed
        return
    }
    accepted := 0
    for _, blob := range blobs {
        if r.ingestPropagated(blob) {
            accepted++
        }
    }
    r.log.Info("sync complete", zap.Int("received", len(blobs)), zap.Int("accepted", accepted))
    if r.sync.link != nil {
        r.sync.link.Teardown()
        r.sync.link = nil
    }
    r.sync.state = SyncComplete
}

// ingestPropagated unwraps one relay blob: destination hash, encrypted
// src||signature||payload, optional trailing propagation stamp. Blobs for
// other destinations are ignored.
func (r *Router) ingestPropagated(blob []byte) bool {
    if len(blob) <= lxm.DestinationLength {
        return false
    }
    destHash := blob[:lxm.DestinationLength]
    if !bytes.Equal(destHash, r.deliveryDest.Hash()) {
        return false
    }
    plaintext, err := r.id.Decrypt(blob[lxm.DestinationLength:])
    if err != nil {
        // The ciphertext may carry a trailing stamp; retry without it.
        if len(blob) <= lxm.DestinationLength+lxm.StampLength {
            return false
        }
        plaintext, err = r.id.Decrypt(blob[lxm.DestinationLength : len(blob)-lxm.StampLength])
        if err != nil {
            return false
        }
    }
    wire := make([]byte, 0, lxm.DestinationLength+len(plaintext))
    wire = append(wire, destHash...)
    wire = append(wire, plaintext...)
    r.deliver(wire, lxm.MethodPropagated, nil)
    return true
}
