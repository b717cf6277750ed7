// Package mem is an in-process mesh implementing the transport ports. It
// delivers everything synchronously on the caller's goroutine, which makes
// it the reference harness for router tests and the demo daemon: tests
// control path knowledge, link establishment, and proof arrival explicitly.
package mem

import (
    "crypto/sha256"
    "errors"

    "lxmesh/pkg/identity"
    "lxmesh/pkg/transport"
)

var (
    ErrNoPath        = errors.New("mem: no path to destination")
    ErrNoDestination = errors.New("mem: no such destination")
    ErrLinkNotActive = errors.New("mem: link not active")
)

// Default packet budgets, sized like constrained radio transports.
const (
    DefaultMDU     = 431
    DefaultLinkMDU = 431
)

// Mesh is an in-process mesh. All operations are synchronous; callbacks
// fire on the calling goroutine, matching the router's single-threaded
// model.
type Mesh struct {
    // AutoEstablish activates new links immediately instead of leaving
    // them pending until EstablishAll.
    AutoEstablish bool
    // DeferConclusions holds resource completion callbacks until
    // ConcludeAll instead of firing them inside SendResource.
    DeferConclusions bool

    pendingConclusions []func()

    mdu     int
    linkMDU int

    destinations map[string]*destination
    identities   map[string]transport.Identity
    paths        map[string]bool
    hops         map[string]int

    // PathRequests counts RequestPath calls per destination hash, so
    // tests can assert backoff behavior.
    PathRequests map[string]int
}

// New creates an empty mesh with default budgets.
func New() *Mesh {
    return &Mesh{
        mdu:          DefaultMDU,
        linkMDU:      DefaultLinkMDU,
        destinations: make(map[string]*destination),
        identities:   make(map[string]transport.Identity),
        paths:        make(map[string]bool),
        hops:         make(map[string]int),
        PathRequests: make(map[string]int),
    }
}

// SetMDU overrides the opportunistic packet budget.
func (m *Mesh) SetMDU(n int) { m.mdu = n }

// SetLinkMDU overrides the link packet budget.
func (m *Mesh) SetLinkMDU(n int) { m.linkMDU = n }

// AddPath marks a destination reachable with the given hop count.
func (m *Mesh) AddPath(destinationHash []byte, hops int) {
    m.paths[string(destinationHash)] = true
    m.hops[string(destinationHash)] = hops
}

// DropPath removes path knowledge for a destination.
func (m *Mesh) DropPath(destinationHash []byte) {
    delete(m.paths, string(destinationHash))
}

// LearnIdentity seeds the recall table, as a processed announce would.
func (m *Mesh) LearnIdentity(destinationHash []byte, id transport.Identity) {
    m.identities[string(destinationHash)] = id
}

// ConcludeAll fires deferred resource conclusions in submission order.
func (m *Mesh) ConcludeAll() {
    pending := m.pendingConclusions
    m.pendingConclusions = nil
    for _, fire := range pending {
        fire()
    }
}

// EstablishAll activates every pending link, firing established callbacks
// on both ends.
func (m *Mesh) EstablishAll() {
    for _, d := range m.destinations {
        for _, l := range d.links {
            if l.status == transport.LinkPending {
                l.activate()
            }
        }
    }
}

func (m *Mesh) Recall(destinationHash []byte) transport.Identity {
    return m.identities[string(destinationHash)]
}

func (m *Mesh) HasPath(destinationHash []byte) bool {
    return m.paths[string(destinationHash)]
}

func (m *Mesh) RequestPath(destinationHash []byte) {
    m.PathRequests[string(destinationHash)]++
}

func (m *Mesh) HopsTo(destinationHash []byte) int {
    if h, ok := m.hops[string(destinationHash)]; ok {
        return h
    }
    return -1
}

func (m *Mesh) MDU() int { return m.mdu }

func (m *Mesh) InDestination(id transport.Identity, appName, aspect string) (transport.Destination, error) {
    hash := identity.DestinationHash(appName, aspect, id.Hash())
    d := &destination{mesh: m, id: id, hash: hash, local: true}
    m.destinations[string(hash)] = d
    return d, nil
}

func (m *Mesh) OutDestination(id transport.Identity, appName, aspect string) (transport.Destination, error) {
    if id == nil {
        return nil, ErrNoDestination
    }
    hash := identity.DestinationHash(appName, aspect, id.Hash())
    return &destination{mesh: m, id: id, hash: hash}, nil
}

// NewPacket builds an opportunistic packet. Send delivers synchronously to
// the registered inbound destination when a path exists.
func (m *Mesh) NewPacket(dest transport.Destination, data []byte) transport.Packet {
    return &packet{mesh: m, destHash: dest.Hash(), data: append([]byte(nil), data...)}
}

// NewLink initiates a link to a remote destination. The link stays pending
// until EstablishAll unless AutoEstablish is set.
func (m *Mesh) NewLink(dest transport.Destination, established func(transport.Link), closed func(transport.Link)) (transport.Link, error) {
    remote, ok := m.destinations[string(dest.Hash())]
    if !ok {
        return nil, ErrNoDestination
    }
    l := &link{
        mesh:        m,
        remote:      remote,
        status:      transport.LinkPending,
        established: established,
        closed:      closed,
        mdu:         m.linkMDU,
    }
    l.peer = &link{mesh: m, remote: nil, status: transport.LinkPending, mdu: m.linkMDU, peer: l}
    remote.links = append(remote.links, l)
    if m.AutoEstablish {
        l.activate()
    }
    return l, nil
}

type destination struct {
    mesh  *Mesh
    id    transport.Identity
    hash  []byte
    local bool

    packetCb func(data []byte, pkt transport.Packet)
    linkCb   func(transport.Link)

    links []*link
}

func (d *destination) Hash() []byte                  { return d.hash }
func (d *destination) Identity() transport.Identity { return d.id }

// Announce publishes the destination: the mesh learns its identity and
// records a path, as a real announce propagation would.
func (d *destination) Announce(appData []byte, pathResponse bool) {
    d.mesh.identities[string(d.hash)] = d.id
    d.mesh.paths[string(d.hash)] = true
    if _, ok := d.mesh.hops[string(d.hash)]; !ok {
        d.mesh.hops[string(d.hash)] = 1
    }
}

func (d *destination) SetPacketCallback(cb func(data []byte, pkt transport.Packet)) {
    d.packetCb = cb
}

func (d *destination) SetLinkEstablishedCallback(cb func(transport.Link)) {
    d.linkCb = cb
}

type packet struct {
    mesh     *Mesh
    destHash []byte
    data     []byte
    link     *link // non-nil for link-bound packets

    receipt *receipt
    proved  bool
}

func (p *packet) Send() (transport.Receipt, error) {
    hash := sha256.Sum256(p.data)
    p.receipt = &receipt{hash: hash[:]}

    if p.link != nil {
        if p.link.status != transport.LinkActive {
            return nil, ErrLinkNotActive
        }
        peer := p.link.peer
        if peer != nil && peer.packetCb != nil {
            inbound := &packet{mesh: p.mesh, data: p.data, link: peer, receipt: p.receipt}
            peer.packetCb(p.data, inbound)
        }
        return p.receipt, nil
    }

    if !p.mesh.paths[string(p.destHash)] {
        return nil, ErrNoPath
    }
    dest, ok := p.mesh.destinations[string(p.destHash)]
    if !ok || dest.packetCb == nil {
        return nil, ErrNoDestination
    }
    inbound := &packet{mesh: p.mesh, destHash: p.destHash, data: p.data, receipt: p.receipt}
    dest.packetCb(p.data, inbound)
    return p.receipt, nil
}

// Prove fires the sender's delivery callback, exactly once. A proof
// arriving before the callback is registered is held and fired on
// registration.
func (p *packet) Prove() {
    if p.proved || p.receipt == nil {
        return
    }
    p.proved = true
    p.receipt.prove()
}

type receipt struct {
    hash       []byte
    deliveryCb func(transport.Receipt)
    proven     bool
}

func (r *receipt) Hash() []byte { return r.hash }

func (r *receipt) SetDeliveryCallback(cb func(transport.Receipt)) {
    r.deliveryCb = cb
    if r.proven && cb != nil {
        cb(r)
    }
}

func (r *receipt) prove() {
    if r.proven {
        return
    }
    r.proven = true
    if r.deliveryCb != nil {
        r.deliveryCb(r)
    }
}

type link struct {
    mesh   *Mesh
    remote *destination // inbound endpoint (initiator side only)
    peer   *link        // far end of the pair
    status transport.LinkStatus
    mdu    int

    established func(transport.Link)
    closed      func(transport.Link)

    packetCb   func(data []byte, pkt transport.Packet)
    closedCb   func(transport.Link)
    resourceCb func(transport.Resource)

    identified transport.Identity
}

func (l *link) activate() {
    if l.status != transport.LinkPending {
        return
    }
    l.status = transport.LinkActive
    if l.peer != nil {
        l.peer.status = transport.LinkActive
    }
    if l.remote != nil && l.remote.linkCb != nil {
        l.remote.linkCb(l.peer)
    }
    if l.established != nil {
        l.established(l)
    }
}

func (l *link) Status() transport.LinkStatus { return l.status }
func (l *link) MDU() int                     { return l.mdu }

func (l *link) Teardown() {
    if l.status == transport.LinkClosed {
        return
    }
    l.status = transport.LinkClosed
    if l.peer != nil {
        l.peer.status = transport.LinkClosed
        if l.peer.closedCb != nil {
            l.peer.closedCb(l.peer)
        }
    }
    if l.closed != nil {
        l.closed(l)
    }
    if l.closedCb != nil {
        l.closedCb(l)
    }
}

func (l *link) NewPacket(data []byte) transport.Packet {
    return &packet{mesh: l.mesh, data: append([]byte(nil), data...), link: l}
}

// SendResource transfers data to the far end synchronously. The remote
// resource-concluded callback fires first, then the sender's.
func (l *link) SendResource(data []byte, concluded func(transport.Resource)) (transport.Resource, error) {
    if l.status != transport.LinkActive {
        return nil, ErrLinkNotActive
    }
    hash := sha256.Sum256(data)
    res := &resource{status: transport.ResourceComplete, hash: hash[:], data: append([]byte(nil), data...)}
    fire := func() {
        if l.peer != nil && l.peer.resourceCb != nil {
            l.peer.resourceCb(res)
        }
        if concluded != nil {
            concluded(res)
        }
    }
    if l.mesh.DeferConclusions {
        l.mesh.pendingConclusions = append(l.mesh.pendingConclusions, fire)
    } else {
        fire()
    }
    return res, nil
}

func (l *link) SetPacketCallback(cb func(data []byte, pkt transport.Packet)) { l.packetCb = cb }
func (l *link) SetClosedCallback(cb func(transport.Link))                    { l.closedCb = cb }
func (l *link) SetResourceConcludedCallback(cb func(transport.Resource))     { l.resourceCb = cb }

func (l *link) Identify(id transport.Identity) {
    if l.peer != nil {
        l.peer.identified = id
    }
}

func (l *link) RemoteIdentity() transport.Identity { return l.identified }

type resource struct {
    status transport.ResourceStatus
    hash   []byte
    data   []byte
}

func (r *resource) Status() transport.ResourceStatus { return r.status }
func (r *resource) Hash() []byte                     { return r.hash }
func (r *resource) Data() []byte                     { return r.data }
