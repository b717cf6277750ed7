package transport

import "time"

// Fixed sizes shared across the mesh surface. Destinations and identities
// are addressed by 16-byte truncated hashes; content ids are full 32-byte
// digests.
const (
    AddressLength = 16
    HashLength    = 32
)

// LinkStatus is the lifecycle of an established channel.
type LinkStatus int

const (
    LinkPending LinkStatus = iota
    LinkActive
    LinkClosed
)

func (s LinkStatus) String() string {
    switch s {
    case LinkPending:
        return "pending"
    case LinkActive:
        return "active"
    case LinkClosed:
        return "closed"
    default:
        return "unknown"
    }
}

// ResourceStatus is the lifecycle of a chunked transfer over a link.
type ResourceStatus int

const (
    ResourceQueued ResourceStatus = iota
    ResourceTransferring
    ResourceComplete
    ResourceFailed
)

// Identity is the cryptographic identity port. Sign/Verify cover the
// Ed25519 surface, Encrypt/Decrypt the asymmetric payload encryption used
// for propagated messages.
type Identity interface {
    // Hash returns the 16-byte truncated identity hash.
    Hash() []byte
    PublicKey() []byte
    // CanSign reports whether the private signing key is available.
    CanSign() bool
    Sign(data []byte) ([]byte, error)
    Verify(data, signature []byte) bool
    // Encrypt encrypts to this identity's public key.
    Encrypt(plaintext []byte) ([]byte, error)
    // Decrypt requires the private key.
    Decrypt(ciphertext []byte) ([]byte, error)
}

// Resolver recalls identities previously learned from announces.
type Resolver interface {
    // Recall returns the identity owning the given 16-byte destination
    // hash, or nil when it has not been learned yet.
    Recall(destinationHash []byte) Identity
}

// Packet is a single outbound frame bound to a destination or link.
type Packet interface {
    // Send transmits the packet and returns the receipt used for delivery
    // proof correlation.
    Send() (Receipt, error)
    // Prove sends a delivery proof back to the packet's originator.
    Prove()
}

// Receipt tracks a sent packet until the far side proves delivery.
type Receipt interface {
    // Hash is the 32-byte hash of the sent packet, the correlation key for
    // delivery proofs.
    Hash() []byte
    SetDeliveryCallback(cb func(Receipt))
}

// Resource is a reliable chunked transfer of an oversized payload.
type Resource interface {
    Status() ResourceStatus
    // Hash is the 32-byte content hash of the transferred data.
    Hash() []byte
    Data() []byte
}

// Link is an established ordered encrypted channel between two identities.
type Link interface {
    Status() LinkStatus
    // MDU is the maximum payload of a single packet over this link.
    MDU() int
    Teardown()
    // NewPacket builds a single packet bound to this link.
    NewPacket(data []byte) Packet
    // SendResource starts a chunked transfer; concluded fires exactly once
    // with the final status.
    SendResource(data []byte, concluded func(Resource)) (Resource, error)
    SetPacketCallback(cb func(data []byte, pkt Packet))
    SetClosedCallback(cb func(Link))
    // SetResourceConcludedCallback binds the handler fired when an inbound
    // resource transfer over this link concludes.
    SetResourceConcludedCallback(cb func(Resource))
    // Identify presents the given identity to the remote peer.
    Identify(identity Identity)
    RemoteIdentity() Identity
}

// Destination is an addressable endpoint derived from an identity and an
// application aspect ("delivery" or "propagation").
type Destination interface {
    // Hash returns the 16-byte destination hash.
    Hash() []byte
    Identity() Identity
    Announce(appData []byte, pathResponse bool)
    // SetPacketCallback binds the inbound packet handler for this
    // destination. Binding is per-destination; see package doc.
    SetPacketCallback(cb func(data []byte, pkt Packet))
    SetLinkEstablishedCallback(cb func(Link))
}

// Transport is the mesh path/messaging surface consumed by the router.
type Transport interface {
    Resolver

    HasPath(destinationHash []byte) bool
    RequestPath(destinationHash []byte)
    HopsTo(destinationHash []byte) int

    // MDU is the maximum payload of a single opportunistic packet.
    MDU() int

    // InDestination registers a local inbound endpoint for the identity
    // under the given app name and aspect.
    InDestination(identity Identity, appName, aspect string) (Destination, error)
    // OutDestination addresses a remote endpoint whose identity has been
    // recalled.
    OutDestination(identity Identity, appName, aspect string) (Destination, error)

    // NewPacket builds a single opportunistic packet to the destination.
    NewPacket(dest Destination, data []byte) Packet
    // NewLink initiates a link to the destination. The callbacks are bound
    // to this link only.
    NewLink(dest Destination, established func(Link), closed func(Link)) (Link, error)
}

// NodeInfo describes a known propagation relay.
type NodeInfo struct {
    DestinationHash []byte
    Enabled         bool
    StampCost       int
    Hops            int
    LastHeard       time.Time
}

// NodeDirectory is the propagation-relay discovery port. Implementations
// typically collect relay announces.
type NodeDirectory interface {
    // EffectiveNode returns the best usable relay: fewest hops, most
    // recently heard as tiebreak. Nil when none is known.
    EffectiveNode() *NodeInfo
    // Node returns a known relay by destination hash, or nil.
    Node(destinationHash []byte) *NodeInfo
}
