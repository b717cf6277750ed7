// Package lxm implements the message wire codec and signer: canonical
// payload encoding, content-addressed message ids, Ed25519 signatures, and
// the encrypted propagated packing used for relay delivery.
package lxm

// AppName is the application namespace destinations are derived under.
const AppName = "lxmf"

// Wire layout sizes.
const (
    DestinationLength = 16
    SourceLength      = 16
    SignatureLength   = 64
    HashLength        = 32
    StampLength       = 16

    // HeaderLength is the fixed prefix of a direct frame: destination and
    // source hashes plus the signature.
    HeaderLength = DestinationLength + SourceLength + SignatureLength
)

// MaxFieldCount caps the numeric-tag field map carried in the payload.
const MaxFieldCount = 32

// State is the delivery lifecycle of a message. Transitions are monotonic
// except the explicit failed-retry path (StateFailed back to StateOutbound).
type State uint8

const (
    StateGenerating State = iota
    StateOutbound
    StateSending
    StateSent
    StateDelivered
    StateRejected
    StateCancelled
    StateFailed
)

func (s State) String() string {
    switch s {
    case StateGenerating:
        return "generating"
    case StateOutbound:
        return "outbound"
    case StateSending:
        return "sending"
    case StateSent:
        return "sent"
    case StateDelivered:
        return "delivered"
    case StateRejected:
        return "rejected"
    case StateCancelled:
        return "cancelled"
    case StateFailed:
        return "failed"
    default:
        return "unknown"
    }
}

// Method is the delivery strategy.
type Method uint8

const (
    MethodUnknown Method = iota
    MethodOpportunistic
    MethodDirect
    MethodPropagated
)

func (m Method) String() string {
    switch m {
    case MethodOpportunistic:
        return "opportunistic"
    case MethodDirect:
        return "direct"
    case MethodPropagated:
        return "propagated"
    default:
        return "unknown"
    }
}

// Representation selects single packet vs chunked resource for a transfer.
type Representation uint8

const (
    RepresentationPacket Representation = iota
    RepresentationResource
)

// Reason explains why a received message is not signature-validated.
type Reason uint8

const (
    ReasonNone Reason = iota
    // ReasonSourceUnknown means the source identity has not been learned
    // yet; the message may still be provisionally accepted.
    ReasonSourceUnknown
    ReasonSignatureInvalid
)

func (r Reason) String() string {
    switch r {
    case ReasonSourceUnknown:
        return "source unknown"
    case ReasonSignatureInvalid:
        return "signature invalid"
    default:
        return "none"
    }
}
