package lxm

import (
    "crypto/sha256"
    "encoding/hex"
    "time"

    "lxmesh/pkg/stamp"
    "lxmesh/pkg/transport"
)

// Budget carries the externally supplied size limits used to resolve the
// delivery method and representation of a packed message.
type Budget struct {
    // Opportunistic is the maximum opportunistic wire size (the frame
    // without its destination prefix) that fits one packet.
    Opportunistic int
    // LinkPacket is the maximum single-packet payload over a link; larger
    // transfers go as a resource.
    LinkPacket int
}

// Message is a logical message plus its packed wire form and delivery
// bookkeeping. A message is owned by exactly one router queue slot at a
// time.
type Message struct {
    DestinationHash []byte
    SourceHash      []byte
    Timestamp       float64
    Title           []byte
    Content         []byte
    Fields          map[uint8][]byte

    // Derived on Pack.
    Hash      []byte
    Signature []byte

    Stamp            []byte
    PropagationStamp []byte

    State          State
    DesiredMethod  Method
    Method         Method
    Representation Representation

    // SourceIdentity signs outbound messages and verifies inbound ones.
    SourceIdentity transport.Identity
    // DestinationIdentity is required for propagated packing.
    DestinationIdentity transport.Identity

    Incoming           bool
    SignatureValidated bool
    UnverifiedReason   Reason

    StampCost             int
    DeliveryAttempts      int
    NextDeliveryAttempt   int64
    Progress              float64

    SentCallback   func(*Message)
    FailedCallback func(*Message)

    packed       []byte // full wire frame: dest || src || signature || payload
    payloadBytes []byte // original payload bytes, kept for signature checks
    ciphertext   []byte // cached propagated encryption of src||sig||payload

    deliveredCallbacks []func(*Message)
}

// New builds an outbound message between two identities.
func New(dest, src transport.Identity, destinationHash, sourceHash []byte, title, content []byte, desired Method) *Message {
    return &Message{
        DestinationHash:     append([]byte(nil), destinationHash...),
        SourceHash:          append([]byte(nil), sourceHash...),
        Title:               title,
        Content:             content,
        DesiredMethod:       desired,
        Method:              desired,
        State:               StateGenerating,
        SourceIdentity:      src,
        DestinationIdentity: dest,
    }
}

// RegisterDeliveredCallback adds a callback fired exactly once when a
// delivery proof for this message resolves.
func (m *Message) RegisterDeliveredCallback(cb func(*Message)) {
    if cb != nil {
        m.deliveredCallbacks = append(m.deliveredCallbacks, cb)
    }
}

// InvokeDelivered fires all registered delivered callbacks.
func (m *Message) InvokeDelivered() {
    for _, cb := range m.deliveredCallbacks {
        cb(m)
    }
}

// Pack serializes the message into its canonical wire frame, assigns the
// timestamp once if unset, derives the message hash and signs it. Packing
// an already-packed message is a no-op returning the cached bytes.
func (m *Message) Pack() ([]byte, error) {
    if m.packed != nil {
        return m.packed, nil
    }
    if len(m.Fields) > MaxFieldCount {
        return nil, ErrTooManyFields
    }
    if m.Timestamp == 0 {
        m.Timestamp = float64(time.Now().UnixNano()) / 1e9
    }

    // Hash and signature cover the stamp-less payload, so a stamp mined
    // against the hash can be embedded afterwards without invalidating
    // either. The wire payload grows to arity 5 when a stamp is present.
    core, err := encodePayload(payload{
        Timestamp: m.Timestamp,
        Title:     m.Title,
        Content:   m.Content,
        Fields:    m.Fields,
    })
    if err != nil {
        return nil, err
    }

    hashedPart := concat(m.DestinationHash, m.SourceHash, core)
    sum := sha256.Sum256(hashedPart)
    m.Hash = sum[:]

    if m.SourceIdentity == nil || !m.SourceIdentity.CanSign() {
        return nil, ErrSigning
    }
    sig, err := m.SourceIdentity.Sign(concat(hashedPart, m.Hash))
    if err != nil {
        return nil, ErrSigning
    }
    m.Signature = sig

    wirePayload := core
    if m.Stamp != nil {
        wirePayload, err = encodePayload(payload{
            Timestamp: m.Timestamp,
            Title:     m.Title,
            Content:   m.Content,
            Fields:    m.Fields,
            Stamp:     m.Stamp,
        })
        if err != nil {
            return nil, err
        }
    }

    m.payloadBytes = core
    m.packed = concat(m.DestinationHash, m.SourceHash, m.Signature, wirePayload)
    return m.packed, nil
}

// ClearPacked discards cached wire bytes so the next Pack re-serializes,
// used after embedding a freshly mined stamp.
func (m *Message) ClearPacked() {
    m.packed = nil
    m.payloadBytes = nil
}

// Packed returns the cached wire frame, nil before Pack.
func (m *Message) Packed() []byte { return m.packed }

// PayloadBytes returns the original payload bytes (after Pack or Unpack).
func (m *Message) PayloadBytes() []byte { return m.payloadBytes }

// OpportunisticWire is the frame without its destination prefix; the
// destination is implicit in the transport envelope.
func (m *Message) OpportunisticWire() []byte {
    if m.packed == nil {
        return nil
    }
    return m.packed[DestinationLength:]
}

// ResolveDelivery sets Method and Representation from the packed size and
// the supplied budgets. Propagation-forced messages keep MethodPropagated.
func (m *Message) ResolveDelivery(b Budget) {
    if m.packed == nil {
        return
    }
    if m.DesiredMethod == MethodPropagated {
        m.Method = MethodPropagated
        m.Representation = RepresentationResource
        return
    }
    if len(m.OpportunisticWire()) <= b.Opportunistic {
        m.Method = MethodOpportunistic
        m.Representation = RepresentationPacket
        return
    }
    m.Method = MethodDirect
    if len(m.packed) <= b.LinkPacket {
        m.Representation = RepresentationPacket
    } else {
        m.Representation = RepresentationResource
    }
}

// Unpack decodes wire data received with the given method. Opportunistic
// frames omit the destination hash on the wire; the caller must prepend the
// local delivery destination's hash before calling. When skipSig is false
// the signature is validated immediately against resolver.
func Unpack(wire []byte, method Method, skipSig bool, resolver transport.Resolver) (*Message, error) {
    if len(wire) < HeaderLength {
        return nil, ErrFrameTooShort
    }

    m := &Message{
        DestinationHash: append([]byte(nil), wire[:DestinationLength]...),
        SourceHash:      append([]byte(nil), wire[DestinationLength:DestinationLength+SourceLength]...),
        Signature:       append([]byte(nil), wire[DestinationLength+SourceLength:HeaderLength]...),
        Incoming:        true,
        Method:          method,
        State:           StateOutbound,
    }

    pb := append([]byte(nil), wire[HeaderLength:]...)
    p, err := decodePayload(pb)
    if err != nil {
        return nil, err
    }
    m.Timestamp = p.Timestamp
    m.Title = p.Title
    m.Content = p.Content
    m.Fields = p.Fields
    m.Stamp = p.Stamp
    m.packed = append([]byte(nil), wire...)

    // Stamp-less frames hash over the original payload bytes untouched.
    // Stamped frames strip the stamp element and re-encode canonically;
    // the single canonical encoder makes that byte-identical to what the
    // sender hashed.
    hashBytes := pb
    if p.Stamp != nil {
        hashBytes, err = encodePayload(payload{
            Timestamp: p.Timestamp,
            Title:     p.Title,
            Content:   p.Content,
            Fields:    p.Fields,
        })
        if err != nil {
            return nil, err
        }
    }
    m.payloadBytes = hashBytes
    sum := sha256.Sum256(concat(m.DestinationHash, m.SourceHash, hashBytes))
    m.Hash = sum[:]

    if skipSig {
        m.UnverifiedReason = ReasonSourceUnknown
        return m, nil
    }
    m.ValidateSignature(resolver)
    return m, nil
}

// ValidateSignature verifies the signature against the stored original
// payload bytes. The result is cached; repeated calls are no-ops once
// validated. On failure the reason is recorded as ReasonSourceUnknown or
// ReasonSignatureInvalid.
func (m *Message) ValidateSignature(resolver transport.Resolver) bool {
    if m.SignatureValidated {
        return true
    }
    identity := m.SourceIdentity
    if identity == nil && resolver != nil {
        identity = resolver.Recall(m.SourceHash)
    }
    if identity == nil {
        m.UnverifiedReason = ReasonSourceUnknown
        return false
    }
    m.SourceIdentity = identity

    signed := concat(m.DestinationHash, m.SourceHash, m.payloadBytes, m.Hash)
    if !identity.Verify(signed, m.Signature) {
        m.UnverifiedReason = ReasonSignatureInvalid
        return false
    }
    m.SignatureValidated = true
    m.UnverifiedReason = ReasonNone
    return true
}

// ValidateStamp checks the embedded direct-delivery stamp against the given
// cost. Validity is computed from the workblock every call, never cached.
func (m *Message) ValidateStamp(cost int) bool {
    if cost <= 0 {
        return true
    }
    if len(m.Stamp) != StampLength || m.Hash == nil {
        return false
    }
    wb := stamp.Workblock(m.Hash, stamp.DirectRounds)
    return stamp.Valid(m.Stamp, cost, wb)
}

// EnsureCiphertext encrypts src||signature||payload to the destination
// identity once and caches the result. The cache is mandatory: a mined
// propagation stamp is bound to these exact ciphertext bytes, and
// re-encrypting would invalidate it.
func (m *Message) EnsureCiphertext() ([]byte, error) {
    if m.ciphertext != nil {
        return m.ciphertext, nil
    }
    if m.packed == nil {
        if _, err := m.Pack(); err != nil {
            return nil, err
        }
    }
    if m.DestinationIdentity == nil {
        return nil, ErrNoDestinationIdentity
    }
    ct, err := m.DestinationIdentity.Encrypt(m.packed[DestinationLength:])
    if err != nil || ct == nil {
        return nil, ErrEncryption
    }
    m.ciphertext = ct
    return ct, nil
}

// PropagatedData is the relay wire blob: destination hash, the cached
// ciphertext, and the propagation stamp when present.
func (m *Message) PropagatedData() ([]byte, error) {
    ct, err := m.EnsureCiphertext()
    if err != nil {
        return nil, err
    }
    data := concat(m.DestinationHash, ct)
    if m.PropagationStamp != nil {
        data = append(data, m.PropagationStamp...)
    }
    return data, nil
}

// PropagationTransientID is the content hash the propagation-domain stamp
// is mined against: the relay blob without its stamp suffix.
func (m *Message) PropagationTransientID() ([]byte, error) {
    ct, err := m.EnsureCiphertext()
    if err != nil {
        return nil, err
    }
    sum := sha256.Sum256(concat(m.DestinationHash, ct))
    return sum[:], nil
}

// PackPropagated wraps the relay blob for transfer to a propagation node.
func (m *Message) PackPropagated(now float64) ([]byte, error) {
    data, err := m.PropagatedData()
    if err != nil {
        return nil, err
    }
    return encodePropagated(now, data)
}

func (m *Message) String() string {
    if m.Hash == nil {
        return "<LXM unpacked>"
    }
    return "<LXM " + hex.EncodeToString(m.Hash[:8]) + ">"
}

// TransientID is the full content hash of wire data, used for duplicate
// suppression of propagated messages.
func TransientID(wire []byte) []byte {
    sum := sha256.Sum256(wire)
    return sum[:]
}

func concat(parts ...[]byte) []byte {
    n := 0
    for _, p := range parts {
        n += len(p)
    }
    out := make([]byte, 0, n)
    for _, p := range parts {
        out = append(out, p...)
    }
    return out
}
