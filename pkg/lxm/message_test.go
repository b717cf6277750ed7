package lxm

import (
    "bytes"
    "context"
    "testing"

    "lxmesh/pkg/identity"
    "lxmesh/pkg/stamp"
)

func newPair(t *testing.T) (alice, bob *identity.Identity) {
    t.Helper()
    var err error
    alice, err = identity.Generate()
    if err != nil {
        t.Fatalf("generate alice: %v", err)
    }
    bob, err = identity.Generate()
    if err != nil {
        t.Fatalf("generate bob: %v", err)
    }
    return alice, bob
}

func deliveryHash(id *identity.Identity) []byte {
    return identity.DestinationHash(AppName, "delivery", id.Hash())
}

func newTestMessage(t *testing.T, alice, bob *identity.Identity) *Message {
    t.Helper()
    m := New(bob, alice, deliveryHash(bob), deliveryHash(alice),
        []byte("subject"), []byte("hello over the mesh"), MethodOpportunistic)
    m.Fields = map[uint8][]byte{7: []byte("seven"), 2: []byte("two")}
    return m
}

func resolverFor(t *testing.T, hash []byte, id *identity.Identity) *identity.Store {
    t.Helper()
    s := identity.NewStore(4)
    s.Remember(hash, id)
    return s
}

func TestPackUnpackRoundTrip(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)

    wire, err := m.Pack()
    if err != nil {
        t.Fatalf("pack: %v", err)
    }
    if len(m.Hash) != HashLength {
        t.Fatalf("hash length = %d, want %d", len(m.Hash), HashLength)
    }

    got, err := Unpack(wire, MethodDirect, false, resolverFor(t, m.SourceHash, alice))
    if err != nil {
        t.Fatalf("unpack: %v", err)
    }
    if !bytes.Equal(got.DestinationHash, m.DestinationHash) {
        t.Fatalf("destination hash mismatch")
    }
    if !bytes.Equal(got.SourceHash, m.SourceHash) {
        t.Fatalf("source hash mismatch")
    }
    if !bytes.Equal(got.Hash, m.Hash) {
        t.Fatalf("message hash mismatch")
    }
    if got.Timestamp != m.Timestamp {
        t.Fatalf("timestamp mismatch: %v != %v", got.Timestamp, m.Timestamp)
    }
    if !bytes.Equal(got.Title, m.Title) || !bytes.Equal(got.Content, m.Content) {
        t.Fatalf("title/content mismatch")
    }
    if len(got.Fields) != 2 || !bytes.Equal(got.Fields[7], []byte("seven")) {
        t.Fatalf("fields mismatch: %v", got.Fields)
    }
    if !got.SignatureValidated {
        t.Fatalf("signature did not validate: %v", got.UnverifiedReason)
    }
    if !got.Incoming {
        t.Fatalf("incoming flag not set")
    }
}

func TestPackIdempotent(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)

    first, err := m.Pack()
    if err != nil {
        t.Fatalf("pack: %v", err)
    }
    ts := m.Timestamp
    second, err := m.Pack()
    if err != nil {
        t.Fatalf("repack: %v", err)
    }
    if !bytes.Equal(first, second) {
        t.Fatalf("repeated pack not byte-identical")
    }
    if m.Timestamp != ts {
        t.Fatalf("pack reassigned timestamp")
    }
}

func TestPackWithoutSigningKey(t *testing.T) {
    alice, bob := newPair(t)
    pub, err := identity.FromPublic(alice.PublicKey())
    if err != nil {
        t.Fatalf("from public: %v", err)
    }
    m := New(bob, pub, deliveryHash(bob), deliveryHash(alice), nil, []byte("x"), MethodOpportunistic)
    if _, err := m.Pack(); err != ErrSigning {
        t.Fatalf("pack error = %v, want ErrSigning", err)
    }
}

func TestUnpackFrameTooShort(t *testing.T) {
    if _, err := Unpack(make([]byte, HeaderLength-1), MethodDirect, true, nil); err != ErrFrameTooShort {
        t.Fatalf("error = %v, want ErrFrameTooShort", err)
    }
}

func TestSignatureBitFlip(t *testing.T) {
    alice, bob := newPair(t)
    resolver := resolverFor(t, deliveryHash(alice), alice)

    for _, offset := range []int{DestinationLength + SourceLength, HeaderLength + 3} {
        m := newTestMessage(t, alice, bob)
        wire, err := m.Pack()
        if err != nil {
            t.Fatalf("pack: %v", err)
        }
        flipped := append([]byte(nil), wire...)
        flipped[offset] ^= 0x01

        got, err := Unpack(flipped, MethodDirect, false, resolver)
        if err != nil {
            t.Fatalf("unpack flipped at %d: %v", offset, err)
        }
        if got.SignatureValidated {
            t.Fatalf("bit flip at %d still validates", offset)
        }
        if got.UnverifiedReason != ReasonSignatureInvalid {
            t.Fatalf("reason = %v, want signature invalid", got.UnverifiedReason)
        }
    }
}

func TestUnknownSourceAcceptedProvisionally(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)
    wire, err := m.Pack()
    if err != nil {
        t.Fatalf("pack: %v", err)
    }

    got, err := Unpack(wire, MethodOpportunistic, false, identity.NewStore(4))
    if err != nil {
        t.Fatalf("unpack: %v", err)
    }
    if got.SignatureValidated {
        t.Fatalf("validated without source identity")
    }
    if got.UnverifiedReason != ReasonSourceUnknown {
        t.Fatalf("reason = %v, want source unknown", got.UnverifiedReason)
    }

    // Validation succeeds once the identity is learned.
    if !got.ValidateSignature(resolverFor(t, m.SourceHash, alice)) {
        t.Fatalf("validation failed after identity learned")
    }
    if got.UnverifiedReason != ReasonNone {
        t.Fatalf("reason not cleared: %v", got.UnverifiedReason)
    }
}

func TestResolveDeliveryBoundaries(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)
    if _, err := m.Pack(); err != nil {
        t.Fatalf("pack: %v", err)
    }
    oppSize := len(m.OpportunisticWire())
    fullSize := len(m.Packed())

    m.ResolveDelivery(Budget{Opportunistic: oppSize, LinkPacket: fullSize})
    if m.Method != MethodOpportunistic || m.Representation != RepresentationPacket {
        t.Fatalf("at budget: method=%v repr=%v", m.Method, m.Representation)
    }

    m.ResolveDelivery(Budget{Opportunistic: oppSize - 1, LinkPacket: fullSize})
    if m.Method != MethodDirect || m.Representation != RepresentationPacket {
        t.Fatalf("one over opportunistic: method=%v repr=%v", m.Method, m.Representation)
    }

    m.ResolveDelivery(Budget{Opportunistic: oppSize - 1, LinkPacket: fullSize - 1})
    if m.Method != MethodDirect || m.Representation != RepresentationResource {
        t.Fatalf("one over link packet: method=%v repr=%v", m.Method, m.Representation)
    }

    m.DesiredMethod = MethodPropagated
    m.ResolveDelivery(Budget{Opportunistic: oppSize, LinkPacket: fullSize})
    if m.Method != MethodPropagated || m.Representation != RepresentationResource {
        t.Fatalf("propagated: method=%v repr=%v", m.Method, m.Representation)
    }
}

func TestStampEmbeddingKeepsHashStable(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)
    if _, err := m.Pack(); err != nil {
        t.Fatalf("pack: %v", err)
    }
    hash := append([]byte(nil), m.Hash...)
    sig := append([]byte(nil), m.Signature...)

    const cost = 8
    st, _ := stamp.Generate(context.Background(), m.Hash, cost, stamp.DirectRounds, nil)
    if st == nil {
        t.Fatalf("stamp generation failed")
    }
    m.Stamp = st
    m.ClearPacked()
    wire, err := m.Pack()
    if err != nil {
        t.Fatalf("repack with stamp: %v", err)
    }
    if !bytes.Equal(m.Hash, hash) {
        t.Fatalf("embedding stamp changed message hash")
    }
    if !bytes.Equal(m.Signature, sig) {
        t.Fatalf("embedding stamp changed signature")
    }

    got, err := Unpack(wire, MethodDirect, false, resolverFor(t, m.SourceHash, alice))
    if err != nil {
        t.Fatalf("unpack: %v", err)
    }
    if !bytes.Equal(got.Hash, hash) {
        t.Fatalf("receiver hash differs for stamped frame")
    }
    if !got.SignatureValidated {
        t.Fatalf("stamped frame signature invalid: %v", got.UnverifiedReason)
    }
    if !got.ValidateStamp(cost) {
        t.Fatalf("embedded stamp does not validate at cost %d", cost)
    }
}

func TestValidateStampNegative(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)
    if _, err := m.Pack(); err != nil {
        t.Fatalf("pack: %v", err)
    }
    if !m.ValidateStamp(0) {
        t.Fatalf("zero cost should always validate")
    }
    if m.ValidateStamp(1) {
        t.Fatalf("missing stamp validated at non-zero cost")
    }
    m.Stamp = make([]byte, StampLength-1)
    if m.ValidateStamp(1) {
        t.Fatalf("undersized stamp validated")
    }
}

func TestPropagatedPacking(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)
    if _, err := m.Pack(); err != nil {
        t.Fatalf("pack: %v", err)
    }

    ct1, err := m.EnsureCiphertext()
    if err != nil {
        t.Fatalf("encrypt: %v", err)
    }
    ct2, err := m.EnsureCiphertext()
    if err != nil {
        t.Fatalf("re-encrypt: %v", err)
    }
    if !bytes.Equal(ct1, ct2) {
        t.Fatalf("ciphertext not cached across calls")
    }

    wrapped, err := m.PackPropagated(12345.5)
    if err != nil {
        t.Fatalf("pack propagated: %v", err)
    }
    ts, blobs, err := DecodePropagated(wrapped)
    if err != nil {
        t.Fatalf("decode propagated: %v", err)
    }
    if ts != 12345.5 {
        t.Fatalf("timestamp = %v, want 12345.5", ts)
    }
    if len(blobs) != 1 {
        t.Fatalf("blob count = %d, want 1", len(blobs))
    }
    blob := blobs[0]
    if !bytes.Equal(blob[:DestinationLength], m.DestinationHash) {
        t.Fatalf("blob destination prefix mismatch")
    }

    plaintext, err := bob.Decrypt(blob[DestinationLength:])
    if err != nil {
        t.Fatalf("recipient decrypt: %v", err)
    }
    if !bytes.Equal(plaintext, m.Packed()[DestinationLength:]) {
        t.Fatalf("decrypted blob differs from src||sig||payload")
    }

    // The transient id covers the stamp-less blob and stays stable.
    tid1, err := m.PropagationTransientID()
    if err != nil {
        t.Fatalf("transient id: %v", err)
    }
    tid2, _ := m.PropagationTransientID()
    if !bytes.Equal(tid1, tid2) {
        t.Fatalf("transient id unstable")
    }
}

func TestOpportunisticWireRoundTrip(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)
    if _, err := m.Pack(); err != nil {
        t.Fatalf("pack: %v", err)
    }
    short := m.OpportunisticWire()
    if len(short) != len(m.Packed())-DestinationLength {
        t.Fatalf("opportunistic wire keeps destination prefix")
    }

    // Receiver reconstructs the destination hash from its own endpoint.
    wire := append(append([]byte(nil), m.DestinationHash...), short...)
    got, err := Unpack(wire, MethodOpportunistic, false, resolverFor(t, m.SourceHash, alice))
    if err != nil {
        t.Fatalf("unpack: %v", err)
    }
    if !got.SignatureValidated {
        t.Fatalf("reconstructed frame signature invalid: %v", got.UnverifiedReason)
    }
    if !bytes.Equal(got.Hash, m.Hash) {
        t.Fatalf("hash mismatch after reconstruction")
    }
}

func TestTooManyFields(t *testing.T) {
    alice, bob := newPair(t)
    m := newTestMessage(t, alice, bob)
    m.Fields = make(map[uint8][]byte)
    for i := 0; i <= MaxFieldCount; i++ {
        m.Fields[uint8(i)] = []byte{byte(i)}
    }
    if _, err := m.Pack(); err != ErrTooManyFields {
        t.Fatalf("pack error = %v, want ErrTooManyFields", err)
    }
}
