package identity

import (
    "bytes"
    "testing"
)

func TestGenerateProperties(t *testing.T) {
    id, err := Generate()
    if err != nil {
        t.Fatalf("generate: %v", err)
    }
    if !id.CanSign() {
        t.Fatalf("generated identity cannot sign")
    }
    if len(id.Hash()) != 16 {
        t.Fatalf("identity hash length = %d, want 16", len(id.Hash()))
    }
    if len(id.PublicKey()) != 64 {
        t.Fatalf("public key material length = %d, want 64", len(id.PublicKey()))
    }
}

func TestSignVerify(t *testing.T) {
    id, err := Generate()
    if err != nil {
        t.Fatalf("generate: %v", err)
    }
    msg := []byte("the quick brown fox")
    sig, err := id.Sign(msg)
    if err != nil {
        t.Fatalf("sign: %v", err)
    }
    if len(sig) != 64 {
        t.Fatalf("signature length = %d, want 64", len(sig))
    }
    if !id.Verify(msg, sig) {
        t.Fatalf("signature does not verify")
    }
    sig[0] ^= 0x01
    if id.Verify(msg, sig) {
        t.Fatalf("tampered signature verified")
    }
}

func TestPublicOnlyRoundTrip(t *testing.T) {
    id, err := Generate()
    if err != nil {
        t.Fatalf("generate: %v", err)
    }
    pub, err := FromPublic(id.PublicKey())
    if err != nil {
        t.Fatalf("from public: %v", err)
    }
    if !bytes.Equal(pub.Hash(), id.Hash()) {
        t.Fatalf("public-only identity hash differs")
    }
    if pub.CanSign() {
        t.Fatalf("public-only identity claims signing capability")
    }

    msg := []byte("payload")
    sig, err := id.Sign(msg)
    if err != nil {
        t.Fatalf("sign: %v", err)
    }
    if !pub.Verify(msg, sig) {
        t.Fatalf("public-only identity cannot verify")
    }
}

func TestPrivateRoundTrip(t *testing.T) {
    id, err := Generate()
    if err != nil {
        t.Fatalf("generate: %v", err)
    }
    raw, err := id.PrivateBytes()
    if err != nil {
        t.Fatalf("private bytes: %v", err)
    }
    restored, err := FromPrivate(raw)
    if err != nil {
        t.Fatalf("from private: %v", err)
    }
    if !bytes.Equal(restored.Hash(), id.Hash()) {
        t.Fatalf("restored identity hash differs")
    }
    if !restored.CanSign() {
        t.Fatalf("restored identity cannot sign")
    }
}

func TestEncryptDecrypt(t *testing.T) {
    id, err := Generate()
    if err != nil {
        t.Fatalf("generate: %v", err)
    }
    plaintext := []byte("store and forward")
    ct, err := id.Encrypt(plaintext)
    if err != nil {
        t.Fatalf("encrypt: %v", err)
    }
    if bytes.Contains(ct, plaintext) {
        t.Fatalf("ciphertext contains plaintext")
    }
    got, err := id.Decrypt(ct)
    if err != nil {
        t.Fatalf("decrypt: %v", err)
    }
    if !bytes.Equal(got, plaintext) {
        t.Fatalf("decrypt round trip mismatch")
    }

    ct[len(ct)-1] ^= 0x01
    if _, err := id.Decrypt(ct); err == nil {
        t.Fatalf("tampered ciphertext decrypted")
    }
}

func TestEncryptToPublicOnly(t *testing.T) {
    id, err := Generate()
    if err != nil {
        t.Fatalf("generate: %v", err)
    }
    pub, err := FromPublic(id.PublicKey())
    if err != nil {
        t.Fatalf("from public: %v", err)
    }
    ct, err := pub.Encrypt([]byte("hello"))
    if err != nil {
        t.Fatalf("encrypt to public-only: %v", err)
    }
    got, err := id.Decrypt(ct)
    if err != nil {
        t.Fatalf("decrypt: %v", err)
    }
    if string(got) != "hello" {
        t.Fatalf("round trip mismatch: %q", got)
    }
}

func TestDestinationHash(t *testing.T) {
    id, err := Generate()
    if err != nil {
        t.Fatalf("generate: %v", err)
    }
    a := DestinationHash("lxmf", "delivery", id.Hash())
    b := DestinationHash("lxmf", "delivery", id.Hash())
    if len(a) != 16 {
        t.Fatalf("destination hash length = %d, want 16", len(a))
    }
    if !bytes.Equal(a, b) {
        t.Fatalf("destination hash not deterministic")
    }
    c := DestinationHash("lxmf", "propagation", id.Hash())
    if bytes.Equal(a, c) {
        t.Fatalf("aspects collide")
    }
}

func TestStoreEviction(t *testing.T) {
    s := NewStore(2)
    ids := make([]*Identity, 3)
    for i := range ids {
        id, err := Generate()
        if err != nil {
            t.Fatalf("generate: %v", err)
        }
        ids[i] = id
        s.Remember(DestinationHash("lxmf", "delivery", id.Hash()), id)
    }
    if s.Len() != 2 {
        t.Fatalf("store length = %d, want 2", s.Len())
    }
    if got := s.Recall(DestinationHash("lxmf", "delivery", ids[0].Hash())); got != nil {
        t.Fatalf("oldest entry not evicted")
    }
    if got := s.Recall(DestinationHash("lxmf", "delivery", ids[2].Hash())); got == nil {
        t.Fatalf("newest entry missing")
    }
}
