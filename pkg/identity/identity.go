// Package identity provides the concrete cryptographic identity used by
// the messaging layer: Ed25519 signing, X25519 ECDH payload encryption with
// HKDF-derived AES-256-GCM, truncated identity hashes, and an announce-fed
// recall store.
package identity

import (
    "crypto/aes"
    "crypto/cipher"
    "crypto/ed25519"
    "crypto/rand"
    "crypto/sha256"
    "encoding/base64"
    "errors"
    "io"
    "os"
    "strings"

    "go.uber.org/zap"
    "golang.org/x/crypto/curve25519"
    "golang.org/x/crypto/hkdf"

    "lxmesh/pkg/transport"
)

var (
    ErrNoPrivateKey  = errors.New("identity: no private key")
    ErrBadPublicKey  = errors.New("identity: malformed public key material")
    ErrBadCiphertext = errors.New("identity: malformed ciphertext")
)

const (
    // PublicKeyLength is the announced key material: Ed25519 public key
    // followed by the X25519 public key.
    PublicKeyLength = ed25519.PublicKeySize + curve25519.PointSize

    nonceLength = 12
    hkdfInfo    = "lxmesh payload"
)

// Identity is a full or public-only identity. It implements
// transport.Identity.
type Identity struct {
    signPub  ed25519.PublicKey
    signPriv ed25519.PrivateKey // nil for public-only identities
    encPub   []byte
    encPriv  []byte // nil for public-only identities
    hash     []byte
}

// Generate creates a new identity with fresh signing and encryption keys.
func Generate() (*Identity, error) {
    pub, priv, err := ed25519.GenerateKey(rand.Reader)
    if err != nil {
        return nil, err
    }
    encPriv := make([]byte, curve25519.ScalarSize)
    if _, err := rand.Read(encPriv); err != nil {
        return nil, err
    }
    encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
    if err != nil {
        return nil, err
    }
    id := &Identity{signPub: pub, signPriv: priv, encPub: encPub, encPriv: encPriv}
    id.hash = truncatedHash(id.PublicKey())
    return id, nil
}

// FromPublic builds a public-only identity from announced key material.
func FromPublic(material []byte) (*Identity, error) {
    if len(material) != PublicKeyLength {
        return nil, ErrBadPublicKey
    }
    id := &Identity{
        signPub: append([]byte(nil), material[:ed25519.PublicKeySize]...),
        encPub:  append([]byte(nil), material[ed25519.PublicKeySize:]...),
    }
    id.hash = truncatedHash(id.PublicKey())
    return id, nil
}

// FromPrivate restores a full identity from concatenated private key
// material (64-byte Ed25519 private key, then 32-byte X25519 scalar).
func FromPrivate(material []byte) (*Identity, error) {
    if len(material) != ed25519.PrivateKeySize+curve25519.ScalarSize {
        return nil, ErrBadPublicKey
    }
    priv := ed25519.PrivateKey(append([]byte(nil), material[:ed25519.PrivateKeySize]...))
    encPriv := append([]byte(nil), material[ed25519.PrivateKeySize:]...)
    encPub, err := curve25519.X25519(encPriv, curve25519.Basepoint)
    if err != nil {
        return nil, err
    }
    id := &Identity{
        signPub:  priv.Public().(ed25519.PublicKey),
        signPriv: priv,
        encPub:   encPub,
        encPriv:  encPriv,
    }
    id.hash = truncatedHash(id.PublicKey())
    return id, nil
}

// PrivateBytes exports the private key material accepted by FromPrivate.
func (id *Identity) PrivateBytes() ([]byte, error) {
    if id.signPriv == nil || id.encPriv == nil {
        return nil, ErrNoPrivateKey
    }
    out := make([]byte, 0, ed25519.PrivateKeySize+curve25519.ScalarSize)
    out = append(out, id.signPriv...)
    out = append(out, id.encPriv...)
    return out, nil
}

// Hash returns the 16-byte truncated identity hash.
func (id *Identity) Hash() []byte { return id.hash }

// PublicKey returns the announced key material (sign pub || enc pub).
func (id *Identity) PublicKey() []byte {
    out := make([]byte, 0, PublicKeyLength)
    out = append(out, id.signPub...)
    out = append(out, id.encPub...)
    return out
}

func (id *Identity) CanSign() bool { return id.signPriv != nil }

func (id *Identity) Sign(data []byte) ([]byte, error) {
    if id.signPriv == nil {
        return nil, ErrNoPrivateKey
    }
    return ed25519.Sign(id.signPriv, data), nil
}

func (id *Identity) Verify(data, signature []byte) bool {
    if len(signature) != ed25519.SignatureSize {
        return false
    }
    return ed25519.Verify(id.signPub, data, signature)
}

// Encrypt seals plaintext to this identity's public encryption key:
// ephemeral X25519 exchange, HKDF-SHA256 key derivation, AES-256-GCM.
// Output layout: ephemeral pub (32) || nonce (12) || sealed.
func (id *Identity) Encrypt(plaintext []byte) ([]byte, error) {
    ephPriv := make([]byte, curve25519.ScalarSize)
    if _, err := rand.Read(ephPriv); err != nil {
        return nil, err
    }
    ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
    if err != nil {
        return nil, err
    }
    shared, err := curve25519.X25519(ephPriv, id.encPub)
    if err != nil {
        return nil, err
    }
    aead, err := sealerFor(shared, ephPub, id.encPub)
    if err != nil {
        return nil, err
    }
    nonce := make([]byte, nonceLength)
    if _, err := rand.Read(nonce); err != nil {
        return nil, err
    }
    out := make([]byte, 0, len(ephPub)+nonceLength+len(plaintext)+aead.Overhead())
    out = append(out, ephPub...)
    out = append(out, nonce...)
    return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt; requires the private key.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, error) {
    if id.encPriv == nil {
        return nil, ErrNoPrivateKey
    }
    if len(ciphertext) < curve25519.PointSize+nonceLength {
        return nil, ErrBadCiphertext
    }
    ephPub := ciphertext[:curve25519.PointSize]
    nonce := ciphertext[curve25519.PointSize : curve25519.PointSize+nonceLength]
    sealed := ciphertext[curve25519.PointSize+nonceLength:]

    shared, err := curve25519.X25519(id.encPriv, ephPub)
    if err != nil {
        return nil, err
    }
    aead, err := sealerFor(shared, ephPub, id.encPub)
    if err != nil {
        return nil, err
    }
    plain, err := aead.Open(nil, nonce, sealed, nil)
    if err != nil {
        return nil, ErrBadCiphertext
    }
    return plain, nil
}

func sealerFor(shared, ephPub, encPub []byte) (cipher.AEAD, error) {
    salt := make([]byte, 0, len(ephPub)+len(encPub))
    salt = append(salt, ephPub...)
    salt = append(salt, encPub...)
    key := make([]byte, 32)
    kdf := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
    if _, err := io.ReadFull(kdf, key); err != nil {
        return nil, err
    }
    block, err := aes.NewCipher(key)
    if err != nil {
        return nil, err
    }
    return cipher.NewGCM(block)
}

// ContentHash is the full 32-byte digest used for content addressing.
func ContentHash(data []byte) []byte {
    sum := sha256.Sum256(data)
    return sum[:]
}

// DestinationHash derives the 16-byte destination hash for an identity
// under an application name and aspect.
func DestinationHash(appName, aspect string, identityHash []byte) []byte {
    name := sha256.Sum256([]byte(appName + "." + aspect))
    return truncatedHash(append(name[:10], identityHash...))
}

func truncatedHash(data []byte) []byte {
    sum := sha256.Sum256(data)
    return sum[:transport.AddressLength]
}

// LoadOrGenerate loads private key material from a base64 string or file,
// generating and logging a fresh identity when neither is present. This
// mirrors how node identities are provisioned from configuration.
func LoadOrGenerate(keyB64, keyFile string) (*Identity, error) {
    if s := strings.TrimSpace(keyB64); s != "" {
        if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
            if id, err := FromPrivate(b); err == nil {
                return id, nil
            }
        }
        zap.L().Warn("failed to decode identity key material, ignoring")
    }
    if f := strings.TrimSpace(keyFile); f != "" {
        if b, err := os.ReadFile(f); err == nil {
            txt := strings.TrimSpace(string(b))
            if db, err := base64.RawURLEncoding.DecodeString(txt); err == nil {
                b = db
            }
            if id, err := FromPrivate(b); err == nil {
                return id, nil
            }
            zap.L().Warn("identity key file did not contain valid key material", zap.String("file", f))
        } else {
            zap.L().Warn("failed to read identity key file", zap.Error(err))
        }
    }
    id, err := Generate()
    if err != nil {
        return nil, err
    }
    zap.L().Info("generated new identity (persist it to configuration)",
        zap.String("hash", base64.RawURLEncoding.EncodeToString(id.Hash())))
    return id, nil
}
