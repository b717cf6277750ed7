// Package stamp implements the proof-of-work scheme deterring spam:
// deterministic workblock expansion from a message id, leading-zero-bit
// valuation, validation, and interruptible stamp mining.
package stamp

import (
    "bytes"
    "context"
    "crypto/rand"
    "crypto/sha256"
    "encoding"
    "encoding/binary"
    "io"
    "math/bits"
    mrand "math/rand"

    "github.com/vmihailenco/msgpack/v5"
    "golang.org/x/crypto/hkdf"
)

// Size is the fixed stamp size in bytes.
const Size = 16

// Workblock expansion rounds per proof domain. The domains are disjoint: a
// stamp mined against one round count never validates against the other.
const (
    // DirectRounds expands workblocks for direct-delivery stamps.
    DirectRounds = 3000
    // PropagationRounds expands workblocks for propagation-node stamps.
    PropagationRounds = 1000
)

// chunkLen is the HKDF output length per expansion round.
const chunkLen = 256

// progressEvery is the attempt cadence for progress callbacks during
// generation.
const progressEvery = 5000

// Workblock expands material into a deterministic block of rounds*256
// bytes. Each round derives a salt from the material and the msgpack
// encoding of the round counter, then HKDF-expands the material under that
// salt. Verification against the block is cheap; searching it is not, and
// blocks are non-transferable across messages.
func Workblock(material []byte, rounds int) []byte {
    wb := make([]byte, 0, rounds*chunkLen)
    for n := 0; n < rounds; n++ {
        enc, _ := msgpack.Marshal(n)
        salt := sha256.Sum256(append(append([]byte(nil), material...), enc...))
        chunk := make([]byte, chunkLen)
        kdf := hkdf.New(sha256.New, material, salt[:], nil)
        if _, err := io.ReadFull(kdf, chunk); err != nil {
            return nil
        }
        wb = append(wb, chunk...)
    }
    return wb
}

// Value is the number of leading zero bits in digest(workblock || stamp).
func Value(workblock, stamp []byte) int {
    sum := sha256.Sum256(append(append([]byte(nil), workblock...), stamp...))
    return leadingZeroBits(sum[:])
}

// Valid reports whether stamp has the correct size and meets cost against
// the workblock. Validity is always computed, never cached.
func Valid(stamp []byte, cost int, workblock []byte) bool {
    if len(stamp) != Size {
        return false
    }
    return Value(workblock, stamp) >= cost
}

// Generate mines a stamp for the given id whose value meets cost, using a
// workblock expanded with the given round count. The workblock is expanded
// and pre-hashed exactly once; each attempt only hashes the candidate
// against the saved digest state. Cancellation is polled every attempt via
// ctx; progress reports cumulative attempts at a fixed cadence. Returns
// (nil, 0) when cancelled. A zero cost short-circuits without mining.
func Generate(ctx context.Context, id []byte, cost, rounds int, progress func(attempts uint64)) ([]byte, int) {
    if cost <= 0 {
        return nil, 0
    }
    wb := Workblock(id, rounds)
    if wb == nil {
        return nil, 0
    }

    base := sha256.New()
    base.Write(wb)
    state, err := base.(encoding.BinaryMarshaler).MarshalBinary()
    if err != nil {
        return nil, 0
    }

    var seed [8]byte
    if _, err := rand.Read(seed[:]); err != nil {
        return nil, 0
    }
    rng := mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:]))))

    candidate := make([]byte, Size)
    var attempts uint64
    for {
        if ctx != nil && ctx.Err() != nil {
            return nil, 0
        }

        binary.LittleEndian.PutUint64(candidate[0:8], rng.Uint64())
        binary.LittleEndian.PutUint64(candidate[8:16], rng.Uint64())

        h := sha256.New()
        if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
            return nil, 0
        }
        h.Write(candidate)
        value := leadingZeroBits(h.Sum(nil))

        attempts++
        if value >= cost {
            return append([]byte(nil), candidate...), value
        }
        if progress != nil && attempts%progressEvery == 0 {
            progress(attempts)
        }
    }
}

func leadingZeroBits(sum []byte) int {
    zeros := 0
    for _, b := range sum {
        if b == 0 {
            zeros += 8
            continue
        }
        zeros += bits.LeadingZeros8(b)
        break
    }
    return zeros
}

// Equal compares two stamps in constant structure (length then bytes).
func Equal(a, b []byte) bool { return len(a) == len(b) && bytes.Equal(a, b) }
