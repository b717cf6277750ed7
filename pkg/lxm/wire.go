package lxm

import (
    "bytes"
    "sort"

    "github.com/vmihailenco/msgpack/v5"
)

// The canonical payload is a msgpack array of arity 4 or 5:
//
//  [ timestamp:f64, title:bin, content:bin, fields:map<u8,bin>, stamp?:bin(16) ]
//
// This encoder is the single source of payload bytes for packing, message
// id derivation, and signature construction. Received messages are never
// re-encoded for verification; their original payload bytes are kept.

type payload struct {
    Timestamp float64
    Title     []byte
    Content   []byte
    Fields    map[uint8][]byte
    Stamp     []byte // nil for arity-4 payloads
}

func notNil(b []byte) []byte {
    if b == nil {
        return []byte{}
    }
    return b
}

// encodePayload produces canonical payload bytes. Field keys are encoded in
// ascending numeric order so repeated encodings are byte-identical.
func encodePayload(p payload) ([]byte, error) {
    var buf bytes.Buffer
    enc := msgpack.NewEncoder(&buf)

    arity := 4
    if p.Stamp != nil {
        arity = 5
    }
    if err := enc.EncodeArrayLen(arity); err != nil {
        return nil, err
    }
    if err := enc.EncodeFloat64(p.Timestamp); err != nil {
        return nil, err
    }
    if err := enc.EncodeBytes(notNil(p.Title)); err != nil {
        return nil, err
    }
    if err := enc.EncodeBytes(notNil(p.Content)); err != nil {
        return nil, err
    }

    keys := make([]int, 0, len(p.Fields))
    for k := range p.Fields {
        keys = append(keys, int(k))
    }
    sort.Ints(keys)
    if err := enc.EncodeMapLen(len(keys)); err != nil {
        return nil, err
    }
    for _, k := range keys {
        if err := enc.EncodeUint(uint64(k)); err != nil {
            return nil, err
        }
        if err := enc.EncodeBytes(notNil(p.Fields[uint8(k)])); err != nil {
            return nil, err
        }
    }

    if p.Stamp != nil {
        if err := enc.EncodeBytes(p.Stamp); err != nil {
            return nil, err
        }
    }
    return buf.Bytes(), nil
}

// decodePayload parses canonical payload bytes, branching on array arity.
func decodePayload(data []byte) (payload, error) {
    var p payload
    dec := msgpack.NewDecoder(bytes.NewReader(data))

    arity, err := dec.DecodeArrayLen()
    if err != nil || (arity != 4 && arity != 5) {
        return p, ErrInvalidPayload
    }
    if p.Timestamp, err = dec.DecodeFloat64(); err != nil {
        return p, ErrInvalidPayload
    }
    if p.Title, err = dec.DecodeBytes(); err != nil {
        return p, ErrInvalidPayload
    }
    if p.Content, err = dec.DecodeBytes(); err != nil {
        return p, ErrInvalidPayload
    }

    n, err := dec.DecodeMapLen()
    if err != nil || n < 0 || n > MaxFieldCount {
        return p, ErrInvalidPayload
    }
    p.Fields = make(map[uint8][]byte, n)
    for i := 0; i < n; i++ {
        k, err := dec.DecodeUint8()
        if err != nil {
            return p, ErrInvalidPayload
        }
        v, err := dec.DecodeBytes()
        if err != nil {
            return p, ErrInvalidPayload
        }
        p.Fields[k] = v
    }

    if arity == 5 {
        if p.Stamp, err = dec.DecodeBytes(); err != nil {
            return p, ErrInvalidPayload
        }
    }
    return p, nil
}

// encodePropagated wraps relay wire data as msgpack [ time:f64, [ data ] ].
func encodePropagated(now float64, lxmfData []byte) ([]byte, error) {
    var buf bytes.Buffer
    enc := msgpack.NewEncoder(&buf)
    if err := enc.EncodeArrayLen(2); err != nil {
        return nil, err
    }
    if err := enc.EncodeFloat64(now); err != nil {
        return nil, err
    }
    if err := enc.EncodeArrayLen(1); err != nil {
        return nil, err
    }
    if err := enc.EncodeBytes(lxmfData); err != nil {
        return nil, err
    }
    return buf.Bytes(), nil
}

// DecodePropagated unwraps a relay wrapper and returns its timestamp and
// the contained wire blobs.
func DecodePropagated(data []byte) (float64, [][]byte, error) {
    dec := msgpack.NewDecoder(bytes.NewReader(data))
    arity, err := dec.DecodeArrayLen()
    if err != nil || arity != 2 {
        return 0, nil, ErrInvalidPayload
    }
    ts, err := dec.DecodeFloat64()
    if err != nil {
        return 0, nil, ErrInvalidPayload
    }
    n, err := dec.DecodeArrayLen()
    if err != nil || n < 0 {
        return 0, nil, ErrInvalidPayload
    }
    blobs := make([][]byte, 0, n)
    for i := 0; i < n; i++ {
        b, err := dec.DecodeBytes()
        if err != nil {
            return 0, nil, ErrInvalidPayload
        }
        blobs = append(blobs, b)
    }
    return ts, blobs, nil
}
