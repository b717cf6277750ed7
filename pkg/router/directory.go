package router

import (
    "time"

    "github.com/vmihailenco/msgpack/v5"

    "lxmesh/pkg/transport"
)

// Directory is a bounded propagation-node registry fed by relay announces.
// It implements the node-discovery port consumed by propagated delivery.
type Directory struct {
    nodes *table[*transport.NodeInfo]
}

// NewDirectory creates a directory holding at most capacity relays.
func NewDirectory(capacity int) *Directory {
    if capacity <= 0 {
        capacity = DefaultLinkCapacity
    }
    return &Directory{nodes: newTable[*transport.NodeInfo]("propagation-nodes", capacity)}
}

// HandleAnnounce records a relay from its announce. The announce app data
// is a msgpack array whose first element flags availability and whose
// second, when present, is the relay's required propagation stamp cost.
func (d *Directory) HandleAnnounce(destinationHash []byte, appData []byte, hops int) {
    info := &transport.NodeInfo{
        DestinationHash: append([]byte(nil), destinationHash...),
        Enabled:         true,
        Hops:            hops,
        LastHeard:       time.Now(),
    }
    var fields []any
    if err := msgpack.Unmarshal(appData, &fields); err == nil {
        if len(fields) > 0 {
            if enabled, ok := fields[0].(bool); ok {
                info.Enabled = enabled
            }
        }
        if len(fields) > 1 {
            switch v := fields[1].(type) {
            case int8:
                info.StampCost = int(v)
            case int16:
                info.StampCost = int(v)
            case int32:
                info.StampCost = int(v)
            case int64:
                info.StampCost = int(v)
            case uint8:
                info.StampCost = int(v)
            case uint16:
                info.StampCost = int(v)
            case uint32:
                info.StampCost = int(v)
            case uint64:
                info.StampCost = int(v)
            }
        }
    }
    d.nodes.insert(destinationHash, info)
}

// Add records a relay directly, for static configuration.
func (d *Directory) Add(info transport.NodeInfo) {
    copied := info
    copied.DestinationHash = append([]byte(nil), info.DestinationHash...)
    d.nodes.insert(info.DestinationHash, &copied)
}

// EffectiveNode returns the best usable relay: fewest hops first, most
// recently heard as tiebreak. Nil when no enabled relay is known.
func (d *Directory) EffectiveNode() *transport.NodeInfo {
    var best *transport.NodeInfo
    for _, k := range d.nodes.order {
        info, ok := d.nodes.get([]byte(k))
        if !ok || !info.Enabled {
            continue
        }
        if best == nil ||
            info.Hops < best.Hops ||
            (info.Hops == best.Hops && info.LastHeard.After(best.LastHeard)) {
            best = info
        }
    }
    return best
}

// Node returns a known relay by destination hash, or nil.
func (d *Directory) Node(destinationHash []byte) *transport.NodeInfo {
    info, ok := d.nodes.get(destinationHash)
    if !ok {
        return nil
    }
    return info
}

// Len reports the number of known relays.
func (d *Directory) Len() int { return d.nodes.len() }
