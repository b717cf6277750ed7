package router

import (
    "os"

    "github.com/fxamacker/cbor/v2"
    "go.uber.org/zap"
)

// persistedState is the on-disk router state: stamp costs learned from
// announces and the delivered-id dedup window. Both survive restarts so a
// rebooted node neither under-stamps nor re-delivers.
type persistedState struct {
    OutboundStampCosts map[string]int `cbor:"1,keyasint"`
    DeliveredIDs       [][]byte       `cbor:"2,keyasint"`
}

func (r *Router) saveState() {
    if r.cfg.StatePath == "" {
        return
    }
    st := persistedState{
        OutboundStampCosts: r.outboundStampCosts,
        DeliveredIDs:       make([][]byte, 0, r.deliveredIDs.len()),
    }
    for _, k := range r.deliveredIDs.order {
        st.DeliveredIDs = append(st.DeliveredIDs, []byte(k))
    }
    data, err := cbor.Marshal(st)
    if err != nil {
        r.log.Warn("could not encode router state", zap.Error(err))
        return
    }
    tmp := r.cfg.StatePath + ".tmp"
    if err := os.WriteFile(tmp, data, 0o600); err != nil {
        r.log.Warn("could not write router state", zap.Error(err))
        return
    }
    if err := os.Rename(tmp, r.cfg.StatePath); err != nil {
        r.log.Warn("could not replace router state", zap.Error(err))
    }
}

func (r *Router) loadState() error {
    data, err := os.ReadFile(r.cfg.StatePath)
    if err != nil {
        if os.IsNotExist(err) {
            return nil
        }
        return err
    }
    var st persistedState
    if err := cbor.Unmarshal(data, &st); err != nil {
        return err
    }
    if st.OutboundStampCosts != nil {
        r.outboundStampCosts = st.OutboundStampCosts
    }
    for _, id := range st.DeliveredIDs {
        r.deliveredIDs.insert(id, struct{}{})
    }
    return nil
}
