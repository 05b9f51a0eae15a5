package handlers

import (
	"encoding/hex"
	"net/http"
)

// HandleValidators 当前验证人集合
func (hm *HandlerManager) HandleValidators(w http.ResponseWriter, r *http.Request) {
	vals := hm.node.Engine.Validators()
	out := make([]map[string]interface{}, 0, vals.Size())
	for i := 0; i < vals.Size(); i++ {
		v, ok := vals.ByIndex(i)
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"index":    i,
			"pub_key":  hex.EncodeToString(v.PubKey),
			"address":  v.Address,
			"net_addr": v.NetAddr,
			"power":    v.Power,
			"status":   v.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":     vals.Version,
		"quorum_size": vals.QuorumSize(),
		"validators":  out,
	})
}
