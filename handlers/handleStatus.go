package handlers

import (
	"net/http"
)

// 处理状态查询
func (hm *HandlerManager) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := hm.node.Engine.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":          hm.address,
		"port":             hm.port,
		"height":           status.Height,
		"round":            status.Round,
		"state":            status.State,
		"synced":           status.Synced,
		"validator_count":  status.ValidatorCount,
		"mempool_size":     status.MempoolSize,
		"finalized_height": status.FinalizedHeight,
		"halted":           status.Halted,
	})
}
