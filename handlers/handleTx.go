package handlers

import (
	"io"
	"net/http"

	"github.com/pkg/errors"

	"gitbft/txpool"
	"gitbft/types"
)

// HandleTx POST提交交易，GET查交易内容
func (hm *HandlerManager) HandleTx(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		hm.submitTx(w, r)
	case http.MethodGet:
		hm.queryTx(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (hm *HandlerManager) submitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, hm.cfg.Server.MaxRequestBodySize))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	var tx types.Transaction
	if err := jsonFast.Unmarshal(body, &tx); err != nil {
		http.Error(w, "malformed transaction", http.StatusBadRequest)
		return
	}

	if err := hm.node.SubmitLocal(&tx); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, txpool.ErrMempoolFull) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"id": tx.ID, "status": "rejected", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": tx.ID, "status": "pending"})
}

func (hm *HandlerManager) queryTx(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	tx, err := hm.dbManager.GetTx(id)
	if err != nil || tx == nil {
		http.Error(w, "tx not found", http.StatusNotFound)
		return
	}
	receipt, _ := hm.dbManager.GetReceipt(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tx": tx, "receipt": receipt})
}

// HandleReceipt 交易回执查询
func (hm *HandlerManager) HandleReceipt(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	receipt, err := hm.dbManager.GetReceipt(id)
	if err != nil || receipt == nil {
		http.Error(w, "receipt not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
