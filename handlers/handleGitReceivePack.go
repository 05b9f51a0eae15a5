package handlers

import (
	"net/http"
	"strings"
	"time"

	"gitbft/db"
	"gitbft/gitwire"
)

// HandleGitRepo git智能协议入口，当前只支持 receive-pack。
// 路径形如 /repo/{id}/git-receive-pack
func (hm *HandlerManager) HandleGitRepo(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/repo/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "bad repo path", http.StatusBadRequest)
		return
	}
	repo, op := parts[0], parts[1]

	if op != "git-receive-pack" || r.Method != http.MethodPost {
		http.Error(w, "unsupported git operation", http.StatusNotFound)
		return
	}
	hm.handleReceivePack(w, r, repo)
}

// handleReceivePack push → 对象落库 → 交易入池 → 等最终化 → report-status。
// 推送方看到 "ok" 时引用变更已经过法定人数最终化并应用
func (hm *HandlerManager) handleReceivePack(w http.ResponseWriter, r *http.Request, repo string) {
	body := http.MaxBytesReader(w, r.Body, hm.cfg.Server.MaxRequestBodySize)

	result, err := hm.gitAdapter.ReceivePack(repo, body)
	if err != nil {
		hm.Logger.Warn("[handlers] receive-pack %s from %s: %v", repo, r.RemoteAddr, err)
		w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
		w.WriteHeader(http.StatusOK)
		gitwire.WriteReportStatus(w, false, nil)
		return
	}

	for _, tx := range result.Txs {
		if err := hm.node.SubmitLocal(tx); err != nil {
			hm.Logger.Debug("[handlers] tx %s not admitted: %v", tx.ID, err)
		}
	}

	results := hm.waitForReceipts(result)

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.WriteHeader(http.StatusOK)
	if err := gitwire.WriteReportStatus(w, true, results); err != nil {
		hm.Logger.Debug("[handlers] write report-status: %v", err)
	}
}

// waitForReceipts 轮询回执直到全部出结果或超时。
// 超时的命令报 timeout，交易仍在池里，之后可能照常最终化
func (hm *HandlerManager) waitForReceipts(result *gitwire.ReceiveResult) []gitwire.RefResult {
	deadline := time.Now().Add(hm.cfg.Git.ReportTimeout)
	results := make([]gitwire.RefResult, len(result.Commands))
	done := make([]bool, len(result.Commands))

	for {
		pending := 0
		for i, tx := range result.Txs {
			if done[i] {
				continue
			}
			receipt, err := hm.dbManager.GetReceipt(tx.ID)
			if err != nil || receipt == nil || receipt.Status == db.ReceiptPending {
				pending++
				continue
			}
			done[i] = true
			results[i] = gitwire.RefResult{
				RefName: result.Commands[i].RefName,
				OK:      receipt.Status == db.ReceiptConfirmed,
				Reason:  receipt.Reason,
			}
		}
		if pending == 0 {
			return results
		}
		if time.Now().After(deadline) {
			for i := range results {
				if !done[i] {
					results[i] = gitwire.RefResult{
						RefName: result.Commands[i].RefName,
						OK:      false,
						Reason:  "timeout waiting for finalization",
					}
				}
			}
			return results
		}
		time.Sleep(200 * time.Millisecond)
	}
}
