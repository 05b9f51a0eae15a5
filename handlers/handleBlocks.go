package handlers

import (
	"net/http"
	"strconv"
)

const blocksPageSize = 20

// HandleBlocks 分页查询最近区块（新的在前）
func (hm *HandlerManager) HandleBlocks(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	latest, err := hm.dbManager.FinalizedHeight()
	if err != nil {
		http.Error(w, "read chain height failed", http.StatusInternalServerError)
		return
	}

	offset := uint64(page-1) * blocksPageSize
	if offset > latest {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"page": page, "latest_height": latest, "blocks": []interface{}{},
		})
		return
	}
	to := latest - offset
	var from uint64
	if to >= blocksPageSize {
		from = to - blocksPageSize + 1
	}

	blocks, err := hm.dbManager.GetBlocksRange(from, to)
	if err != nil {
		http.Error(w, "read blocks failed", http.StatusInternalServerError)
		return
	}
	// 翻转为新在前
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page": page, "latest_height": latest, "blocks": blocks,
	})
}

// HandleBlock 按高度或哈希查单个区块
func (hm *HandlerManager) HandleBlock(w http.ResponseWriter, r *http.Request) {
	if hashStr := r.URL.Query().Get("hash"); hashStr != "" {
		block, err := hm.dbManager.GetBlockByHash(hashStr)
		if err != nil || block == nil {
			http.Error(w, "block not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, block)
		return
	}

	height, err := strconv.ParseUint(r.URL.Query().Get("height"), 10, 64)
	if err != nil {
		http.Error(w, "missing height or hash", http.StatusBadRequest)
		return
	}
	block, err := hm.dbManager.GetBlockByHeight(height)
	if err != nil || block == nil {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	qc, _ := hm.dbManager.GetQCByHeight(height)
	writeJSON(w, http.StatusOK, map[string]interface{}{"block": block, "qc": qc})
}
