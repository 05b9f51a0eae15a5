package handlers

import (
	"net/http"
)

// HandleRefs 某仓库的引用列表
func (hm *HandlerManager) HandleRefs(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	if repo == "" {
		http.Error(w, "missing repo", http.StatusBadRequest)
		return
	}
	refs, err := hm.dbManager.ListRefs(repo)
	if err != nil {
		http.Error(w, "list refs failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repo": repo, "refs": refs})
}

// HandleRepos 全网已知仓库（本地+gossip公告）
func (hm *HandlerManager) HandleRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"repos": hm.node.Gossip.KnownRepos()})
}
