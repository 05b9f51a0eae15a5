package gitwire

import (
	"bytes"
	"encoding/hex"

	"gitbft/types"
)

// ============================================
// 对象图遍历：commit→tree→blob 的可达闭包。
// 同步响应按此打包对端缺失的对象
// ============================================

// CommitRefs commit正文里引用的tree与parent
func CommitRefs(data []byte) (tree string, parents []string) {
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			break // 空行后是提交说明
		}
		switch {
		case bytes.HasPrefix(line, []byte("tree ")):
			tree = string(line[5:])
		case bytes.HasPrefix(line, []byte("parent ")):
			parents = append(parents, string(line[7:]))
		}
	}
	return tree, parents
}

// TreeEntryOIDs tree正文里的全部条目OID。
// 条目格式: "<mode> <name>\x00" + 20字节二进制SHA-1
func TreeEntryOIDs(data []byte) []string {
	var oids []string
	for len(data) > 0 {
		nul := bytes.IndexByte(data, 0)
		if nul < 0 || len(data) < nul+21 {
			break // 截断的tree按已解析部分处理
		}
		oids = append(oids, hex.EncodeToString(data[nul+1:nul+21]))
		data = data[nul+21:]
	}
	return oids
}

// TagTarget 附注tag指向的对象
func TagTarget(data []byte) string {
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.HasPrefix(line, []byte("object ")) {
			return string(line[7:])
		}
		if len(line) == 0 {
			break
		}
	}
	return ""
}

// ReachableObjects 从tips出发遍历对象图，返回可达对象。
// stop集合里的OID视为对端已有，不下探；maxObjects限制批次体积。
// 本地缺失的对象跳过（薄历史是合法状态，不报错）
func ReachableObjects(lookup BaseLookup, tips []string, stop map[string]bool, maxObjects int) []Object {
	visited := make(map[string]bool, len(tips))
	var out []Object
	queue := append([]string(nil), tips...)

	for len(queue) > 0 && (maxObjects <= 0 || len(out) < maxObjects) {
		oid := queue[0]
		queue = queue[1:]
		if oid == "" || oid == types.ZeroOID || visited[oid] || stop[oid] {
			continue
		}
		visited[oid] = true

		kind, data, ok := lookup(oid)
		if !ok {
			continue
		}
		out = append(out, Object{OID: oid, Kind: kind, Data: data})

		switch kind {
		case KindCommit:
			tree, parents := CommitRefs(data)
			queue = append(queue, tree)
			queue = append(queue, parents...)
		case KindTree:
			queue = append(queue, TreeEntryOIDs(data)...)
		case KindTag:
			queue = append(queue, TagTarget(data))
		}
	}
	return out
}
