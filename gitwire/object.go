package gitwire

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// git对象类型
type ObjectKind string

const (
	KindCommit ObjectKind = "commit"
	KindTree   ObjectKind = "tree"
	KindBlob   ObjectKind = "blob"
	KindTag    ObjectKind = "tag"
)

// pack内的对象类型编号
const (
	packObjCommit   = 1
	packObjTree     = 2
	packObjBlob     = 3
	packObjTag      = 4
	packObjOfsDelta = 6
	packObjRefDelta = 7
)

func kindOfPackType(t int) (ObjectKind, bool) {
	switch t {
	case packObjCommit:
		return KindCommit, true
	case packObjTree:
		return KindTree, true
	case packObjBlob:
		return KindBlob, true
	case packObjTag:
		return KindTag, true
	}
	return "", false
}

// Object 解码后的git对象
type Object struct {
	OID  string
	Kind ObjectKind
	Data []byte
}

// HashObject 对象ID = sha1("<kind> <len>\x00" + data) 的十六进制。
// 同一内容重复编码得到同一OID（往返性质的基础）
func HashObject(kind ObjectKind, data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NewObject 计算OID并组装对象
func NewObject(kind ObjectKind, data []byte) Object {
	return Object{OID: HashObject(kind, data), Kind: kind, Data: data}
}

// ValidKind 对外接收对象时的类型白名单
func ValidKind(kind string) bool {
	switch ObjectKind(kind) {
	case KindCommit, KindTree, KindBlob, KindTag:
		return true
	}
	return false
}
