package gitwire

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
)

// BuildPack 把一组对象编码为pack字节（同步响应与测试用）。
// 不产生delta，逐对象全量压缩
func BuildPack(objects []Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("PACK")

	var word [4]byte
	binary.BigEndian.PutUint32(word[:], 2)
	buf.Write(word[:])
	binary.BigEndian.PutUint32(word[:], uint32(len(objects)))
	buf.Write(word[:])

	for _, obj := range objects {
		if err := writeEntry(&buf, obj); err != nil {
			return nil, err
		}
	}

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

func packTypeOfKind(kind ObjectKind) int {
	switch kind {
	case KindCommit:
		return packObjCommit
	case KindTree:
		return packObjTree
	case KindBlob:
		return packObjBlob
	default:
		return packObjTag
	}
}

func writeEntry(buf *bytes.Buffer, obj Object) error {
	size := uint64(len(obj.Data))
	b := byte(packTypeOfKind(obj.Kind))<<4 | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		buf.WriteByte(b | 0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	buf.WriteByte(b)

	zw := zlib.NewWriter(buf)
	if _, err := zw.Write(obj.Data); err != nil {
		return err
	}
	return zw.Close()
}
