package gitwire

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testObjects() []Object {
	blob := NewObject(KindBlob, []byte("hello gitbft\n"))
	tree := NewObject(KindTree, treeEntry("100644", "readme.txt", blob.OID))
	commit := NewObject(KindCommit, []byte(
		"tree "+tree.OID+"\n"+
			"author a <a@x> 1700000000 +0000\n"+
			"committer a <a@x> 1700000000 +0000\n"+
			"\ninitial\n"))
	return []Object{blob, tree, commit}
}

// treeEntry 构造一条tree条目：mode SP name NUL sha1(20字节)
func treeEntry(mode, name, oid string) []byte {
	raw, _ := hex.DecodeString(oid)
	var buf bytes.Buffer
	buf.WriteString(mode + " " + name)
	buf.WriteByte(0)
	buf.Write(raw)
	return buf.Bytes()
}

func TestPackRoundTrip(t *testing.T) {
	objects := testObjects()
	pack, err := BuildPack(objects)
	require.NoError(t, err)

	parsed, err := ParsePack(pack, PackLimits{}, nil)
	require.NoError(t, err)
	require.Len(t, parsed, len(objects))

	// 解出的对象OID必须与打包前逐一一致
	byOID := make(map[string]Object)
	for _, obj := range parsed {
		// OID重算一遍，确认对象体没有被破坏
		assert.Equal(t, HashObject(obj.Kind, obj.Data), obj.OID)
		byOID[obj.OID] = obj
	}
	for _, want := range objects {
		got, ok := byOID[want.OID]
		require.True(t, ok, "object %s missing after round trip", want.OID)
		assert.Equal(t, want.Kind, got.Kind)
		assert.Equal(t, want.Data, got.Data)
	}
}

func TestPackChecksumMismatch(t *testing.T) {
	pack, err := BuildPack(testObjects())
	require.NoError(t, err)

	// 翻转正文中的一个bit，校验和必然失配
	corrupted := append([]byte(nil), pack...)
	corrupted[20] ^= 0x01

	_, err = ParsePack(corrupted, PackLimits{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "want ErrChecksumMismatch, got %v", err)
}

func TestPackHeaderValidation(t *testing.T) {
	good, err := BuildPack(testObjects())
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		copy(bad, "JUNK")
		_, err := ParsePack(bad, PackLimits{}, nil)
		assert.True(t, errors.Is(err, ErrProtocol))
	})
	t.Run("bad version", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		binary.BigEndian.PutUint32(bad[4:8], 9)
		// 校验和是对正文算的，改版本号后要重新补尾
		bad = resign(bad)
		_, err := ParsePack(bad, PackLimits{}, nil)
		assert.True(t, errors.Is(err, ErrProtocol))
	})
	t.Run("object count over limit", func(t *testing.T) {
		_, err := ParsePack(good, PackLimits{MaxObjects: 1}, nil)
		assert.True(t, errors.Is(err, ErrProtocol))
	})
	t.Run("size over limit", func(t *testing.T) {
		_, err := ParsePack(good, PackLimits{MaxBytes: 8}, nil)
		assert.True(t, errors.Is(err, ErrProtocol))
	})
}

func resign(pack []byte) []byte {
	body := pack[:len(pack)-20]
	sum := sha1.Sum(body)
	return append(append([]byte(nil), body...), sum[:]...)
}

func TestPackRefDelta(t *testing.T) {
	base := NewObject(KindBlob, []byte("the quick brown fox jumps over the lazy dog"))
	target := []byte("the quick brown fox sleeps")

	// delta指令：源长、目标长，copy前20字节，insert "sleeps"
	var delta bytes.Buffer
	writeDeltaVarint(&delta, uint64(len(base.Data)))
	writeDeltaVarint(&delta, uint64(len(target)))
	delta.WriteByte(0x90)       // copy: offset=0, size字节1个
	delta.WriteByte(20)         // size=20
	delta.WriteByte(6)          // insert 6 bytes
	delta.WriteString("sleeps")

	pack := buildPackWithRefDelta(t, base, delta.Bytes())

	lookup := func(oid string) (ObjectKind, []byte, bool) {
		if oid == base.OID {
			return base.Kind, base.Data, true
		}
		return "", nil, false
	}
	parsed, err := ParsePack(pack, PackLimits{}, lookup)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, KindBlob, parsed[0].Kind)
	assert.Equal(t, string(target), string(parsed[0].Data))
	assert.Equal(t, HashObject(KindBlob, target), parsed[0].OID)
}

func TestPackRefDeltaMissingBase(t *testing.T) {
	base := NewObject(KindBlob, []byte("some base content for the delta"))
	var delta bytes.Buffer
	writeDeltaVarint(&delta, uint64(len(base.Data)))
	writeDeltaVarint(&delta, 4)
	delta.WriteByte(4)
	delta.WriteString("abcd")

	pack := buildPackWithRefDelta(t, base, delta.Bytes())

	// 没有baseLookup时thin pack必须失败
	_, err := ParsePack(pack, PackLimits{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
}

// buildPackWithRefDelta 手工构造只含一个ref_delta对象的pack
func buildPackWithRefDelta(t *testing.T, base Object, delta []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("PACK")
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], 2)
	buf.Write(word[:])
	binary.BigEndian.PutUint32(word[:], 1)
	buf.Write(word[:])

	// 对象头：type=7(ref_delta)，size=len(delta)
	size := uint64(len(delta))
	b := byte(7)<<4 | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		buf.WriteByte(b | 0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	buf.WriteByte(b)

	rawOID, err := hex.DecodeString(base.OID)
	require.NoError(t, err)
	buf.Write(rawOID)

	zw := zlib.NewWriter(&buf)
	_, err = zw.Write(delta)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func writeDeltaVarint(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			buf.WriteByte(b | 0x80)
			continue
		}
		buf.WriteByte(b)
		return
	}
}
