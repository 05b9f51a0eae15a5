package gitwire

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// pack文件解析。格式：
//   12字节头: "PACK" + 4字节版本(2或3) + 4字节对象数
//   逐对象: 类型/长度varint头 + zlib压缩体（delta对象另带基准信息）
//   20字节尾: 前面所有字节的SHA-1
// 校验和不匹配时整个pack拒绝，绝不部分落库

const (
	packHeaderSize  = 12
	packTrailerSize = 20
)

// PackLimits 解析资源上限
type PackLimits struct {
	MaxObjects uint32
	MaxBytes   int64
}

// BaseLookup thin pack的外部基准查找（一般接对象库）
type BaseLookup func(oid string) (kind ObjectKind, data []byte, ok bool)

// packScanner 按字节推进的读取器。实现 io.ByteReader，
// zlib/flate 才不会多读，解压结束后 off 正好停在流尾
type packScanner struct {
	data []byte
	off  int
}

func (s *packScanner) ReadByte() (byte, error) {
	if s.off >= len(s.data) {
		return 0, io.EOF
	}
	b := s.data[s.off]
	s.off++
	return b, nil
}

func (s *packScanner) Read(p []byte) (int, error) {
	if s.off >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.off:])
	s.off += n
	return n, nil
}

// rawEntry 第一遍扫描出的对象
type rawEntry struct {
	offset     int // 相对pack起始的偏移
	packType   int
	size       uint64
	body       []byte // 解压后的数据（delta对象为delta指令流）
	baseOffset int    // ofs_delta
	baseOID    string // ref_delta
}

// ParsePack 解析整个pack并返回全部对象（delta已还原）。
// data 为完整pack字节。baseLookup 可为nil（不允许thin pack）
func ParsePack(data []byte, limits PackLimits, baseLookup BaseLookup) ([]Object, error) {
	if limits.MaxBytes > 0 && int64(len(data)) > limits.MaxBytes {
		return nil, protocolErrf("pack size %d exceeds limit %d", len(data), limits.MaxBytes)
	}
	if len(data) < packHeaderSize+packTrailerSize {
		return nil, protocolErrf("pack too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], []byte("PACK")) {
		return nil, protocolErrf("bad pack magic %q", data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 && version != 3 {
		return nil, protocolErrf("unsupported pack version %d", version)
	}
	count := binary.BigEndian.Uint32(data[8:12])
	if limits.MaxObjects > 0 && count > limits.MaxObjects {
		return nil, protocolErrf("pack declares %d objects, limit %d", count, limits.MaxObjects)
	}

	// 尾部校验和最先验，坏pack不进入对象解码
	sum := sha1.Sum(data[:len(data)-packTrailerSize])
	if !bytes.Equal(sum[:], data[len(data)-packTrailerSize:]) {
		return nil, ErrChecksumMismatch
	}

	s := &packScanner{data: data[:len(data)-packTrailerSize], off: packHeaderSize}
	entries := make([]*rawEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(s)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if s.off != len(s.data) {
		return nil, protocolErrf("%d trailing bytes after last object", len(s.data)-s.off)
	}

	return resolveEntries(entries, baseLookup)
}

// readEntry 读一个对象：varint头 + zlib体
func readEntry(s *packScanner) (*rawEntry, error) {
	e := &rawEntry{offset: s.off}

	b, err := s.ReadByte()
	if err != nil {
		return nil, protocolErrf("truncated object header")
	}
	e.packType = int(b >> 4 & 0x7)
	e.size = uint64(b & 0x0f)
	shift := uint(4)
	for b&0x80 != 0 {
		if b, err = s.ReadByte(); err != nil {
			return nil, protocolErrf("truncated object size varint")
		}
		if shift > 57 {
			return nil, protocolErrf("object size varint overflow")
		}
		e.size |= uint64(b&0x7f) << shift
		shift += 7
	}

	switch e.packType {
	case packObjCommit, packObjTree, packObjBlob, packObjTag:
	case packObjOfsDelta:
		// 负偏移的特殊编码：每续一字节先加一
		if b, err = s.ReadByte(); err != nil {
			return nil, protocolErrf("truncated ofs-delta offset")
		}
		off := uint64(b & 0x7f)
		for b&0x80 != 0 {
			if b, err = s.ReadByte(); err != nil {
				return nil, protocolErrf("truncated ofs-delta offset")
			}
			off = ((off + 1) << 7) | uint64(b&0x7f)
		}
		if off == 0 || off > uint64(e.offset) {
			return nil, protocolErrf("ofs-delta offset %d out of range at %d", off, e.offset)
		}
		e.baseOffset = e.offset - int(off)
	case packObjRefDelta:
		var oid [20]byte
		if _, err := io.ReadFull(s, oid[:]); err != nil {
			return nil, protocolErrf("truncated ref-delta base oid")
		}
		e.baseOID = hex.EncodeToString(oid[:])
	default:
		return nil, protocolErrf("unknown pack object type %d at offset %d", e.packType, e.offset)
	}

	body, err := inflateExact(s, e.size)
	if err != nil {
		return nil, err
	}
	e.body = body
	return e, nil
}

// inflateExact 解压并交叉校验声明长度
func inflateExact(s *packScanner, declared uint64) ([]byte, error) {
	zr, err := zlib.NewReader(s)
	if err != nil {
		return nil, protocolErrf("bad zlib stream at offset %d: %v", s.off, err)
	}
	defer zr.Close()

	// 多读一字节探测超长，防止声明长度与实际不符
	buf := make([]byte, declared+1)
	n, err := io.ReadFull(zr, buf)
	if uint64(n) == declared && (err == io.EOF || err == io.ErrUnexpectedEOF) {
		return buf[:declared], nil
	}
	if err == nil {
		return nil, protocolErrf("object larger than declared size %d", declared)
	}
	return nil, protocolErrf("object shorter than declared size %d: got %d", declared, n)
}

// resolveEntries 还原delta链并计算OID
func resolveEntries(entries []*rawEntry, baseLookup BaseLookup) ([]Object, error) {
	byOffset := make(map[int]*Object, len(entries))
	byOID := make(map[string]*Object, len(entries))
	out := make([]Object, 0, len(entries))

	add := func(e *rawEntry, kind ObjectKind, data []byte) {
		obj := NewObject(kind, data)
		byOffset[e.offset] = &obj
		byOID[obj.OID] = &obj
		out = append(out, obj)
	}

	// delta可以链式引用，反复扫描直到不再有进展
	pending := entries
	for len(pending) > 0 {
		var next []*rawEntry
		progressed := false
		for _, e := range pending {
			kind, ok := kindOfPackType(e.packType)
			if ok {
				add(e, kind, e.body)
				progressed = true
				continue
			}

			var base *Object
			if e.packType == packObjOfsDelta {
				base = byOffset[e.baseOffset]
			} else {
				base = byOID[e.baseOID]
				if base == nil && baseLookup != nil {
					if k, data, found := baseLookup(e.baseOID); found {
						b := Object{OID: e.baseOID, Kind: k, Data: data}
						base = &b
					}
				}
			}
			if base == nil {
				next = append(next, e)
				continue
			}

			data, err := applyDelta(base.Data, e.body)
			if err != nil {
				return nil, err
			}
			add(e, base.Kind, data)
			progressed = true
		}
		if !progressed {
			if pending[0].baseOID != "" {
				return nil, protocolErrf("delta base %s not found", pending[0].baseOID)
			}
			return nil, protocolErrf("unresolvable delta at offset %d", pending[0].offset)
		}
		pending = next
	}
	return out, nil
}

// applyDelta 执行delta指令流：基准长度 + 结果长度 + copy/insert指令
func applyDelta(base, delta []byte) ([]byte, error) {
	srcSize, n := deltaVarint(delta)
	if n == 0 {
		return nil, protocolErrf("truncated delta source size")
	}
	if srcSize != uint64(len(base)) {
		return nil, protocolErrf("delta source size %d != base %d", srcSize, len(base))
	}
	delta = delta[n:]

	dstSize, n := deltaVarint(delta)
	if n == 0 {
		return nil, protocolErrf("truncated delta result size")
	}
	delta = delta[n:]

	out := make([]byte, 0, dstSize)
	for len(delta) > 0 {
		op := delta[0]
		delta = delta[1:]
		switch {
		case op&0x80 != 0:
			// copy指令：低7位指示偏移/长度各字节是否存在
			var off, size uint64
			for i := uint(0); i < 4; i++ {
				if op&(1<<i) != 0 {
					if len(delta) == 0 {
						return nil, protocolErrf("truncated delta copy offset")
					}
					off |= uint64(delta[0]) << (8 * i)
					delta = delta[1:]
				}
			}
			for i := uint(0); i < 3; i++ {
				if op&(0x10<<i) != 0 {
					if len(delta) == 0 {
						return nil, protocolErrf("truncated delta copy size")
					}
					size |= uint64(delta[0]) << (8 * i)
					delta = delta[1:]
				}
			}
			if size == 0 {
				size = 0x10000
			}
			if off+size > uint64(len(base)) {
				return nil, protocolErrf("delta copy out of range: %d+%d > %d", off, size, len(base))
			}
			out = append(out, base[off:off+size]...)
		case op > 0:
			// insert指令：op为字面量长度
			if int(op) > len(delta) {
				return nil, protocolErrf("truncated delta insert of %d bytes", op)
			}
			out = append(out, delta[:op]...)
			delta = delta[op:]
		default:
			return nil, protocolErrf("delta opcode 0 is reserved")
		}
	}
	if uint64(len(out)) != dstSize {
		return nil, protocolErrf("delta result %d bytes, declared %d", len(out), dstSize)
	}
	return out, nil
}

// deltaVarint 小端7位varint，返回值和消费的字节数
func deltaVarint(b []byte) (uint64, int) {
	var v uint64
	for i := 0; i < len(b) && i < 10; i++ {
		v |= uint64(b[i]&0x7f) << (7 * uint(i))
		if b[i]&0x80 == 0 {
			return v, i + 1
		}
	}
	return 0, 0
}
