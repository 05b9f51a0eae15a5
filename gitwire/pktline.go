package gitwire

import (
	"encoding/hex"
	"fmt"
	"io"
)

// pkt-line：4位十六进制长度前缀（含前缀本身）+ 载荷。
// 长度0000为flush包，标记一个段落结束。
// 载荷上限65516字节（0xfff0 - 4），超过按协议错误处理

const (
	pktLenSize    = 4
	MaxPktPayload = 65516
)

// PktReader 读取pkt-line流
type PktReader struct {
	r          io.Reader
	maxPayload int
	lenBuf     [pktLenSize]byte
}

// NewPktReader maxPayload<=0 时使用协议上限
func NewPktReader(r io.Reader, maxPayload int) *PktReader {
	if maxPayload <= 0 || maxPayload > MaxPktPayload {
		maxPayload = MaxPktPayload
	}
	return &PktReader{r: r, maxPayload: maxPayload}
}

// ReadPacket 读取一个包。flush包返回 (nil, true, nil)。
// 末尾遇到EOF返回 io.EOF；长度前缀残缺按协议错误处理
func (pr *PktReader) ReadPacket() (payload []byte, flush bool, err error) {
	n, err := io.ReadFull(pr.r, pr.lenBuf[:])
	if err == io.EOF && n == 0 {
		return nil, false, io.EOF
	}
	if err != nil {
		return nil, false, protocolErrf("truncated pkt length prefix")
	}

	raw := make([]byte, 2)
	if _, err := hex.Decode(raw, pr.lenBuf[:]); err != nil {
		return nil, false, protocolErrf("bad pkt length %q", string(pr.lenBuf[:]))
	}
	length := int(raw[0])<<8 | int(raw[1])

	if length == 0 {
		return nil, true, nil
	}
	if length < pktLenSize {
		return nil, false, protocolErrf("pkt length %d below header size", length)
	}
	size := length - pktLenSize
	if size > pr.maxPayload {
		return nil, false, protocolErrf("pkt payload %d exceeds max %d", size, pr.maxPayload)
	}

	payload = make([]byte, size)
	if _, err := io.ReadFull(pr.r, payload); err != nil {
		return nil, false, protocolErrf("truncated pkt payload (want %d bytes)", size)
	}
	return payload, false, nil
}

// PktWriter 写pkt-line流（report-status响应用）
type PktWriter struct {
	w io.Writer
}

func NewPktWriter(w io.Writer) *PktWriter {
	return &PktWriter{w: w}
}

// WritePacket 写一个带长度前缀的包
func (pw *PktWriter) WritePacket(payload []byte) error {
	if len(payload) > MaxPktPayload {
		return protocolErrf("pkt payload %d exceeds max %d", len(payload), MaxPktPayload)
	}
	if _, err := fmt.Fprintf(pw.w, "%04x", len(payload)+pktLenSize); err != nil {
		return err
	}
	_, err := pw.w.Write(payload)
	return err
}

// WriteString 便捷封装
func (pw *PktWriter) WriteString(s string) error {
	return pw.WritePacket([]byte(s))
}

// WriteFlush 写flush包
func (pw *PktWriter) WriteFlush() error {
	_, err := io.WriteString(pw.w, "0000")
	return err
}
