package gitwire

import "github.com/pkg/errors"

// 错误分类。上层用 errors.Is 匹配
var (
	// ErrProtocol 线格式损坏：长度前缀非法、载荷截断、超限等。
	// 按连接级错误处理，丢弃整条消息
	ErrProtocol = errors.New("protocol error")

	// ErrChecksumMismatch pack尾部校验和不匹配，整个push拒绝
	ErrChecksumMismatch = errors.New("pack checksum mismatch")
)

func protocolErrf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocol, format, args...)
}
