package sender

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"gitbft/config"
)

// 创建非单例的 HTTP/3 客户端
func createHttp3Client(cfg *config.Config) *http.Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: true, // 节点身份靠消息签名，不靠证书链
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(128),
		NextProtos:         []string{"h3", "h3-29", "h3-28", "h3-27"},
	}

	tr := &http3.RoundTripper{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  5 * time.Minute,
			Allow0RTT: true,
		},
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.Network.ConnectionTimeout,
	}
}
