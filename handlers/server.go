package handlers

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"gitbft/crt"
)

// StartHTTP3Server 起QUIC监听并在其上跑HTTP/3。
// 返回的server由调用方负责优雅关闭
func (hm *HandlerManager) StartHTTP3Server(dataPath string) (*http3.Server, error) {
	cert, err := crt.LoadOrGenerate(dataPath)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	hm.RegisterRoutes(mux)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h3", "h3-29", "h3-28", "h3-27"},
	}
	quicConfig := &quic.Config{
		KeepAlivePeriod: hm.cfg.Server.QUICKeepAlivePeriod,
		MaxIdleTimeout:  hm.cfg.Server.QUICMaxIdleTimeout,
		Allow0RTT:       hm.cfg.Server.QUICAllow0RTT,
	}

	server := &http3.Server{
		Addr:       ":" + hm.port,
		Handler:    mux,
		TLSConfig:  tlsConfig,
		QUICConfig: quicConfig,
	}

	go func() {
		hm.Logger.Info("[handlers] HTTP/3 server listening on :%s", hm.port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hm.Logger.Error("[handlers] HTTP/3 server exited: %v", err)
		}
	}()
	return server, nil
}

// ShutdownHTTP3Server 优雅关闭
func ShutdownHTTP3Server(ctx context.Context, server *http3.Server) error {
	if server == nil {
		return nil
	}
	return server.Close()
}
