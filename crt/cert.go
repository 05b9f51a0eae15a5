package crt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/ripemd160"

	"gitbft/logs"
)

// ============================================
// QUIC服务端的自签名TLS证书。
// 对端不验证书链（节点身份靠消息签名），证书只为握手
// ============================================

// convertBits 用于将数据从 fromBits 位组转换为 toBits 位组
func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	acc := 0
	bits := uint(0)
	maxv := (1 << toBits) - 1
	output := []byte{}

	for _, value := range data {
		acc = (acc << fromBits) | int(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			output = append(output, byte((acc>>bits)&maxv))
		}
	}

	if pad && bits > 0 {
		output = append(output, byte((acc<<(toBits-bits))&maxv))
	} else if !pad && bits >= fromBits {
		return nil, fmt.Errorf("excess padding")
	} else if !pad && ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, fmt.Errorf("non-zero padding")
	}

	return output, nil
}

// certAddress 证书公钥的bech32指纹，写入证书组织字段便于排查
func certAddress(pubKey *ecdsa.PublicKey) (string, error) {
	pubKeyBytes := elliptic.Marshal(pubKey.Curve, pubKey.X, pubKey.Y)

	sha256Hash := sha256.Sum256(pubKeyBytes)
	ripemdHasher := ripemd160.New()
	if _, err := ripemdHasher.Write(sha256Hash[:]); err != nil {
		return "", err
	}
	ripemdHash := ripemdHasher.Sum(nil)

	converted, err := convertBits(ripemdHash, 8, 5, false)
	if err != nil {
		return "", err
	}
	data := append([]byte{0x00}, converted...)
	return bech32.Encode("bc", data)
}

func generateSelfSignedCert(certPath, keyPath string) error {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	addr, err := certAddress(&privateKey.PublicKey)
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{addr},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:  x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return err
	}

	certFile, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certFile.Close()
	if err := pem.Encode(certFile, &pem.Block{Type: "CERTIFICATE", Bytes: certBytes}); err != nil {
		return err
	}

	keyFile, err := os.Create(keyPath)
	if err != nil {
		return err
	}
	defer keyFile.Close()
	privBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return err
	}
	if err := pem.Encode(keyFile, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return err
	}

	logs.Debug("Certificate generated: %s (fingerprint %s)", certPath, addr)
	return nil
}

// LoadOrGenerate 数据目录下已有证书则复用，没有就现场生成
func LoadOrGenerate(dataPath string) (tls.Certificate, error) {
	certPath := filepath.Join(dataPath, "server.crt")
	keyPath := filepath.Join(dataPath, "server.key")

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		if err := generateSelfSignedCert(certPath, keyPath); err != nil {
			return tls.Certificate{}, err
		}
	}
	return tls.LoadX509KeyPair(certPath, keyPath)
}
