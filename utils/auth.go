package utils

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ParseSecp256k1PrivateKey 同时支持 WIF 或 16 进制的32字节私钥字符串
func ParseSecp256k1PrivateKey(keyStr string) (*secp256k1.PrivateKey, error) {
	// 1) 尝试当作WIF解析
	if wif, err := btcutil.DecodeWIF(keyStr); err == nil {
		return wif.PrivKey, nil
	}

	// 2) 如果不是WIF，则尝试按Hex进行解析
	raw, err := hex.DecodeString(keyStr)
	if err != nil {
		return nil, errors.New("invalid key (neither valid WIF nor valid hex): " + err.Error())
	}
	if len(raw) != 32 {
		return nil, errors.New("invalid private key length in hex (must be 32 bytes)")
	}

	return secp256k1.PrivKeyFromBytes(raw), nil
}

// SignDigest 对32字节摘要做ECDSA签名，返回DER编码
func SignDigest(priv *secp256k1.PrivateKey, digest []byte) []byte {
	return secpecdsa.Sign(priv, digest).Serialize()
}

// VerifyECDSASignature 验证DER签名。公钥为压缩33字节格式。
// 任何解析失败都按验签失败处理，绝不panic
func VerifyECDSASignature(pubKeyBytes, digest, sigBytes []byte) bool {
	pub, err := secp256k1.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	sig, err := secpecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub)
}
