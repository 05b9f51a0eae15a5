package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeyManager 保存单个节点的私钥和推导地址
type KeyManager struct {
	privateKey string // 原始私钥字符串（hex或WIF）
	address    string
	priv       *secp256k1.PrivateKey
}

// NewKeyManager 解析私钥并推导节点地址
func NewKeyManager(priKey string) (*KeyManager, error) {
	priv, err := ParseSecp256k1PrivateKey(priKey)
	if err != nil {
		return nil, err
	}
	addr, err := DeriveBech32Address(priv)
	if err != nil {
		return nil, err
	}
	return &KeyManager{
		privateKey: priKey,
		address:    addr,
		priv:       priv,
	}, nil
}

// GenerateKeyManager 随机生成节点密钥（测试和首次启动用）
func GenerateKeyManager() (*KeyManager, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return NewKeyManager(hex.EncodeToString(raw))
}

// DeriveBech32Address 从私钥生成 bc1q… P2WPKH 地址
func DeriveBech32Address(priv *secp256k1.PrivateKey) (string, error) {
	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, &chaincfg.MainNetParams)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// AddressFromPubKey 从压缩公钥生成 bc1q… 地址（创世验证人解析用）
func AddressFromPubKey(pubKey []byte) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, &chaincfg.MainNetParams)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// GetAddress 返回节点的推导地址
func (km *KeyManager) GetAddress() string {
	return km.address
}

// GetPrivateKey 返回原始私钥字符串
func (km *KeyManager) GetPrivateKey() string {
	return km.privateKey
}

// PrivKey 返回解析后的secp256k1私钥
func (km *KeyManager) PrivKey() *secp256k1.PrivateKey {
	return km.priv
}

// PublicKeyBytes 压缩公钥字节
func (km *KeyManager) PublicKeyBytes() []byte {
	return km.priv.PubKey().SerializeCompressed()
}

// Sign 对摘要签名
func (km *KeyManager) Sign(digest []byte) []byte {
	return SignDigest(km.priv, digest)
}
