package utils

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"
)

// BLS 聚合签名用于同步响应携带的最终化证据：
// 多个验证人对同一 (height, blockHash) 消息的签名聚合成一条，
// 追赶节点只需一次配对验证即可确认批次的最终性

var blsSuite = bn256.NewSuite()

// BLSScalarFromSecp 从节点的secp256k1私钥派生BLS标量。
// 只做演示级派生：D 值 mod 群阶。两种算法的密钥域不同，
// 派生键只用于同步证据，不用于共识投票
func BLSScalarFromSecp(priv *secp256k1.PrivateKey) kyber.Scalar {
	d := priv.Key.Bytes()
	return blsSuite.G2().Scalar().SetBytes(d[:])
}

// BLSPublicKey 标量对应的公钥点
func BLSPublicKey(x kyber.Scalar) kyber.Point {
	return blsSuite.G2().Point().Mul(x, nil)
}

// BLSPublicKeyBytes 公钥点序列化
func BLSPublicKeyBytes(x kyber.Scalar) ([]byte, error) {
	return BLSPublicKey(x).MarshalBinary()
}

// BLSSign 对消息签名
func BLSSign(x kyber.Scalar, msg []byte) ([]byte, error) {
	return bls.Sign(blsSuite, x, msg)
}

// BLSAggregate 聚合多条对同一消息的签名
func BLSAggregate(sigs ...[]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}
	return bls.AggregateSignatures(blsSuite, sigs...)
}

// BLSVerifyAggregate 用聚合公钥验证聚合签名
func BLSVerifyAggregate(pubKeys [][]byte, msg, aggSig []byte) error {
	if len(pubKeys) == 0 {
		return errors.New("no public keys")
	}
	points := make([]kyber.Point, 0, len(pubKeys))
	for _, raw := range pubKeys {
		p := blsSuite.G2().Point()
		if err := p.UnmarshalBinary(raw); err != nil {
			return err
		}
		points = append(points, p)
	}
	aggPub := bls.AggregatePublicKeys(blsSuite, points...)
	return bls.Verify(blsSuite, aggPub, msg, aggSig)
}
