package txpool

import (
	"github.com/pkg/errors"

	"gitbft/config"
	"gitbft/types"
	"gitbft/utils"
)

// defaultValidator 默认交易校验：ID、签名、载荷格式、单笔大小
type defaultValidator struct {
	cfg config.MempoolConfig
}

// NewDefaultValidator 标准校验器
func NewDefaultValidator(cfg config.MempoolConfig) TxValidator {
	return &defaultValidator{cfg: cfg}
}

func (v *defaultValidator) CheckTx(tx *types.Transaction) error {
	if tx == nil || tx.ID == "" {
		return errors.Wrap(ErrMalformedPayload, "empty transaction")
	}
	if tx.ID != types.ComputeTxID(tx.Type, tx.Payload, tx.Sender) {
		return errors.Wrap(ErrMalformedPayload, "tx id does not match payload")
	}
	if v.cfg.MaxTxBytes > 0 && tx.Size() > v.cfg.MaxTxBytes {
		return errors.Wrapf(ErrMalformedPayload, "tx size %d exceeds limit", tx.Size())
	}

	switch tx.Type {
	case types.TxRefUpdate:
		p, err := tx.DecodeRefUpdate()
		if err != nil {
			return errors.Wrap(ErrMalformedPayload, err.Error())
		}
		if p.Repo == "" || p.RefName == "" || len(p.OldOID) != 40 || len(p.NewOID) != 40 {
			return errors.Wrap(ErrMalformedPayload, "incomplete ref_update payload")
		}
	case types.TxValidatorChange:
		if _, err := tx.DecodeValidatorChange(); err != nil {
			return errors.Wrap(ErrMalformedPayload, err.Error())
		}
	default:
		return errors.Wrapf(ErrMalformedPayload, "unknown tx type %q", tx.Type)
	}

	if len(tx.Sender) == 0 || len(tx.Signature) == 0 {
		return errors.Wrap(ErrInvalidSignature, "missing sender or signature")
	}
	if !utils.VerifyECDSASignature(tx.Sender, tx.SigningDigest(), tx.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
