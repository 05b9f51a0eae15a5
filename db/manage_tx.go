package db

import (
	"gitbft/keys"
	"gitbft/types"
)

// 交易回执状态
const (
	ReceiptPending   = "pending"
	ReceiptConfirmed = "confirmed"
	ReceiptRejected  = "rejected"
)

// TxReceipt 交易回执，push的report-status和API查询都读它
type TxReceipt struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Height uint64 `json:"height,omitempty"`
}

// SaveTx 持久化交易原文
func (m *Manager) SaveTx(tx *types.Transaction) error {
	raw, err := jsonFast.Marshal(tx)
	if err != nil {
		return err
	}
	m.EnqueueSet(keys.KeyTx(tx.ID), raw)
	return nil
}

// GetTx 不存在返回 (nil, nil)
func (m *Manager) GetTx(txID string) (*types.Transaction, error) {
	var tx types.Transaction
	ok, err := m.getJSON(keys.KeyTx(txID), &tx)
	if err != nil || !ok {
		return nil, err
	}
	return &tx, nil
}

// SaveReceipt 写回执
func (m *Manager) SaveReceipt(r *TxReceipt) error {
	raw, err := jsonFast.Marshal(r)
	if err != nil {
		return err
	}
	m.EnqueueSet(keys.KeyTxReceipt(r.TxID), raw)
	return nil
}

// GetReceipt 不存在返回 (nil, nil)
func (m *Manager) GetReceipt(txID string) (*TxReceipt, error) {
	var r TxReceipt
	ok, err := m.getJSON(keys.KeyTxReceipt(txID), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}
