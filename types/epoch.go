package types

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Epoch 一次共识达成的有序交易批次
type Epoch struct {
	Number       uint64         `json:"number"`
	PrevHash     chainhash.Hash `json:"prev_hash"`
	Transactions []*Transaction `json:"transactions"`
	// 被合并进来的提案来源
	Proposers []GuardianID `json:"proposers"`
	// 联邦门限签名，覆盖 Digest()
	Signature []byte `json:"signature,omitempty"`
}

// Digest 不含签名的 epoch 摘要
func (e *Epoch) Digest() chainhash.Hash {
	var num [8]byte
	binary.BigEndian.PutUint64(num[:], e.Number)
	parts := [][]byte{num[:], e.PrevHash[:]}
	for _, tx := range e.Transactions {
		id := tx.ID()
		parts = append(parts, id[:])
	}
	for _, p := range e.Proposers {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(p))
		parts = append(parts, b[:])
	}
	return TaggedHash(TagEpoch, parts...)
}

// TxIDs 按顺序的交易哈希
func (e *Epoch) TxIDs() []TxID {
	ids := make([]TxID, len(e.Transactions))
	for i, tx := range e.Transactions {
		ids[i] = tx.ID()
	}
	return ids
}

func (e *Epoch) Encode() []byte {
	var enc Encoder
	enc.Uint(1, e.Number).Bytes(2, e.PrevHash[:])
	for _, tx := range e.Transactions {
		enc.Bytes(3, tx.Encode())
	}
	for _, p := range e.Proposers {
		enc.Uint(4, uint64(p))
	}
	if len(e.Signature) > 0 {
		enc.Bytes(5, e.Signature)
	}
	return enc.Finish()
}

func DecodeEpoch(b []byte) (*Epoch, error) {
	fields, err := DecodeFields(b)
	if err != nil {
		return nil, err
	}
	e := &Epoch{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			e.Number = f.Uint
		case 2:
			if len(f.Bytes) != chainhash.HashSize {
				return nil, fmt.Errorf("%w: prev hash length %d", ErrMalformed, len(f.Bytes))
			}
			copy(e.PrevHash[:], f.Bytes)
		case 3:
			tx, err := DecodeTransaction(f.Bytes)
			if err != nil {
				return nil, err
			}
			e.Transactions = append(e.Transactions, tx)
		case 4:
			e.Proposers = append(e.Proposers, GuardianID(f.Uint))
		case 5:
			e.Signature = f.Bytes
		default:
			return nil, fmt.Errorf("%w: unknown epoch field %d", ErrMalformed, f.Num)
		}
	}
	return e, nil
}
