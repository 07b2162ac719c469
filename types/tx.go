package types

import (
	"fmt"
)

// Input 交易输入，由 Module 对应的模块解释 Payload
type Input struct {
	Module  string `json:"module"`
	Payload []byte `json:"payload"`
}

// Output 交易输出
type Output struct {
	Module  string `json:"module"`
	Payload []byte `json:"payload"`
}

// Transaction 客户端提交的状态变更请求。
// Signatures[i] 是第 i 个输入的花费密钥对 TxID 的 BIP-340 签名。
type Transaction struct {
	Inputs     []Input  `json:"inputs"`
	Outputs    []Output `json:"outputs"`
	Signatures [][]byte `json:"signatures"`
}

func encodeItem(module string, payload []byte) []byte {
	var e Encoder
	return e.String(1, module).Bytes(2, payload).Finish()
}

func decodeItem(b []byte) (string, []byte, error) {
	fields, err := DecodeFields(b)
	if err != nil {
		return "", nil, err
	}
	var module string
	var payload []byte
	for _, f := range fields {
		switch f.Num {
		case 1:
			module = string(f.Bytes)
		case 2:
			payload = f.Bytes
		}
	}
	if module == "" {
		return "", nil, fmt.Errorf("%w: item without module", ErrMalformed)
	}
	return module, payload, nil
}

// UnsignedBytes 不含签名的规范编码，TxID 基于它计算
func (tx *Transaction) UnsignedBytes() []byte {
	var e Encoder
	for _, in := range tx.Inputs {
		e.Bytes(1, encodeItem(in.Module, in.Payload))
	}
	for _, out := range tx.Outputs {
		e.Bytes(2, encodeItem(out.Module, out.Payload))
	}
	return e.Finish()
}

// ID 交易哈希
func (tx *Transaction) ID() TxID {
	return TaggedHash(TagTransaction, tx.UnsignedBytes())
}

// Encode 完整编码（含签名）
func (tx *Transaction) Encode() []byte {
	e := Encoder{buf: tx.UnsignedBytes()}
	for _, sig := range tx.Signatures {
		e.Bytes(3, sig)
	}
	return e.Finish()
}

// DecodeTransaction Encode 的逆
func DecodeTransaction(b []byte) (*Transaction, error) {
	fields, err := DecodeFields(b)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			m, p, err := decodeItem(f.Bytes)
			if err != nil {
				return nil, err
			}
			tx.Inputs = append(tx.Inputs, Input{Module: m, Payload: p})
		case 2:
			m, p, err := decodeItem(f.Bytes)
			if err != nil {
				return nil, err
			}
			tx.Outputs = append(tx.Outputs, Output{Module: m, Payload: p})
		case 3:
			tx.Signatures = append(tx.Signatures, f.Bytes)
		default:
			return nil, fmt.Errorf("%w: unknown transaction field %d", ErrMalformed, f.Num)
		}
	}
	return tx, nil
}

// OutPoint 第 i 个输出的位置
func (tx *Transaction) OutPoint(i int) OutPoint {
	return OutPoint{TxID: tx.ID(), Index: uint32(i)}
}

// Modules 交易涉及到的模块集合
func (tx *Transaction) Modules() map[string]struct{} {
	m := make(map[string]struct{})
	for _, in := range tx.Inputs {
		m[in.Module] = struct{}{}
	}
	for _, out := range tx.Outputs {
		m[out.Module] = struct{}{}
	}
	return m
}

// TxOutcome 交易在 epoch 中的处理结果
type TxOutcome struct {
	TxID     TxID   `json:"txid"`
	Epoch    uint64 `json:"epoch"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// EncodeOutcome 存储用编码
func (o *TxOutcome) Encode() []byte {
	var e Encoder
	accepted := uint64(0)
	if o.Accepted {
		accepted = 1
	}
	return e.Bytes(1, o.TxID[:]).Uint(2, o.Epoch).Uint(3, accepted).String(4, o.Reason).Finish()
}

func DecodeOutcome(b []byte) (*TxOutcome, error) {
	fields, err := DecodeFields(b)
	if err != nil {
		return nil, err
	}
	o := &TxOutcome{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			if len(f.Bytes) != len(o.TxID) {
				return nil, fmt.Errorf("%w: txid length %d", ErrMalformed, len(f.Bytes))
			}
			copy(o.TxID[:], f.Bytes)
		case 2:
			o.Epoch = f.Uint
		case 3:
			o.Accepted = f.Uint == 1
		case 4:
			o.Reason = string(f.Bytes)
		}
	}
	return o, nil
}

// EpochAck submit_transaction 的回执：交易已进入交易池，等待下一个 epoch 排序
type EpochAck struct {
	TxID TxID `json:"txid"`
	// 提交时本节点最近一次应用的 epoch；交易最早出现在 PendingFrom
	LastEpoch   uint64 `json:"last_epoch"`
	PendingFrom uint64 `json:"pending_from"`
}
