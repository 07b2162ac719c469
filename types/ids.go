package types

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// GuardianID 联邦内稳定的 guardian 编号，0..n-1
type GuardianID uint16

func (g GuardianID) String() string { return fmt.Sprintf("guardian-%d", uint16(g)) }

// ShareIndex kyber 的 share 下标与 guardian 编号一一对应
func (g GuardianID) ShareIndex() int { return int(g) }

// Amount 金额，单位 msat
type Amount uint64

func (a Amount) String() string { return fmt.Sprintf("%d msat", uint64(a)) }

// Sat 向下取整到 sat
func (a Amount) Sat() int64 { return int64(a / 1000) }

// AmountFromSat sat → msat
func AmountFromSat(sat int64) Amount { return Amount(sat) * 1000 }

// TxID 交易哈希
type TxID = chainhash.Hash

// OutPoint 指向某笔交易的第 Index 个输出
type OutPoint struct {
	TxID  TxID   `json:"txid"`
	Index uint32 `json:"index"`
}

func (o OutPoint) String() string { return fmt.Sprintf("%s:%d", o.TxID, o.Index) }

// Bytes 36 字节定长编码，用作存储键
func (o OutPoint) Bytes() []byte {
	b := make([]byte, 36)
	copy(b, o.TxID[:])
	binary.BigEndian.PutUint32(b[32:], o.Index)
	return b
}

// OutPointFromBytes Bytes 的逆
func OutPointFromBytes(b []byte) (OutPoint, error) {
	var o OutPoint
	if len(b) != 36 {
		return o, fmt.Errorf("outpoint: want 36 bytes, got %d", len(b))
	}
	copy(o.TxID[:], b[:32])
	o.Index = binary.BigEndian.Uint32(b[32:])
	return o, nil
}

// 哈希域标签，防止跨用途碰撞
const (
	TagTransaction = "fedimint/tx"
	TagEpoch       = "fedimint/epoch"
	TagNullifier   = "fedimint/nullifier"
	TagConsensus   = "fedimint/consensus"
	TagIssuance    = "fedimint/issuance"
	TagGateway     = "fedimint/ln-gateway"
)

// TaggedHash BIP-340 风格带标签哈希
func TaggedHash(tag string, parts ...[]byte) chainhash.Hash {
	return *chainhash.TaggedHash([]byte(tag), parts...)
}
