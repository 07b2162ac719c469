package consensus

import (
	"fmt"

	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MsgType 共识消息类型
type MsgType uint8

const (
	// MsgProposal 本节点的候选交易批次
	MsgProposal MsgType = iota + 1
	MsgPrePrepare
	MsgPrepare
	MsgCommit
	MsgRoundChange
	// MsgDecided 已达成的 epoch 及门限签名，用于追赶
	MsgDecided
	// MsgEpochRequest 请求从 FromEpoch 开始的已决 epoch
	MsgEpochRequest
)

func (t MsgType) String() string {
	switch t {
	case MsgProposal:
		return "proposal"
	case MsgPrePrepare:
		return "pre-prepare"
	case MsgPrepare:
		return "prepare"
	case MsgCommit:
		return "commit"
	case MsgRoundChange:
		return "round-change"
	case MsgDecided:
		return "decided"
	case MsgEpochRequest:
		return "epoch-request"
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// Message guardian 之间的共识消息，每条都由发送方身份密钥签名
type Message struct {
	Type   MsgType
	Epoch  uint64
	Round  uint32
	From   types.GuardianID
	Digest chainhash.Hash
	// PrePrepare / Decided 携带的 epoch
	Value *types.Epoch
	// Proposal 携带的交易
	Txs []*types.Transaction
	// RoundChange：此前 prepared 的轮次、值与 prepare 证书
	Prepared      bool
	PreparedRound uint32
	PreparedValue *types.Epoch
	PreparedCert  []*Message
	// PrePrepare(r>0)：q 个 RoundChange
	Justification []*Message
	// Commit：对 Digest 的门限签名份额
	Share []byte
	// EpochRequest
	FromEpoch uint64

	Signature []byte
}

func (m *Message) body() []byte {
	var e types.Encoder
	e.Uint(1, uint64(m.Type)).Uint(2, m.Epoch).Uint(3, uint64(m.Round)).Uint(4, uint64(m.From)).Bytes(5, m.Digest[:])
	if m.Value != nil {
		e.Bytes(6, m.Value.Encode())
	}
	for _, tx := range m.Txs {
		e.Bytes(7, tx.Encode())
	}
	if m.Prepared {
		e.Uint(8, uint64(m.PreparedRound)+1)
	}
	if m.PreparedValue != nil {
		e.Bytes(9, m.PreparedValue.Encode())
	}
	for _, c := range m.PreparedCert {
		e.Bytes(10, c.Encode())
	}
	for _, j := range m.Justification {
		e.Bytes(11, j.Encode())
	}
	if len(m.Share) > 0 {
		e.Bytes(12, m.Share)
	}
	if m.FromEpoch > 0 {
		e.Uint(13, m.FromEpoch)
	}
	return e.Finish()
}

// SigHash 签名覆盖除签名外的全部字段
func (m *Message) SigHash() chainhash.Hash {
	return types.TaggedHash(types.TagConsensus, m.body())
}

func (m *Message) Encode() []byte {
	var sig types.Encoder
	return append(m.body(), sig.Bytes(14, m.Signature).Finish()...)
}

func DecodeMessage(b []byte) (*Message, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	m := &Message{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			m.Type = MsgType(f.Uint)
		case 2:
			m.Epoch = f.Uint
		case 3:
			m.Round = uint32(f.Uint)
		case 4:
			m.From = types.GuardianID(f.Uint)
		case 5:
			if len(f.Bytes) != chainhash.HashSize {
				return nil, fmt.Errorf("%w: digest length %d", types.ErrMalformed, len(f.Bytes))
			}
			copy(m.Digest[:], f.Bytes)
		case 6, 9:
			e, err := types.DecodeEpoch(f.Bytes)
			if err != nil {
				return nil, err
			}
			if f.Num == 6 {
				m.Value = e
			} else {
				m.PreparedValue = e
			}
		case 7:
			tx, err := types.DecodeTransaction(f.Bytes)
			if err != nil {
				return nil, err
			}
			m.Txs = append(m.Txs, tx)
		case 8:
			m.Prepared = true
			m.PreparedRound = uint32(f.Uint - 1)
		case 10, 11:
			inner, err := DecodeMessage(f.Bytes)
			if err != nil {
				return nil, err
			}
			if f.Num == 10 {
				m.PreparedCert = append(m.PreparedCert, inner)
			} else {
				m.Justification = append(m.Justification, inner)
			}
		case 12:
			m.Share = f.Bytes
		case 13:
			m.FromEpoch = f.Uint
		case 14:
			m.Signature = f.Bytes
		default:
			return nil, fmt.Errorf("%w: unknown message field %d", types.ErrMalformed, f.Num)
		}
	}
	if m.Type < MsgProposal || m.Type > MsgEpochRequest {
		return nil, fmt.Errorf("%w: message type %d", types.ErrMalformed, m.Type)
	}
	return m, nil
}

// Sign 用身份私钥签名
func (m *Message) Sign(priv *btcec.PrivateKey) error {
	h := m.SigHash()
	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return err
	}
	m.Signature = sig.Serialize()
	return nil
}

// Verify 校验签名
func (m *Message) Verify(pub *btcec.PublicKey) error {
	sig, err := schnorr.ParseSignature(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	h := m.SigHash()
	if !sig.Verify(h[:], pub) {
		return fmt.Errorf("%w: signature from %s", ErrBadMessage, m.From)
	}
	return nil
}
