package mint

import (
	"encoding/binary"
	"fmt"

	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"
)

// Kind 模块标签
const Kind = "mint"

// NoteInput 花费一张 note：nonce 同时是 x-only 花费公钥
type NoteInput struct {
	Nonce     []byte
	Signature []byte
}

func (n *NoteInput) Encode() []byte {
	var e types.Encoder
	return e.Bytes(1, n.Nonce).Bytes(2, n.Signature).Finish()
}

func DecodeNoteInput(b []byte) (*NoteInput, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	n := &NoteInput{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			n.Nonce = f.Bytes
		case 2:
			n.Signature = f.Bytes
		}
	}
	if len(n.Nonce) != 32 {
		return nil, fmt.Errorf("%w: nonce length %d", types.ErrMalformed, len(n.Nonce))
	}
	if len(n.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing note signature", types.ErrMalformed)
	}
	return n, nil
}

// Input 构造交易输入
func (n *NoteInput) Input() types.Input {
	return types.Input{Module: Kind, Payload: n.Encode()}
}

// IssuanceOutput 请求签发一张 note，guardian 只看到盲化消息
type IssuanceOutput struct {
	Blinded tbs.BlindedMessage
}

func (o *IssuanceOutput) Encode() []byte {
	var e types.Encoder
	return e.Bytes(1, o.Blinded.Bytes()).Finish()
}

func DecodeIssuanceOutput(b []byte) (*IssuanceOutput, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f.Num == 1 {
			bm, err := tbs.DecodeBlindedMessage(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrMalformed, err)
			}
			return &IssuanceOutput{Blinded: bm}, nil
		}
	}
	return nil, fmt.Errorf("%w: missing blinded message", types.ErrMalformed)
}

func (o *IssuanceOutput) Output() types.Output {
	return types.Output{Module: Kind, Payload: o.Encode()}
}

// Issuance 已在 epoch 中提交的签发记录，签名服务只为它签
type Issuance struct {
	Epoch    uint64
	OutPoint types.OutPoint
	Blinded  []byte
}

func (r *Issuance) Encode() []byte {
	var e types.Encoder
	return e.Uint(1, r.Epoch).Bytes(2, r.OutPoint.Bytes()).Bytes(3, r.Blinded).Finish()
}

func DecodeIssuance(b []byte) (*Issuance, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	r := &Issuance{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			r.Epoch = f.Uint
		case 2:
			op, err := types.OutPointFromBytes(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrMalformed, err)
			}
			r.OutPoint = op
		case 3:
			r.Blinded = f.Bytes
		}
	}
	return r, nil
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func readU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
