package wallet

import (
	"fmt"

	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const Kind = "wallet"

// PegIn 认领一个已确认的存款 UTXO
type PegIn struct {
	OutPoint wire.OutPoint
	// 认领人的 x-only 公钥，交易签名以它验证
	SpendKey []byte
}

func (p *PegIn) Encode() []byte {
	var e types.Encoder
	return e.Bytes(1, p.OutPoint.Hash[:]).Uint(2, uint64(p.OutPoint.Index)).Bytes(3, p.SpendKey).Finish()
}

func DecodePegIn(b []byte) (*PegIn, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	p := &PegIn{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			h, err := chainhash.NewHash(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrMalformed, err)
			}
			p.OutPoint.Hash = *h
		case 2:
			p.OutPoint.Index = uint32(f.Uint)
		case 3:
			p.SpendKey = f.Bytes
		}
	}
	if len(p.SpendKey) != 32 {
		return nil, fmt.Errorf("%w: spend key length %d", types.ErrMalformed, len(p.SpendKey))
	}
	return p, nil
}

func (p *PegIn) Input() types.Input { return types.Input{Module: Kind, Payload: p.Encode()} }

// PegOut 把电子现金换回链上资金
type PegOut struct {
	Address   string
	AmountSat int64
}

func (p *PegOut) Encode() []byte {
	var e types.Encoder
	return e.String(1, p.Address).Uint(2, uint64(p.AmountSat)).Finish()
}

func DecodePegOut(b []byte) (*PegOut, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	p := &PegOut{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			p.Address = string(f.Bytes)
		case 2:
			p.AmountSat = int64(f.Uint)
		}
	}
	if p.Address == "" || p.AmountSat <= 0 {
		return nil, fmt.Errorf("%w: peg-out without address or amount", types.ErrMalformed)
	}
	return p, nil
}

func (p *PegOut) Output() types.Output { return types.Output{Module: Kind, Payload: p.Encode()} }

// PendingPegOut 已提交、等待签名广播的提现
type PendingPegOut struct {
	OutPoint  types.OutPoint `json:"outpoint"`
	Epoch     uint64         `json:"epoch"`
	Address   string         `json:"address"`
	AmountSat int64          `json:"amount_sat"`
	PkScript  []byte         `json:"pk_script"`
}

func (p *PendingPegOut) Encode() []byte {
	var e types.Encoder
	return e.Bytes(1, p.OutPoint.Bytes()).Uint(2, p.Epoch).String(3, p.Address).
		Uint(4, uint64(p.AmountSat)).Bytes(5, p.PkScript).Finish()
}

func DecodePendingPegOut(b []byte) (*PendingPegOut, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	p := &PendingPegOut{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			op, err := types.OutPointFromBytes(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrMalformed, err)
			}
			p.OutPoint = op
		case 2:
			p.Epoch = f.Uint
		case 3:
			p.Address = string(f.Bytes)
		case 4:
			p.AmountSat = int64(f.Uint)
		case 5:
			p.PkScript = f.Bytes
		}
	}
	return p, nil
}
