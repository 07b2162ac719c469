package ln

import (
	"fmt"

	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/sha3"
)

const Kind = "ln"

// 输出变体
const (
	variantContract = 1
	variantGateway  = 2
)

// ContractID 合约标识
type ContractID [32]byte

func (c ContractID) String() string { return chainhash.Hash(c).String() }

// OutgoingContract 用户锁给网关的资金：网关凭原像领取，超时后用户取回
type OutgoingContract struct {
	PaymentHash chainhash.Hash
	GatewayKey  []byte
	RefundKey   []byte
	// 到达该 epoch 后允许退款
	Timelock uint64
	Amount   types.Amount
}

func (c *OutgoingContract) Encode() []byte {
	var e types.Encoder
	return e.Uint(1, variantContract).Bytes(2, c.PaymentHash[:]).Bytes(3, c.GatewayKey).
		Bytes(4, c.RefundKey).Uint(5, c.Timelock).Uint(6, uint64(c.Amount)).Finish()
}

// ID 合约标识取决于它所在的输出位置
func (c *OutgoingContract) ID(op types.OutPoint) ContractID {
	h := sha3.New256()
	h.Write(op.Bytes())
	h.Write(c.Encode())
	var id ContractID
	copy(id[:], h.Sum(nil))
	return id
}

func (c *OutgoingContract) Output() types.Output {
	return types.Output{Module: Kind, Payload: c.Encode()}
}

// GatewayRegistration 网关公告，由网关密钥签名
type GatewayRegistration struct {
	GatewayKey  []byte `json:"gateway_key"`
	APIAddr     string `json:"api_addr"`
	FeeBaseMsat uint64 `json:"fee_base_msat"`
	FeePPM      uint64 `json:"fee_ppm"`
	// 同一网关的多次公告以序号区分
	Sequence  uint64 `json:"sequence"`
	Signature []byte `json:"signature"`
}

// SigHash 签名覆盖的摘要
func (g *GatewayRegistration) SigHash() chainhash.Hash {
	var e types.Encoder
	body := e.Bytes(1, g.GatewayKey).String(2, g.APIAddr).Uint(3, g.FeeBaseMsat).
		Uint(4, g.FeePPM).Uint(5, g.Sequence).Finish()
	return types.TaggedHash(types.TagGateway, body)
}

func (g *GatewayRegistration) Encode() []byte {
	var e types.Encoder
	return e.Uint(1, variantGateway).Bytes(2, g.GatewayKey).String(3, g.APIAddr).
		Uint(4, g.FeeBaseMsat).Uint(5, g.FeePPM).Uint(6, g.Sequence).Bytes(7, g.Signature).Finish()
}

func (g *GatewayRegistration) Output() types.Output {
	return types.Output{Module: Kind, Payload: g.Encode()}
}

// Fee 网关对 amount 收取的费用
func (g *GatewayRegistration) Fee(amount types.Amount) types.Amount {
	return types.Amount(g.FeeBaseMsat) + amount*types.Amount(g.FeePPM)/1_000_000
}

// decodeOutput 返回二者之一
func decodeOutput(b []byte) (*OutgoingContract, *GatewayRegistration, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, nil, err
	}
	if len(fields) == 0 || fields[0].Num != 1 {
		return nil, nil, fmt.Errorf("%w: ln output without variant", types.ErrMalformed)
	}
	switch fields[0].Uint {
	case variantContract:
		c := &OutgoingContract{}
		for _, f := range fields[1:] {
			switch f.Num {
			case 2:
				h, err := chainhash.NewHash(f.Bytes)
				if err != nil {
					return nil, nil, fmt.Errorf("%w: %v", types.ErrMalformed, err)
				}
				c.PaymentHash = *h
			case 3:
				c.GatewayKey = f.Bytes
			case 4:
				c.RefundKey = f.Bytes
			case 5:
				c.Timelock = f.Uint
			case 6:
				c.Amount = types.Amount(f.Uint)
			}
		}
		if len(c.GatewayKey) != 32 || len(c.RefundKey) != 32 || c.Amount == 0 {
			return nil, nil, fmt.Errorf("%w: incomplete contract", types.ErrMalformed)
		}
		return c, nil, nil
	case variantGateway:
		g := &GatewayRegistration{}
		for _, f := range fields[1:] {
			switch f.Num {
			case 2:
				g.GatewayKey = f.Bytes
			case 3:
				g.APIAddr = string(f.Bytes)
			case 4:
				g.FeeBaseMsat = f.Uint
			case 5:
				g.FeePPM = f.Uint
			case 6:
				g.Sequence = f.Uint
			case 7:
				g.Signature = f.Bytes
			}
		}
		if len(g.GatewayKey) != 32 || g.APIAddr == "" {
			return nil, nil, fmt.Errorf("%w: incomplete gateway registration", types.ErrMalformed)
		}
		return nil, g, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown ln output variant %d", types.ErrMalformed, fields[0].Uint)
}

// ContractClaim 花费合约：带原像即网关领取，不带即用户退款
type ContractClaim struct {
	Contract ContractID
	Preimage []byte
}

func (c *ContractClaim) Encode() []byte {
	var e types.Encoder
	e.Bytes(1, c.Contract[:])
	if len(c.Preimage) > 0 {
		e.Bytes(2, c.Preimage)
	}
	return e.Finish()
}

func (c *ContractClaim) Input() types.Input { return types.Input{Module: Kind, Payload: c.Encode()} }

func DecodeContractClaim(b []byte) (*ContractClaim, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	c := &ContractClaim{}
	got := false
	for _, f := range fields {
		switch f.Num {
		case 1:
			if len(f.Bytes) != 32 {
				return nil, fmt.Errorf("%w: contract id length %d", types.ErrMalformed, len(f.Bytes))
			}
			copy(c.Contract[:], f.Bytes)
			got = true
		case 2:
			c.Preimage = f.Bytes
		}
	}
	if !got {
		return nil, fmt.Errorf("%w: claim without contract", types.ErrMalformed)
	}
	return c, nil
}

// ContractRecord 存储中的合约状态
type ContractRecord struct {
	ID       ContractID       `json:"id"`
	Contract OutgoingContract `json:"contract"`
	OutPoint types.OutPoint   `json:"outpoint"`
	Epoch    uint64           `json:"epoch"`
	Spent    bool             `json:"spent"`
	// 网关领取时公开的原像
	Preimage []byte `json:"preimage,omitempty"`
}

func (r *ContractRecord) Encode() []byte {
	var e types.Encoder
	spent := uint64(0)
	if r.Spent {
		spent = 1
	}
	return e.Bytes(1, r.ID[:]).Bytes(2, r.Contract.Encode()).Bytes(3, r.OutPoint.Bytes()).
		Uint(4, r.Epoch).Uint(5, spent).Bytes(6, r.Preimage).Finish()
}

func DecodeContractRecord(b []byte) (*ContractRecord, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	r := &ContractRecord{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			copy(r.ID[:], f.Bytes)
		case 2:
			c, _, err := decodeOutput(f.Bytes)
			if err != nil {
				return nil, err
			}
			if c == nil {
				return nil, fmt.Errorf("%w: record holds no contract", types.ErrMalformed)
			}
			r.Contract = *c
		case 3:
			op, err := types.OutPointFromBytes(f.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", types.ErrMalformed, err)
			}
			r.OutPoint = op
		case 4:
			r.Epoch = f.Uint
		case 5:
			r.Spent = f.Uint == 1
		case 6:
			if len(f.Bytes) > 0 {
				r.Preimage = f.Bytes
			}
		}
	}
	return r, nil
}

// GatewayRecord 已登记的网关与登记所在 epoch
type GatewayRecord struct {
	Registration GatewayRegistration `json:"registration"`
	Epoch        uint64              `json:"epoch"`
}
