// Package ln 闪电网络桥接：向网关的付款合约与网关登记。
package ln

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/keys"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var ErrUnknownContract = errors.New("ln: unknown contract")

type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) Kind() string { return Kind }

func (m *Module) PreCheck(tx *types.Transaction) error {
	for i, in := range tx.Inputs {
		if in.Module != Kind {
			continue
		}
		if _, err := DecodeContractClaim(in.Payload); err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "input %d: %v", i, err)
		}
	}
	for i, out := range tx.Outputs {
		if out.Module != Kind {
			continue
		}
		_, g, err := decodeOutput(out.Payload)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "output %d: %v", i, err)
		}
		if g != nil {
			if err := verifyRegistration(g); err != nil {
				return vm.Reject(Kind, vm.ReasonInvalidSignature, "output %d: %v", i, err)
			}
		}
	}
	return nil
}

func verifyRegistration(g *GatewayRegistration) error {
	pk, err := schnorr.ParsePubKey(g.GatewayKey)
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(g.Signature)
	if err != nil {
		return err
	}
	h := g.SigHash()
	if !sig.Verify(h[:], pk) {
		return errors.New("gateway registration signature does not verify")
	}
	return nil
}

func (m *Module) Validate(ctx *vm.TxContext, tx *types.Transaction, sv vm.StateView) (*vm.Validation, error) {
	v := &vm.Validation{SpendKeys: make(map[int][]byte)}
	seen := make(map[ContractID]bool)
	for i, in := range tx.Inputs {
		if in.Module != Kind {
			continue
		}
		claim, err := DecodeContractClaim(in.Payload)
		if err != nil {
			return nil, vm.Reject(Kind, vm.ReasonMalformed, "input %d: %v", i, err)
		}
		rec, err := readContract(sv, claim.Contract)
		if errors.Is(err, ErrUnknownContract) {
			return nil, vm.Reject(Kind, vm.ReasonUnknownContract, "input %d: %s", i, claim.Contract)
		}
		if err != nil {
			return nil, err
		}
		if rec.Spent || seen[claim.Contract] {
			return nil, vm.Reject(Kind, vm.ReasonDoubleSpend, "contract %s already claimed", claim.Contract)
		}
		seen[claim.Contract] = true
		if len(claim.Preimage) > 0 {
			if chainhash.HashH(claim.Preimage) != rec.Contract.PaymentHash {
				return nil, vm.Reject(Kind, vm.ReasonInvalidInput, "input %d: preimage mismatch", i)
			}
			v.SpendKeys[i] = rec.Contract.GatewayKey
		} else {
			if ctx.Epoch < rec.Contract.Timelock {
				return nil, vm.Reject(Kind, vm.ReasonTimelock, "refund before epoch %d", rec.Contract.Timelock)
			}
			v.SpendKeys[i] = rec.Contract.RefundKey
		}
		v.InputAmount += rec.Contract.Amount
	}
	for i, out := range tx.Outputs {
		if out.Module != Kind {
			continue
		}
		c, g, err := decodeOutput(out.Payload)
		if err != nil {
			return nil, vm.Reject(Kind, vm.ReasonMalformed, "output %d: %v", i, err)
		}
		if c != nil {
			v.OutputAmount += c.Amount
			continue
		}
		prev, err := readGateway(sv, g.GatewayKey)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.Registration.Sequence >= g.Sequence {
			return nil, vm.Reject(Kind, vm.ReasonInvalidOutput, "stale gateway registration %d", g.Sequence)
		}
	}
	return v, nil
}

func (m *Module) Apply(ctx *vm.TxContext, tx *types.Transaction, sv vm.StateView) error {
	for _, in := range tx.Inputs {
		if in.Module != Kind {
			continue
		}
		claim, err := DecodeContractClaim(in.Payload)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "%v", err)
		}
		rec, err := readContract(sv, claim.Contract)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonUnknownContract, "%v", err)
		}
		if rec.Spent {
			return vm.Reject(Kind, vm.ReasonDoubleSpend, "contract %s", claim.Contract)
		}
		rec.Spent = true
		rec.Preimage = claim.Preimage
		sv.Set(contractKey(rec.ID), rec.Encode())
	}
	for i, out := range tx.Outputs {
		if out.Module != Kind {
			continue
		}
		c, g, err := decodeOutput(out.Payload)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "%v", err)
		}
		if c != nil {
			op := types.OutPoint{TxID: ctx.TxID, Index: uint32(i)}
			rec := &ContractRecord{ID: c.ID(op), Contract: *c, OutPoint: op, Epoch: ctx.Epoch}
			sv.Set(contractKey(rec.ID), rec.Encode())
			continue
		}
		var e types.Encoder
		sv.Set(gatewayKey(g.GatewayKey), e.Bytes(1, g.Encode()).Uint(2, ctx.Epoch).Finish())
	}
	return nil
}

// Audit 负债 = 尚未领取的合约金额
func (m *Module) Audit(sv vm.StateView) (*vm.AuditSummary, error) {
	all, err := sv.Scan(keys.KeyModule(Kind, "contract_"))
	if err != nil {
		return nil, err
	}
	s := &vm.AuditSummary{Module: Kind}
	for _, raw := range all {
		rec, err := DecodeContractRecord(raw)
		if err != nil {
			return nil, err
		}
		if !rec.Spent {
			s.Liabilities += rec.Contract.Amount
		}
	}
	return s, nil
}

func contractKey(id ContractID) string {
	return keys.KeyModule(Kind, "contract_"+hex.EncodeToString(id[:]))
}

func gatewayKey(key []byte) string {
	return keys.KeyModule(Kind, "gateway_"+hex.EncodeToString(key))
}

type getter interface {
	Get(key string) ([]byte, bool, error)
}

func readContract(g getter, id ContractID) (*ContractRecord, error) {
	raw, ok, err := g.Get(contractKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, id)
	}
	return DecodeContractRecord(raw)
}

func decodeGatewayRecord(raw []byte) (*GatewayRecord, error) {
	fields, err := types.DecodeFields(raw)
	if err != nil {
		return nil, err
	}
	rec := &GatewayRecord{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			_, g, err := decodeOutput(f.Bytes)
			if err != nil {
				return nil, err
			}
			if g == nil {
				return nil, fmt.Errorf("%w: record holds no registration", types.ErrMalformed)
			}
			rec.Registration = *g
		case 2:
			rec.Epoch = f.Uint
		}
	}
	return rec, nil
}

func readGateway(g getter, key []byte) (*GatewayRecord, error) {
	raw, ok, err := g.Get(gatewayKey(key))
	if err != nil || !ok {
		return nil, err
	}
	return decodeGatewayRecord(raw)
}

// GetContract API 查询
func GetContract(store db.Store, id ContractID) (*ContractRecord, error) {
	return readContract(vm.NewStateView(store), id)
}

// ListGateways 返回在 [now-ttl, now] 内登记过的网关，按费用升序
func ListGateways(store db.Store, now, ttlEpochs uint64) ([]*GatewayRecord, error) {
	kvs, err := store.ScanPrefix(keys.KeyModule(Kind, "gateway_"), 0)
	if err != nil {
		return nil, db.StorageError(err)
	}
	var out []*GatewayRecord
	for _, kv := range kvs {
		rec, err := decodeGatewayRecord(kv.Value)
		if err != nil {
			return nil, err
		}
		if ttlEpochs > 0 && rec.Epoch+ttlEpochs < now {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Registration.FeeBaseMsat < out[j].Registration.FeeBaseMsat
	})
	return out, nil
}
