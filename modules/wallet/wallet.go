// Package wallet 链上存取款：peg-in 认领已确认的 UTXO，peg-out 排队等待链上支付。
package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/keys"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

type Module struct {
	params  *chaincfg.Params
	dust    int64
	watcher ChainWatcher
	// 非空时存款输出的锁定脚本必须与之相同
	depositScript []byte
}

func New(params *chaincfg.Params, dustSat int64, watcher ChainWatcher) *Module {
	return &Module{params: params, dust: dustSat, watcher: watcher}
}

// WithDepositScript 限定可认领的存款脚本
func (m *Module) WithDepositScript(script []byte) *Module {
	m.depositScript = append([]byte(nil), script...)
	return m
}

func (m *Module) Kind() string { return Kind }

// ParseAddress 校验地址属于本联邦所在网络
func (m *Module) ParseAddress(addr string) (btcutil.Address, error) {
	a, err := btcutil.DecodeAddress(addr, m.params)
	if err != nil {
		return nil, err
	}
	if !a.IsForNet(m.params) {
		return nil, fmt.Errorf("address %s is not for %s", addr, m.params.Name)
	}
	return a, nil
}

func (m *Module) PreCheck(tx *types.Transaction) error {
	for i, in := range tx.Inputs {
		if in.Module != Kind {
			continue
		}
		if _, err := DecodePegIn(in.Payload); err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "input %d: %v", i, err)
		}
	}
	for i, out := range tx.Outputs {
		if out.Module != Kind {
			continue
		}
		po, err := DecodePegOut(out.Payload)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "output %d: %v", i, err)
		}
		if _, err := m.ParseAddress(po.Address); err != nil {
			return vm.Reject(Kind, vm.ReasonInvalidOutput, "output %d: %v", i, err)
		}
		if po.AmountSat < m.dust {
			return vm.Reject(Kind, vm.ReasonInvalidOutput, "output %d: %d sat below dust %d", i, po.AmountSat, m.dust)
		}
	}
	return nil
}

func (m *Module) Validate(_ *vm.TxContext, tx *types.Transaction, sv vm.StateView) (*vm.Validation, error) {
	v := &vm.Validation{SpendKeys: make(map[int][]byte)}
	seen := make(map[wire.OutPoint]bool)
	for i, in := range tx.Inputs {
		if in.Module != Kind {
			continue
		}
		p, err := DecodePegIn(in.Payload)
		if err != nil {
			return nil, vm.Reject(Kind, vm.ReasonMalformed, "input %d: %v", i, err)
		}
		claimed, err := sv.Has(claimKey(p.OutPoint))
		if err != nil {
			return nil, err
		}
		if claimed || seen[p.OutPoint] {
			return nil, vm.Reject(Kind, vm.ReasonDoubleSpend, "deposit %s already claimed", p.OutPoint)
		}
		seen[p.OutPoint] = true
		out, ok, err := m.watcher.Confirmed(p.OutPoint)
		if err != nil {
			return nil, fmt.Errorf("chain watcher: %w", err)
		}
		if !ok {
			return nil, vm.Reject(Kind, vm.ReasonNotConfirmed, "deposit %s", p.OutPoint)
		}
		if m.depositScript != nil && !bytes.Equal(out.PkScript, m.depositScript) {
			return nil, vm.Reject(Kind, vm.ReasonInvalidInput, "deposit %s pays a foreign script", p.OutPoint)
		}
		v.SpendKeys[i] = p.SpendKey
		v.InputAmount += types.AmountFromSat(out.Value)
	}
	for i, out := range tx.Outputs {
		if out.Module != Kind {
			continue
		}
		po, err := DecodePegOut(out.Payload)
		if err != nil {
			return nil, vm.Reject(Kind, vm.ReasonMalformed, "output %d: %v", i, err)
		}
		v.OutputAmount += types.AmountFromSat(po.AmountSat)
	}
	return v, nil
}

func (m *Module) Apply(ctx *vm.TxContext, tx *types.Transaction, sv vm.StateView) error {
	var in, out int64
	for _, input := range tx.Inputs {
		if input.Module != Kind {
			continue
		}
		p, err := DecodePegIn(input.Payload)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "%v", err)
		}
		txo, ok, err := m.watcher.Confirmed(p.OutPoint)
		if err != nil || !ok {
			return vm.Reject(Kind, vm.ReasonNotConfirmed, "deposit %s", p.OutPoint)
		}
		sv.Set(claimKey(p.OutPoint), ctx.TxID[:])
		in += txo.Value
	}
	for i, output := range tx.Outputs {
		if output.Module != Kind {
			continue
		}
		po, err := DecodePegOut(output.Payload)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "%v", err)
		}
		addr, err := m.ParseAddress(po.Address)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonInvalidOutput, "%v", err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonInvalidOutput, "%v", err)
		}
		op := types.OutPoint{TxID: ctx.TxID, Index: uint32(i)}
		rec := &PendingPegOut{OutPoint: op, Epoch: ctx.Epoch, Address: po.Address, AmountSat: po.AmountSat, PkScript: script}
		sv.Set(pegOutKey(op), rec.Encode())
		out += po.AmountSat
	}
	if err := addTotal(sv, totalIn, in); err != nil {
		return err
	}
	return addTotal(sv, totalOut, out)
}

// Audit 资产 = 认领的存款 - 已排队的提现
func (m *Module) Audit(sv vm.StateView) (*vm.AuditSummary, error) {
	in, err := readTotal(sv, totalIn)
	if err != nil {
		return nil, err
	}
	out, err := readTotal(sv, totalOut)
	if err != nil {
		return nil, err
	}
	if out > in {
		return nil, fmt.Errorf("wallet: %d sat out exceeds %d sat in", out, in)
	}
	return &vm.AuditSummary{Module: Kind, Assets: types.AmountFromSat(in - out)}, nil
}

// PendingPegOuts 按 outpoint 排序的待支付提现
func PendingPegOuts(store db.Store) ([]*PendingPegOut, error) {
	kvs, err := store.ScanPrefix(keys.KeyModule(Kind, "pegout_"), 0)
	if err != nil {
		return nil, db.StorageError(err)
	}
	out := make([]*PendingPegOut, 0, len(kvs))
	for _, kv := range kvs {
		p, err := DecodePendingPegOut(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

// IsClaimed 存款是否已被认领
func IsClaimed(store db.Store, op wire.OutPoint) (bool, error) {
	return store.Has(claimKey(op))
}

const (
	totalIn  = "total_in_sat"
	totalOut = "total_out_sat"
)

func claimKey(op wire.OutPoint) string {
	return keys.KeyModule(Kind, fmt.Sprintf("pegin_%s_%d", op.Hash, op.Index))
}

func pegOutKey(op types.OutPoint) string {
	return keys.KeyModule(Kind, "pegout_"+hex.EncodeToString(op.Bytes()))
}

func readTotal(sv vm.StateView, name string) (int64, error) {
	raw, ok, err := sv.Get(keys.KeyModule(Kind, name))
	if err != nil || !ok {
		return 0, err
	}
	fields, err := types.DecodeFields(raw)
	if err != nil || len(fields) == 0 {
		return 0, err
	}
	return int64(fields[0].Uint), nil
}

func addTotal(sv vm.StateView, name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	cur, err := readTotal(sv, name)
	if err != nil {
		return err
	}
	var e types.Encoder
	sv.Set(keys.KeyModule(Kind, name), e.Uint(1, uint64(cur+delta)).Finish())
	return nil
}
