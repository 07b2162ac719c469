package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/keys"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Executor 顺序应用已达成共识的 epoch
type Executor struct {
	mu    sync.Mutex
	store db.Store
	reg   *Registry
	fee   types.Amount
	log   *logs.Logger
}

func NewExecutor(store db.Store, reg *Registry, fee types.Amount) *Executor {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Executor{store: store, reg: reg, fee: fee, log: logs.Named("vm")}
}

func (x *Executor) Registry() *Registry { return x.reg }

func (x *Executor) Store() db.Store { return x.store }

// Fee 每笔交易的固定手续费
func (x *Executor) Fee() types.Amount { return x.fee }

// PreCheck 无状态检查，交易池与共识提案校验共用
func (x *Executor) PreCheck(tx *types.Transaction) error {
	if tx == nil {
		return Reject("", ReasonMalformed, "nil transaction")
	}
	if len(tx.Inputs) == 0 && len(tx.Outputs) == 0 {
		return Reject("", ReasonMalformed, "empty transaction")
	}
	if len(tx.Signatures) != len(tx.Inputs) {
		return Reject("", ReasonInvalidSignature, "%d signatures for %d inputs", len(tx.Signatures), len(tx.Inputs))
	}
	for i, sig := range tx.Signatures {
		if len(sig) != schnorr.SignatureSize {
			return Reject("", ReasonInvalidSignature, "signature %d has length %d", i, len(sig))
		}
	}
	for _, kind := range sortedKinds(tx) {
		mod, ok := x.reg.Get(kind)
		if !ok {
			return Reject(kind, ReasonUnknownModule, "no module registered")
		}
		if err := mod.PreCheck(tx); err != nil {
			return err
		}
	}
	return nil
}

// LastEpoch 最近一次落库的 epoch 编号；ok=false 表示尚未应用任何 epoch
func (x *Executor) LastEpoch() (uint64, bool, error) {
	raw, err := x.store.Get(keys.KeyLatestEpoch())
	if errors.Is(err, db.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, db.StorageError(err)
	}
	if len(raw) != 8 {
		return 0, false, db.StorageError(fmt.Errorf("latest epoch record has %d bytes", len(raw)))
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// NextEpoch 下一个待应用的 epoch 编号与它应当引用的 PrevHash
func (x *Executor) NextEpoch() (uint64, chainhash.Hash, error) {
	last, ok, err := x.LastEpoch()
	if err != nil || !ok {
		return 0, chainhash.Hash{}, err
	}
	e, err := x.Epoch(last)
	if err != nil {
		return 0, chainhash.Hash{}, err
	}
	return last + 1, e.Digest(), nil
}

// Epoch 读取已应用的 epoch
func (x *Executor) Epoch(n uint64) (*types.Epoch, error) {
	raw, err := x.store.Get(keys.KeyEpoch(n))
	if err != nil {
		return nil, err
	}
	return types.DecodeEpoch(raw)
}

// Outcome 查询交易结果；未见过返回 db.ErrNotFound
func (x *Executor) Outcome(id types.TxID) (*types.TxOutcome, error) {
	raw, err := x.store.Get(keys.KeyTxOutcome(id.String()))
	if err != nil {
		return nil, err
	}
	return types.DecodeOutcome(raw)
}

// ApplyEpoch 按顺序应用一个 epoch。单笔失败只丢弃该笔并记录结果；
// 写集与 epoch 本身在同一个批次中提交，提交失败返回 ErrLocalStorage 且不改变本地状态。
func (x *Executor) ApplyEpoch(e *types.Epoch) ([]*types.TxOutcome, error) {
	if e == nil {
		return nil, ErrNilEpoch
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	next, prev, err := x.NextEpoch()
	if err != nil {
		return nil, err
	}
	if e.Number < next {
		return nil, fmt.Errorf("%w: %d (next %d)", ErrEpochApplied, e.Number, next)
	}
	if e.Number > next {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrEpochGap, e.Number, next)
	}
	if e.PrevHash != prev {
		return nil, fmt.Errorf("%w: epoch %d", ErrPrevHash, e.Number)
	}

	sv := NewStateView(x.store)
	outcomes := make([]*types.TxOutcome, 0, len(e.Transactions))
	accepted := 0
	for i, tx := range e.Transactions {
		ctx := &TxContext{Epoch: e.Number, TxID: tx.ID(), Index: i}
		out, err := x.applyTx(ctx, tx, sv)
		if err != nil {
			// 非拒绝类错误只可能来自存储
			return nil, err
		}
		if out.Accepted {
			accepted++
		} else {
			x.log.Debug("epoch %d tx %s rejected: %s", e.Number, ctx.TxID, out.Reason)
		}
		outcomes = append(outcomes, out)
	}

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], e.Number)
	batch := x.store.NewBatch()
	for _, w := range sv.Diff() {
		if w.Del {
			batch.Delete(w.Key)
		} else {
			batch.Put(w.Key, w.Value)
		}
	}
	batch.Put(keys.KeyEpoch(e.Number), e.Encode())
	batch.Put(keys.KeyLatestEpoch(), num[:])
	if err := batch.Commit(); err != nil {
		x.log.Error("commit epoch %d failed: %v", e.Number, err)
		return nil, db.StorageError(err)
	}
	x.log.Info("applied epoch %d: %d/%d txs accepted", e.Number, accepted, len(e.Transactions))
	return outcomes, nil
}

func (x *Executor) applyTx(ctx *TxContext, tx *types.Transaction, sv StateView) (*types.TxOutcome, error) {
	out := &types.TxOutcome{TxID: ctx.TxID, Epoch: ctx.Epoch}
	outKey := keys.KeyTxOutcome(ctx.TxID.String())

	raw, seen, err := sv.Get(outKey)
	if err != nil {
		return nil, err
	}
	if seen {
		prev, err := types.DecodeOutcome(raw)
		if err != nil {
			return nil, db.StorageError(err)
		}
		if prev.Accepted {
			// 不覆盖原来的成功记录
			out.Reason = ReasonAlreadyApplied
			return out, nil
		}
	}

	snap := sv.Snapshot()
	if err := x.execute(ctx, tx, sv); err != nil {
		if rerr := sv.Revert(snap); rerr != nil {
			return nil, rerr
		}
		reason := RejectReason(err)
		if reason == "" {
			if errors.Is(err, types.ErrLocalStorage) {
				return nil, err
			}
			reason = ReasonInvalidInput
		}
		out.Reason = reason
	} else {
		out.Accepted = true
	}
	sv.Set(outKey, out.Encode())
	return out, nil
}

func (x *Executor) execute(ctx *TxContext, tx *types.Transaction, sv StateView) error {
	if err := x.PreCheck(tx); err != nil {
		return err
	}
	kinds := sortedKinds(tx)

	var in, out types.Amount
	spendKeys := make(map[int][]byte, len(tx.Inputs))
	for _, kind := range kinds {
		mod, _ := x.reg.Get(kind)
		v, err := mod.Validate(ctx, tx, sv)
		if err != nil {
			return err
		}
		var ok bool
		if in, ok = addAmount(in, v.InputAmount); !ok {
			return Reject(kind, ReasonOverflow, "input sum")
		}
		if out, ok = addAmount(out, v.OutputAmount); !ok {
			return Reject(kind, ReasonOverflow, "output sum")
		}
		for idx, key := range v.SpendKeys {
			if idx < 0 || idx >= len(tx.Inputs) || tx.Inputs[idx].Module != kind {
				return Reject(kind, ReasonInvalidInput, "spend key for foreign input %d", idx)
			}
			spendKeys[idx] = key
		}
	}

	need, ok := addAmount(out, x.fee)
	if !ok {
		return Reject("", ReasonOverflow, "output plus fee")
	}
	if in != need {
		return Reject("", ReasonUnbalanced, "inputs %s, outputs %s, fee %s", in, out, x.fee)
	}
	if err := verifySignatures(ctx.TxID, tx, spendKeys); err != nil {
		return err
	}

	for _, kind := range kinds {
		mod, _ := x.reg.Get(kind)
		if err := mod.Apply(ctx, tx, sv); err != nil {
			return err
		}
	}
	return nil
}

func verifySignatures(id types.TxID, tx *types.Transaction, spendKeys map[int][]byte) error {
	for i := range tx.Inputs {
		key, ok := spendKeys[i]
		if !ok {
			return Reject(tx.Inputs[i].Module, ReasonInvalidInput, "input %d has no spend key", i)
		}
		pk, err := schnorr.ParsePubKey(key)
		if err != nil {
			return Reject(tx.Inputs[i].Module, ReasonInvalidSignature, "input %d key: %v", i, err)
		}
		sig, err := schnorr.ParseSignature(tx.Signatures[i])
		if err != nil {
			return Reject(tx.Inputs[i].Module, ReasonInvalidSignature, "input %d: %v", i, err)
		}
		if !sig.Verify(id[:], pk) {
			return Reject(tx.Inputs[i].Module, ReasonInvalidSignature, "input %d", i)
		}
	}
	return nil
}

// Audit 汇总实现了 Auditor 的模块
func (x *Executor) Audit() ([]*AuditSummary, error) {
	sv := NewStateView(x.store)
	var out []*AuditSummary
	for _, kind := range x.reg.List() {
		mod, _ := x.reg.Get(kind)
		a, ok := mod.(Auditor)
		if !ok {
			continue
		}
		s, err := a.Audit(sv)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", kind, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func sortedKinds(tx *types.Transaction) []string {
	m := tx.Modules()
	kinds := make([]string, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func addAmount(a, b types.Amount) (types.Amount, bool) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	return types.Amount(sum), carry == 0
}
