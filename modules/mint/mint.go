// Package mint 盲签名 note 的签发与花费。
package mint

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/keys"
	"github.com/natto1784/fedimint/ledger"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"
)

var ErrNoIssuance = errors.New("mint: no committed issuance at outpoint")

// Module 每张 note 面值固定为 NoteValue
type Module struct {
	pks       *tbs.PublicKeySet
	noteValue types.Amount
}

func New(pks *tbs.PublicKeySet, noteValue types.Amount) *Module {
	return &Module{pks: pks, noteValue: noteValue}
}

func (m *Module) Kind() string { return Kind }

func (m *Module) NoteValue() types.Amount { return m.noteValue }

func (m *Module) PreCheck(tx *types.Transaction) error {
	for i, in := range tx.Inputs {
		if in.Module != Kind {
			continue
		}
		if _, err := DecodeNoteInput(in.Payload); err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "input %d: %v", i, err)
		}
	}
	for i, out := range tx.Outputs {
		if out.Module != Kind {
			continue
		}
		if _, err := DecodeIssuanceOutput(out.Payload); err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "output %d: %v", i, err)
		}
	}
	return nil
}

func (m *Module) Validate(_ *vm.TxContext, tx *types.Transaction, sv vm.StateView) (*vm.Validation, error) {
	v := &vm.Validation{SpendKeys: make(map[int][]byte)}
	led := ledger.New(sv)
	seen := make(map[ledger.Nullifier]bool)
	for i, in := range tx.Inputs {
		if in.Module != Kind {
			continue
		}
		note, err := DecodeNoteInput(in.Payload)
		if err != nil {
			return nil, vm.Reject(Kind, vm.ReasonMalformed, "input %d: %v", i, err)
		}
		if err := tbs.VerifyNote(m.pks, note.Nonce, note.Signature); err != nil {
			return nil, vm.Reject(Kind, vm.ReasonInvalidInput, "input %d: %v", i, err)
		}
		n := ledger.Derive(note.Nonce)
		spent, err := led.Contains(n)
		if err != nil {
			return nil, err
		}
		if spent || seen[n] {
			return nil, vm.Reject(Kind, vm.ReasonDoubleSpend, "note %s", n)
		}
		seen[n] = true
		v.SpendKeys[i] = note.Nonce
		v.InputAmount += m.noteValue
	}
	for _, out := range tx.Outputs {
		if out.Module == Kind {
			v.OutputAmount += m.noteValue
		}
	}
	return v, nil
}

func (m *Module) Apply(ctx *vm.TxContext, tx *types.Transaction, sv vm.StateView) error {
	led := ledger.New(sv)
	redeemed, issued := 0, 0
	for _, in := range tx.Inputs {
		if in.Module != Kind {
			continue
		}
		note, err := DecodeNoteInput(in.Payload)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "%v", err)
		}
		if err := led.Insert(ledger.Derive(note.Nonce), ctx.Epoch); err != nil {
			if errors.Is(err, ledger.ErrAlreadySpent) {
				return vm.Reject(Kind, vm.ReasonDoubleSpend, "%v", err)
			}
			return err
		}
		redeemed++
	}
	for i, out := range tx.Outputs {
		if out.Module != Kind {
			continue
		}
		io, err := DecodeIssuanceOutput(out.Payload)
		if err != nil {
			return vm.Reject(Kind, vm.ReasonMalformed, "%v", err)
		}
		op := types.OutPoint{TxID: ctx.TxID, Index: uint32(i)}
		rec := &Issuance{Epoch: ctx.Epoch, OutPoint: op, Blinded: io.Blinded.Bytes()}
		sv.Set(issuanceKey(op), rec.Encode())
		issued++
	}
	if err := bump(sv, statIssued, issued); err != nil {
		return err
	}
	return bump(sv, statRedeemed, redeemed)
}

// Audit 负债 = 流通中的 note 面值总和
func (m *Module) Audit(sv vm.StateView) (*vm.AuditSummary, error) {
	issued, err := readStat(sv, statIssued)
	if err != nil {
		return nil, err
	}
	redeemed, err := readStat(sv, statRedeemed)
	if err != nil {
		return nil, err
	}
	if redeemed > issued {
		return nil, fmt.Errorf("mint: %d redeemed exceeds %d issued", redeemed, issued)
	}
	return &vm.AuditSummary{Module: Kind, Liabilities: types.Amount(issued-redeemed) * m.noteValue}, nil
}

const (
	statIssued   = "stat_issued"
	statRedeemed = "stat_redeemed"
)

func issuanceKey(op types.OutPoint) string {
	return keys.KeyModule(Kind, "issuance_"+hex.EncodeToString(op.Bytes()))
}

func readStat(sv vm.StateView, name string) (uint64, error) {
	raw, _, err := sv.Get(keys.KeyModule(Kind, name))
	if err != nil {
		return 0, err
	}
	return readU64(raw), nil
}

func bump(sv vm.StateView, name string, delta int) error {
	if delta == 0 {
		return nil
	}
	cur, err := readStat(sv, name)
	if err != nil {
		return err
	}
	sv.Set(keys.KeyModule(Kind, name), u64(cur+uint64(delta)))
	return nil
}

// LookupIssuance 读取已提交的签发记录
func LookupIssuance(store db.Store, op types.OutPoint) (*Issuance, error) {
	raw, err := store.Get(issuanceKey(op))
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoIssuance, op)
	}
	if err != nil {
		return nil, db.StorageError(err)
	}
	return DecodeIssuance(raw)
}

// IsSpent 供 API 查询 nonce 是否已花费
func IsSpent(store db.Store, nonce []byte) (bool, error) {
	return ledger.New(vm.NewStateView(store)).Contains(ledger.Derive(nonce))
}
