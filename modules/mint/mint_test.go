package mint

import (
	"testing"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noteValue = types.Amount(1000)

type fixture struct {
	shares []*tbs.ThresholdKeyShare
	pks    *tbs.PublicKeySet
	store  *db.MemStore
	x      *vm.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	shares, err := tbs.DealShares(3, 4, nil)
	require.NoError(t, err)
	store := db.NewMemStore()
	reg := vm.NewRegistry().MustRegister(New(shares[0].Public, noteValue))
	return &fixture{shares: shares, pks: shares[0].Public, store: store, x: vm.NewExecutor(store, reg, 0)}
}

type note struct {
	key *btcec.PrivateKey
	sig []byte
}

func (f *fixture) note(t *testing.T) note {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	nonce := schnorr.SerializePubKey(priv.PubKey())
	bk := tbs.NewBlindingKey()
	bm := tbs.BlindMessage(nonce, bk)
	var ps []tbs.BlindSignatureShare
	for _, s := range f.shares[1:] {
		ps = append(ps, tbs.SignBlinded(s, bm))
	}
	blind, err := tbs.CombineBlindShares(f.pks, ps)
	require.NoError(t, err)
	sig := tbs.Unblind(blind, bk)
	require.NoError(t, tbs.VerifyNote(f.pks, nonce, sig))
	return note{key: priv, sig: sig}
}

func reissueTx(t *testing.T, notes []note, outputs int) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{}
	for _, n := range notes {
		in := &NoteInput{Nonce: schnorr.SerializePubKey(n.key.PubKey()), Signature: n.sig}
		tx.Inputs = append(tx.Inputs, in.Input())
	}
	for i := 0; i < outputs; i++ {
		out := &IssuanceOutput{Blinded: tbs.BlindMessage([]byte{byte(i)}, tbs.NewBlindingKey())}
		tx.Outputs = append(tx.Outputs, out.Output())
	}
	id := tx.ID()
	for _, n := range notes {
		sig, err := schnorr.Sign(n.key, id[:])
		require.NoError(t, err)
		tx.Signatures = append(tx.Signatures, sig.Serialize())
	}
	return tx
}

func (f *fixture) apply(t *testing.T, txs ...*types.Transaction) []*types.TxOutcome {
	t.Helper()
	n, prev, err := f.x.NextEpoch()
	require.NoError(t, err)
	outs, err := f.x.ApplyEpoch(&types.Epoch{Number: n, PrevHash: prev, Transactions: txs})
	require.NoError(t, err)
	return outs
}

func TestReissueRecordsIssuance(t *testing.T) {
	f := newFixture(t)
	tx := reissueTx(t, []note{f.note(t), f.note(t)}, 2)
	outs := f.apply(t, tx)
	require.True(t, outs[0].Accepted, outs[0].Reason)

	rec, err := LookupIssuance(f.store, tx.OutPoint(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.Epoch)
	bm, err := DecodeIssuanceOutput(tx.Outputs[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, bm.Blinded.Bytes(), rec.Blinded)

	_, err = LookupIssuance(f.store, tx.OutPoint(7))
	assert.ErrorIs(t, err, ErrNoIssuance)

	audit, err := f.x.Audit()
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, types.Amount(0), audit[0].Liabilities)
}

func TestDoubleSpendAcrossEpochs(t *testing.T) {
	f := newFixture(t)
	n := f.note(t)
	first := reissueTx(t, []note{n}, 1)
	outs := f.apply(t, first)
	require.True(t, outs[0].Accepted)

	second := reissueTx(t, []note{n}, 1)
	require.NotEqual(t, first.ID(), second.ID())
	outs = f.apply(t, second)
	assert.False(t, outs[0].Accepted)
	assert.Equal(t, vm.ReasonDoubleSpend, outs[0].Reason)

	// 第一个 epoch 的结果不受影响
	o, err := f.x.Outcome(first.ID())
	require.NoError(t, err)
	assert.True(t, o.Accepted)
	_, err = LookupIssuance(f.store, first.OutPoint(0))
	assert.NoError(t, err)
	_, err = LookupIssuance(f.store, second.OutPoint(0))
	assert.ErrorIs(t, err, ErrNoIssuance)

	spent, err := IsSpent(f.store, schnorr.SerializePubKey(n.key.PubKey()))
	require.NoError(t, err)
	assert.True(t, spent)
}

func TestRejects(t *testing.T) {
	f := newFixture(t)
	n := f.note(t)

	dup := reissueTx(t, []note{n, n}, 2)
	forged := reissueTx(t, []note{{key: n.key, sig: f.note(t).sig}}, 1)
	unbalanced := reissueTx(t, []note{f.note(t)}, 2)

	outs := f.apply(t, dup, forged, unbalanced)
	assert.Equal(t, vm.ReasonDoubleSpend, outs[0].Reason)
	assert.Equal(t, vm.ReasonInvalidInput, outs[1].Reason)
	assert.Equal(t, vm.ReasonUnbalanced, outs[2].Reason)
}

func TestPreCheckMalformed(t *testing.T) {
	f := newFixture(t)
	m := New(f.pks, noteValue)
	tx := &types.Transaction{Outputs: []types.Output{{Module: Kind, Payload: []byte{0x0a, 0x01, 0x00}}}}
	assert.Equal(t, vm.ReasonMalformed, vm.RejectReason(m.PreCheck(tx)))

	tx = &types.Transaction{Inputs: []types.Input{{Module: Kind, Payload: (&NoteInput{Nonce: []byte{1}, Signature: []byte{2}}).Encode()}}}
	assert.Equal(t, vm.ReasonMalformed, vm.RejectReason(m.PreCheck(tx)))
}
