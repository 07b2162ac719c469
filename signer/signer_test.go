package signer

import (
	"testing"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/modules/mint"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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
	reg := vm.NewRegistry().MustRegister(mint.New(shares[0].Public, 1000))
	return &fixture{shares: shares, pks: shares[0].Public, store: store, x: vm.NewExecutor(store, reg, 0)}
}

// issue 用分发者份额造一张 note，再把它换成一个新的盲化签发输出并提交
func (f *fixture) issue(t *testing.T) (types.OutPoint, tbs.BlindedMessage, *tbs.BlindingKey, []byte) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	nonce := schnorr.SerializePubKey(priv.PubKey())
	bk := tbs.NewBlindingKey()
	bm := tbs.BlindMessage(nonce, bk)
	var ps []tbs.BlindSignatureShare
	for _, s := range f.shares[:3] {
		ps = append(ps, tbs.SignBlinded(s, bm))
	}
	blind, err := tbs.CombineBlindShares(f.pks, ps)
	require.NoError(t, err)

	newPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	newNonce := schnorr.SerializePubKey(newPriv.PubKey())
	newBK := tbs.NewBlindingKey()
	newBM := tbs.BlindMessage(newNonce, newBK)

	in := &mint.NoteInput{Nonce: nonce, Signature: tbs.Unblind(blind, bk)}
	out := &mint.IssuanceOutput{Blinded: newBM}
	tx := &types.Transaction{Inputs: []types.Input{in.Input()}, Outputs: []types.Output{out.Output()}}
	id := tx.ID()
	sig, err := schnorr.Sign(priv, id[:])
	require.NoError(t, err)
	tx.Signatures = [][]byte{sig.Serialize()}

	n, prev, err := f.x.NextEpoch()
	require.NoError(t, err)
	outs, err := f.x.ApplyEpoch(&types.Epoch{Number: n, PrevHash: prev, Transactions: []*types.Transaction{tx}})
	require.NoError(t, err)
	require.True(t, outs[0].Accepted, outs[0].Reason)
	return tx.OutPoint(0), newBM, newBK, newNonce
}

func TestSignCommittedIssuance(t *testing.T) {
	f := newFixture(t)
	op, bm, bk, nonce := f.issue(t)

	var partials []*PartialSignature
	for _, share := range f.shares {
		s, err := New(share, f.store, nil, nil)
		require.NoError(t, err)
		ps, err := s.Sign(IssuanceRequest{OutPoint: op, Blinded: bm.Bytes()})
		require.NoError(t, err)
		require.NoError(t, VerifyPartial(f.pks, bm, ps))
		assert.Equal(t, share.Guardian, ps.Guardian)
		partials = append(partials, ps)
	}

	// 任意 t 个份额合成的签名都有效
	for _, subset := range [][]int{{0, 1, 2}, {1, 2, 3}, {0, 2, 3}} {
		var shs []tbs.BlindSignatureShare
		for _, i := range subset {
			sh, err := partials[i].BlindShare()
			require.NoError(t, err)
			shs = append(shs, sh)
		}
		blind, err := tbs.CombineBlindShares(f.pks, shs)
		require.NoError(t, err)
		require.NoError(t, tbs.VerifyNote(f.pks, nonce, tbs.Unblind(blind, bk)))
	}
}

func TestSignReplayReturnsCachedShare(t *testing.T) {
	f := newFixture(t)
	op, bm, _, _ := f.issue(t)

	reg := prometheus.NewRegistry()
	s, err := New(f.shares[0], f.store, nil, reg)
	require.NoError(t, err)
	first, err := s.Sign(IssuanceRequest{OutPoint: op, Blinded: bm.Bytes()})
	require.NoError(t, err)
	second, err := s.Sign(IssuanceRequest{OutPoint: op, Blinded: bm.Bytes()})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.issued))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.cacheHits))

	// 缓存清掉后结果仍然相同（签名是确定性的）
	s.cache.Purge()
	third, err := s.Sign(IssuanceRequest{OutPoint: op, Blinded: bm.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, first.Share, third.Share)
}

func TestSignRefusals(t *testing.T) {
	f := newFixture(t)
	op, _, _, _ := f.issue(t)
	s, err := New(f.shares[1], f.store, nil, nil)
	require.NoError(t, err)

	other := tbs.BlindMessage([]byte("other"), tbs.NewBlindingKey())
	_, err = s.Sign(IssuanceRequest{OutPoint: op, Blinded: other.Bytes()})
	assert.ErrorIs(t, err, ErrBlindedMismatch)
	assert.Equal(t, types.ClassProtocolViolation, types.Classify(err))

	_, err = s.Sign(IssuanceRequest{OutPoint: types.OutPoint{Index: 9}, Blinded: other.Bytes()})
	assert.ErrorIs(t, err, ErrNotCommitted)
	assert.True(t, types.Retryable(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(s.m.refused.WithLabelValues("mismatch")))
}

func TestVerifyPartialRejectsBadShare(t *testing.T) {
	f := newFixture(t)
	op, bm, _, _ := f.issue(t)
	s, err := New(f.shares[2], f.store, nil, nil)
	require.NoError(t, err)
	ps, err := s.Sign(IssuanceRequest{OutPoint: op, Blinded: bm.Bytes()})
	require.NoError(t, err)

	// 声称来自另一个 guardian
	forged := *ps
	forged.Guardian = 0
	err = VerifyPartial(f.pks, bm, &forged)
	assert.ErrorIs(t, err, ErrBadPartial)

	garbage := *ps
	garbage.Share = []byte{1, 2, 3}
	assert.ErrorIs(t, VerifyPartial(f.pks, bm, &garbage), ErrBadPartial)
	assert.ErrorIs(t, VerifyPartial(f.pks, bm, nil), ErrBadPartial)
}
