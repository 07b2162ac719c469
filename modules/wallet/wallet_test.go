package wallet

import (
	"testing"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func address(t *testing.T, params *chaincfg.Params) string {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	a, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(priv.PubKey()), params)
	require.NoError(t, err)
	return a.EncodeAddress()
}

type walletFixture struct {
	watcher *MemWatcher
	store   *db.MemStore
	x       *vm.Executor
	mod     *Module
}

func newWalletFixture(t *testing.T) *walletFixture {
	t.Helper()
	w := NewMemWatcher()
	mod := New(&chaincfg.RegressionNetParams, 546, w)
	store := db.NewMemStore()
	return &walletFixture{watcher: w, store: store, mod: mod, x: vm.NewExecutor(store, vm.NewRegistry().MustRegister(mod), 0)}
}

func (f *walletFixture) deposit(sat int64, seed byte) wire.OutPoint {
	op := wire.OutPoint{Hash: chainhash.Hash{seed}, Index: uint32(seed)}
	f.watcher.Confirm(op, wire.NewTxOut(sat, []byte{0x51, 0x20, seed}))
	return op
}

func claimTx(t *testing.T, key *btcec.PrivateKey, deposits []wire.OutPoint, outs ...*PegOut) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{}
	for _, op := range deposits {
		p := &PegIn{OutPoint: op, SpendKey: schnorr.SerializePubKey(key.PubKey())}
		tx.Inputs = append(tx.Inputs, p.Input())
	}
	for _, o := range outs {
		tx.Outputs = append(tx.Outputs, o.Output())
	}
	id := tx.ID()
	for range deposits {
		sig, err := schnorr.Sign(key, id[:])
		require.NoError(t, err)
		tx.Signatures = append(tx.Signatures, sig.Serialize())
	}
	return tx
}

func (f *walletFixture) apply(t *testing.T, txs ...*types.Transaction) []*types.TxOutcome {
	t.Helper()
	n, prev, err := f.x.NextEpoch()
	require.NoError(t, err)
	outs, err := f.x.ApplyEpoch(&types.Epoch{Number: n, PrevHash: prev, Transactions: txs})
	require.NoError(t, err)
	return outs
}

func TestPegInPegOut(t *testing.T) {
	f := newWalletFixture(t)
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	op := f.deposit(50_000, 1)

	addr := address(t, &chaincfg.RegressionNetParams)
	tx := claimTx(t, key, []wire.OutPoint{op},
		&PegOut{Address: addr, AmountSat: 20_000},
		&PegOut{Address: addr, AmountSat: 30_000})
	outs := f.apply(t, tx)
	require.True(t, outs[0].Accepted, outs[0].Reason)

	claimed, err := IsClaimed(f.store, op)
	require.NoError(t, err)
	assert.True(t, claimed)

	pending, err := PendingPegOuts(f.store)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, addr, pending[0].Address)
	assert.NotEmpty(t, pending[0].PkScript)

	audit, err := f.x.Audit()
	require.NoError(t, err)
	assert.Equal(t, types.Amount(0), audit[0].Assets)

	// 重复认领
	again := claimTx(t, key, []wire.OutPoint{op}, &PegOut{Address: addr, AmountSat: 50_000})
	outs = f.apply(t, again)
	assert.Equal(t, vm.ReasonDoubleSpend, outs[0].Reason)
}

func TestPegInRejects(t *testing.T) {
	f := newWalletFixture(t)
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr := address(t, &chaincfg.RegressionNetParams)

	unconfirmed := claimTx(t, key, []wire.OutPoint{{Index: 9}}, &PegOut{Address: addr, AmountSat: 1000})
	op := f.deposit(10_000, 2)
	dust := claimTx(t, key, []wire.OutPoint{op}, &PegOut{Address: addr, AmountSat: 100}, &PegOut{Address: addr, AmountSat: 9_900})
	foreign := claimTx(t, key, []wire.OutPoint{op}, &PegOut{Address: address(t, &chaincfg.MainNetParams), AmountSat: 10_000})

	outs := f.apply(t, unconfirmed, dust, foreign)
	assert.Equal(t, vm.ReasonNotConfirmed, outs[0].Reason)
	assert.Equal(t, vm.ReasonInvalidOutput, outs[1].Reason)
	assert.Equal(t, vm.ReasonInvalidOutput, outs[2].Reason)

	claimed, err := IsClaimed(f.store, op)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestDepositScriptRestriction(t *testing.T) {
	f := newWalletFixture(t)
	f.mod.WithDepositScript([]byte{0x00, 0x14})
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	op := f.deposit(5_000, 3)
	tx := claimTx(t, key, []wire.OutPoint{op}, &PegOut{Address: address(t, &chaincfg.RegressionNetParams), AmountSat: 5_000})
	outs := f.apply(t, tx)
	assert.Equal(t, vm.ReasonInvalidInput, outs[0].Reason)
}
