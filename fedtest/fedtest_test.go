package fedtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/natto1784/fedimint/client"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/fedtest"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWallet(t *testing.T, fed *fedtest.Federation) *client.Client {
	t.Helper()
	peers := make(map[types.GuardianID]client.Peer)
	for id, api := range fed.APIs() {
		peers[id] = api
	}
	cfg := fed.Config
	c, err := client.New(client.Config{
		PublicKeys: fed.PublicKeys,
		F:          cfg.Federation.F,
		NoteValue:  types.Amount(cfg.Federation.NoteValue),
		Fee:        types.Amount(cfg.Federation.TxFee),
		Timing:     cfg.Client,
		Registerer: prometheus.NewRegistry(),
	}, peers, client.NewNoteStore(db.NewMemStore()))
	require.NoError(t, err)
	return c
}

// 所有在线 guardian 的每个 epoch 摘要一致，且都带有效的联邦签名
func TestGuardiansAgreeOnEpochs(t *testing.T) {
	fed := fedtest.New(t, fedtest.Options{N: 4, F: 1, T: 3})
	fed.Start(3)
	t.Cleanup(fed.Stop)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w := newWallet(t, fed)
	for i := 0; i < 3; i++ {
		_, err := w.PegIn(ctx, fed.Deposit(t, 2), 2)
		require.NoError(t, err)
	}
	notes, err := w.Spend(3000)
	require.NoError(t, err)
	_, err = w.Reissue(ctx, notes)
	require.NoError(t, err)

	next, _, err := fed.Guardians[0].Executor().NextEpoch()
	require.NoError(t, err)
	fed.WaitEpoch(t, next)

	online := fed.Guardians[:3]
	for n := uint64(0); n <= next; n++ {
		ref, err := online[0].Executor().Epoch(n)
		require.NoError(t, err)
		require.NoError(t, tbs.Verify(fed.PublicKeys, digest(ref), ref.Signature), "epoch %d", n)
		for _, g := range online[1:] {
			e, err := g.Executor().Epoch(n)
			require.NoError(t, err)
			assert.Equal(t, ref.Digest(), e.Digest(), "guardian %s epoch %d", g.ID(), n)
		}
	}

	ref, err := online[0].Executor().Audit()
	require.NoError(t, err)
	for _, g := range online[1:] {
		a, err := g.Executor().Audit()
		require.NoError(t, err)
		assert.Equal(t, ref, a)
	}
}

func digest(e *types.Epoch) []byte {
	d := e.Digest()
	return d[:]
}

func TestDepositCannotBeClaimedTwice(t *testing.T) {
	fed := fedtest.New(t, fedtest.Options{N: 4, F: 1, T: 3})
	fed.Start()
	t.Cleanup(fed.Stop)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	op := fed.Deposit(t, 3)
	a, b := newWallet(t, fed), newWallet(t, fed)
	_, err := a.PegIn(ctx, op, 3)
	require.NoError(t, err)
	_, err = b.PegIn(ctx, op, 3)
	assert.Error(t, err)

	bal, err := b.Notes().Balance()
	require.NoError(t, err)
	assert.Zero(t, bal)
}
