package ledger_test

import (
	"testing"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/ledger"
	"github.com/natto1784/fedimint/vm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	a := ledger.Derive([]byte("nonce-a"))
	b := ledger.Derive([]byte("nonce-b"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ledger.Derive([]byte("nonce-a")))
	assert.NotContains(t, a.String(), "6e6f6e6365", "nullifier must not leak nonce bytes")
}

func TestInsertOncePerReplica(t *testing.T) {
	nonces := [][]byte{[]byte("n1"), []byte("n2"), []byte("n3")}
	for replica := 0; replica < 3; replica++ {
		l := ledger.New(vm.NewStateView(db.NewMemStore()))
		for _, nonce := range nonces {
			n := ledger.Derive(nonce)
			ok, err := l.Contains(n)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, l.Insert(n, 7))
			err = l.Insert(n, 8)
			assert.ErrorIs(t, err, ledger.ErrAlreadySpent)

			at, ok, err := l.SpentAt(n)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, uint64(7), at)
		}
		c, err := l.Count()
		require.NoError(t, err)
		assert.Equal(t, len(nonces), c)
	}
}

func TestInsertRevertedBySnapshot(t *testing.T) {
	sv := vm.NewStateView(db.NewMemStore())
	l := ledger.New(sv)
	n := ledger.Derive([]byte("n"))

	snap := sv.Snapshot()
	require.NoError(t, l.Insert(n, 1))
	require.NoError(t, sv.Revert(snap))

	ok, err := l.Contains(n)
	require.NoError(t, err)
	assert.False(t, ok)
}
