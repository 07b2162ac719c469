package client

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/fedtest"
	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/signer"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// offlinePeer 不响应签发请求
type offlinePeer struct{ Peer }

func (offlinePeer) RequestIssuance(context.Context, signer.IssuanceRequest) (*signer.PartialSignature, error) {
	return nil, types.ErrUnavailable
}

// forgingPeer 返回一个合法曲线点但签错的份额
type forgingPeer struct{ Peer }

func (p forgingPeer) RequestIssuance(ctx context.Context, req signer.IssuanceRequest) (*signer.PartialSignature, error) {
	ps, err := p.Peer.RequestIssuance(ctx, req)
	if err != nil {
		return nil, err
	}
	forged, err := tbs.HashToG1([]byte("forged")).MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := *ps
	out.Share = forged
	return &out, nil
}

// slowPeer 延迟响应签发请求
type slowPeer struct {
	Peer
	delay time.Duration
}

func (p slowPeer) RequestIssuance(ctx context.Context, req signer.IssuanceRequest) (*signer.PartialSignature, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.delay):
	}
	return p.Peer.RequestIssuance(ctx, req)
}

func startFederation(t *testing.T, o fedtest.Options) *fedtest.Federation {
	t.Helper()
	fed := fedtest.New(t, o)
	fed.Start()
	t.Cleanup(fed.Stop)
	return fed
}

func newTestClient(t *testing.T, fed *fedtest.Federation, wrap map[types.GuardianID]func(Peer) Peer) (*Client, *prometheus.Registry) {
	t.Helper()
	peers := make(map[types.GuardianID]Peer)
	for id, api := range fed.APIs() {
		var p Peer = api
		if w, ok := wrap[id]; ok {
			p = w(p)
		}
		peers[id] = p
	}
	reg := prometheus.NewRegistry()
	cfg := fed.Config
	c, err := New(Config{
		PublicKeys: fed.PublicKeys,
		F:          cfg.Federation.F,
		NoteValue:  types.Amount(cfg.Federation.NoteValue),
		Fee:        types.Amount(cfg.Federation.TxFee),
		Timing:     cfg.Client,
		Registerer: reg,
	}, peers, NewNoteStore(db.NewMemStore()))
	require.NoError(t, err)
	return c, reg
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPegInIssuesVerifiableNotes(t *testing.T) {
	fed := startFederation(t, fedtest.Options{N: 4, F: 1, T: 3, NoteValue: 1000})
	c, _ := newTestClient(t, fed, nil)

	op := fed.Deposit(t, 5)
	notes, err := c.PegIn(ctxT(t), op, 5)
	require.NoError(t, err)
	require.Len(t, notes, 5)
	for _, n := range notes {
		assert.NoError(t, tbs.VerifyNote(fed.PublicKeys, n.Nonce(), n.Signature))
	}
	bal, err := c.Notes().Balance()
	require.NoError(t, err)
	assert.Equal(t, types.Amount(5000), bal)

	// 同一笔存款不能认领两次
	_, err = c.PegIn(ctxT(t), op, 5)
	assert.Equal(t, vm.ReasonDoubleSpend, vm.RejectReason(err))
}

func TestIssuanceWithOneGuardianOffline(t *testing.T) {
	fed := fedtest.New(t, fedtest.Options{N: 4, F: 1, T: 3})
	fed.Start(3)
	t.Cleanup(fed.Stop)
	c, _ := newTestClient(t, fed, map[types.GuardianID]func(Peer) Peer{
		3: func(p Peer) Peer { return offlinePeer{p} },
	})

	notes, err := c.PegIn(ctxT(t), fed.Deposit(t, 2), 2)
	require.NoError(t, err)
	assert.Len(t, notes, 2)
}

func TestBadPartialDiscarded(t *testing.T) {
	fed := startFederation(t, fedtest.Options{N: 4, F: 1, T: 3})
	// 诚实节点放慢，保证伪造份额在凑齐门限前到达
	slow := func(p Peer) Peer { return slowPeer{p, 300 * time.Millisecond} }
	c, _ := newTestClient(t, fed, map[types.GuardianID]func(Peer) Peer{
		0: slow,
		1: func(p Peer) Peer { return forgingPeer{p} },
		2: slow,
		3: slow,
	})

	notes, err := c.PegIn(ctxT(t), fed.Deposit(t, 1), 1)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.NoError(t, tbs.VerifyNote(fed.PublicKeys, notes[0].Nonce(), notes[0].Signature))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.violations.WithLabelValues("guardian-1")))
	assert.Zero(t, testutil.ToFloat64(c.violations.WithLabelValues("guardian-0")))
}

func TestIssuanceBelowThresholdIsUnavailable(t *testing.T) {
	fed := startFederation(t, fedtest.Options{N: 4, F: 1, T: 3})
	off := func(p Peer) Peer { return offlinePeer{p} }
	c, _ := newTestClient(t, fed, map[types.GuardianID]func(Peer) Peer{2: off, 3: off})
	c.timing.IssuanceTimeout = 2 * time.Second

	_, err := c.PegIn(ctxT(t), fed.Deposit(t, 1), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnavailable)
	bal, err := c.Notes().Balance()
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestSpendReissueAndDoubleSpend(t *testing.T) {
	fed := startFederation(t, fedtest.Options{N: 4, F: 1, T: 3})
	alice, _ := newTestClient(t, fed, nil)
	bob, _ := newTestClient(t, fed, nil)

	_, err := alice.PegIn(ctxT(t), fed.Deposit(t, 3), 3)
	require.NoError(t, err)

	given, err := alice.Spend(2000)
	require.NoError(t, err)
	require.Len(t, given, 2)

	fresh, err := bob.Reissue(ctxT(t), given)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
	for i := range fresh {
		assert.NotEqual(t, given[i].Nonce(), fresh[i].Nonce())
	}

	// 同样的 note 再交一次
	_, err = bob.Reissue(ctxT(t), given)
	assert.Equal(t, vm.ReasonDoubleSpend, vm.RejectReason(err))

	aliceBal, _ := alice.Notes().Balance()
	bobBal, _ := bob.Notes().Balance()
	assert.Equal(t, types.Amount(1000), aliceBal)
	assert.Equal(t, types.Amount(2000), bobBal)

	fed.Sync(t)
	for _, n := range given {
		spent, err := fed.Guardians[0].API().IsSpent(ctxT(t), n.Nonce())
		require.NoError(t, err)
		assert.True(t, spent)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	fed := startFederation(t, fedtest.Options{N: 4, F: 1, T: 3})
	c, _ := newTestClient(t, fed, nil)
	_, err := c.PegIn(ctxT(t), fed.Deposit(t, 1), 1)
	require.NoError(t, err)

	notes, err := c.Notes().List()
	require.NoError(t, err)
	p, err := newPendingNote()
	require.NoError(t, err)
	tx, err := buildTx(noteSpends(notes), []types.Output{p.output()})
	require.NoError(t, err)

	id1, err := c.Submit(ctxT(t), tx)
	require.NoError(t, err)
	id2, err := c.Submit(ctxT(t), tx)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	out, err := c.AwaitOutcome(ctxT(t), id1)
	require.NoError(t, err)
	assert.True(t, out.Accepted)

	id3, err := c.Submit(ctxT(t), tx)
	require.NoError(t, err)
	assert.Equal(t, id1, id3)
	again, err := c.AwaitOutcome(ctxT(t), id1)
	require.NoError(t, err)
	assert.Equal(t, out.Epoch, again.Epoch)
}

func TestPegOutWithFee(t *testing.T) {
	fed := startFederation(t, fedtest.Options{N: 4, F: 1, T: 3, NoteValue: 100_000, Fee: 100_000})
	c, _ := newTestClient(t, fed, nil)

	notes, err := c.PegIn(ctxT(t), fed.Deposit(t, 1000), 1000)
	require.NoError(t, err)
	require.Len(t, notes, 9)

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	id, err := c.PegOut(ctxT(t), addr.EncodeAddress(), 600)
	require.NoError(t, err)
	bal, err := c.Notes().Balance()
	require.NoError(t, err)
	assert.Equal(t, types.Amount(200_000), bal)

	fed.Sync(t)
	pending, err := fed.Guardians[0].API().PendingPegOuts(ctxT(t))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].OutPoint.TxID)
	assert.Equal(t, int64(600), pending[0].AmountSat)

	// 低于粉尘限额
	_, err = c.PegOut(ctxT(t), addr.EncodeAddress(), 100)
	assert.Equal(t, vm.ReasonInvalidOutput, vm.RejectReason(err))
}

func testGateway(t *testing.T) (*btcec.PrivateKey, *ln.GatewayRegistration) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key, &ln.GatewayRegistration{GatewayKey: schnorr.SerializePubKey(key.PubKey()), FeeBaseMsat: 1000}
}

func TestContractClaimWithPreimage(t *testing.T) {
	fed := startFederation(t, fedtest.Options{N: 4, F: 1, T: 3})
	user, _ := newTestClient(t, fed, nil)
	gw, _ := newTestClient(t, fed, nil)
	gwKey, reg := testGateway(t)

	_, err := user.PegIn(ctxT(t), fed.Deposit(t, 4), 4)
	require.NoError(t, err)

	preimage := []byte("lightning preimage")
	hash := chainhash.Hash(sha256.Sum256(preimage))
	id, err := user.FundContract(ctxT(t), reg, hash, 2000, 1_000_000)
	require.NoError(t, err)
	bal, _ := user.Notes().Balance()
	assert.Equal(t, types.Amount(1000), bal)

	_, err = gw.ClaimContract(ctxT(t), id, []byte("wrong"), gwKey)
	assert.Equal(t, vm.ReasonInvalidInput, vm.RejectReason(err))

	notes, err := gw.ClaimContract(ctxT(t), id, preimage, gwKey)
	require.NoError(t, err)
	assert.Len(t, notes, 3)

	rec, err := gw.Contract(ctxT(t), id)
	require.NoError(t, err)
	assert.True(t, rec.Spent)
	assert.Equal(t, preimage, rec.Preimage)

	// 网关已领取，用户无法再退款
	_, err = user.Refund(ctxT(t), id)
	assert.Equal(t, vm.ReasonDoubleSpend, vm.RejectReason(err))
}

func TestContractRefundAfterTimelock(t *testing.T) {
	fed := startFederation(t, fedtest.Options{N: 4, F: 1, T: 3})
	user, _ := newTestClient(t, fed, nil)
	_, reg := testGateway(t)

	_, err := user.PegIn(ctxT(t), fed.Deposit(t, 3), 3)
	require.NoError(t, err)
	next, _, err := fed.Guardians[0].Executor().NextEpoch()
	require.NoError(t, err)
	timelock := next + 20

	id, err := user.FundContract(ctxT(t), reg, chainhash.HashH([]byte("x")), 2000, timelock)
	require.NoError(t, err)

	cur, _, err := fed.Guardians[0].Executor().NextEpoch()
	require.NoError(t, err)
	if cur+5 < timelock {
		_, err = user.Refund(ctxT(t), id)
		assert.Equal(t, vm.ReasonTimelock, vm.RejectReason(err))
	}

	fed.WaitEpoch(t, timelock)
	notes, err := user.Refund(ctxT(t), id)
	require.NoError(t, err)
	assert.Len(t, notes, 3)
	bal, _ := user.Notes().Balance()
	assert.Equal(t, types.Amount(3000), bal)
}

func TestSelectExactAmount(t *testing.T) {
	s := NewNoteStore(db.NewMemStore())
	for i := 0; i < 3; i++ {
		k, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		require.NoError(t, s.Add(&Note{SpendKey: k, Signature: []byte{1}, Value: 1000}))
	}
	picked, err := s.Select(2000)
	require.NoError(t, err)
	assert.Len(t, picked, 2)

	_, err = s.Select(1500)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = s.Select(4000)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	require.NoError(t, s.Remove(picked...))
	bal, err := s.Balance()
	require.NoError(t, err)
	assert.Equal(t, types.Amount(1000), bal)
}
