package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/natto1784/fedimint/client"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/fedtest"
	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	fed  *fedtest.Federation
	node *MemLightning
	gw   *Gateway
	user *client.Client
}

func newClient(t *testing.T, fed *fedtest.Federation) *client.Client {
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

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, fedtest.Options{N: 4, F: 1, T: 3})
}

func newFixtureWith(t *testing.T, o fedtest.Options) *fixture {
	t.Helper()
	fed := fedtest.New(t, o)
	fed.Start()
	t.Cleanup(fed.Stop)

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	cfg := fed.Config.Gateway
	cfg.FeeBaseMsat = 1000
	cfg.APIAddr = "127.0.0.1:0"
	node := NewMemLightning()
	return &fixture{
		fed:  fed,
		node: node,
		gw:   New(key, newClient(t, fed), node, cfg, prometheus.NewRegistry()),
		user: newClient(t, fed),
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// announced 联邦视角下的本网关登记
func (f *fixture) announced(t *testing.T) *ln.GatewayRegistration {
	t.Helper()
	f.fed.Sync(t)
	gws, err := f.fed.Guardians[0].API().ListGateways(testCtx(t))
	require.NoError(t, err)
	for _, g := range gws {
		if bytes.Equal(g.Registration.GatewayKey, f.gw.PublicKey()) {
			r := g.Registration
			return &r
		}
	}
	return nil
}

func TestRegisterAndRenew(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gw.Register(testCtx(t)))
	first := f.announced(t)
	require.NotNil(t, first)
	assert.Equal(t, uint64(1000), first.FeeBaseMsat)

	require.NoError(t, f.gw.Register(testCtx(t)))
	second := f.announced(t)
	require.NotNil(t, second)
	assert.Greater(t, second.Sequence, first.Sequence)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.gw.registered))

	// 旧公告夹带一条新网关的公告，交易号不同，不会被当作重复提交
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	fresh, err := New(other, f.user, f.node, f.gw.cfg, prometheus.NewRegistry()).Registration()
	require.NoError(t, err)
	_, err = f.user.Announce(testCtx(t), first.Output(), fresh.Output())
	assert.Equal(t, vm.ReasonInvalidOutput, vm.RejectReason(err))
	assert.Equal(t, second.Sequence, f.announced(t).Sequence)
}

func TestRunRegistersUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(testCtx(t))
	done := make(chan error, 1)
	go func() { done <- f.gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.gw.registered) >= 1
	}, 20*time.Second, 20*time.Millisecond)
	require.NotNil(t, f.announced(t))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixtureWith(t, fedtest.Options{N: 4, F: 1, T: 3, NoteValue: 100_000})
	op := f.fed.Deposit(t, 700)
	notes, err := f.gw.Deposit(testCtx(t), op, 700)
	require.NoError(t, err)
	assert.Len(t, notes, 7)

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	id, err := f.gw.Withdraw(testCtx(t), addr.EncodeAddress(), 600)
	require.NoError(t, err)
	bal, err := f.gw.Balance()
	require.NoError(t, err)
	assert.Equal(t, types.Amount(100_000), bal)

	f.fed.Sync(t)
	pending, err := f.fed.Guardians[0].API().PendingPegOuts(testCtx(t))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].OutPoint.TxID)
	assert.Equal(t, int64(600), pending[0].AmountSat)

	// 同一笔存款不能认领两次
	_, err = f.gw.Deposit(testCtx(t), op, 700)
	assert.Equal(t, vm.ReasonDoubleSpend, vm.RejectReason(err))
}

func TestHandlerInfo(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var info InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, hex.EncodeToString(f.gw.PublicKey()), info.GatewayKey)
	assert.Equal(t, uint64(1000), info.FeeBaseMsat)
	assert.Equal(t, f.gw.cfg.FeePPM, info.FeePPM)

	rec = httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/info", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func (f *fixture) fund(t *testing.T, amount types.Amount) (ln.ContractID, Invoice) {
	t.Helper()
	_, err := f.user.PegIn(testCtx(t), f.fed.Deposit(t, 5), 5)
	require.NoError(t, err)
	require.NoError(t, f.gw.Register(testCtx(t)))
	reg := f.announced(t)
	require.NotNil(t, reg)

	inv, err := f.node.AddInvoice(amount, "merchant")
	require.NoError(t, err)
	id, err := f.user.FundContract(testCtx(t), reg, inv.PaymentHash, amount, 1_000_000)
	require.NoError(t, err)
	return id, inv
}

func TestPayContract(t *testing.T) {
	f := newFixture(t)
	id, inv := f.fund(t, 2000)

	notes, err := f.gw.PayContract(testCtx(t), id, inv)
	require.NoError(t, err)
	assert.Len(t, notes, 3)
	assert.True(t, f.node.Paid(inv.PaymentHash))

	bal, err := f.gw.Balance()
	require.NoError(t, err)
	assert.Equal(t, types.Amount(3000), bal)
	userBal, _ := f.user.Notes().Balance()
	assert.Equal(t, types.Amount(2000), userBal)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.gw.payments.WithLabelValues("claimed")))

	// 已领取的合约不会再付
	_, err = f.gw.PayContract(testCtx(t), id, inv)
	assert.ErrorIs(t, err, ErrContractSpent)
}

func TestPayContractAbortsWhenLightningFails(t *testing.T) {
	f := newFixture(t)
	id, inv := f.fund(t, 2000)
	f.node.SetFailing(true)

	_, err := f.gw.PayContract(testCtx(t), id, inv)
	assert.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.gw.payments.WithLabelValues("aborted")))

	rec, err := f.user.Contract(testCtx(t), id)
	require.NoError(t, err)
	assert.False(t, rec.Spent)
}

func TestPayContractChecks(t *testing.T) {
	f := newFixture(t)
	id, inv := f.fund(t, 2000)
	rec, err := f.user.Contract(testCtx(t), id)
	require.NoError(t, err)

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	foreign := *rec
	foreign.Contract.GatewayKey = schnorr.SerializePubKey(other.PubKey())
	assert.ErrorIs(t, f.gw.checkContract(&foreign, inv), ErrNotOurContract)

	bigger := inv
	bigger.Amount = 5000
	assert.ErrorIs(t, f.gw.checkContract(rec, bigger), ErrUnderfunded)

	wrong := inv
	wrong.PaymentHash[0] ^= 1
	assert.Error(t, f.gw.checkContract(rec, wrong))
	assert.NoError(t, f.gw.checkContract(rec, inv))
}

func TestHandlerPay(t *testing.T) {
	f := newFixture(t)
	id, inv := f.fund(t, 2000)
	h := f.gw.Handler()

	body, err := json.Marshal(PayRequest{Contract: id.String(), Invoice: inv})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp PayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.Amount(3000), resp.Claimed)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/balance", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var bal BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, types.Amount(3000), bal.Balance)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/pay", bytes.NewReader([]byte("{"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
