package dkg

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
)

const testStageTimeout = 300 * time.Millisecond

func newCeremonies(t *testing.T, n, f, th int) ([]*Ceremony, []*btcec.PrivateKey, []*btcec.PublicKey) {
	t.Helper()
	privs, pubs, err := GenerateIdentities(n)
	require.NoError(t, err)
	cs := make([]*Ceremony, n)
	for i := 0; i < n; i++ {
		c, err := NewCeremony(Params{
			Session: "test", N: n, F: f, T: th,
			Self: types.GuardianID(i), Identity: privs[i], Peers: pubs,
		})
		require.NoError(t, err)
		cs[i] = c
	}
	return cs, privs, pubs
}

// 对一组份额做盲签名，返回去盲后的签名是否有效
func signWith(t *testing.T, pks *tbs.PublicKeySet, keys []*tbs.ThresholdKeyShare) error {
	t.Helper()
	nonce := []byte("dkg-note")
	bk := tbs.NewBlindingKey()
	bm := tbs.BlindMessage(nonce, bk)
	var shares []tbs.BlindSignatureShare
	for _, k := range keys {
		s := tbs.SignBlinded(k, bm)
		require.NoError(t, tbs.VerifyBlindShare(pks, bm, s))
		shares = append(shares, s)
	}
	combined, err := tbs.CombineBlindShares(pks, shares)
	if err != nil {
		return err
	}
	return tbs.VerifyNote(pks, nonce, tbs.Unblind(combined, bk))
}

func TestCeremony_HonestRun(t *testing.T) {
	cs, _, _ := newCeremonies(t, 4, 1, 3)
	res := runCeremonies(context.Background(), NewLocalNetwork(4), cs, testStageTimeout)

	var keys []*tbs.ThresholdKeyShare
	for i, r := range res {
		require.NoError(t, r.Err, "guardian %d", i)
		keys = append(keys, r.Share)
	}
	pks := keys[0].Public
	for _, k := range keys[1:] {
		assert.True(t, pks.Equal(k.Public), "all guardians derive the same key set")
	}
	assert.Empty(t, pks.Disqualified)

	// 任意 t 个份额都能签出有效签名
	require.NoError(t, signWith(t, pks, keys[:3]))
	require.NoError(t, signWith(t, pks, []*tbs.ThresholdKeyShare{keys[3], keys[0], keys[2]}))
	// t-1 个不够
	assert.ErrorIs(t, signWith(t, pks, keys[:2]), tbs.ErrNotEnough)
}

func TestCeremony_ToleratesOneOffline(t *testing.T) {
	privs, pubs, err := GenerateIdentities(4)
	require.NoError(t, err)
	res, err := RunLocal(context.Background(), 4, 1, 3, testStageTimeout, privs, pubs, 3)
	require.NoError(t, err)

	var keys []*tbs.ThresholdKeyShare
	for i := 0; i < 3; i++ {
		require.NoError(t, res[i].Err)
		keys = append(keys, res[i].Share)
	}
	pks := keys[0].Public
	assert.Equal(t, []types.GuardianID{3}, pks.Disqualified)
	require.NoError(t, signWith(t, pks, keys))
}

func TestCeremony_AbortsWithoutQuorum(t *testing.T) {
	privs, pubs, err := GenerateIdentities(4)
	require.NoError(t, err)
	res, err := RunLocal(context.Background(), 4, 1, 3, testStageTimeout, privs, pubs, 2, 3)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, res[i].Err, types.ErrSetupFatal)
		assert.Equal(t, types.ClassSetupFatal, types.Classify(res[i].Err))
	}
}

func TestCeremony_DisqualifiesBadDealer(t *testing.T) {
	cs, _, _ := newCeremonies(t, 4, 1, 3)
	g2 := tbs.Suite().G2()
	// 3 号给 1 号发错误份额，公开时也无法自圆其说
	cs[3].corrupt = func(to types.GuardianID, s kyber.Scalar) kyber.Scalar {
		if to == 1 {
			return g2.Scalar().Add(s, g2.Scalar().One())
		}
		return s
	}
	res := runCeremonies(context.Background(), NewLocalNetwork(4), cs, testStageTimeout)

	assert.ErrorIs(t, res[3].Err, ErrExcluded)
	var keys []*tbs.ThresholdKeyShare
	for i := 0; i < 3; i++ {
		require.NoError(t, res[i].Err, "guardian %d", i)
		assert.Equal(t, []types.GuardianID{3}, res[i].Share.Public.Disqualified)
		keys = append(keys, res[i].Share)
	}
	require.NoError(t, signWith(t, keys[0].Public, keys))
}

// filteredEndpoint 按 filter 决定本节点自己的条目发给谁，转发的条目照常广播
type filteredEndpoint struct {
	Network
	hub    *LocalNetwork
	self   types.GuardianID
	filter func(st Stage, to types.GuardianID) bool
}

func (ep *filteredEndpoint) Broadcast(ctx context.Context, e *Entry) error {
	if e.From != ep.self {
		return ep.Network.Broadcast(ctx, e)
	}
	for j, ch := range ep.hub.inboxes {
		to := types.GuardianID(j)
		if to == ep.self || !ep.filter(e.Stage, to) {
			continue
		}
		ch <- e
	}
	return nil
}

func runFiltered(t *testing.T, cs []*Ceremony, dealer types.GuardianID, filter func(Stage, types.GuardianID) bool) []LocalResult {
	t.Helper()
	hub := NewLocalNetwork(len(cs))
	out := make([]LocalResult, len(cs))
	var wg sync.WaitGroup
	for i, c := range cs {
		id := types.GuardianID(i)
		ep := hub.Endpoint(id)
		if id == dealer {
			ep = &filteredEndpoint{Network: ep, hub: hub, self: id, filter: filter}
		}
		co := NewCoordinator(c, ep, testStageTimeout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i].Share, out[i].Err = co.Run(context.Background())
		}()
	}
	wg.Wait()
	return out
}

func TestCeremony_PartialBroadcastConverges(t *testing.T) {
	cs, _, _ := newCeremonies(t, 4, 1, 3)
	// 3 号的 COMMIT 和 SHARE 只发给 1、2 号
	res := runFiltered(t, cs, 3, func(st Stage, to types.GuardianID) bool {
		if st == StageCommit || st == StageShare {
			return to == 1 || to == 2
		}
		return true
	})

	var keys []*tbs.ThresholdKeyShare
	for i, r := range res {
		require.NoError(t, r.Err, "guardian %d", i)
		keys = append(keys, r.Share)
	}
	for _, k := range keys[1:] {
		assert.True(t, keys[0].Public.Equal(k.Public), "guardian %s", k.Guardian)
	}
	require.NoError(t, signWith(t, keys[0].Public, keys[:3]))
}

func TestCeremony_DealerCrashesMidBroadcast(t *testing.T) {
	cs, _, _ := newCeremonies(t, 4, 1, 3)
	// 3 号的 SHARE 只送达 1 号，之后再无消息
	res := runFiltered(t, cs, 3, func(st Stage, to types.GuardianID) bool {
		switch st {
		case StageCommit:
			return true
		case StageShare:
			return to == 1
		}
		return false
	})

	var keys []*tbs.ThresholdKeyShare
	for i := 0; i < 3; i++ {
		require.NoError(t, res[i].Err, "guardian %d", i)
		keys = append(keys, res[i].Share)
	}
	for _, k := range keys[1:] {
		assert.True(t, keys[0].Public.Equal(k.Public), "guardian %s", k.Guardian)
	}
	require.NoError(t, signWith(t, keys[0].Public, keys))
}

func TestCeremony_FalseComplaintDismissed(t *testing.T) {
	cs, _, _ := newCeremonies(t, 4, 1, 3)

	// 手动推进到投诉阶段，让 2 号诬告 0 号
	drive := func(st Stage, tamper func(i int, e *Entry)) {
		entries := make([]*Entry, len(cs))
		for i, c := range cs {
			e, err := c.Entry(st)
			require.NoError(t, err)
			if tamper != nil {
				tamper(i, e)
			}
			entries[i] = e
		}
		for _, c := range cs {
			for _, e := range entries {
				require.NoError(t, c.Accept(e))
			}
			c.Log().Seal(st)
		}
	}
	drive(StageCommit, nil)
	drive(StageShare, nil)
	drive(StageComplaint, func(i int, e *Entry) {
		if i != 2 {
			return
		}
		e.Payload = []byte(`{"accused":[0]}`)
		require.NoError(t, e.Sign(cs[2].p.Identity))
	})
	drive(StageReveal, nil)
	drive(StageDone, nil)

	for i, c := range cs {
		k, err := c.Result()
		require.NoError(t, err, "guardian %d", i)
		assert.Empty(t, k.Public.Disqualified)
	}
}

func TestCeremony_EmptyCiphertextForcesReveal(t *testing.T) {
	cs, _, _ := newCeremonies(t, 4, 1, 3)
	drive := func(st Stage, tamper func(i int, e *Entry)) {
		entries := make([]*Entry, len(cs))
		for i, c := range cs {
			e, err := c.Entry(st)
			require.NoError(t, err)
			if tamper != nil {
				tamper(i, e)
			}
			entries[i] = e
		}
		for _, c := range cs {
			for _, e := range entries {
				require.NoError(t, c.Accept(e))
			}
			c.Log().Seal(st)
		}
	}
	drive(StageCommit, nil)
	// 3 号不给 0 号份额
	drive(StageShare, func(i int, e *Entry) {
		if i != 3 {
			return
		}
		var sp sharePayload
		require.NoError(t, json.Unmarshal(e.Payload, &sp))
		sp.Ciphertexts[0] = nil
		raw, err := json.Marshal(sp)
		require.NoError(t, err)
		e.Payload = raw
		require.NoError(t, e.Sign(cs[3].p.Identity))
	})
	drive(StageComplaint, nil)
	assert.Equal(t, []types.GuardianID{0}, cs[3].complaintsAgainst(3))
	drive(StageReveal, nil)
	drive(StageDone, nil)

	var keys []*tbs.ThresholdKeyShare
	for i, c := range cs {
		k, err := c.Result()
		require.NoError(t, err, "guardian %d", i)
		assert.Empty(t, k.Public.Disqualified)
		keys = append(keys, k)
	}
	// 0 号用公开的份额，仍能参与签名
	require.NoError(t, signWith(t, keys[0].Public, keys[:3]))
}

func TestCeremony_ToleratesOneMismatchedConfirmation(t *testing.T) {
	cs, _, _ := newCeremonies(t, 4, 1, 3)
	for _, st := range stageOrder {
		entries := make([]*Entry, len(cs))
		for i, c := range cs {
			e, err := c.Entry(st)
			require.NoError(t, err)
			if st == StageDone && i == 2 {
				e.Payload = []byte(`{"digest":"AAAA"}`)
				require.NoError(t, e.Sign(cs[2].p.Identity))
			}
			entries[i] = e
		}
		for _, c := range cs {
			for _, e := range entries {
				require.NoError(t, c.Accept(e))
			}
			c.Log().Seal(st)
		}
	}
	k, err := cs[0].Result()
	require.NoError(t, err)
	assert.NotNil(t, k)
	assert.Equal(t, []types.GuardianID{2}, cs[0].Mismatched())
}

func TestCeremony_RejectsBadParams(t *testing.T) {
	privs, pubs, err := GenerateIdentities(3)
	require.NoError(t, err)
	_, err = NewCeremony(Params{Session: "x", N: 3, F: 1, T: 2, Identity: privs[0], Peers: pubs})
	assert.ErrorIs(t, err, types.ErrSetupFatal)
}

func TestCeremony_EntryRequiresSealedStage(t *testing.T) {
	cs, _, _ := newCeremonies(t, 4, 1, 3)
	_, err := cs[0].Entry(StageShare)
	assert.ErrorIs(t, err, ErrStageNotReady)
}

func TestLog_Gates(t *testing.T) {
	privs, pubs, err := GenerateIdentities(4)
	require.NoError(t, err)
	l := NewLog("s", pubs)

	e := &Entry{Session: "s", Stage: StageCommit, From: 1, Payload: []byte("x")}
	require.NoError(t, e.Sign(privs[1]))
	require.NoError(t, l.Append(e))
	assert.ErrorIs(t, l.Append(e), ErrDuplicateEntry)

	forged := &Entry{Session: "s", Stage: StageCommit, From: 2, Payload: []byte("x")}
	require.NoError(t, forged.Sign(privs[1]))
	assert.ErrorIs(t, l.Append(forged), ErrBadEntrySig)

	// 后续阶段可提前写入，封存的阶段不可再写
	early := &Entry{Session: "s", Stage: StageShare, From: 3, Payload: []byte("y")}
	require.NoError(t, early.Sign(privs[3]))
	require.NoError(t, l.Append(early))

	l.Seal(StageCommit)
	late := &Entry{Session: "s", Stage: StageCommit, From: 0, Payload: []byte("z")}
	require.NoError(t, late.Sign(privs[0]))
	assert.ErrorIs(t, l.Append(late), ErrStageSealed)

	assert.Equal(t, 1, l.Count(StageCommit))
	assert.False(t, l.Complete(StageCommit))
}

func TestECIES_RoundTripAndVerify(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	rnd := make([]byte, 32)
	rnd[31] = 7
	plain := []byte("0123456789abcdef0123456789abcdef")

	ct, err := ECIESEncrypt(pub, plain, rnd)
	require.NoError(t, err)
	got, err := ECIESDecrypt(priv, ct)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
	assert.True(t, ECIESVerifyCiphertext(pub, plain, rnd, ct))

	ct[40] ^= 1
	_, err = ECIESDecrypt(priv, ct)
	assert.ErrorIs(t, err, ErrMacVerificationFailed)
	assert.False(t, ECIESVerifyCiphertext(pub, plain, rnd, ct))
}

func TestKeyStore_SaveLoad(t *testing.T) {
	keys, err := tbs.DealShares(3, 4, nil)
	require.NoError(t, err)
	dir := t.TempDir()

	plain := NewKeyStore(filepath.Join(dir, "plain.bin"))
	require.NoError(t, plain.Save(keys[1]))
	got, err := plain.Load()
	require.NoError(t, err)
	assert.True(t, got.Secret.Equal(keys[1].Secret))

	enc := NewKeyStoreWithPassphrase(filepath.Join(dir, "enc.bin"), []byte("hunter2"))
	require.NoError(t, enc.Save(keys[2]))
	got, err = enc.Load()
	require.NoError(t, err)
	assert.Equal(t, keys[2].Guardian, got.Guardian)

	_, err = NewKeyStore(filepath.Join(dir, "enc.bin")).Load()
	assert.ErrorIs(t, err, ErrNoPassphrase)

	_, err = NewKeyStore(filepath.Join(dir, "missing.bin")).Load()
	assert.ErrorIs(t, err, ErrKeyNotPresent)
}

func TestKeyStore_FallsBackToBackup(t *testing.T) {
	keys, err := tbs.DealShares(2, 3, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "share.bin")
	ks := NewKeyStore(path)
	require.NoError(t, ks.Save(keys[0]))
	require.NoError(t, ks.Save(keys[0])) // 第二次写入产生 .bak

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	got, err := ks.Load()
	require.NoError(t, err)
	assert.True(t, got.Secret.Equal(keys[0].Secret))
}

func TestIdentity_SaveLoad(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id.key")
	require.NoError(t, SaveIdentity(path, priv))
	got, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.True(t, got.PubKey().IsEqual(priv.PubKey()))
}
