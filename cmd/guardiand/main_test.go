package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/fedtest"
	"github.com/natto1784/fedimint/gateway"
	"github.com/natto1784/fedimint/rpc"
	"github.com/natto1784/fedimint/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := rootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	require.NoError(t, root.ExecuteContext(ctx), out.String())
	return out.String()
}

func TestInitWithTrustedDKG(t *testing.T) {
	dir := t.TempDir()
	out := execute(t, "init", "--out", dir, "--trusted-dkg", "--db", "memory", "--p2p-port", "19270")
	assert.Contains(t, out, "key ceremony complete")

	var aggregate string
	for i := 0; i < 4; i++ {
		n, err := loadNode(filepath.Join(guardianDir(dir, i), "config.yaml"))
		require.NoError(t, err)
		assert.Equal(t, types.GuardianID(i), n.self)
		assert.Len(t, n.orderedKeys(), 4)

		share, err := n.keyStore().Load()
		require.NoError(t, err)
		assert.Equal(t, types.GuardianID(i), share.Guardian)
		if i == 0 {
			aggregate = share.Public.AggregateKey().String()
		}
		assert.Equal(t, aggregate, share.Public.AggregateKey().String())

		p, ok := n.cfg.Peer(uint16(i))
		require.True(t, ok)
		assert.Equal(t, "127.0.0.1:"+strconv.Itoa(19270+i), p.P2PAddr)
	}

	a, err := loadNode(filepath.Join(guardianDir(dir, 0), "config.yaml"))
	require.NoError(t, err)
	b, err := loadNode(filepath.Join(guardianDir(dir, 3), "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, a.defaultSession(), b.defaultSession())
}

func TestInitRejectsBadFederation(t *testing.T) {
	root := rootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"init", "--out", t.TempDir(), "--n", "3", "--f", "1"})
	assert.ErrorIs(t, root.Execute(), config.ErrInvalidFederation)
}

func TestInspectEmptyStore(t *testing.T) {
	dir := t.TempDir()
	store, err := db.Open(config.DefaultConfig(), dir)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out := execute(t, "inspect", "--data", dir)
	assert.Contains(t, out, "next_epoch: 0")
	assert.Contains(t, out, "data_dir: "+dir)
}

func TestDemoWithOneGuardianOffline(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full federation")
	}
	out := execute(t, "demo", "--offline", "3")
	assert.Contains(t, out, "guardian 3 offline")
	assert.Contains(t, out, "bob reissued 3 notes")
	assert.Contains(t, out, "again: double_spend")
	assert.Contains(t, out, "pending peg-out: 700 sat")
}

// fedBehindRPC 启动一个内存联邦，每个 guardian 前挂 JSON-RPC，返回指向这些地址的配置
func fedBehindRPC(t *testing.T) (*fedtest.Federation, *config.Config) {
	t.Helper()
	fed := fedtest.New(t, fedtest.Options{N: 4, F: 1, T: 3})
	fed.Start()
	t.Cleanup(fed.Stop)

	cfg := *fed.Config
	cfg.Federation.Peers = nil
	for i, g := range fed.Guardians {
		h, err := rpc.NewHandler(g.API(), fed.Registries[i])
		require.NoError(t, err)
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)
		cfg.Federation.Peers = append(cfg.Federation.Peers, config.PeerConfig{ID: uint16(g.ID()), RPCAddr: srv.URL})
	}
	return fed, &cfg
}

func TestOpenGatewayRegistersAndKeepsKey(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full federation")
	}
	fed, cfg := fedBehindRPC(t)
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "gateway.key")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	g, store, err := openGateway(ctx, cfg, keyPath, filepath.Join(dir, "data"), gateway.NewMemLightning(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, g.Register(ctx))

	op := fed.Deposit(t, 5)
	notes, err := g.Deposit(ctx, op, 5)
	require.NoError(t, err)
	assert.Len(t, notes, 5)
	require.NoError(t, store.Close())

	fed.Sync(t)
	gws, err := fed.Guardians[0].API().ListGateways(ctx)
	require.NoError(t, err)
	require.Len(t, gws, 1)
	assert.Equal(t, g.PublicKey(), gws[0].Registration.GatewayKey)

	again, store, err := openGateway(ctx, cfg, keyPath, filepath.Join(dir, "data"), gateway.NewMemLightning(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, g.PublicKey(), again.PublicKey())
	bal, err := again.Balance()
	require.NoError(t, err)
	assert.Equal(t, types.Amount(5000), bal)
}

func TestLoadGatewayKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.key")
	require.NoError(t, os.WriteFile(path, []byte("not hex\n"), 0o600))
	_, err := loadGatewayKey(path)
	assert.ErrorIs(t, err, types.ErrSetupFatal)
}

func TestFetchPublicKeysNeedsReachableGuardians(t *testing.T) {
	peers := map[types.GuardianID]*rpc.Client{
		0: rpc.NewClient("127.0.0.1:1", 200*time.Millisecond),
		1: rpc.NewClient("127.0.0.1:1", 200*time.Millisecond),
	}
	_, err := fetchPublicKeys(context.Background(), peers, 1)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}
