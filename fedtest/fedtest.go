// Package fedtest 在单进程内用模拟网络拉起一个完整联邦，供各包测试与本地演示使用。
package fedtest

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/consensus"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/guardian"
	"github.com/natto1784/fedimint/modules/wallet"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type Options struct {
	N, F, T   int
	NoteValue types.Amount
	Fee       types.Amount
	// 为空时每个 guardian 一个内存存储
	Stores []db.Store
}

type Federation struct {
	Config     *config.Config
	Net        *consensus.SimulatedNetwork
	Watcher    *wallet.MemWatcher
	PublicKeys *tbs.PublicKeySet
	Guardians  []*guardian.Guardian
	Registries []*prometheus.Registry

	mu      sync.Mutex
	cancels map[types.GuardianID]context.CancelFunc
	wg      sync.WaitGroup
}

// Config 测试用的快速时序
func Config(o Options) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Federation.N, cfg.Federation.F, cfg.Federation.T = o.N, o.F, o.T
	cfg.Federation.NoteValue = uint64(o.NoteValue)
	cfg.Federation.TxFee = uint64(o.Fee)
	cfg.Consensus.EpochInterval = 100 * time.Millisecond
	cfg.Consensus.RoundTimeout = 200 * time.Millisecond
	cfg.Consensus.MaxRoundTimeout = time.Second
	cfg.Consensus.ProposalWait = 20 * time.Millisecond
	cfg.Client.RequestTimeout = time.Second
	cfg.Client.IssuanceTimeout = 10 * time.Second
	cfg.Client.InitialBackoff = 10 * time.Millisecond
	cfg.Client.MaxBackoff = 100 * time.Millisecond
	cfg.Client.OutcomePoll = 20 * time.Millisecond
	cfg.Gateway.AnnouncementTTL = time.Minute
	return cfg
}

// New 可信分发密钥份额并装配 N 个 guardian，尚未启动
func New(tb testing.TB, o Options) *Federation {
	tb.Helper()
	if o.NoteValue == 0 {
		o.NoteValue = 1000
	}
	cfg := Config(o)
	shares, err := tbs.DealShares(o.T, o.N, nil)
	require.NoError(tb, err)

	idents := make([]*btcec.PrivateKey, o.N)
	peers := make(map[types.GuardianID]*btcec.PublicKey, o.N)
	for i := range idents {
		idents[i], err = btcec.NewPrivateKey()
		require.NoError(tb, err)
		peers[types.GuardianID(i)] = idents[i].PubKey()
	}

	f := &Federation{
		Config:     cfg,
		Net:        consensus.NewSimulatedNetwork(time.Millisecond),
		Watcher:    wallet.NewMemWatcher(),
		PublicKeys: shares[0].Public,
		cancels:    make(map[types.GuardianID]context.CancelFunc),
	}
	for i := 0; i < o.N; i++ {
		store := db.Store(db.NewMemStore())
		if i < len(o.Stores) && o.Stores[i] != nil {
			store = o.Stores[i]
		}
		reg := prometheus.NewRegistry()
		g, err := guardian.New(guardian.Options{
			Config:     cfg,
			Store:      store,
			Key:        shares[i],
			Identity:   idents[i],
			PeerKeys:   peers,
			Transport:  f.Net.Join(types.GuardianID(i)),
			Watcher:    f.Watcher,
			Registerer: reg,
		})
		require.NoError(tb, err)
		f.Guardians = append(f.Guardians, g)
		f.Registries = append(f.Registries, reg)
	}
	return f
}

// Start 运行除 skip 以外的所有 guardian
func (f *Federation) Start(skip ...types.GuardianID) {
	off := make(map[types.GuardianID]bool)
	for _, id := range skip {
		off[id] = true
		f.Net.SetOffline(id, true)
	}
	for _, g := range f.Guardians {
		if !off[g.ID()] {
			f.StartGuardian(g.ID())
		}
	}
}

func (f *Federation) StartGuardian(id types.GuardianID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cancels[id]; ok {
		return
	}
	f.Net.SetOffline(id, false)
	ctx, cancel := context.WithCancel(context.Background())
	f.cancels[id] = cancel
	g := f.Guardians[id]
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		_ = g.Run(ctx)
	}()
}

// StopGuardian 停止引擎并把节点从网络摘除，存储保留
func (f *Federation) StopGuardian(id types.GuardianID) {
	f.mu.Lock()
	cancel, ok := f.cancels[id]
	delete(f.cancels, id)
	f.mu.Unlock()
	f.Net.SetOffline(id, true)
	if ok {
		cancel()
	}
}

func (f *Federation) Stop() {
	f.mu.Lock()
	for id, cancel := range f.cancels {
		cancel()
		delete(f.cancels, id)
	}
	f.mu.Unlock()
	f.wg.Wait()
	f.Net.Close()
}

// APIs 每个 guardian 的进程内 API
func (f *Federation) APIs() map[types.GuardianID]*guardian.API {
	out := make(map[types.GuardianID]*guardian.API, len(f.Guardians))
	for _, g := range f.Guardians {
		out[g.ID()] = g.API()
	}
	return out
}

// Deposit 向链监控注入一笔已确认的存款
func (f *Federation) Deposit(tb testing.TB, sat int64) wire.OutPoint {
	tb.Helper()
	var h chainhash.Hash
	_, err := rand.Read(h[:])
	require.NoError(tb, err)
	op := wire.OutPoint{Hash: h, Index: 0}
	f.Watcher.Confirm(op, wire.NewTxOut(sat, []byte{0x51}))
	return op
}

// Sync 等所有在线 guardian 追上此刻进度最快的那个。
// 客户端只等 f+1 个一致结果，之后直接读单个 guardian 前要先调用它。
func (f *Federation) Sync(tb testing.TB) {
	tb.Helper()
	var latest uint64
	f.mu.Lock()
	for id := range f.cancels {
		next, _, err := f.Guardians[id].Executor().NextEpoch()
		if err == nil && next > latest {
			latest = next
		}
	}
	f.mu.Unlock()
	if latest > 0 {
		f.WaitEpoch(tb, latest-1)
	}
}

// WaitEpoch 等到所有在线 guardian 都应用过 n 号 epoch
func (f *Federation) WaitEpoch(tb testing.TB, n uint64) {
	tb.Helper()
	require.Eventually(tb, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for id := range f.cancels {
			next, _, err := f.Guardians[id].Executor().NextEpoch()
			if err != nil || next <= n {
				return false
			}
		}
		return true
	}, 15*time.Second, 10*time.Millisecond, "epoch %d not reached", n)
}
