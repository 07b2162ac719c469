// Package guardian 把存储、模块、执行器、交易池、共识引擎与签名服务装配成一个 guardian 进程。
package guardian

import (
	"context"
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/consensus"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/modules/mint"
	"github.com/natto1784/fedimint/modules/wallet"
	"github.com/natto1784/fedimint/signer"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/txpool"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Options 启动一个 guardian 所需的全部依赖
type Options struct {
	Config    *config.Config
	Store     db.Store
	Key       *tbs.ThresholdKeyShare
	Identity  *btcec.PrivateKey
	PeerKeys  map[types.GuardianID]*btcec.PublicKey
	Transport consensus.Transport
	// 为空时使用内存实现，只适合测试和演示
	Watcher    wallet.ChainWatcher
	Registerer prometheus.Registerer
	// 可选：每个 epoch 落库后回调
	OnApplied func(e *types.Epoch, outcomes []*types.TxOutcome)
}

type Guardian struct {
	cfg    *config.Config
	id     types.GuardianID
	store  db.Store
	key    *tbs.ThresholdKeyShare
	exec   *vm.Executor
	pool   *txpool.TxPool
	engine *consensus.Engine
	signer *signer.Signer
	mint   *mint.Module
	wallet *wallet.Module
	log    *logs.Logger

	onApplied func(e *types.Epoch, outcomes []*types.TxOutcome)
}

// NewRegistry 按配置注册 mint / wallet / ln 三个模块
func NewRegistry(cfg *config.Config, pks *tbs.PublicKeySet, watcher wallet.ChainWatcher) (*vm.Registry, *mint.Module, *wallet.Module, error) {
	params, err := config.NetworkParams(cfg.Federation.Network)
	if err != nil {
		return nil, nil, nil, err
	}
	if watcher == nil {
		watcher = wallet.NewMemWatcher()
	}
	m := mint.New(pks, types.Amount(cfg.Federation.NoteValue))
	w := wallet.New(params, cfg.Federation.DustLimitSat, watcher)
	reg := vm.NewRegistry()
	for _, mod := range []vm.Module{m, w, ln.New()} {
		if err := reg.Register(mod); err != nil {
			return nil, nil, nil, err
		}
	}
	return reg, m, w, nil
}

func New(opts Options) (*Guardian, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Store == nil || opts.Key == nil {
		return nil, errors.New("guardian: store and key share are required")
	}
	if err := opts.Key.Check(); err != nil {
		return nil, fmt.Errorf("guardian: %w: %v", types.ErrSetupFatal, err)
	}
	g := &Guardian{
		cfg:       cfg,
		id:        opts.Key.Guardian,
		store:     opts.Store,
		key:       opts.Key,
		log:       logs.Named(fmt.Sprintf("guardian-%d", opts.Key.Guardian)),
		onApplied: opts.OnApplied,
	}

	reg, m, w, err := NewRegistry(cfg, opts.Key.Public, opts.Watcher)
	if err != nil {
		return nil, err
	}
	g.mint, g.wallet = m, w
	g.exec = vm.NewExecutor(opts.Store, reg, types.Amount(cfg.Federation.TxFee))

	g.pool, err = txpool.New(cfg, g.exec, func(id types.TxID) bool {
		out, err := g.exec.Outcome(id)
		return err == nil && out.Accepted
	})
	if err != nil {
		return nil, err
	}
	g.signer, err = signer.New(opts.Key, opts.Store, cfg, opts.Registerer)
	if err != nil {
		return nil, err
	}

	if opts.Transport != nil {
		g.engine, err = consensus.NewEngine(consensus.EngineConfig{
			Self:      g.id,
			N:         cfg.Federation.N,
			F:         cfg.Federation.F,
			Key:       opts.Key,
			Identity:  opts.Identity,
			PeerKeys:  opts.PeerKeys,
			Executor:  g.exec,
			Pool:      g.pool,
			Transport: opts.Transport,
			Timing:    cfg.Consensus,
			Metrics:   consensus.NewMetrics(opts.Registerer),
			OnApplied: g.applied,
		})
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Guardian) applied(e *types.Epoch, outcomes []*types.TxOutcome) {
	if g.onApplied != nil {
		g.onApplied(e, outcomes)
	}
}

// Run 运行共识引擎直到 ctx 取消
func (g *Guardian) Run(ctx context.Context) error {
	if g.engine == nil {
		return errors.New("guardian: no transport configured")
	}
	g.log.Info("%s running, %d modules", g.id, len(g.exec.Registry().List()))
	err := g.engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Guardian) ID() types.GuardianID { return g.id }

func (g *Guardian) Executor() *vm.Executor { return g.exec }

func (g *Guardian) Pool() *txpool.TxPool { return g.pool }

func (g *Guardian) Engine() *consensus.Engine { return g.engine }

func (g *Guardian) Store() db.Store { return g.store }

// API 面向客户端的操作集合
func (g *Guardian) API() *API { return &API{g: g} }
