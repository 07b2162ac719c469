package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/natto1784/fedimint/client"
	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/dkg"
	"github.com/natto1784/fedimint/gateway"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/rpc"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type gatewayFlags struct {
	cfgPath string
	keyPath string
	dataDir string
	apiAddr string
}

func gatewayCommand() *cobra.Command {
	var fl gatewayFlags
	c := &cobra.Command{
		Use:   "gateway",
		Short: "Runs a lightning gateway against a running federation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context(), fl)
		},
	}
	c.Flags().StringVar(&fl.cfgPath, "config", "config.yaml", "federation configuration file")
	c.Flags().StringVar(&fl.keyPath, "key", "", "gateway key file, created when missing (default <data>/gateway.key)")
	c.Flags().StringVar(&fl.dataDir, "data", "gateway-data", "directory holding the gateway's notes")
	c.Flags().StringVar(&fl.apiAddr, "api-addr", "", "override gateway.api_addr from the config")
	return c
}

// loadGatewayKey 读取网关私钥，文件不存在时生成一把
func loadGatewayKey(path string) (*btcec.PrivateKey, error) {
	key, err := dkg.LoadIdentity(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: gateway key %s: %v", types.ErrSetupFatal, path, err)
	}
	if key, err = btcec.NewPrivateKey(); err != nil {
		return nil, err
	}
	if err := dkg.SaveIdentity(path, key); err != nil {
		return nil, fmt.Errorf("%w: gateway key %s: %v", types.ErrLocalStorage, path, err)
	}
	logs.Info("[guardiand] generated gateway key %s", path)
	return key, nil
}

// fetchPublicKeys 需要 f+1 个 guardian 给出同一份公钥集
func fetchPublicKeys(ctx context.Context, peers map[types.GuardianID]*rpc.Client, f int) (*tbs.PublicKeySet, error) {
	type vote struct {
		pks   *tbs.PublicKeySet
		count int
	}
	votes := make(map[string]*vote)
	var lastErr error
	for id, p := range peers {
		pks, err := p.GetPublicKeySet(ctx)
		if err != nil {
			logs.Warn("[guardiand] public key set from %s: %v", id, err)
			lastErr = err
			continue
		}
		raw, err := pks.Encode()
		if err != nil {
			return nil, err
		}
		v, ok := votes[string(raw)]
		if !ok {
			v = &vote{pks: pks}
			votes[string(raw)] = v
		}
		if v.count++; v.count > f {
			return v.pks, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: public key set: %v", types.ErrUnavailable, lastErr)
	}
	return nil, fmt.Errorf("%w: guardians disagree on the public key set", types.ErrUnavailable)
}

// openGateway 连接联邦、打开本地票据库、构造网关；调用方负责关闭返回的 Store
func openGateway(ctx context.Context, cfg *config.Config, keyPath, dataDir string, lnrpc gateway.LightningRPC, reg prometheus.Registerer) (*gateway.Gateway, db.Store, error) {
	fc := cfg.Federation
	if len(fc.Peers) == 0 {
		return nil, nil, fmt.Errorf("%w: config lists no guardians", types.ErrSetupFatal)
	}
	rpcs := make(map[types.GuardianID]*rpc.Client, len(fc.Peers))
	peers := make(map[types.GuardianID]client.Peer, len(fc.Peers))
	for _, p := range fc.Peers {
		c := rpc.NewClient(p.RPCAddr, cfg.Client.RequestTimeout)
		rpcs[types.GuardianID(p.ID)] = c
		peers[types.GuardianID(p.ID)] = c
	}
	pks, err := fetchPublicKeys(ctx, rpcs, fc.F)
	if err != nil {
		return nil, nil, err
	}
	key, err := loadGatewayKey(keyPath)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrLocalStorage, err)
	}
	store, err := db.Open(cfg, dataDir)
	if err != nil {
		return nil, nil, err
	}
	fed, err := client.New(client.Config{
		PublicKeys: pks,
		F:          fc.F,
		NoteValue:  types.Amount(fc.NoteValue),
		Fee:        types.Amount(fc.TxFee),
		Timing:     cfg.Client,
		Registerer: reg,
	}, peers, client.NewNoteStore(store))
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("%w: %v", types.ErrSetupFatal, err)
	}
	return gateway.New(key, fed, lnrpc, cfg.Gateway, reg), store, nil
}

func runGateway(ctx context.Context, fl gatewayFlags) error {
	cfg, err := config.LoadFromFile(fl.cfgPath)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSetupFatal, err)
	}
	if level == "" {
		l, err := logs.ParseLevel(cfg.Log.Level)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrSetupFatal, err)
		}
		logs.SetLevel(l)
	}
	if fl.apiAddr != "" {
		cfg.Gateway.APIAddr = fl.apiAddr
	}
	if fl.keyPath == "" {
		fl.keyPath = filepath.Join(fl.dataDir, "gateway.key")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	logs.Warn("[guardiand] no lightning node configured, invoices are settled by the in-memory node")
	g, store, err := openGateway(ctx, cfg, fl.keyPath, fl.dataDir, gateway.NewMemLightning(), reg)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := &http.Server{
		Addr:              cfg.Gateway.APIAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logs.Info("[guardiand] gateway serving on %s", cfg.Gateway.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%w: gateway api: %v", types.ErrSetupFatal, err)
		}
		return nil
	})
	eg.Go(func() error {
		return g.Run(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = eg.Wait()
	logs.Info("[guardiand] gateway stopped")
	return err
}
