package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/guardian"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/rpc"
	"github.com/natto1784/fedimint/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCommand() *cobra.Command {
	var cfgPath string
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs a guardian until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGuardian(cmd.Context(), cfgPath)
		},
	}
	c.Flags().StringVar(&cfgPath, "config", "config.yaml", "guardian configuration file")
	return c
}

func runGuardian(ctx context.Context, cfgPath string) error {
	n, err := loadNode(cfgPath)
	if err != nil {
		return err
	}
	key, err := n.keyStore().Load()
	if err != nil {
		return fmt.Errorf("%w: key share: %v (run `guardiand dkg` first)", types.ErrSetupFatal, err)
	}
	defer key.Zeroize()
	if key.Guardian != n.self {
		return fmt.Errorf("%w: key share belongs to %s, config says %s", types.ErrSetupFatal, key.Guardian, n.self)
	}

	store, err := db.Open(n.cfg, n.cfg.Federation.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tr, err := n.transport(reg)
	if err != nil {
		return err
	}
	defer tr.Close()

	logs.Warn("[guardiand] no bitcoin backend configured, deposits are only seen through the in-memory watcher")
	g, err := guardian.New(guardian.Options{
		Config:     n.cfg,
		Store:      store,
		Key:        key,
		Identity:   n.identity,
		PeerKeys:   n.peerKeys,
		Transport:  tr,
		Registerer: reg,
		OnApplied: func(e *types.Epoch, outcomes []*types.TxOutcome) {
			logs.Verbose("[guardiand] epoch %d applied with %d transactions", e.Number, len(outcomes))
		},
	})
	if err != nil {
		return err
	}

	self, _ := n.cfg.Peer(n.cfg.Federation.Self)
	srv, err := rpc.NewServer(self.RPCAddr, g.API(), reg, n.cfg.Server)
	if err != nil {
		return err
	}
	if err := tr.Start(); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logs.Info("[guardiand] %s serving JSON-RPC on %s", n.self, self.RPCAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%w: rpc server: %v", types.ErrSetupFatal, err)
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
	logs.Info("[guardiand] %s stopped", n.self)
	return err
}
