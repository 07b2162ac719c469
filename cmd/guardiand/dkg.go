package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/natto1784/fedimint/dkg"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/tbs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func dkgCommand() *cobra.Command {
	var (
		cfgPath   string
		session   string
		waitFor   time.Duration
		overwrite bool
	)
	c := &cobra.Command{
		Use:   "dkg",
		Short: "Runs the distributed key ceremony with the other guardians and stores the key share",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := loadNode(cfgPath)
			if err != nil {
				return err
			}
			ks := n.keyStore()
			if _, err := ks.Load(); err == nil && !overwrite {
				return fmt.Errorf("key share already present at %s, pass --overwrite to replace it", n.cfg.Federation.KeyStorePath)
			} else if err != nil && !errors.Is(err, dkg.ErrKeyNotPresent) && !overwrite {
				return err
			}
			if session == "" {
				session = n.defaultSession()
			}
			share, err := runCeremony(cmd.Context(), n, session, waitFor)
			if err != nil {
				return err
			}
			if err := ks.Save(share); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "guardian %d: key share stored, aggregate key %s, disqualified %v\n",
				n.self, share.Public.AggregateKey(), share.Public.Disqualified)
			return nil
		},
	}
	flags := c.Flags()
	flags.StringVar(&cfgPath, "config", "config.yaml", "guardian configuration file")
	flags.StringVar(&session, "session", "", "ceremony session name, derived from the identity keys when empty")
	flags.DurationVar(&waitFor, "wait-peers", 5*time.Minute, "how long to wait for every peer to come online")
	flags.BoolVar(&overwrite, "overwrite", false, "replace an existing key share")
	return c
}

func runCeremony(ctx context.Context, n *node, session string, waitFor time.Duration) (*tbs.ThresholdKeyShare, error) {
	tr, err := n.transport(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	if err := tr.Start(); err != nil {
		return nil, err
	}
	defer tr.Close()

	// 所有成员都在线后才开始，否则第一阶段的广播会丢
	wctx, cancel := context.WithTimeout(ctx, waitFor)
	err = tr.WaitPeers(wctx, 500*time.Millisecond)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("waiting for peers: %w", err)
	}
	logs.Info("[dkg] all %d peers online, starting session %s", len(n.peerKeys)-1, session)

	fc := n.cfg.Federation
	c, err := dkg.NewCeremony(dkg.Params{
		Session:  session,
		N:        fc.N,
		F:        fc.F,
		T:        fc.T,
		Self:     n.self,
		Identity: n.identity,
		Peers:    n.orderedKeys(),
	})
	if err != nil {
		return nil, err
	}
	share, err := dkg.NewCoordinator(c, tr.DKG(), n.cfg.DKG.StageTimeout).Run(ctx)
	if err != nil {
		return nil, err
	}
	// 留一个阶段的时间把最后的条目送到慢的成员
	select {
	case <-time.After(n.cfg.DKG.StageTimeout):
	case <-ctx.Done():
	}
	return share, nil
}
