package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/natto1784/fedimint/client"
	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/consensus"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/dkg"
	"github.com/natto1784/fedimint/guardian"
	"github.com/natto1784/fedimint/modules/wallet"
	"github.com/natto1784/fedimint/p2p"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type demoFlags struct {
	n, f, t int
	offline int
	deposit int64
}

func demoCommand() *cobra.Command {
	fl := &demoFlags{}
	c := &cobra.Command{
		Use:   "demo",
		Short: "Runs a whole federation in this process and walks through peg-in, transfer, double spend and peg-out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.CheckFederation(fl.n, fl.f, fl.t); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			return runDemo(ctx, cmd.OutOrStdout(), fl)
		},
	}
	flags := c.Flags()
	flags.IntVar(&fl.n, "n", 4, "number of guardians")
	flags.IntVar(&fl.f, "f", 1, "tolerated byzantine guardians")
	flags.IntVar(&fl.t, "t", 3, "signing threshold")
	flags.IntVar(&fl.offline, "offline", -1, "guardian kept offline for the whole demo, -1 for none")
	flags.Int64Var(&fl.deposit, "deposit", 1000, "deposit in satoshi, a multiple of 100")
	return c
}

// demoConfig 进程内演示用的短超时
func demoConfig(fl *demoFlags) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Federation.N, cfg.Federation.F, cfg.Federation.T = fl.n, fl.f, fl.t
	cfg.Federation.NoteValue = 100_000
	cfg.Database.Backend = "memory"
	cfg.DKG.StageTimeout = 2 * time.Second
	cfg.Consensus.EpochInterval = 200 * time.Millisecond
	cfg.Consensus.RoundTimeout = 300 * time.Millisecond
	cfg.Consensus.MaxRoundTimeout = 2 * time.Second
	cfg.Consensus.ProposalWait = 30 * time.Millisecond
	cfg.Client.RequestTimeout = time.Second
	cfg.Client.IssuanceTimeout = 20 * time.Second
	cfg.Client.InitialBackoff = 20 * time.Millisecond
	cfg.Client.MaxBackoff = 200 * time.Millisecond
	cfg.Client.OutcomePoll = 25 * time.Millisecond
	return cfg
}

func runDemo(ctx context.Context, out io.Writer, fl *demoFlags) error {
	cfg := demoConfig(fl)
	say := func(format string, args ...interface{}) {
		fmt.Fprintf(out, format+"\n", args...)
	}

	privs, pubs, err := dkg.GenerateIdentities(fl.n)
	if err != nil {
		return err
	}
	var skip []types.GuardianID
	if fl.offline >= 0 {
		skip = append(skip, types.GuardianID(fl.offline))
	}
	say("running key ceremony, %d of %d", fl.t, fl.n)
	results, err := dkg.RunLocal(ctx, fl.n, fl.f, fl.t, cfg.DKG.StageTimeout, privs, pubs, skip...)
	if err != nil {
		return err
	}

	peerKeys := make(map[types.GuardianID]*btcec.PublicKey, fl.n)
	for i, pub := range pubs {
		peerKeys[types.GuardianID(i)] = pub
	}
	simnet := consensus.NewSimulatedNetwork(2 * time.Millisecond)
	defer simnet.Close()
	watcher := wallet.NewMemWatcher()

	gctx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()
	peers := make(map[types.GuardianID]client.Peer)
	var first *guardian.Guardian
	for i, r := range results {
		id := types.GuardianID(i)
		if r.Err != nil {
			say("guardian %d offline: %v", i, r.Err)
			simnet.SetOffline(id, true)
			continue
		}
		g, err := guardian.New(guardian.Options{
			Config:     cfg,
			Store:      db.NewMemStore(),
			Key:        r.Share,
			Identity:   privs[i],
			PeerKeys:   peerKeys,
			Transport:  simnet.Join(id),
			Watcher:    watcher,
			Registerer: prometheus.NewRegistry(),
		})
		if err != nil {
			return err
		}
		if first == nil {
			first = g
		}
		peers[id] = g.API()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Run(gctx)
		}()
	}
	if first == nil {
		return fmt.Errorf("%w: no guardian finished the ceremony", types.ErrSetupFatal)
	}
	pks := first.API()
	set, err := pks.GetPublicKeySet(ctx)
	if err != nil {
		return err
	}

	newWallet := func() (*client.Client, error) {
		return client.New(client.Config{
			PublicKeys: set,
			F:          fl.f,
			NoteValue:  types.Amount(cfg.Federation.NoteValue),
			Fee:        types.Amount(cfg.Federation.TxFee),
			Timing:     cfg.Client,
			Registerer: prometheus.NewRegistry(),
		}, peers, client.NewNoteStore(db.NewMemStore()))
	}
	alice, err := newWallet()
	if err != nil {
		return err
	}
	bob, err := newWallet()
	if err != nil {
		return err
	}

	var h chainhash.Hash
	if _, err := rand.Read(h[:]); err != nil {
		return err
	}
	op := wire.OutPoint{Hash: h}
	watcher.Confirm(op, wire.NewTxOut(fl.deposit, []byte{0x51}))
	notes, err := alice.PegIn(ctx, op, fl.deposit)
	if err != nil {
		return fmt.Errorf("peg-in: %w", err)
	}
	say("alice pegged in %d sat and holds %d notes", fl.deposit, len(notes))

	amount := types.Amount(3 * cfg.Federation.NoteValue)
	given, err := alice.Spend(amount)
	if err != nil {
		return err
	}
	if _, err := bob.Reissue(ctx, given); err != nil {
		return fmt.Errorf("bob reissue: %w", err)
	}
	bobBal, _ := bob.Notes().Balance()
	say("bob reissued %d notes from alice, balance %s", len(given), bobBal)

	_, err = alice.Reissue(ctx, given)
	say("alice tries to spend the same notes again: %s", vm.RejectReason(err))

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}
	addr, err := p2p.IdentityAddress(key.PubKey(), &chaincfg.RegressionNetParams)
	if err != nil {
		return err
	}
	aliceBal, _ := alice.Notes().Balance()
	if sat := aliceBal.Sat(); sat >= cfg.Federation.DustLimitSat {
		id, err := alice.PegOut(ctx, addr, sat)
		if err != nil {
			return fmt.Errorf("peg-out: %w", err)
		}
		say("alice pegged out %d sat to %s in %s", sat, addr, id)
	}

	// 结果由 f+1 个 guardian 确认即返回，这里查的那个可能还没应用
	var pending []*wallet.PendingPegOut
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(50 * time.Millisecond) {
		if pending, err = pks.PendingPegOuts(ctx); err != nil {
			return err
		}
		if len(pending) > 0 {
			break
		}
	}
	for _, p := range pending {
		say("pending peg-out: %d sat to %s (epoch %d)", p.AmountSat, p.Address, p.Epoch)
	}
	audit, err := pks.Audit(ctx)
	if err != nil {
		return err
	}
	for _, a := range audit {
		say("audit %-7s assets %s liabilities %s", a.Module, a.Assets, a.Liabilities)
	}
	for id, p := range peers {
		st, err := p.(*guardian.API).Status(ctx)
		if err == nil {
			say("%s: %s, next epoch %d", id, st.State, st.NextEpoch)
		}
	}
	return nil
}
