package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/dkg"

	"github.com/spf13/cobra"
)

type initFlags struct {
	n, f, t    int
	out        string
	host       string
	rpcPort    int
	p2pPort    int
	noteValue  uint64
	fee        uint64
	network    string
	backend    string
	trustedDKG bool
}

func initCommand() *cobra.Command {
	fl := &initFlags{}
	c := &cobra.Command{
		Use:   "init",
		Short: "Writes configuration and identity keys for every guardian of a new federation",
		Long: "Writes one directory per guardian with config.yaml and identity.key. " +
			"Run `guardiand dkg` on every guardian afterwards, or pass --trusted-dkg to " +
			"run the ceremony in this process for a development federation.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, fl)
		},
	}
	flags := c.Flags()
	flags.IntVar(&fl.n, "n", 4, "number of guardians")
	flags.IntVar(&fl.f, "f", 1, "tolerated byzantine guardians")
	flags.IntVar(&fl.t, "t", 3, "signing threshold")
	flags.StringVar(&fl.out, "out", "federation", "output directory")
	flags.StringVar(&fl.host, "host", "127.0.0.1", "host every guardian listens on")
	flags.IntVar(&fl.rpcPort, "rpc-port", 8170, "JSON-RPC port of guardian 0, incremented per guardian")
	flags.IntVar(&fl.p2pPort, "p2p-port", 8270, "peer port of guardian 0, incremented per guardian")
	flags.Uint64Var(&fl.noteValue, "note-value", config.DefaultConfig().Federation.NoteValue, "note denomination in msat")
	flags.Uint64Var(&fl.fee, "fee", 0, "fixed transaction fee in msat")
	flags.StringVar(&fl.network, "network", "regtest", "bitcoin network")
	flags.StringVar(&fl.backend, "db", "badger", "database backend (badger, memory)")
	flags.BoolVar(&fl.trustedDKG, "trusted-dkg", false, "also run the key ceremony locally and write every key share")
	return c
}

func guardianDir(out string, id int) string {
	return filepath.Join(out, "guardian-"+strconv.Itoa(id))
}

func runInit(cmd *cobra.Command, fl *initFlags) error {
	if err := config.CheckFederation(fl.n, fl.f, fl.t); err != nil {
		return err
	}
	privs, pubs, err := dkg.GenerateIdentities(fl.n)
	if err != nil {
		return err
	}
	peers := make([]config.PeerConfig, fl.n)
	for i := range peers {
		peers[i] = config.PeerConfig{
			ID:          uint16(i),
			RPCAddr:     net.JoinHostPort(fl.host, strconv.Itoa(fl.rpcPort+i)),
			P2PAddr:     net.JoinHostPort(fl.host, strconv.Itoa(fl.p2pPort+i)),
			IdentityKey: hex.EncodeToString(pubs[i].SerializeCompressed()),
		}
	}

	cfgs := make([]*config.Config, fl.n)
	for i := 0; i < fl.n; i++ {
		dir := guardianDir(fl.out, i)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		cfg := config.DefaultConfig()
		fc := &cfg.Federation
		fc.N, fc.F, fc.T, fc.Self = fl.n, fl.f, fl.t, uint16(i)
		fc.NoteValue, fc.TxFee, fc.Network = fl.noteValue, fl.fee, fl.network
		fc.Peers = peers
		fc.DataDir = filepath.Join(dir, "data")
		fc.KeyStorePath = filepath.Join(dir, "keyshare.bin")
		fc.IdentityPath = filepath.Join(dir, "identity.key")
		cfg.Database.Backend = fl.backend
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := dkg.SaveIdentity(fc.IdentityPath, privs[i]); err != nil {
			return err
		}
		if err := cfg.Save(filepath.Join(dir, "config.yaml")); err != nil {
			return err
		}
		cfgs[i] = cfg
		fmt.Fprintf(cmd.OutOrStdout(), "guardian %d: %s (p2p %s, rpc %s)\n", i, dir, peers[i].P2PAddr, peers[i].RPCAddr)
	}

	if !fl.trustedDKG {
		return nil
	}
	results, err := dkg.RunLocal(cmd.Context(), fl.n, fl.f, fl.t, cfgs[0].DKG.StageTimeout, privs, pubs)
	if err != nil {
		return err
	}
	for i, r := range results {
		if r.Err != nil {
			return fmt.Errorf("guardian %d: %w", i, r.Err)
		}
		ks := dkg.NewKeyStoreWithPassphrase(cfgs[i].Federation.KeyStorePath, []byte(os.Getenv(passphraseEnv)))
		if err := ks.Save(r.Share); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "key ceremony complete, threshold %d of %d, aggregate key %s\n",
		fl.t, fl.n, results[0].Share.Public.AggregateKey())
	return nil
}
