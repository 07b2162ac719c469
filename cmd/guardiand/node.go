package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/dkg"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/p2p"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus"
)

const passphraseEnv = "FEDIMINT_KEY_PASSPHRASE"

// node 一个 guardian 的静态身份：配置、身份私钥与所有成员的身份公钥
type node struct {
	cfg      *config.Config
	self     types.GuardianID
	identity *btcec.PrivateKey
	peerKeys map[types.GuardianID]*btcec.PublicKey
}

func loadNode(path string) (*node, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSetupFatal, err)
	}
	if level == "" {
		l, err := logs.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrSetupFatal, err)
		}
		logs.SetLevel(l)
	}
	fc := cfg.Federation
	if len(fc.Peers) != fc.N {
		return nil, fmt.Errorf("%w: config lists %d peers for a federation of %d", types.ErrSetupFatal, len(fc.Peers), fc.N)
	}
	ident, err := dkg.LoadIdentity(fc.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("%w: identity %s: %v", types.ErrSetupFatal, fc.IdentityPath, err)
	}
	n := &node{
		cfg:      cfg,
		self:     types.GuardianID(fc.Self),
		identity: ident,
		peerKeys: make(map[types.GuardianID]*btcec.PublicKey, fc.N),
	}
	for _, p := range fc.Peers {
		raw, err := hex.DecodeString(p.IdentityKey)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %d identity key: %v", types.ErrSetupFatal, p.ID, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: peer %d identity key: %v", types.ErrSetupFatal, p.ID, err)
		}
		n.peerKeys[types.GuardianID(p.ID)] = pub
	}
	if !n.peerKeys[n.self].IsEqual(ident.PubKey()) {
		return nil, fmt.Errorf("%w: identity key does not match peer entry %d", types.ErrSetupFatal, n.self)
	}
	if err := os.MkdirAll(fc.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrLocalStorage, err)
	}
	return n, nil
}

// orderedKeys 按编号排列的身份公钥，DKG 需要
func (n *node) orderedKeys() []*btcec.PublicKey {
	ids := make([]int, 0, len(n.peerKeys))
	for id := range n.peerKeys {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := make([]*btcec.PublicKey, len(ids))
	for i, id := range ids {
		out[i] = n.peerKeys[types.GuardianID(id)]
	}
	return out
}

// defaultSession 由全体身份公钥推出，所有成员无需协商即得到同一个会话名
func (n *node) defaultSession() string {
	var buf []byte
	for _, k := range n.orderedKeys() {
		buf = append(buf, k.SerializeCompressed()...)
	}
	h := chainhash.HashH(buf)
	return "dkg-" + hex.EncodeToString(h[:8])
}

func (n *node) keyStore() *dkg.KeyStore {
	return dkg.NewKeyStoreWithPassphrase(n.cfg.Federation.KeyStorePath, []byte(os.Getenv(passphraseEnv)))
}

// transport 按配置建立 HTTP/3 通道，尚未 Start
func (n *node) transport(reg prometheus.Registerer) (*p2p.Transport, error) {
	fc := n.cfg.Federation
	self, ok := n.cfg.Peer(fc.Self)
	if !ok {
		return nil, fmt.Errorf("%w: no peer entry for self %d", types.ErrSetupFatal, fc.Self)
	}
	cert, err := p2p.LoadOrCreate(
		filepath.Join(fc.DataDir, "p2p-cert.pem"),
		filepath.Join(fc.DataDir, "p2p-key.pem"),
		n.identity.PubKey(),
		n.cfg.Server.CertValidityDays,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: certificate: %v", types.ErrSetupFatal, err)
	}
	peers := make(map[types.GuardianID]string, len(fc.Peers))
	for _, p := range fc.Peers {
		peers[types.GuardianID(p.ID)] = p.P2PAddr
	}
	return p2p.New(p2p.Options{
		Self:       n.self,
		ListenAddr: self.P2PAddr,
		Peers:      peers,
		Cert:       cert,
		Server:     n.cfg.Server,
		InboxSize:  n.cfg.Consensus.InboxSize,
		Registerer: reg,
	})
}
