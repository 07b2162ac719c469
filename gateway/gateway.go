// Package gateway 闪电网关：向联邦登记自己，替用户支付发票，凭原像领取用户锁定的合约。
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/natto1784/fedimint/client"
	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrNotOurContract = errors.New("gateway: contract is locked to another gateway")
	ErrUnderfunded    = errors.New("gateway: contract does not cover invoice plus fee")
	ErrContractSpent  = errors.New("gateway: contract already spent")
)

type Gateway struct {
	key *btcec.PrivateKey
	fed *client.Client
	ln  LightningRPC
	cfg config.GatewayConfig
	log *logs.Logger

	mu  sync.Mutex
	seq uint64

	registered prometheus.Counter
	payments   *prometheus.CounterVec
}

func New(key *btcec.PrivateKey, fed *client.Client, lnrpc LightningRPC, cfg config.GatewayConfig, reg prometheus.Registerer) *Gateway {
	f := promauto.With(reg)
	return &Gateway{
		key: key,
		fed: fed,
		ln:  lnrpc,
		cfg: cfg,
		log: logs.Named("gateway"),
		registered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "gateway", Name: "registrations_total",
			Help: "Accepted gateway registrations.",
		}),
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "gateway", Name: "payments_total",
			Help: "Contract payments by result.",
		}, []string{"result"}),
	}
}

func (g *Gateway) PublicKey() []byte { return schnorr.SerializePubKey(g.key.PubKey()) }

// Client 网关自己的钱包
func (g *Gateway) Client() *client.Client { return g.fed }

// Registration 生成下一条签名公告；序号单调递增，重启后以时间戳续上
func (g *Gateway) Registration() (*ln.GatewayRegistration, error) {
	g.mu.Lock()
	seq := uint64(time.Now().UnixNano())
	if seq <= g.seq {
		seq = g.seq + 1
	}
	g.seq = seq
	g.mu.Unlock()

	r := &ln.GatewayRegistration{
		GatewayKey:  g.PublicKey(),
		APIAddr:     g.cfg.APIAddr,
		FeeBaseMsat: g.cfg.FeeBaseMsat,
		FeePPM:      g.cfg.FeePPM,
		Sequence:    seq,
	}
	h := r.SigHash()
	sig, err := schnorr.Sign(g.key, h[:])
	if err != nil {
		return nil, err
	}
	r.Signature = sig.Serialize()
	return r, nil
}

// Register 提交一次公告，联邦暂时不可用时按指数退避重试
func (g *Gateway) Register(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, func() (types.TxID, error) {
		r, err := g.Registration()
		if err != nil {
			return types.TxID{}, backoff.Permanent(err)
		}
		id, err := g.fed.Announce(ctx, r.Output())
		if err != nil && !types.Retryable(err) {
			return id, backoff.Permanent(err)
		}
		return id, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(g.cfg.AnnouncementTTL/2),
		backoff.WithNotify(func(err error, d time.Duration) {
			g.log.Warn("registration failed, retrying in %s: %v", d, err)
		}))
	if err != nil {
		return err
	}
	g.registered.Inc()
	g.log.Info("registered %x at %q", g.PublicKey(), g.cfg.APIAddr)
	return nil
}

// Run 公告在 TTL 过半时续期，直到 ctx 取消
func (g *Gateway) Run(ctx context.Context) error {
	every := g.cfg.AnnouncementTTL / 2
	if every <= 0 {
		every = time.Minute
	}
	for {
		if err := g.Register(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.log.Error("giving up registration round: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(every):
		}
	}
}

// checkContract 确认合约锁给本网关、未被花费、金额覆盖发票与费用
func (g *Gateway) checkContract(rec *ln.ContractRecord, inv Invoice) error {
	c := rec.Contract
	if !bytes.Equal(c.GatewayKey, g.PublicKey()) {
		return ErrNotOurContract
	}
	if rec.Spent {
		return ErrContractSpent
	}
	if c.PaymentHash != inv.PaymentHash {
		return fmt.Errorf("gateway: contract hash %s, invoice hash %s", c.PaymentHash, inv.PaymentHash)
	}
	fee := types.Amount(g.cfg.FeeBaseMsat) + inv.Amount*types.Amount(g.cfg.FeePPM)/1_000_000
	if c.Amount < inv.Amount+fee {
		return fmt.Errorf("%w: locked %s, need %s", ErrUnderfunded, c.Amount, inv.Amount+fee)
	}
	return nil
}

// PayContract 先付发票再领合约。付款失败即放弃，用户等超时退款。
func (g *Gateway) PayContract(ctx context.Context, id ln.ContractID, inv Invoice) ([]*client.Note, error) {
	rec, err := g.fed.Contract(ctx, id)
	if err != nil {
		g.payments.WithLabelValues("lookup_failed").Inc()
		return nil, err
	}
	if err := g.checkContract(rec, inv); err != nil {
		g.payments.WithLabelValues("refused").Inc()
		return nil, err
	}
	preimage, err := g.ln.Pay(ctx, inv)
	if err != nil {
		g.payments.WithLabelValues("aborted").Inc()
		g.log.Warn("abort contract %s: %v", id, err)
		return nil, err
	}
	if chainhash.Hash(sha256.Sum256(preimage)) != inv.PaymentHash {
		g.payments.WithLabelValues("aborted").Inc()
		return nil, fmt.Errorf("%w: lightning node returned a wrong preimage", ErrPaymentFailed)
	}
	notes, err := g.fed.ClaimContract(ctx, id, preimage, g.key)
	if err != nil {
		// 发票已付，原像在手，调用方可以重试领取
		g.payments.WithLabelValues("claim_failed").Inc()
		return nil, fmt.Errorf("gateway: paid %s but claim failed: %w", inv.PaymentHash, err)
	}
	g.payments.WithLabelValues("claimed").Inc()
	g.log.Info("paid %s, claimed contract %s", inv.PaymentHash, id)
	return notes, nil
}

func (g *Gateway) Balance() (types.Amount, error) { return g.fed.Notes().Balance() }

// Deposit 认领一笔已确认的链上存款，补充网关的流动性
func (g *Gateway) Deposit(ctx context.Context, op wire.OutPoint, sat int64) ([]*client.Note, error) {
	notes, err := g.fed.PegIn(ctx, op, sat)
	if err != nil {
		return nil, err
	}
	g.log.Info("deposited %d sat from %s", sat, op)
	return notes, nil
}

// Withdraw 把网关持有的电子现金提回链上
func (g *Gateway) Withdraw(ctx context.Context, address string, sat int64) (types.TxID, error) {
	return g.fed.PegOut(ctx, address, sat)
}
