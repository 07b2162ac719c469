// Package client 联邦客户端：盲化、收集部分签名、合成 note，以及构造花费交易。
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/modules/mint"
	"github.com/natto1784/fedimint/signer"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var ErrAmount = errors.New("client: amount is not a multiple of the note value")

// Config 联邦参数与重试策略
type Config struct {
	PublicKeys *tbs.PublicKeySet
	F          int
	NoteValue  types.Amount
	Fee        types.Amount
	Timing     config.ClientConfig
	Registerer prometheus.Registerer
}

type Client struct {
	peers  map[types.GuardianID]Peer
	ids    []types.GuardianID
	pks    *tbs.PublicKeySet
	f      int
	value  types.Amount
	fee    types.Amount
	timing config.ClientConfig
	notes  *NoteStore
	log    *logs.Logger

	violations *prometheus.CounterVec

	mu      sync.Mutex
	refunds map[ln.ContractID]*btcec.PrivateKey
}

func New(cfg Config, peers map[types.GuardianID]Peer, notes *NoteStore) (*Client, error) {
	if cfg.PublicKeys == nil || len(peers) == 0 || notes == nil {
		return nil, errors.New("client: public keys, peers and note store are required")
	}
	if cfg.NoteValue == 0 {
		return nil, errors.New("client: zero note value")
	}
	if cfg.Timing.IssuanceTimeout <= 0 {
		cfg.Timing = config.DefaultConfig().Client
	}
	c := &Client{
		peers:  peers,
		pks:    cfg.PublicKeys,
		f:      cfg.F,
		value:  cfg.NoteValue,
		fee:    cfg.Fee,
		timing: cfg.Timing,
		notes:  notes,
		log:    logs.Named("client"),
		violations: promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedimint", Subsystem: "client", Name: "protocol_violations_total",
			Help: "Invalid responses received from guardians.",
		}, []string{"guardian"}),
		refunds: make(map[ln.ContractID]*btcec.PrivateKey),
	}
	for id := range peers {
		c.ids = append(c.ids, id)
	}
	sort.Slice(c.ids, func(i, j int) bool { return c.ids[i] < c.ids[j] })
	return c, nil
}

func (c *Client) Notes() *NoteStore { return c.notes }

func (c *Client) NoteValue() types.Amount { return c.value }

func (c *Client) Fee() types.Amount { return c.fee }

func (c *Client) violation(id types.GuardianID, err error) {
	c.log.Warn("protocol violation by %s: %v", id, err)
	c.violations.WithLabelValues(id.String()).Inc()
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.timing.InitialBackoff
	b.MaxInterval = c.timing.MaxBackoff
	return b
}

// pendingNote 已盲化、等待签发的 note
type pendingNote struct {
	key *btcec.PrivateKey
	bk  *tbs.BlindingKey
	bm  tbs.BlindedMessage
}

func newPendingNote() (*pendingNote, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	bk := tbs.NewBlindingKey()
	return &pendingNote{key: key, bk: bk, bm: tbs.BlindMessage(schnorr.SerializePubKey(key.PubKey()), bk)}, nil
}

func (p *pendingNote) output() types.Output {
	return (&mint.IssuanceOutput{Blinded: p.bm}).Output()
}

// collectShares 并发向所有 guardian 请求部分签名，逐个校验，拿到前 t 个有效份额即返回
func (c *Client) collectShares(ctx context.Context, req signer.IssuanceRequest, bm tbs.BlindedMessage) ([]tbs.BlindSignatureShare, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timing.IssuanceTimeout)
	defer cancel()

	results := make(chan tbs.BlindSignatureShare, len(c.ids))
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range c.ids {
		id, peer := id, c.peers[id]
		g.Go(func() error {
			sh, err := backoff.Retry(gctx, func() (tbs.BlindSignatureShare, error) {
				rctx, rcancel := context.WithTimeout(gctx, c.timing.RequestTimeout)
				defer rcancel()
				ps, err := peer.RequestIssuance(rctx, req)
				if err != nil {
					if types.Retryable(err) {
						return tbs.BlindSignatureShare{}, err
					}
					return tbs.BlindSignatureShare{}, backoff.Permanent(err)
				}
				if ps.Guardian != id {
					return tbs.BlindSignatureShare{}, backoff.Permanent(fmt.Errorf("%w: share claims %s", signer.ErrBadPartial, ps.Guardian))
				}
				if err := signer.VerifyPartial(c.pks, bm, ps); err != nil {
					return tbs.BlindSignatureShare{}, backoff.Permanent(err)
				}
				return ps.BlindShare()
			}, backoff.WithBackOff(c.newBackoff()), backoff.WithMaxElapsedTime(c.timing.IssuanceTimeout))
			switch {
			case err == nil:
				results <- sh
			case types.Classify(err) == types.ClassProtocolViolation:
				c.violation(id, err)
			case gctx.Err() == nil:
				c.log.Debug("%s gave up on %s: %v", req.OutPoint, id, err)
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	var shares []tbs.BlindSignatureShare
	for len(shares) < c.pks.Threshold {
		select {
		case sh := <-results:
			shares = append(shares, sh)
		case <-done:
			for len(results) > 0 {
				shares = append(shares, <-results)
			}
			if len(shares) < c.pks.Threshold {
				return nil, fmt.Errorf("%w: %d of %d partial signatures for %s", types.ErrUnavailable, len(shares), c.pks.Threshold, req.OutPoint)
			}
		}
	}
	cancel()
	<-done
	return shares, nil
}

// issue 为一个已被接受的签发输出合成 note
func (c *Client) issue(ctx context.Context, op types.OutPoint, p *pendingNote) (*Note, error) {
	shares, err := c.collectShares(ctx, signer.IssuanceRequest{OutPoint: op, Blinded: p.bm.Bytes()}, p.bm)
	if err != nil {
		return nil, err
	}
	blind, err := tbs.CombineBlindShares(c.pks, shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProtocolViolation, err)
	}
	sig := tbs.Unblind(blind, p.bk)
	if err := tbs.VerifyNote(c.pks, schnorr.SerializePubKey(p.key.PubKey()), sig); err != nil {
		return nil, fmt.Errorf("%w: combined note: %v", types.ErrProtocolViolation, err)
	}
	return &Note{SpendKey: p.key, Signature: sig, Value: c.value}, nil
}

type spend struct {
	in  types.Input
	key *btcec.PrivateKey
}

func noteSpends(notes []*Note) []spend {
	out := make([]spend, len(notes))
	for i, n := range notes {
		out[i] = spend{in: (&mint.NoteInput{Nonce: n.Nonce(), Signature: n.Signature}).Input(), key: n.SpendKey}
	}
	return out
}

func buildTx(spends []spend, outs []types.Output) (*types.Transaction, error) {
	tx := &types.Transaction{Outputs: outs}
	for _, s := range spends {
		tx.Inputs = append(tx.Inputs, s.in)
	}
	id := tx.ID()
	for _, s := range spends {
		sig, err := schnorr.Sign(s.key, id[:])
		if err != nil {
			return nil, err
		}
		tx.Signatures = append(tx.Signatures, sig.Serialize())
	}
	return tx, nil
}

// Submit 发给所有 guardian，任意一个接收即成功
func (c *Client) Submit(ctx context.Context, tx *types.Transaction) (types.TxID, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timing.RequestTimeout)
	defer cancel()

	errs := make([]error, len(c.ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range c.ids {
		i, peer := i, c.peers[id]
		g.Go(func() error {
			_, errs[i] = peer.SubmitTransaction(gctx, tx)
			return nil
		})
	}
	_ = g.Wait()

	var rejected error
	for _, err := range errs {
		// 已经被接受过的重复提交也算成功，结果可以直接查询
		if err == nil || vm.RejectReason(err) == vm.ReasonAlreadyApplied {
			return tx.ID(), nil
		}
		if vm.RejectReason(err) != "" && rejected == nil {
			rejected = err
		}
	}
	if rejected != nil {
		return tx.ID(), rejected
	}
	return tx.ID(), fmt.Errorf("%w: no guardian accepted %s: %v", types.ErrUnavailable, tx.ID(), errors.Join(errs...))
}

type outcomeKey struct {
	accepted bool
	reason   string
	epoch    uint64
}

// AwaitOutcome 轮询直到 f+1 个 guardian 报告相同结果
func (c *Client) AwaitOutcome(ctx context.Context, id types.TxID) (*types.TxOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timing.IssuanceTimeout)
	defer cancel()
	poll := c.timing.OutcomePoll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		outs := make([]*types.TxOutcome, len(c.ids))
		g, gctx := errgroup.WithContext(ctx)
		for i, gid := range c.ids {
			i, peer := i, c.peers[gid]
			g.Go(func() error {
				rctx, rcancel := context.WithTimeout(gctx, c.timing.RequestTimeout)
				defer rcancel()
				outs[i], _ = peer.TransactionStatus(rctx, id)
				return nil
			})
		}
		_ = g.Wait()

		votes := make(map[outcomeKey]int)
		for _, o := range outs {
			if o == nil {
				continue
			}
			k := outcomeKey{o.Accepted, o.Reason, o.Epoch}
			votes[k]++
			if votes[k] >= c.f+1 {
				return o, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no outcome for %s: %v", types.ErrUnavailable, id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// transact 在 outs 之后追加 issue 个签发输出，提交并等待结果，成功后合成新 note 存入钱包
func (c *Client) transact(ctx context.Context, spends []spend, outs []types.Output, issue int) (*types.Transaction, []*Note, error) {
	pending := make([]*pendingNote, issue)
	base := len(outs)
	for i := range pending {
		p, err := newPendingNote()
		if err != nil {
			return nil, nil, err
		}
		pending[i] = p
		outs = append(outs, p.output())
	}
	tx, err := buildTx(spends, outs)
	if err != nil {
		return nil, nil, err
	}
	id, err := c.Submit(ctx, tx)
	if err != nil {
		return tx, nil, err
	}
	out, err := c.AwaitOutcome(ctx, id)
	if err != nil {
		return tx, nil, err
	}
	if !out.Accepted {
		return tx, nil, vm.Reject("", out.Reason, "transaction %s in epoch %d", id, out.Epoch)
	}

	notes := make([]*Note, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pending {
		i, p := i, p
		g.Go(func() error {
			n, err := c.issue(gctx, tx.OutPoint(base+i), p)
			notes[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return tx, nil, err
	}
	if err := c.notes.Add(notes...); err != nil {
		return tx, nil, err
	}
	c.log.Info("tx %s accepted in epoch %d, %d notes issued", id, out.Epoch, len(notes))
	return tx, notes, nil
}

// notesFor 扣除手续费后 amount 可换成的 note 数
func (c *Client) notesFor(amount types.Amount) (int, error) {
	if amount < c.fee {
		return 0, fmt.Errorf("%w: %s below fee %s", ErrAmount, amount, c.fee)
	}
	rest := amount - c.fee
	if rest%c.value != 0 {
		return 0, fmt.Errorf("%w: %s", ErrAmount, rest)
	}
	return int(rest / c.value), nil
}

// settle 输入 note 已被消耗（接受或双花拒绝）时从钱包移除
func (c *Client) settle(notes []*Note, err error) error {
	if err == nil || vm.RejectReason(err) == vm.ReasonDoubleSpend {
		if rerr := c.notes.Remove(notes...); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

// Reissue 把 notes 换成同等面值的新 note，收款方用它认领别人给的 note
func (c *Client) Reissue(ctx context.Context, notes []*Note) ([]*Note, error) {
	var total types.Amount
	for _, n := range notes {
		total += n.Value
	}
	count, err := c.notesFor(total)
	if err != nil {
		return nil, err
	}
	_, fresh, err := c.transact(ctx, noteSpends(notes), nil, count)
	return fresh, c.settle(notes, err)
}

// Spend 从钱包取出恰好 amount 的 note 交给对方，对方通过 Reissue 认领
func (c *Client) Spend(amount types.Amount) ([]*Note, error) {
	notes, err := c.notes.Select(amount)
	if err != nil {
		return nil, err
	}
	return notes, c.notes.Remove(notes...)
}
