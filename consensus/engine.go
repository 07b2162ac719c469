package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/txpool"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// 缓存的未来 epoch 消息上限，按发送者平分
const maxBuffered = 8192

// State 引擎所处阶段
type State int32

const (
	StateIdle State = iota
	StateProposing
	StateAgreeing
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProposing:
		return "proposing"
	case StateAgreeing:
		return "agreeing"
	case StateApplying:
		return "applying"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EngineConfig 引擎依赖
type EngineConfig struct {
	Self types.GuardianID
	N, F int
	Key  *tbs.ThresholdKeyShare
	// 身份密钥：签名本节点消息，校验对端消息
	Identity *btcec.PrivateKey
	PeerKeys map[types.GuardianID]*btcec.PublicKey

	Executor  *vm.Executor
	Pool      *txpool.TxPool
	Transport Transport
	Timing    config.ConsensusConfig
	Metrics   *Metrics
	// 为空时使用 BFT
	Agreement Agreement
	// 每个 epoch 落库后在引擎 goroutine 中回调
	OnApplied func(e *types.Epoch, outcomes []*types.TxOutcome)
}

// Status 引擎状态快照
type Status struct {
	State     State  `json:"state"`
	NextEpoch uint64 `json:"next_epoch"`
	Round     uint32 `json:"round"`
	Resyncing bool   `json:"resyncing"`
}

// Engine 驱动 Idle → Proposing → Agreeing → Applying 循环。
// 所有状态只在 Run 的 goroutine 中修改。
type Engine struct {
	cfg   EngineConfig
	agree Agreement
	pks   *tbs.PublicKeySet
	log   *logs.Logger

	mu     sync.RWMutex
	status Status

	state State
	next  uint64
	prev  chainhash.Hash

	proposals       map[types.GuardianID][]*types.Transaction
	proposeDeadline time.Time
	lastApplied     time.Time
	future          []*Message
	futureBy        map[types.GuardianID]int
	ahead           map[uint64]*types.Epoch

	resync      bool
	lastRequest time.Time
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Executor == nil || cfg.Pool == nil || cfg.Transport == nil {
		return nil, errors.New("consensus: executor, pool and transport are required")
	}
	if cfg.Key == nil || cfg.Identity == nil {
		return nil, errors.New("consensus: key share and identity key are required")
	}
	if cfg.N <= 0 || cfg.F < 0 || 3*cfg.F >= cfg.N {
		return nil, fmt.Errorf("consensus: n=%d cannot tolerate f=%d", cfg.N, cfg.F)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Timing.RoundTimeout <= 0 {
		cfg.Timing = config.DefaultConfig().Consensus
	}
	e := &Engine{
		cfg:       cfg,
		pks:       cfg.Key.Public,
		log:       logs.Named("consensus"),
		proposals: make(map[types.GuardianID][]*types.Transaction),
		futureBy:  make(map[types.GuardianID]int),
		ahead:     make(map[uint64]*types.Epoch),
	}
	e.agree = cfg.Agreement
	if e.agree == nil {
		e.agree = NewBFT(BFTConfig{
			N:               cfg.N,
			F:               cfg.F,
			Self:            cfg.Self,
			Key:             cfg.Key,
			Sign:            func(m *Message) error { return m.Sign(cfg.Identity) },
			Verify:          e.verify,
			Validate:        e.validateValue,
			RoundTimeout:    cfg.Timing.RoundTimeout,
			MaxRoundTimeout: cfg.Timing.MaxRoundTimeout,
			Metrics:         cfg.Metrics,
		})
	}
	return e, nil
}

// Status 可以在任意 goroutine 调用
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) publish() {
	e.mu.Lock()
	e.status = Status{State: e.state, NextEpoch: e.next, Round: e.agree.Round(), Resyncing: e.resync}
	e.mu.Unlock()
}

func (e *Engine) setState(s State) {
	e.state = s
	e.publish()
}

// Run 阻塞直到 ctx 取消
func (e *Engine) Run(ctx context.Context) error {
	next, prev, err := e.cfg.Executor.NextEpoch()
	if err != nil {
		return err
	}
	e.next, e.prev = next, prev
	e.lastApplied = time.Now()
	e.setState(StateIdle)
	e.log.Info("%s starting at epoch %d", e.cfg.Self, e.next)

	interval := e.cfg.Timing.RoundTimeout / 10
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	inbox := e.cfg.Transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-inbox:
			if !ok {
				return nil
			}
			e.onMessage(m, time.Now())
		case <-e.cfg.Pool.Ready():
			if e.state == StateIdle && !e.resync {
				e.startProposing(time.Now())
			}
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

func (e *Engine) tick(now time.Time) {
	if e.resync {
		e.requestEpochs(now)
		return
	}
	switch e.state {
	case StateIdle:
		if e.cfg.Pool.Len() > 0 || len(e.proposals) > 0 || now.Sub(e.lastApplied) >= e.cfg.Timing.EpochInterval {
			e.startProposing(now)
		}
	case StateProposing:
		if !now.Before(e.proposeDeadline) {
			e.startAgreeing(now)
		}
	case StateAgreeing:
		e.broadcast(e.agree.Tick(now))
		e.publish()
	}
}

func (e *Engine) startProposing(now time.Time) {
	txs := e.cfg.Pool.Pending(e.cfg.Timing.MaxTxsPerEpoch)
	e.proposals[e.cfg.Self] = txs
	e.proposeDeadline = now.Add(e.cfg.Timing.ProposalWait)
	e.setState(StateProposing)
	m := &Message{Type: MsgProposal, Epoch: e.next, Txs: txs}
	if err := e.sign(m); err == nil {
		e.cfg.Transport.Broadcast(m)
	}
	e.log.Debug("epoch %d: proposed %d txs", e.next, len(txs))
}

func (e *Engine) startAgreeing(now time.Time) {
	candidate := e.buildCandidate()
	e.setState(StateAgreeing)
	e.broadcast(e.agree.Start(e.next, e.prev, candidate, now))
	e.publish()

	// 重放 Proposing 期间缓存的本 epoch 消息
	buffered := e.takeFuture()
	for _, m := range buffered {
		e.onMessage(m, now)
	}
}

// buildCandidate 合并收到的提案：按提案者编号、再按到达顺序，去重并跳过已提交或预检失败的交易
func (e *Engine) buildCandidate() *types.Epoch {
	ids := make([]types.GuardianID, 0, len(e.proposals))
	for id := range e.proposals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	limit := e.cfg.Timing.MaxTxsPerEpoch
	seen := make(map[types.TxID]bool)
	var txs []*types.Transaction
	for _, id := range ids {
		for _, tx := range e.proposals[id] {
			if limit > 0 && len(txs) >= limit {
				break
			}
			txid := tx.ID()
			if seen[txid] {
				continue
			}
			seen[txid] = true
			if out, err := e.cfg.Executor.Outcome(txid); err == nil && out.Accepted {
				continue
			}
			if err := e.cfg.Executor.PreCheck(tx); err != nil {
				continue
			}
			txs = append(txs, tx)
		}
	}
	return &types.Epoch{Number: e.next, PrevHash: e.prev, Transactions: txs, Proposers: ids}
}

// validateValue 对 leader 提出的值做本地校验，不通过则不 prepare
func (e *Engine) validateValue(v *types.Epoch) error {
	if limit := e.cfg.Timing.MaxTxsPerEpoch; limit > 0 && len(v.Transactions) > limit {
		return fmt.Errorf("%d txs exceed limit %d", len(v.Transactions), limit)
	}
	for i, p := range v.Proposers {
		if int(p) >= e.cfg.N || (i > 0 && p <= v.Proposers[i-1]) {
			return errors.New("proposer list not strictly increasing")
		}
	}
	seen := make(map[types.TxID]bool, len(v.Transactions))
	for _, tx := range v.Transactions {
		id := tx.ID()
		if seen[id] {
			return fmt.Errorf("duplicate tx %s", id)
		}
		seen[id] = true
		if err := e.cfg.Executor.PreCheck(tx); err != nil {
			return fmt.Errorf("tx %s: %w", id, err)
		}
	}
	return nil
}

func (e *Engine) sign(m *Message) error {
	m.From = e.cfg.Self
	if err := m.Sign(e.cfg.Identity); err != nil {
		e.log.Error("sign %s: %v", m.Type, err)
		return err
	}
	return nil
}

func (e *Engine) verify(m *Message) error {
	pub, ok := e.cfg.PeerKeys[m.From]
	if !ok {
		return fmt.Errorf("%w: unknown sender %s", ErrBadMessage, m.From)
	}
	return m.Verify(pub)
}

func (e *Engine) broadcast(msgs []*Message) {
	for _, m := range msgs {
		e.cfg.Transport.Broadcast(m)
	}
}

func (e *Engine) violation(m *Message, err error) {
	e.log.Warn("protocol violation by %s (%s epoch %d): %v", m.From, m.Type, m.Epoch, err)
	e.cfg.Metrics.Violations.WithLabelValues(m.From.String()).Inc()
}

func (e *Engine) onMessage(m *Message, now time.Time) {
	if m == nil || m.From == e.cfg.Self {
		return
	}
	if err := e.verify(m); err != nil {
		e.violation(m, err)
		return
	}

	switch m.Type {
	case MsgEpochRequest:
		e.serveEpochs(m)
		return
	case MsgDecided:
		e.onDecided(m, now)
		return
	}

	if e.resync {
		return
	}
	switch {
	case m.Epoch < e.next:
		// 对方落后，把已决 epoch 发给它
		if m.Type == MsgPrePrepare || m.Type == MsgRoundChange {
			e.sendDecided(m.From, m.Epoch)
		}
		return
	case m.Epoch > e.next:
		e.buffer(m)
		if m.Epoch > e.next+1 {
			e.requestEpochs(now)
		}
		return
	}

	if m.Type == MsgProposal {
		e.proposals[m.From] = m.Txs
		if e.state == StateIdle {
			e.startProposing(now)
		}
		return
	}

	switch e.state {
	case StateIdle:
		e.buffer(m)
		e.startProposing(now)
	case StateProposing:
		e.buffer(m)
	case StateAgreeing:
		out, decided := e.agree.Handle(m, now)
		e.broadcast(out)
		e.publish()
		if decided != nil {
			e.apply(decided, now)
		}
	}
}

// buffer 每个发送者最多占 maxBuffered/N 条，超出时只淘汰它自己最早的一条
func (e *Engine) buffer(m *Message) {
	if e.futureBy[m.From] >= e.perSenderBuffer() {
		for i, old := range e.future {
			if old.From == m.From {
				e.future = append(e.future[:i], e.future[i+1:]...)
				break
			}
		}
		e.futureBy[m.From]--
	}
	e.future = append(e.future, m)
	e.futureBy[m.From]++
}

func (e *Engine) perSenderBuffer() int {
	if n := maxBuffered / e.cfg.N; n > 0 {
		return n
	}
	return 1
}

func (e *Engine) takeFuture() []*Message {
	buffered := e.future
	e.future = nil
	for id := range e.futureBy {
		delete(e.futureBy, id)
	}
	return buffered
}

func (e *Engine) onDecided(m *Message, now time.Time) {
	v := m.Value
	if v == nil {
		e.violation(m, errors.New("decided without epoch"))
		return
	}
	if v.Number < e.next {
		return
	}
	d := v.Digest()
	if err := tbs.Verify(e.pks, d[:], v.Signature); err != nil {
		e.violation(m, fmt.Errorf("decided epoch %d: %w", v.Number, err))
		return
	}
	if v.Number > e.next {
		if len(e.ahead) < maxBuffered {
			e.ahead[v.Number] = v
		}
		e.requestEpochs(now)
		return
	}
	e.apply(v, now)
}

func (e *Engine) apply(v *types.Epoch, now time.Time) {
	e.setState(StateApplying)
	start := time.Now()
	outcomes, err := e.cfg.Executor.ApplyEpoch(v)
	switch {
	case errors.Is(err, vm.ErrEpochApplied):
		e.next, e.prev, _ = e.cfg.Executor.NextEpoch()
		e.setState(StateIdle)
		return
	case errors.Is(err, types.ErrLocalStorage):
		e.cfg.Metrics.StorageErrors.Inc()
		e.log.Error("epoch %d: %v; resynchronising from peers", v.Number, err)
		e.resync = true
		e.ahead[v.Number] = v
		e.setState(StateIdle)
		e.lastRequest = time.Time{}
		e.requestEpochs(now)
		return
	case err != nil:
		e.log.Error("apply epoch %d: %v", v.Number, err)
		e.setState(StateIdle)
		return
	}

	e.cfg.Metrics.ApplySeconds.Observe(time.Since(start).Seconds())
	e.cfg.Metrics.EpochsApplied.Inc()
	e.cfg.Metrics.LastEpoch.Set(float64(v.Number))
	for _, o := range outcomes {
		if o.Accepted {
			e.cfg.Metrics.TxOutcomes.WithLabelValues("accepted", "").Inc()
		} else {
			e.cfg.Metrics.TxOutcomes.WithLabelValues("rejected", o.Reason).Inc()
		}
	}
	e.cfg.Pool.Remove(outcomes)

	decided := &Message{Type: MsgDecided, Epoch: v.Number, Digest: v.Digest(), Value: v}
	if e.sign(decided) == nil {
		e.cfg.Transport.Broadcast(decided)
	}

	e.next, e.prev = v.Number+1, v.Digest()
	e.proposals = make(map[types.GuardianID][]*types.Transaction)
	e.lastApplied = now
	e.resync = false
	delete(e.ahead, v.Number)
	e.setState(StateIdle)
	if e.cfg.OnApplied != nil {
		e.cfg.OnApplied(v, outcomes)
	}

	if nxt, ok := e.ahead[e.next]; ok {
		e.apply(nxt, now)
		return
	}
	for n := range e.ahead {
		if n < e.next {
			delete(e.ahead, n)
		}
	}

	buffered := e.takeFuture()
	for _, m := range buffered {
		if m.Epoch >= e.next {
			e.onMessage(m, now)
		}
	}
	if e.state == StateIdle && e.cfg.Pool.Len() > 0 {
		e.startProposing(now)
	}
}

// requestEpochs 向所有对端请求从 next 开始的已决 epoch，按轮次超时限速
func (e *Engine) requestEpochs(now time.Time) {
	if resend, ok := e.ahead[e.next]; ok && !e.resync {
		e.apply(resend, now)
		return
	}
	if now.Sub(e.lastRequest) < e.cfg.Timing.RoundTimeout {
		return
	}
	e.lastRequest = now
	m := &Message{Type: MsgEpochRequest, Epoch: e.next, FromEpoch: e.next}
	if e.sign(m) == nil {
		e.cfg.Transport.Broadcast(m)
	}
	e.log.Debug("requested epochs from %d", e.next)
}

func (e *Engine) serveEpochs(req *Message) {
	batch := e.cfg.Timing.CatchUpBatchSize
	if batch <= 0 {
		batch = 1
	}
	for n := req.FromEpoch; n < req.FromEpoch+uint64(batch) && n < e.next; n++ {
		if !e.sendDecided(req.From, n) {
			return
		}
	}
}

func (e *Engine) sendDecided(to types.GuardianID, n uint64) bool {
	v, err := e.cfg.Executor.Epoch(n)
	if err != nil {
		return false
	}
	m := &Message{Type: MsgDecided, Epoch: n, Digest: v.Digest(), Value: v}
	if e.sign(m) != nil {
		return false
	}
	if err := e.cfg.Transport.Send(to, m); err != nil {
		e.log.Debug("send epoch %d to %s: %v", n, to, err)
		return false
	}
	return true
}
