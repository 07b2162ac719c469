package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var ErrBadMessage = fmt.Errorf("consensus: bad message: %w", types.ErrProtocolViolation)

// Agreement 可替换的 BFT 原语，只在引擎的单个 goroutine 中调用。
// 返回的消息已签名，由引擎广播；本节点自己的消息在内部已处理。
type Agreement interface {
	// Start 开始 number 号 epoch；candidate 是本节点作为 leader 时提出的值
	Start(number uint64, prev chainhash.Hash, candidate *types.Epoch, now time.Time) []*Message
	// Handle 处理已验签的对端消息；达成一致时返回带联邦签名的 epoch
	Handle(msg *Message, now time.Time) ([]*Message, *types.Epoch)
	// Tick 检查轮次超时
	Tick(now time.Time) []*Message
	Round() uint32
}

// BFTConfig 轮换 leader 的三阶段协议参数
type BFTConfig struct {
	N, F            int
	Self            types.GuardianID
	Key             *tbs.ThresholdKeyShare
	Sign            func(*Message) error
	Verify          func(*Message) error
	Validate        func(*types.Epoch) error
	RoundTimeout    time.Duration
	MaxRoundTimeout time.Duration
	Metrics         *Metrics
}

type roundDigest struct {
	round  uint32
	digest chainhash.Hash
}

// BFT QBFT 风格：PRE-PREPARE / PREPARE / COMMIT，超时 ROUND-CHANGE，
// prepared 的值随 round-change 携带并约束后续 leader。
type BFT struct {
	cfg     BFTConfig
	pks     *tbs.PublicKeySet
	quorum  int
	commitQ int
	log     *logs.Logger

	active    bool
	decided   bool
	number    uint64
	prev      chainhash.Hash
	candidate *types.Epoch
	round     uint32
	deadline  time.Time

	accepted *types.Epoch
	values   map[chainhash.Hash]*types.Epoch

	prepared      bool
	preparedRound uint32
	preparedValue *types.Epoch
	preparedCert  []*Message

	prepares     map[roundDigest]map[types.GuardianID]*Message
	commits      map[roundDigest]map[types.GuardianID]*Message
	roundChanges map[uint32]map[types.GuardianID]*Message
	sentCommit   map[uint32]bool
	sentPP       map[uint32]bool

	out      []*Message
	decision *types.Epoch
}

func NewBFT(cfg BFTConfig) *BFT {
	q := (cfg.N+cfg.F)/2 + 1
	commitQ := q
	if t := cfg.Key.Public.Threshold; t > commitQ {
		commitQ = t
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = time.Second
	}
	if cfg.MaxRoundTimeout < cfg.RoundTimeout {
		cfg.MaxRoundTimeout = cfg.RoundTimeout * 16
	}
	return &BFT{cfg: cfg, pks: cfg.Key.Public, quorum: q, commitQ: commitQ, log: logs.Named("bft")}
}

// Quorum 普通法定人数与提交所需人数
func (b *BFT) Quorum() (int, int) { return b.quorum, b.commitQ }

func (b *BFT) Round() uint32 { return b.round }

// Leader (epoch + round) mod n
func Leader(n int, epoch uint64, round uint32) types.GuardianID {
	return types.GuardianID((epoch + uint64(round)) % uint64(n))
}

func (b *BFT) leader(r uint32) types.GuardianID { return Leader(b.cfg.N, b.number, r) }

func (b *BFT) timeout(r uint32) time.Duration {
	d := b.cfg.RoundTimeout
	for i := uint32(0); i < r && d < b.cfg.MaxRoundTimeout; i++ {
		d *= 2
	}
	if d > b.cfg.MaxRoundTimeout {
		d = b.cfg.MaxRoundTimeout
	}
	return d
}

func (b *BFT) Start(number uint64, prev chainhash.Hash, candidate *types.Epoch, now time.Time) []*Message {
	b.active, b.decided = true, false
	b.number, b.prev, b.candidate = number, prev, candidate
	b.round = 0
	b.deadline = now.Add(b.timeout(0))
	b.accepted = nil
	b.values = make(map[chainhash.Hash]*types.Epoch)
	b.prepared, b.preparedRound, b.preparedValue, b.preparedCert = false, 0, nil, nil
	b.prepares = make(map[roundDigest]map[types.GuardianID]*Message)
	b.commits = make(map[roundDigest]map[types.GuardianID]*Message)
	b.roundChanges = make(map[uint32]map[types.GuardianID]*Message)
	b.sentCommit = make(map[uint32]bool)
	b.sentPP = make(map[uint32]bool)
	b.out, b.decision = nil, nil

	if b.leader(0) == b.cfg.Self {
		b.sendPrePrepare(0, candidate, nil, now)
	}
	return b.flush()
}

func (b *BFT) flush() []*Message {
	out := b.out
	b.out = nil
	return out
}

func (b *BFT) Handle(msg *Message, now time.Time) ([]*Message, *types.Epoch) {
	if !b.active || b.decided || msg.Epoch != b.number {
		return nil, nil
	}
	b.dispatch(msg, now)
	d := b.decision
	b.decision = nil
	return b.flush(), d
}

func (b *BFT) dispatch(msg *Message, now time.Time) {
	switch msg.Type {
	case MsgPrePrepare:
		b.onPrePrepare(msg, now)
	case MsgPrepare:
		b.onPrepare(msg, now)
	case MsgCommit:
		b.onCommit(msg)
	case MsgRoundChange:
		b.onRoundChange(msg, now)
	}
}

func (b *BFT) Tick(now time.Time) []*Message {
	if !b.active || b.decided || now.Before(b.deadline) {
		return nil
	}
	b.log.Info("epoch %d round %d timed out", b.number, b.round)
	b.moveToRound(b.round+1, now)
	return b.flush()
}

// emit 签名后先本地处理，再交给引擎广播
func (b *BFT) emit(m *Message, now time.Time) {
	m.Epoch = b.number
	m.From = b.cfg.Self
	if err := b.cfg.Sign(m); err != nil {
		b.log.Error("sign %s: %v", m.Type, err)
		return
	}
	b.out = append(b.out, m)
	b.dispatch(m, now)
}

func (b *BFT) violation(m *Message, format string, args ...interface{}) {
	b.log.Warn("protocol violation by %s (%s r%d): %s", m.From, m.Type, m.Round, fmt.Sprintf(format, args...))
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.Violations.WithLabelValues(m.From.String()).Inc()
	}
}

func (b *BFT) sendPrePrepare(r uint32, v *types.Epoch, just []*Message, now time.Time) {
	if b.sentPP[r] || v == nil {
		return
	}
	b.sentPP[r] = true
	b.emit(&Message{Type: MsgPrePrepare, Round: r, Digest: v.Digest(), Value: v, Justification: just}, now)
}

func (b *BFT) checkValue(v *types.Epoch, digest chainhash.Hash) error {
	if v == nil {
		return errors.New("missing value")
	}
	if v.Number != b.number || v.PrevHash != b.prev {
		return fmt.Errorf("value for epoch %d does not extend local history", v.Number)
	}
	if v.Digest() != digest {
		return errors.New("digest mismatch")
	}
	if b.cfg.Validate != nil {
		return b.cfg.Validate(v)
	}
	return nil
}

func (b *BFT) onPrePrepare(m *Message, now time.Time) {
	if m.From != b.leader(m.Round) {
		b.violation(m, "not the leader")
		return
	}
	if m.Round < b.round || (m.Round == b.round && b.accepted != nil) {
		return
	}
	if err := b.checkValue(m.Value, m.Digest); err != nil {
		b.violation(m, "%v", err)
		return
	}
	if m.Round > 0 {
		if err := b.justify(m.Round, m.Value, m.Justification); err != nil {
			b.violation(m, "unjustified proposal: %v", err)
			return
		}
	}
	if m.Round > b.round {
		b.enterRound(m.Round, now)
	}
	b.accepted = m.Value
	b.values[m.Digest] = m.Value
	b.emit(&Message{Type: MsgPrepare, Round: m.Round, Digest: m.Digest}, now)
	b.checkPrepared(m.Round, m.Digest, now)
	b.tryDecide(roundDigest{m.Round, m.Digest})
}

func (b *BFT) onPrepare(m *Message, now time.Time) {
	key := roundDigest{m.Round, m.Digest}
	set := b.prepares[key]
	if set == nil {
		set = make(map[types.GuardianID]*Message)
		b.prepares[key] = set
	}
	if _, dup := set[m.From]; dup {
		return
	}
	set[m.From] = m
	b.checkPrepared(m.Round, m.Digest, now)
}

func (b *BFT) checkPrepared(r uint32, d chainhash.Hash, now time.Time) {
	if r != b.round || b.sentCommit[r] || b.accepted == nil || b.accepted.Digest() != d {
		return
	}
	set := b.prepares[roundDigest{r, d}]
	if len(set) < b.quorum {
		return
	}
	b.prepared, b.preparedRound, b.preparedValue = true, r, b.accepted
	b.preparedCert = sortedMessages(set)[:b.quorum]
	b.sentCommit[r] = true

	share, err := tbs.SignShare(b.cfg.Key, d[:])
	if err != nil {
		b.log.Error("epoch share: %v", err)
		return
	}
	b.emit(&Message{Type: MsgCommit, Round: r, Digest: d, Share: share}, now)
}

func (b *BFT) onCommit(m *Message) {
	if err := tbs.VerifyShare(b.pks, m.Digest[:], m.Share); err != nil {
		b.violation(m, "bad epoch share: %v", err)
		return
	}
	if id, err := tbs.ShareSigner(m.Share); err != nil || id != m.From {
		b.violation(m, "share index does not match sender")
		return
	}
	key := roundDigest{m.Round, m.Digest}
	set := b.commits[key]
	if set == nil {
		set = make(map[types.GuardianID]*Message)
		b.commits[key] = set
	}
	if _, dup := set[m.From]; dup {
		return
	}
	set[m.From] = m
	b.tryDecide(key)
}

func (b *BFT) tryDecide(key roundDigest) {
	if b.decided {
		return
	}
	set := b.commits[key]
	if len(set) < b.commitQ {
		return
	}
	v, ok := b.values[key.digest]
	if !ok {
		return
	}
	shares := make([][]byte, 0, len(set))
	for _, m := range sortedMessages(set) {
		shares = append(shares, m.Share)
	}
	sig, err := tbs.Combine(b.pks, key.digest[:], shares)
	if err != nil {
		b.log.Error("combine epoch %d: %v", b.number, err)
		return
	}
	decided := *v
	decided.Signature = sig
	b.decided = true
	b.decision = &decided
	b.log.Info("epoch %d decided in round %d (%d txs)", b.number, key.round, len(v.Transactions))
}

func (b *BFT) onRoundChange(m *Message, now time.Time) {
	if m.Prepared {
		if err := b.checkPreparedCert(m); err != nil {
			b.violation(m, "%v", err)
			return
		}
		b.values[m.PreparedValue.Digest()] = m.PreparedValue
	}
	set := b.roundChanges[m.Round]
	if set == nil {
		set = make(map[types.GuardianID]*Message)
		b.roundChanges[m.Round] = set
	}
	if _, dup := set[m.From]; dup {
		return
	}
	set[m.From] = m

	// f+1 个节点要求更高轮次时跟进到其中最小的那一轮
	if m.Round > b.round {
		senders := make(map[types.GuardianID]bool)
		lowest := uint32(0)
		for r, s := range b.roundChanges {
			if r <= b.round {
				continue
			}
			for id := range s {
				senders[id] = true
			}
			if lowest == 0 || r < lowest {
				lowest = r
			}
		}
		if len(senders) >= b.cfg.F+1 {
			b.moveToRound(lowest, now)
		}
	}

	b.maybeLead(now)
}

// maybeLead 作为新一轮 leader，收齐 q 个 round-change 后提出值
func (b *BFT) maybeLead(now time.Time) {
	r := b.round
	if r == 0 || b.leader(r) != b.cfg.Self || b.sentPP[r] {
		return
	}
	set := b.roundChanges[r]
	if len(set) < b.quorum {
		return
	}
	just := sortedMessages(set)[:b.quorum]
	v := b.candidate
	best := -1
	for _, rc := range just {
		if rc.Prepared && int(rc.PreparedRound) > best {
			best = int(rc.PreparedRound)
			v = rc.PreparedValue
		}
	}
	b.sendPrePrepare(r, v, just, now)
}

func (b *BFT) moveToRound(r uint32, now time.Time) {
	if r <= b.round {
		return
	}
	b.enterRound(r, now)
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.RoundChanges.Inc()
	}
	rc := &Message{Type: MsgRoundChange, Round: r}
	if b.prepared {
		rc.Prepared = true
		rc.PreparedRound = b.preparedRound
		rc.PreparedValue = b.preparedValue
		rc.Digest = b.preparedValue.Digest()
		rc.PreparedCert = b.preparedCert
	}
	b.emit(rc, now)
}

func (b *BFT) enterRound(r uint32, now time.Time) {
	b.round = r
	b.accepted = nil
	b.deadline = now.Add(b.timeout(r))
}

func (b *BFT) checkPreparedCert(rc *Message) error {
	if rc.PreparedValue == nil {
		return errors.New("prepared round-change without value")
	}
	if rc.PreparedRound >= rc.Round {
		return fmt.Errorf("prepared round %d not below %d", rc.PreparedRound, rc.Round)
	}
	if rc.PreparedValue.Number != b.number || rc.PreparedValue.PrevHash != b.prev {
		return errors.New("prepared value for another epoch")
	}
	d := rc.PreparedValue.Digest()
	seen := make(map[types.GuardianID]bool)
	for _, p := range rc.PreparedCert {
		if p.Type != MsgPrepare || p.Epoch != b.number || p.Round != rc.PreparedRound || p.Digest != d {
			continue
		}
		if seen[p.From] || b.cfg.Verify(p) != nil {
			continue
		}
		seen[p.From] = true
	}
	if len(seen) < b.quorum {
		return fmt.Errorf("prepared certificate has %d valid prepares, need %d", len(seen), b.quorum)
	}
	return nil
}

// justify 检查 r>0 的提案附带了 q 个 round-change，且值等于其中最高 prepared 的值
func (b *BFT) justify(r uint32, v *types.Epoch, just []*Message) error {
	seen := make(map[types.GuardianID]bool)
	best := -1
	var bestValue *types.Epoch
	for _, rc := range just {
		if rc.Type != MsgRoundChange || rc.Epoch != b.number || rc.Round != r || seen[rc.From] {
			continue
		}
		if b.cfg.Verify(rc) != nil {
			continue
		}
		if rc.Prepared {
			if b.checkPreparedCert(rc) != nil {
				continue
			}
			if int(rc.PreparedRound) > best {
				best = int(rc.PreparedRound)
				bestValue = rc.PreparedValue
			}
		}
		seen[rc.From] = true
	}
	if len(seen) < b.quorum {
		return fmt.Errorf("%d round-changes, need %d", len(seen), b.quorum)
	}
	if bestValue != nil && bestValue.Digest() != v.Digest() {
		return errors.New("proposal ignores a prepared value")
	}
	return nil
}

func sortedMessages(set map[types.GuardianID]*Message) []*Message {
	out := make([]*Message, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}
