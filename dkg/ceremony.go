// dkg/ceremony.go
// Joint-Feldman DKG：承诺 → 加密份额 → 投诉 → 公开 → 交叉核对。
// 所有判定只依赖日志内容，看到同一份日志的诚实 guardian 得到同一 QUAL 集合。

package dkg

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/util/random"
)

var (
	// ErrSetupFatal 合格 dealer 不足或各方结果不一致，不自动重试
	ErrSetupFatal = fmt.Errorf("dkg: %w", types.ErrSetupFatal)
	// ErrExcluded 本节点被其它 guardian 剔除
	ErrExcluded = fmt.Errorf("dkg: guardian excluded from key set: %w", types.ErrSetupFatal)

	ErrStageNotReady = errors.New("dkg: previous stage not sealed")
)

type commitPayload struct {
	Commits [][]byte `json:"commits"`
}

// Ciphertexts[j] 发给 guardian j 的密文；发给自己的位置为空
type sharePayload struct {
	Ciphertexts [][]byte `json:"ciphertexts"`
}

type complaintPayload struct {
	Accused []types.GuardianID `json:"accused"`
}

type reveal struct {
	To         types.GuardianID `json:"to"`
	Share      []byte           `json:"share"`
	Randomness []byte           `json:"randomness"`
}

type revealPayload struct {
	Reveals []reveal `json:"reveals"`
}

type donePayload struct {
	Digest []byte `json:"digest"`
}

// Params 一次仪式的参数
type Params struct {
	Session  string
	N, F, T  int
	Self     types.GuardianID
	Identity *btcec.PrivateKey
	// Peers[i] 为 guardian i 的身份公钥（含自己）
	Peers []*btcec.PublicKey
}

// Ceremony 单个 guardian 的 DKG 状态
type Ceremony struct {
	p    Params
	log  *Log
	sess *Session

	poly       *share.PriPoly
	sent       []kyber.Scalar
	randomness [][]byte
	received   map[types.GuardianID]kyber.Scalar

	pks        *tbs.PublicKeySet
	result     *tbs.ThresholdKeyShare
	mismatched []types.GuardianID
	// 公开份额与 SHARE 密文不一致的 dealer
	inconsistent map[types.GuardianID]bool

	// 测试用：篡改发给某个 receiver 的份额
	corrupt func(to types.GuardianID, s kyber.Scalar) kyber.Scalar
}

func NewCeremony(p Params) (*Ceremony, error) {
	if err := config.CheckFederation(p.N, p.F, p.T); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFatal, err)
	}
	if len(p.Peers) != p.N || int(p.Self) >= p.N || p.Identity == nil {
		return nil, fmt.Errorf("%w: bad identity configuration", ErrSetupFatal)
	}
	if !p.Peers[p.Self].IsEqual(p.Identity.PubKey()) {
		return nil, fmt.Errorf("%w: identity key does not match peer list", ErrSetupFatal)
	}
	return &Ceremony{
		p:        p,
		log:      NewLog(p.Session, p.Peers),
		sess:     NewSession(p.Session),
		received:     make(map[types.GuardianID]kyber.Scalar),
		inconsistent: make(map[types.GuardianID]bool),
	}, nil
}

func (c *Ceremony) Log() *Log         { return c.log }
func (c *Ceremony) Session() *Session { return c.sess }

// Accept 收到其它 guardian 的广播
func (c *Ceremony) Accept(e *Entry) error { return c.log.Append(e) }

// Entry 生成本节点在某阶段的广播条目，前一阶段必须已封存
func (c *Ceremony) Entry(st Stage) (*Entry, error) {
	for _, prev := range stageOrder {
		if prev == st {
			break
		}
		if !c.log.Sealed(prev) {
			return nil, fmt.Errorf("%w: %s", ErrStageNotReady, prev)
		}
	}
	var (
		payload interface{}
		err     error
	)
	switch st {
	case StageCommit:
		payload, err = c.commit()
	case StageShare:
		payload, err = c.deal()
	case StageComplaint:
		payload = c.complain()
	case StageReveal:
		payload = c.reveal()
	case StageDone:
		payload, err = c.done()
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownStage, st)
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e := &Entry{Session: c.p.Session, Stage: st, From: c.p.Self, Payload: raw}
	if err := e.Sign(c.p.Identity); err != nil {
		return nil, err
	}
	return e, nil
}

func (c *Ceremony) commit() (*commitPayload, error) {
	g2 := tbs.Suite().G2()
	c.poly = share.NewPriPoly(g2, c.p.T, nil, random.New())
	_, commits := c.poly.Commit(g2.Point().Base()).Info()
	out := &commitPayload{Commits: make([][]byte, len(commits))}
	for i, pt := range commits {
		b, err := pt.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out.Commits[i] = b
	}
	return out, nil
}

func (c *Ceremony) deal() (*sharePayload, error) {
	c.sent = make([]kyber.Scalar, c.p.N)
	c.randomness = make([][]byte, c.p.N)
	out := &sharePayload{Ciphertexts: make([][]byte, c.p.N)}
	for j := 0; j < c.p.N; j++ {
		to := types.GuardianID(j)
		s := c.poly.Eval(j).V
		if c.corrupt != nil {
			s = c.corrupt(to, s)
		}
		c.sent[j] = s
		if to == c.p.Self {
			continue
		}
		rnd := make([]byte, 32)
		if _, err := rand.Read(rnd); err != nil {
			return nil, err
		}
		plain, err := s.MarshalBinary()
		if err != nil {
			return nil, err
		}
		ct, err := ECIESEncrypt(c.p.Peers[j].SerializeCompressed(), plain, rnd)
		if err != nil {
			return nil, err
		}
		c.randomness[j] = rnd
		out.Ciphertexts[j] = ct
	}
	return out, nil
}

// dealerPoly 解析 dealer 的承诺；无效返回 nil
func (c *Ceremony) dealerPoly(d types.GuardianID) *share.PubPoly {
	e, ok := c.log.Get(StageCommit, d)
	if !ok {
		return nil
	}
	var cp commitPayload
	if err := json.Unmarshal(e.Payload, &cp); err != nil || len(cp.Commits) != c.p.T {
		return nil
	}
	points := make([]kyber.Point, len(cp.Commits))
	for i, raw := range cp.Commits {
		pt, err := tbs.DecodeG2(raw)
		if err != nil {
			return nil
		}
		points[i] = pt
	}
	return share.NewPubPoly(tbs.Suite().G2(), tbs.Suite().G2().Point().Base(), points)
}

func (c *Ceremony) dealerCiphertexts(d types.GuardianID) [][]byte {
	e, ok := c.log.Get(StageShare, d)
	if !ok {
		return nil
	}
	var sp sharePayload
	if err := json.Unmarshal(e.Payload, &sp); err != nil || len(sp.Ciphertexts) != c.p.N {
		return nil
	}
	return sp.Ciphertexts
}

func decodeScalar(raw []byte) (kyber.Scalar, error) {
	s := tbs.Suite().G2().Scalar()
	if err := s.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return s, nil
}

// complain 解密并校验收到的份额，失败的 dealer 列入投诉
func (c *Ceremony) complain() *complaintPayload {
	out := &complaintPayload{Accused: []types.GuardianID{}}
	me := c.p.Self.ShareIndex()
	for d := 0; d < c.p.N; d++ {
		dealer := types.GuardianID(d)
		if dealer == c.p.Self {
			c.received[dealer] = c.sent[d]
			continue
		}
		poly := c.dealerPoly(dealer)
		if poly == nil {
			// 承诺缺失，所有人都能直接判定，无需投诉
			continue
		}
		cts := c.dealerCiphertexts(dealer)
		if cts == nil || len(cts[me]) == 0 {
			// 没收到份额也投诉，逼 dealer 公开
			out.Accused = append(out.Accused, dealer)
			continue
		}
		plain, err := ECIESDecrypt(c.p.Identity, cts[me])
		var s kyber.Scalar
		if err == nil {
			s, err = decodeScalar(plain)
		}
		if err != nil || !poly.Check(&share.PriShare{I: me, V: s}) {
			out.Accused = append(out.Accused, dealer)
			continue
		}
		c.received[dealer] = s
	}
	return out
}

func (c *Ceremony) complaintsAgainst(d types.GuardianID) []types.GuardianID {
	var out []types.GuardianID
	for _, e := range c.log.Entries(StageComplaint) {
		var cp complaintPayload
		if err := json.Unmarshal(e.Payload, &cp); err != nil {
			continue
		}
		for _, a := range cp.Accused {
			if a == d {
				out = append(out, e.From)
				break
			}
		}
	}
	return out
}

func (c *Ceremony) reveal() *revealPayload {
	out := &revealPayload{Reveals: []reveal{}}
	for _, from := range c.complaintsAgainst(c.p.Self) {
		if from == c.p.Self {
			continue
		}
		raw, _ := c.sent[from].MarshalBinary()
		out.Reveals = append(out.Reveals, reveal{To: from, Share: raw, Randomness: c.randomness[from]})
	}
	return out
}

func (c *Ceremony) revealFor(d, to types.GuardianID) (reveal, bool) {
	e, ok := c.log.Get(StageReveal, d)
	if !ok {
		return reveal{}, false
	}
	var rp revealPayload
	if err := json.Unmarshal(e.Payload, &rp); err != nil {
		return reveal{}, false
	}
	for _, r := range rp.Reveals {
		if r.To == to {
			return r, true
		}
	}
	return reveal{}, false
}

// qualify 判定单个 dealer 是否合格：每条投诉都必须有通过承诺校验的公开份额。
// 只看 COMMIT、COMPLAINT、REVEAL 三个阶段，SHARE 条目缺失与否不影响判定。
func (c *Ceremony) qualify(d types.GuardianID) (*share.PubPoly, bool) {
	poly := c.dealerPoly(d)
	if poly == nil {
		return nil, false
	}
	for _, from := range c.complaintsAgainst(d) {
		r, ok := c.revealFor(d, from)
		if !ok {
			return nil, false
		}
		s, err := decodeScalar(r.Share)
		if err != nil {
			return nil, false
		}
		if !poly.Check(&share.PriShare{I: from.ShareIndex(), V: s}) {
			return nil, false
		}
		if cts := c.dealerCiphertexts(d); cts != nil && len(cts[from]) > 0 &&
			!ECIESVerifyCiphertext(c.p.Peers[from].SerializeCompressed(), r.Share, r.Randomness, cts[from]) {
			// 公开的份额有效但与原密文对不上：投诉成立，dealer 仍合格
			c.inconsistent[d] = true
		}
		if from == c.p.Self {
			// 投诉不成立，采用公开的份额
			c.received[d] = s
		}
	}
	return poly, true
}

// finalize 计算 QUAL 与本节点的密钥份额
func (c *Ceremony) finalize() error {
	if c.pks != nil {
		return nil
	}
	g2 := tbs.Suite().G2()
	var (
		qual []types.GuardianID
		dq   []types.GuardianID
		agg  []kyber.Point
	)
	for d := 0; d < c.p.N; d++ {
		dealer := types.GuardianID(d)
		poly, ok := c.qualify(dealer)
		if !ok {
			dq = append(dq, dealer)
			continue
		}
		qual = append(qual, dealer)
		_, commits := poly.Info()
		if agg == nil {
			agg = make([]kyber.Point, len(commits))
			for i := range agg {
				agg[i] = g2.Point().Null()
			}
		}
		for i := range commits {
			agg[i] = g2.Point().Add(agg[i], commits[i])
		}
	}
	need := c.quorum()
	if len(qual) < need {
		c.sess.Fail("not enough qualified dealers")
		return fmt.Errorf("%w: %d qualified dealers, need %d (disqualified %v)", ErrSetupFatal, len(qual), need, dq)
	}

	x := g2.Scalar().Zero()
	for _, d := range qual {
		s, ok := c.received[d]
		if !ok {
			c.sess.Fail("missing share")
			return fmt.Errorf("%w: no valid share from qualified dealer %s", ErrSetupFatal, d)
		}
		x = g2.Scalar().Add(x, s)
	}
	pks, err := tbs.NewPublicKeySet(c.p.T, c.p.N, agg, dq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSetupFatal, err)
	}
	res := &tbs.ThresholdKeyShare{Guardian: c.p.Self, Secret: x, Public: pks}
	if err := res.Check(); err != nil {
		return fmt.Errorf("%w: %v", ErrSetupFatal, err)
	}
	c.pks = pks
	c.result = res
	return nil
}

// quorum 合格 dealer 数与结果确认数的下限
func (c *Ceremony) quorum() int {
	if need := c.p.N - c.p.F; need > c.p.T {
		return need
	}
	return c.p.T
}

// Mismatched 在 DONE 阶段给出不同结果摘要的 guardian
func (c *Ceremony) Mismatched() []types.GuardianID { return c.mismatched }

// Inconsistent 加密份额与公开份额不符的 dealer，按编号排序
func (c *Ceremony) Inconsistent() []types.GuardianID {
	var out []types.GuardianID
	for d := 0; d < c.p.N; d++ {
		if c.inconsistent[types.GuardianID(d)] {
			out = append(out, types.GuardianID(d))
		}
	}
	return out
}

func (c *Ceremony) transcriptDigest() ([]byte, error) {
	raw, err := c.pks.Encode()
	if err != nil {
		return nil, err
	}
	h := types.TaggedHash("fedimint/dkg/result", []byte(c.p.Session), raw)
	return h[:], nil
}

func (c *Ceremony) done() (*donePayload, error) {
	if err := c.finalize(); err != nil {
		return nil, err
	}
	d, err := c.transcriptDigest()
	if err != nil {
		return nil, err
	}
	return &donePayload{Digest: d}, nil
}

// Result 交叉核对合格 guardian 的结果摘要后返回密钥份额
func (c *Ceremony) Result() (*tbs.ThresholdKeyShare, error) {
	if err := c.finalize(); err != nil {
		return nil, err
	}
	mine, err := c.transcriptDigest()
	if err != nil {
		return nil, err
	}
	var (
		confirmed int
		differ    []types.GuardianID
	)
	for _, e := range c.log.Entries(StageDone) {
		if c.pks.IsDisqualified(e.From) {
			continue
		}
		var dp donePayload
		if err := json.Unmarshal(e.Payload, &dp); err != nil || string(dp.Digest) != string(mine) {
			differ = append(differ, e.From)
			continue
		}
		confirmed++
	}
	if need := c.quorum(); confirmed < need {
		c.sess.Fail("not enough confirmations")
		return nil, fmt.Errorf("%w: %d confirmations, need %d (different key set from %v)", ErrSetupFatal, confirmed, need, differ)
	}
	c.mismatched = differ
	if c.pks.IsDisqualified(c.p.Self) {
		c.sess.Fail("excluded")
		return nil, ErrExcluded
	}
	return c.result, nil
}
