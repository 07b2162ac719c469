// Package tbs 门限盲签名：bn256 上的 BLS，公钥在 G2，消息与签名在 G1。
package tbs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/natto1784/fedimint/types"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
)

var suite = bn256.NewSuite()

var (
	ErrBadKeyShare   = errors.New("tbs: key share does not match public key set")
	ErrUnknownSigner = errors.New("tbs: unknown guardian")
	ErrBadPoint      = errors.New("tbs: invalid curve point")
)

// Suite 对外暴露配对套件，DKG 与测试共用
func Suite() *bn256.Suite { return suite }

// PublicKeySet 联邦公开的验证材料：聚合多项式承诺。
// Commits[0] 即联邦公钥，guardian i 的公钥份额为多项式在 i 处取值。
type PublicKeySet struct {
	Threshold    int
	N            int
	Commits      []kyber.Point
	Disqualified []types.GuardianID

	once   sync.Once
	shares []kyber.Point
}

// NewPublicKeySet commits 的长度必须等于门限
func NewPublicKeySet(threshold, n int, commits []kyber.Point, disqualified []types.GuardianID) (*PublicKeySet, error) {
	if threshold <= 0 || threshold > n {
		return nil, fmt.Errorf("tbs: bad threshold %d of %d", threshold, n)
	}
	if len(commits) != threshold {
		return nil, fmt.Errorf("tbs: %d commitments for threshold %d", len(commits), threshold)
	}
	return &PublicKeySet{Threshold: threshold, N: n, Commits: commits, Disqualified: disqualified}, nil
}

// PubPoly kyber 的公开多项式视图
func (p *PublicKeySet) PubPoly() *share.PubPoly {
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), p.Commits)
}

// AggregateKey 联邦公钥
func (p *PublicKeySet) AggregateKey() kyber.Point { return p.Commits[0] }

func (p *PublicKeySet) computeShares() {
	poly := p.PubPoly()
	p.shares = make([]kyber.Point, p.N)
	for i := 0; i < p.N; i++ {
		p.shares[i] = poly.Eval(i).V
	}
}

// PublicShare guardian 的公钥份额
func (p *PublicKeySet) PublicShare(id types.GuardianID) (kyber.Point, error) {
	if int(id) >= p.N {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSigner, id)
	}
	p.once.Do(p.computeShares)
	return p.shares[id], nil
}

// IsDisqualified DKG 中被剔除的 guardian 不持有有效份额
func (p *PublicKeySet) IsDisqualified(id types.GuardianID) bool {
	for _, d := range p.Disqualified {
		if d == id {
			return true
		}
	}
	return false
}

// Equal 比较两个公钥集（DKG 结束后各 guardian 交叉核对）
func (p *PublicKeySet) Equal(o *PublicKeySet) bool {
	if p.Threshold != o.Threshold || p.N != o.N || len(p.Commits) != len(o.Commits) {
		return false
	}
	for i := range p.Commits {
		if !p.Commits[i].Equal(o.Commits[i]) {
			return false
		}
	}
	return true
}

func (p *PublicKeySet) Encode() ([]byte, error) {
	var e types.Encoder
	e.Uint(1, uint64(p.Threshold)).Uint(2, uint64(p.N))
	for _, c := range p.Commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		e.Bytes(3, b)
	}
	for _, d := range p.Disqualified {
		e.Uint(4, uint64(d))
	}
	return e.Finish(), nil
}

func DecodePublicKeySet(b []byte) (*PublicKeySet, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	var (
		t, n    int
		commits []kyber.Point
		dq      []types.GuardianID
	)
	for _, f := range fields {
		switch f.Num {
		case 1:
			t = int(f.Uint)
		case 2:
			n = int(f.Uint)
		case 3:
			pt, err := DecodeG2(f.Bytes)
			if err != nil {
				return nil, err
			}
			commits = append(commits, pt)
		case 4:
			dq = append(dq, types.GuardianID(f.Uint))
		}
	}
	return NewPublicKeySet(t, n, commits, dq)
}

// ThresholdKeyShare 单个 guardian 持有的密钥份额，只在本机使用
type ThresholdKeyShare struct {
	Guardian types.GuardianID
	Secret   kyber.Scalar
	Public   *PublicKeySet
}

// Check 份额必须对应公钥集中的公钥份额
func (k *ThresholdKeyShare) Check() error {
	want, err := k.Public.PublicShare(k.Guardian)
	if err != nil {
		return err
	}
	if !suite.G2().Point().Mul(k.Secret, nil).Equal(want) {
		return ErrBadKeyShare
	}
	return nil
}

// PriShare kyber 份额视图，下标即 guardian 编号
func (k *ThresholdKeyShare) PriShare() *share.PriShare {
	return &share.PriShare{I: k.Guardian.ShareIndex(), V: k.Secret}
}

// Zeroize 清除私钥
func (k *ThresholdKeyShare) Zeroize() {
	if k.Secret != nil {
		k.Secret.Zero()
	}
}

func (k *ThresholdKeyShare) Encode() ([]byte, error) {
	sec, err := k.Secret.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pub, err := k.Public.Encode()
	if err != nil {
		return nil, err
	}
	var e types.Encoder
	return e.Uint(1, uint64(k.Guardian)).Bytes(2, sec).Bytes(3, pub).Finish(), nil
}

func DecodeThresholdKeyShare(b []byte) (*ThresholdKeyShare, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	k := &ThresholdKeyShare{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			k.Guardian = types.GuardianID(f.Uint)
		case 2:
			s := suite.G2().Scalar()
			if err := s.UnmarshalBinary(f.Bytes); err != nil {
				return nil, fmt.Errorf("tbs: decode secret: %w", err)
			}
			k.Secret = s
		case 3:
			if k.Public, err = DecodePublicKeySet(f.Bytes); err != nil {
				return nil, err
			}
		}
	}
	if k.Secret == nil || k.Public == nil {
		return nil, fmt.Errorf("%w: incomplete key share", types.ErrMalformed)
	}
	return k, k.Check()
}

// DecodeG1 / DecodeG2 带错误包装的点解码
func DecodeG1(b []byte) (kyber.Point, error) {
	p := suite.G1().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPoint, err)
	}
	return p, nil
}

func DecodeG2(b []byte) (kyber.Point, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPoint, err)
	}
	return p, nil
}
