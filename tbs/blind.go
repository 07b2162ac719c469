package tbs

import (
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/types"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

var (
	ErrBadShare       = errors.New("tbs: partial signature does not verify")
	ErrNotEnough      = errors.New("tbs: not enough valid partial signatures")
	ErrBadSignature   = errors.New("tbs: signature does not verify")
	ErrBadBlindingKey = errors.New("tbs: zero blinding factor")
)

type hashablePoint interface {
	Hash([]byte) kyber.Point
}

// HashToG1 note nonce 映射到 G1
func HashToG1(msg []byte) kyber.Point {
	return suite.G1().Point().(hashablePoint).Hash(msg)
}

// BlindingKey 客户端每次请求新生成的盲化因子
type BlindingKey struct {
	r kyber.Scalar
}

func NewBlindingKey() *BlindingKey {
	return NewBlindingKeyFrom(random.New())
}

// NewBlindingKeyFrom 测试中用确定性随机源
func NewBlindingKeyFrom(stream cipher.Stream) *BlindingKey {
	for {
		r := suite.G1().Scalar().Pick(stream)
		if !r.Equal(suite.G1().Scalar().Zero()) {
			return &BlindingKey{r: r}
		}
	}
}

func (b *BlindingKey) Bytes() []byte {
	raw, _ := b.r.MarshalBinary()
	return raw
}

func BlindingKeyFromBytes(raw []byte) (*BlindingKey, error) {
	r := suite.G1().Scalar()
	if err := r.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	if r.Equal(suite.G1().Scalar().Zero()) {
		return nil, ErrBadBlindingKey
	}
	return &BlindingKey{r: r}, nil
}

// BlindedMessage r·H(nonce)，guardian 看不到 nonce
type BlindedMessage struct {
	P kyber.Point
}

// BlindMessage 盲化
func BlindMessage(nonce []byte, bk *BlindingKey) BlindedMessage {
	return BlindedMessage{P: suite.G1().Point().Mul(bk.r, HashToG1(nonce))}
}

func (m BlindedMessage) Bytes() []byte {
	raw, _ := m.P.MarshalBinary()
	return raw
}

func (m BlindedMessage) Equal(o BlindedMessage) bool { return m.P.Equal(o.P) }

// DecodeBlindedMessage 单位元不是合法的盲化消息
func DecodeBlindedMessage(raw []byte) (BlindedMessage, error) {
	p, err := DecodeG1(raw)
	if err != nil {
		return BlindedMessage{}, err
	}
	if p.Equal(suite.G1().Point().Null()) {
		return BlindedMessage{}, fmt.Errorf("%w: identity", ErrBadPoint)
	}
	return BlindedMessage{P: p}, nil
}

// BlindSignatureShare guardian 对盲化消息的部分签名 x_i·B
type BlindSignatureShare struct {
	Guardian types.GuardianID
	P        kyber.Point
}

func (s BlindSignatureShare) Bytes() []byte {
	raw, _ := s.P.MarshalBinary()
	return raw
}

// SignBlinded 确定性：同一份额同一消息永远得到同一结果
func SignBlinded(key *ThresholdKeyShare, bm BlindedMessage) BlindSignatureShare {
	return BlindSignatureShare{
		Guardian: key.Guardian,
		P:        suite.G1().Point().Mul(key.Secret, bm.P),
	}
}

// VerifyBlindShare e(σ_i, g2) == e(B, X_i)
func VerifyBlindShare(pks *PublicKeySet, bm BlindedMessage, s BlindSignatureShare) error {
	if s.P == nil || bm.P == nil {
		return ErrBadShare
	}
	xi, err := pks.PublicShare(s.Guardian)
	if err != nil {
		return err
	}
	left := suite.Pair(s.P, suite.G2().Point().Base())
	right := suite.Pair(bm.P, xi)
	if !left.Equal(right) {
		return fmt.Errorf("%w: %s", ErrBadShare, s.Guardian)
	}
	return nil
}

// CombineBlindShares 对前 t 个不同 guardian 的份额做指数上的拉格朗日插值。
// 调用方应先逐个 VerifyBlindShare。
func CombineBlindShares(pks *PublicKeySet, shares []BlindSignatureShare) (kyber.Point, error) {
	seen := make(map[types.GuardianID]bool, len(shares))
	pub := make([]*share.PubShare, 0, pks.Threshold)
	for _, s := range shares {
		if seen[s.Guardian] || int(s.Guardian) >= pks.N {
			continue
		}
		seen[s.Guardian] = true
		pub = append(pub, &share.PubShare{I: s.Guardian.ShareIndex(), V: s.P})
		if len(pub) == pks.Threshold {
			break
		}
	}
	if len(pub) < pks.Threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnough, len(pub), pks.Threshold)
	}
	return share.RecoverCommit(suite.G1(), pub, pks.Threshold, pks.N)
}

// Unblind σ = r⁻¹·σ_B
func Unblind(blindSig kyber.Point, bk *BlindingKey) []byte {
	inv := suite.G1().Scalar().Inv(bk.r)
	sig, _ := suite.G1().Point().Mul(inv, blindSig).MarshalBinary()
	return sig
}

// VerifyNote 去盲后的签名就是对 nonce 的普通 BLS 签名
func VerifyNote(pks *PublicKeySet, nonce, sig []byte) error {
	if err := bls.Verify(suite, pks.AggregateKey(), nonce, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
