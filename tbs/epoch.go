package tbs

import (
	"fmt"

	"github.com/natto1784/fedimint/types"

	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

// 非盲的门限签名，用于给 epoch 摘要背书

// SignShare 返回带下标前缀的签名份额
func SignShare(key *ThresholdKeyShare, msg []byte) ([]byte, error) {
	return tbls.Sign(suite, key.PriShare(), msg)
}

// ShareSigner 从签名份额里取出 guardian 编号
func ShareSigner(sig []byte) (types.GuardianID, error) {
	i, err := tbls.SigShare(sig).Index()
	if err != nil {
		return 0, err
	}
	return types.GuardianID(i), nil
}

// VerifyShare 校验单个签名份额
func VerifyShare(pks *PublicKeySet, msg, sig []byte) error {
	id, err := ShareSigner(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadShare, err)
	}
	if int(id) >= pks.N {
		return fmt.Errorf("%w: %d", ErrUnknownSigner, id)
	}
	if err := tbls.Verify(suite, pks.PubPoly(), msg, sig); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadShare, id, err)
	}
	return nil
}

// Combine 需要至少 t 个有效份额
func Combine(pks *PublicKeySet, msg []byte, sigs [][]byte) ([]byte, error) {
	if len(sigs) < pks.Threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnough, len(sigs), pks.Threshold)
	}
	return tbls.Recover(suite, pks.PubPoly(), msg, sigs, pks.Threshold, pks.N)
}

// Verify 在联邦公钥下校验合成签名
func Verify(pks *PublicKeySet, msg, sig []byte) error {
	if err := bls.Verify(suite, pks.AggregateKey(), msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
