package tbs

import (
	"crypto/cipher"
	"fmt"

	"github.com/natto1784/fedimint/types"

	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/util/random"
)

// DealShares 可信分发者一次性生成全部份额，只用于测试和本地演示；
// 正式部署走 dkg 包。
func DealShares(t, n int, stream cipher.Stream) ([]*ThresholdKeyShare, error) {
	if stream == nil {
		stream = random.New()
	}
	if t <= 0 || t > n {
		return nil, fmt.Errorf("tbs: bad threshold %d of %d", t, n)
	}
	poly := share.NewPriPoly(suite.G2(), t, nil, stream)
	_, commits := poly.Commit(suite.G2().Point().Base()).Info()
	pks, err := NewPublicKeySet(t, n, commits, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*ThresholdKeyShare, n)
	for i, s := range poly.Shares(n) {
		out[i] = &ThresholdKeyShare{Guardian: types.GuardianID(s.I), Secret: s.V, Public: pks}
	}
	return out, nil
}
