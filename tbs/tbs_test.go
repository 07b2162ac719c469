package tbs

import (
	"testing"

	"github.com/natto1784/fedimint/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/share"
)

func dealt(t *testing.T, th, n int) []*ThresholdKeyShare {
	t.Helper()
	keys, err := DealShares(th, n, nil)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, k.Check())
	}
	return keys
}

func issue(keys []*ThresholdKeyShare, bm BlindedMessage, ids ...int) []BlindSignatureShare {
	out := make([]BlindSignatureShare, 0, len(ids))
	for _, i := range ids {
		out = append(out, SignBlinded(keys[i], bm))
	}
	return out
}

func TestBlindIssuance_AnyThresholdSubset(t *testing.T) {
	keys := dealt(t, 3, 4)
	pks := keys[0].Public
	nonce := []byte("note-nonce-0001")

	subsets := [][]int{{0, 1, 2}, {0, 1, 3}, {0, 2, 3}, {1, 2, 3}}
	var first []byte
	for _, sub := range subsets {
		bk := NewBlindingKey()
		bm := BlindMessage(nonce, bk)
		shares := issue(keys, bm, sub...)
		for _, s := range shares {
			require.NoError(t, VerifyBlindShare(pks, bm, s))
		}
		combined, err := CombineBlindShares(pks, shares)
		require.NoError(t, err)
		sig := Unblind(combined, bk)
		require.NoError(t, VerifyNote(pks, nonce, sig), "subset %v", sub)
		// 去盲后的签名与参与者无关
		if first == nil {
			first = sig
		} else {
			assert.Equal(t, first, sig)
		}
	}
}

func TestBlindIssuance_BelowThresholdNeverVerifies(t *testing.T) {
	keys := dealt(t, 3, 4)
	pks := keys[0].Public
	nonce := []byte("note-nonce-0002")
	bk := NewBlindingKey()
	bm := BlindMessage(nonce, bk)

	_, err := CombineBlindShares(pks, issue(keys, bm, 0, 1))
	assert.ErrorIs(t, err, ErrNotEnough)

	// 强行按 t-1 插值得到的签名也不成立
	shares := issue(keys, bm, 1, 3)
	pub := []*share.PubShare{{I: 1, V: shares[0].P}, {I: 3, V: shares[1].P}}
	forged, err := share.RecoverCommit(Suite().G1(), pub, 2, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyNote(pks, nonce, Unblind(forged, bk)), ErrBadSignature)
}

func TestVerifyBlindShare_DetectsBadGuardian(t *testing.T) {
	keys := dealt(t, 3, 4)
	pks := keys[0].Public
	bm := BlindMessage([]byte("n"), NewBlindingKey())

	bad := SignBlinded(keys[2], bm)
	bad.Guardian = 1 // 用 2 号的份额冒充 1 号
	assert.ErrorIs(t, VerifyBlindShare(pks, bm, bad), ErrBadShare)

	other := BlindMessage([]byte("other"), NewBlindingKey())
	assert.ErrorIs(t, VerifyBlindShare(pks, bm, SignBlinded(keys[0], other)), ErrBadShare)

	_, err := pks.PublicShare(9)
	assert.ErrorIs(t, err, ErrUnknownSigner)
}

func TestSignBlinded_Deterministic(t *testing.T) {
	keys := dealt(t, 2, 4)
	bm := BlindMessage([]byte("det"), NewBlindingKey())
	a := SignBlinded(keys[1], bm)
	b := SignBlinded(keys[1], bm)
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestBlindMessage_Unlinkable(t *testing.T) {
	nonce := []byte("same-nonce")
	bm1 := BlindMessage(nonce, NewBlindingKey())
	bm2 := BlindMessage(nonce, NewBlindingKey())
	plain := HashToG1(nonce)

	// guardian 看到的两次请求彼此不同，也都不同于 H(nonce)
	assert.False(t, bm1.Equal(bm2))
	assert.False(t, bm1.P.Equal(plain))
	assert.False(t, bm2.P.Equal(plain))
}

func TestDecodeBlindedMessage_RejectsIdentity(t *testing.T) {
	null, err := Suite().G1().Point().Null().MarshalBinary()
	require.NoError(t, err)
	_, err = DecodeBlindedMessage(null)
	assert.ErrorIs(t, err, ErrBadPoint)

	_, err = DecodeBlindedMessage([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadPoint)
}

func TestEpochThresholdSignature(t *testing.T) {
	keys := dealt(t, 3, 4)
	pks := keys[0].Public
	msg := []byte("epoch-digest")

	var sigs [][]byte
	for _, k := range keys[1:] {
		s, err := SignShare(k, msg)
		require.NoError(t, err)
		require.NoError(t, VerifyShare(pks, msg, s))
		id, err := ShareSigner(s)
		require.NoError(t, err)
		assert.Equal(t, k.Guardian, id)
		sigs = append(sigs, s)
	}
	sig, err := Combine(pks, msg, sigs)
	require.NoError(t, err)
	require.NoError(t, Verify(pks, msg, sig))
	assert.Error(t, Verify(pks, []byte("other"), sig))

	_, err = Combine(pks, msg, sigs[:2])
	assert.ErrorIs(t, err, ErrNotEnough)
}

func TestKeyShare_EncodeDecode(t *testing.T) {
	keys := dealt(t, 3, 4)
	keys[0].Public.Disqualified = []types.GuardianID{3}

	raw, err := keys[0].Encode()
	require.NoError(t, err)
	got, err := DecodeThresholdKeyShare(raw)
	require.NoError(t, err)
	assert.Equal(t, keys[0].Guardian, got.Guardian)
	assert.True(t, got.Secret.Equal(keys[0].Secret))
	assert.True(t, got.Public.Equal(keys[0].Public))
	assert.True(t, got.Public.IsDisqualified(3))
}

func TestKeyShare_CheckRejectsMismatch(t *testing.T) {
	keys := dealt(t, 2, 3)
	k := &ThresholdKeyShare{Guardian: 0, Secret: keys[1].Secret, Public: keys[0].Public}
	assert.ErrorIs(t, k.Check(), ErrBadKeyShare)
}
