package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTx() *Transaction {
	return &Transaction{
		Inputs:     []Input{{Module: "mint", Payload: []byte{1, 2, 3}}},
		Outputs:    []Output{{Module: "mint", Payload: []byte{4}}, {Module: "wallet", Payload: nil}},
		Signatures: [][]byte{make([]byte, 64)},
	}
}

func TestTransaction_IDIgnoresSignatures(t *testing.T) {
	tx := sampleTx()
	id := tx.ID()
	tx.Signatures[0][0] = 0xff
	assert.Equal(t, id, tx.ID())

	tx.Outputs[0].Payload = []byte{5}
	assert.NotEqual(t, id, tx.ID())
}

func TestTransaction_EncodeDecode(t *testing.T) {
	tx := sampleTx()
	got, err := DecodeTransaction(tx.Encode())
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), got.ID())
	assert.Len(t, got.Signatures, 1)
	assert.Equal(t, "wallet", got.Outputs[1].Module)
}

func TestDecodeTransaction_Malformed(t *testing.T) {
	_, err := DecodeTransaction([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEpoch_DigestAndSignature(t *testing.T) {
	e := &Epoch{Number: 7, Transactions: []*Transaction{sampleTx()}, Proposers: []GuardianID{0, 2}}
	d := e.Digest()
	e.Signature = []byte{9, 9}
	assert.Equal(t, d, e.Digest(), "signature must not affect digest")

	got, err := DecodeEpoch(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, d, got.Digest())
	assert.Equal(t, []byte{9, 9}, got.Signature)
	assert.Equal(t, []GuardianID{0, 2}, got.Proposers)
}

func TestOutPoint_Bytes(t *testing.T) {
	op := sampleTx().OutPoint(1)
	got, err := OutPointFromBytes(op.Bytes())
	require.NoError(t, err)
	assert.Equal(t, op, got)
	_, err = OutPointFromBytes([]byte{1})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassSetupFatal, Classify(fmt.Errorf("dkg: %w", ErrSetupFatal)))
	assert.Equal(t, ClassLocalStorage, Classify(fmt.Errorf("commit: %w", ErrLocalStorage)))
	assert.Equal(t, ClassUnknown, Classify(errors.New("other")))
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrUnavailable)))
	assert.False(t, Retryable(ErrProtocolViolation))
}
