package client

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var ErrInsufficientFunds = errors.New("client: not enough notes")

const notePrefix = "client_note_"

// Note 可花费的电子现金：nonce 即花费密钥的 x-only 公钥
type Note struct {
	SpendKey  *btcec.PrivateKey
	Signature []byte
	Value     types.Amount
}

func (n *Note) Nonce() []byte { return schnorr.SerializePubKey(n.SpendKey.PubKey()) }

func (n *Note) encode() []byte {
	var e types.Encoder
	return e.Bytes(1, n.SpendKey.Serialize()).Bytes(2, n.Signature).Uint(3, uint64(n.Value)).Finish()
}

func decodeNote(b []byte) (*Note, error) {
	fields, err := types.DecodeFields(b)
	if err != nil {
		return nil, err
	}
	n := &Note{}
	for _, f := range fields {
		switch f.Num {
		case 1:
			n.SpendKey, _ = btcec.PrivKeyFromBytes(f.Bytes)
		case 2:
			n.Signature = f.Bytes
		case 3:
			n.Value = types.Amount(f.Uint)
		}
	}
	if n.SpendKey == nil || len(n.Signature) == 0 {
		return nil, fmt.Errorf("%w: incomplete note", types.ErrMalformed)
	}
	return n, nil
}

// NoteStore 钱包里的 note，落在 db.Store 上（badger 或内存）
type NoteStore struct {
	store db.Store
}

func NewNoteStore(store db.Store) *NoteStore { return &NoteStore{store: store} }

func noteKey(nonce []byte) string { return notePrefix + hex.EncodeToString(nonce) }

func (s *NoteStore) Add(notes ...*Note) error {
	b := s.store.NewBatch()
	for _, n := range notes {
		b.Put(noteKey(n.Nonce()), n.encode())
	}
	return b.Commit()
}

func (s *NoteStore) Remove(notes ...*Note) error {
	b := s.store.NewBatch()
	for _, n := range notes {
		b.Delete(noteKey(n.Nonce()))
	}
	return b.Commit()
}

// List 按 nonce 排序
func (s *NoteStore) List() ([]*Note, error) {
	kvs, err := s.store.ScanPrefix(notePrefix, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Note, 0, len(kvs))
	for _, kv := range kvs {
		n, err := decodeNote(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return hex.EncodeToString(out[i].Nonce()) < hex.EncodeToString(out[j].Nonce()) })
	return out, nil
}

func (s *NoteStore) Balance() (types.Amount, error) {
	notes, err := s.List()
	if err != nil {
		return 0, err
	}
	var total types.Amount
	for _, n := range notes {
		total += n.Value
	}
	return total, nil
}

// Select 取出恰好凑够 amount 的 note；所有 note 同一面额，amount 必须是面额的整数倍
func (s *NoteStore) Select(amount types.Amount) ([]*Note, error) {
	notes, err := s.List()
	if err != nil {
		return nil, err
	}
	var picked []*Note
	var sum types.Amount
	for _, n := range notes {
		if sum == amount {
			break
		}
		if sum+n.Value > amount {
			continue
		}
		picked = append(picked, n)
		sum += n.Value
	}
	if sum != amount {
		return nil, fmt.Errorf("%w: want %s, can cover %s exactly", ErrInsufficientFunds, amount, sum)
	}
	return picked, nil
}
