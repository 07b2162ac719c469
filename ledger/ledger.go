// Package ledger 已花费 note 的作废集合，只增不减。
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/keys"
	"github.com/natto1784/fedimint/types"
)

var ErrAlreadySpent = errors.New("nullifier already spent")

// Nullifier note nonce 的单向派生值
type Nullifier [32]byte

func (n Nullifier) String() string { return hex.EncodeToString(n[:]) }

// Derive 由 nonce 计算作废标识，nonce 本身不会出现在账本里
func Derive(nonce []byte) Nullifier {
	return Nullifier(types.TaggedHash(types.TagNullifier, nonce))
}

// State 账本依附的状态视图，vm.StateView 满足该接口
type State interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, val []byte)
	Scan(prefix string) (map[string][]byte, error)
}

type Ledger struct {
	st State
}

func New(st State) *Ledger { return &Ledger{st: st} }

func (l *Ledger) Contains(n Nullifier) (bool, error) {
	_, ok, err := l.st.Get(keys.KeyNullifier(n[:]))
	return ok, err
}

// Insert 记录作废标识及其所在 epoch，已存在时返回 ErrAlreadySpent
func (l *Ledger) Insert(n Nullifier, epoch uint64) error {
	ok, err := l.Contains(n)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrAlreadySpent, n)
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], epoch)
	l.st.Set(keys.KeyNullifier(n[:]), v[:])
	return nil
}

// SpentAt 返回花费所在 epoch
func (l *Ledger) SpentAt(n Nullifier) (uint64, bool, error) {
	raw, ok, err := l.st.Get(keys.KeyNullifier(n[:]))
	if err != nil || !ok {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, true, nil
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// Count 账本大小
func (l *Ledger) Count() (int, error) {
	all, err := l.st.Scan(keys.KeyNullifierPrefix())
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
