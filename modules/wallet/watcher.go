package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// ChainWatcher 外部链监控。所有 guardian 必须在同一 epoch 给出一致结论，
// 因此只应报告已达到足够确认数的输出。
type ChainWatcher interface {
	Confirmed(op wire.OutPoint) (*wire.TxOut, bool, error)
}

// MemWatcher 内存实现，测试与本地演示用
type MemWatcher struct {
	mu   sync.RWMutex
	utxo map[wire.OutPoint]*wire.TxOut
}

func NewMemWatcher() *MemWatcher {
	return &MemWatcher{utxo: make(map[wire.OutPoint]*wire.TxOut)}
}

// Confirm 注入一笔确认的存款
func (w *MemWatcher) Confirm(op wire.OutPoint, out *wire.TxOut) {
	w.mu.Lock()
	w.utxo[op] = out
	w.mu.Unlock()
}

func (w *MemWatcher) Confirmed(op wire.OutPoint) (*wire.TxOut, bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out, ok := w.utxo[op]
	return out, ok, nil
}
