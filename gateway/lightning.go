package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var ErrPaymentFailed = errors.New("gateway: lightning payment failed")

// Invoice 待支付的闪电发票
type Invoice struct {
	PaymentHash chainhash.Hash `json:"payment_hash"`
	Amount      types.Amount   `json:"amount"`
	Payee       string         `json:"payee"`
}

// LightningRPC 网关背后的闪电节点。Pay 成功时返回原像。
type LightningRPC interface {
	Pay(ctx context.Context, inv Invoice) ([]byte, error)
}

// MemLightning 内存里的闪电网络，测试与演示用
type MemLightning struct {
	mu       sync.Mutex
	invoices map[chainhash.Hash][]byte
	paid     map[chainhash.Hash]bool
	failing  bool
}

func NewMemLightning() *MemLightning {
	return &MemLightning{invoices: make(map[chainhash.Hash][]byte), paid: make(map[chainhash.Hash]bool)}
}

// AddInvoice 收款方生成一张发票，原像随机
func (l *MemLightning) AddInvoice(amount types.Amount, payee string) (Invoice, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return Invoice{}, err
	}
	hash := chainhash.Hash(sha256.Sum256(preimage))
	l.mu.Lock()
	l.invoices[hash] = preimage
	l.mu.Unlock()
	return Invoice{PaymentHash: hash, Amount: amount, Payee: payee}, nil
}

// SetFailing 之后的支付一律失败
func (l *MemLightning) SetFailing(f bool) {
	l.mu.Lock()
	l.failing = f
	l.mu.Unlock()
}

func (l *MemLightning) Paid(hash chainhash.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paid[hash]
}

func (l *MemLightning) Pay(ctx context.Context, inv Invoice) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return nil, fmt.Errorf("%w: no route to %s", ErrPaymentFailed, inv.Payee)
	}
	preimage, ok := l.invoices[inv.PaymentHash]
	if !ok {
		return nil, fmt.Errorf("%w: unknown invoice %s", ErrPaymentFailed, inv.PaymentHash)
	}
	l.paid[inv.PaymentHash] = true
	return preimage, nil
}
