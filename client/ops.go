package client

import (
	"context"
	"fmt"

	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/modules/wallet"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// PegIn 认领已确认的存款，换成 note
func (c *Client) PegIn(ctx context.Context, op wire.OutPoint, amountSat int64) ([]*Note, error) {
	count, err := c.notesFor(types.AmountFromSat(amountSat))
	if err != nil {
		return nil, err
	}
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	in := (&wallet.PegIn{OutPoint: op, SpendKey: schnorr.SerializePubKey(key.PubKey())}).Input()
	_, notes, err := c.transact(ctx, []spend{{in: in, key: key}}, nil, count)
	return notes, err
}

// PegOut 花掉面值恰好等于 amountSat 加手续费的 note，换回链上资金
func (c *Client) PegOut(ctx context.Context, address string, amountSat int64) (types.TxID, error) {
	notes, err := c.notes.Select(types.AmountFromSat(amountSat) + c.fee)
	if err != nil {
		return types.TxID{}, err
	}
	out := (&wallet.PegOut{Address: address, AmountSat: amountSat}).Output()
	tx, _, err := c.transact(ctx, noteSpends(notes), []types.Output{out}, 0)
	if tx == nil {
		return types.TxID{}, err
	}
	return tx.ID(), c.settle(notes, err)
}

// FundContract 锁定 amount 加网关费用给网关，返回合约 ID；退款密钥留在客户端
func (c *Client) FundContract(ctx context.Context, gw *ln.GatewayRegistration, paymentHash chainhash.Hash, amount types.Amount, timelock uint64) (ln.ContractID, error) {
	locked := amount + gw.Fee(amount)
	notes, err := c.notes.Select(locked + c.fee)
	if err != nil {
		return ln.ContractID{}, err
	}
	refund, err := btcec.NewPrivateKey()
	if err != nil {
		return ln.ContractID{}, err
	}
	contract := &ln.OutgoingContract{
		PaymentHash: paymentHash,
		GatewayKey:  gw.GatewayKey,
		RefundKey:   schnorr.SerializePubKey(refund.PubKey()),
		Timelock:    timelock,
		Amount:      locked,
	}
	tx, _, err := c.transact(ctx, noteSpends(notes), []types.Output{contract.Output()}, 0)
	if err = c.settle(notes, err); err != nil {
		return ln.ContractID{}, err
	}
	id := contract.ID(tx.OutPoint(0))
	c.mu.Lock()
	c.refunds[id] = refund
	c.mu.Unlock()
	c.log.Info("funded contract %s for %s via gateway %x", id, locked, gw.GatewayKey)
	return id, nil
}

// Refund 超时后取回合约资金
func (c *Client) Refund(ctx context.Context, id ln.ContractID) ([]*Note, error) {
	c.mu.Lock()
	key, ok := c.refunds[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("client: no refund key for contract %s", id)
	}
	notes, err := c.spendContract(ctx, id, nil, key)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.refunds, id)
	c.mu.Unlock()
	return notes, nil
}

// ClaimContract 网关凭原像领取合约
func (c *Client) ClaimContract(ctx context.Context, id ln.ContractID, preimage []byte, gatewayKey *btcec.PrivateKey) ([]*Note, error) {
	return c.spendContract(ctx, id, preimage, gatewayKey)
}

// Contract 并发查询所有 guardian，取至少 f+1 个相同的应答。
// 合约只会从未花费变为已花费，两种应答都够数时取已花费的那份。
func (c *Client) Contract(ctx context.Context, id ln.ContractID) (*ln.ContractRecord, error) {
	recs := make([]*ln.ContractRecord, len(c.ids))
	errs := make([]error, len(c.ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, gid := range c.ids {
		i, peer := i, c.peers[gid]
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, c.timing.RequestTimeout)
			defer cancel()
			recs[i], errs[i] = peer.GetContract(rctx, id)
			return nil
		})
	}
	_ = g.Wait()

	votes := make(map[string]int)
	byKey := make(map[string]*ln.ContractRecord)
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		k := string(rec.Encode())
		votes[k]++
		byKey[k] = rec
	}
	var best *ln.ContractRecord
	for k, n := range votes {
		if n < c.f+1 {
			continue
		}
		if rec := byKey[k]; best == nil || (rec.Spent && !best.Spent) {
			best = rec
		}
	}
	if best != nil {
		return best, nil
	}
	if err := firstErr(errs); err != nil {
		return nil, fmt.Errorf("client: contract %s: %w", id, err)
	}
	return nil, fmt.Errorf("%w: guardians disagree on contract %s", types.ErrUnavailable, id)
}

func firstErr(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) spendContract(ctx context.Context, id ln.ContractID, preimage []byte, key *btcec.PrivateKey) ([]*Note, error) {
	rec, err := c.Contract(ctx, id)
	if err != nil {
		return nil, err
	}
	count, err := c.notesFor(rec.Contract.Amount)
	if err != nil {
		return nil, err
	}
	in := (&ln.ContractClaim{Contract: id, Preimage: preimage}).Input()
	_, notes, err := c.transact(ctx, []spend{{in: in, key: key}}, nil, count)
	return notes, err
}

// Announce 提交只含零金额输出的交易，例如网关登记；有手续费时用 note 支付
func (c *Client) Announce(ctx context.Context, outs ...types.Output) (types.TxID, error) {
	var notes []*Note
	if c.fee > 0 {
		var err error
		if notes, err = c.notes.Select(c.fee); err != nil {
			return types.TxID{}, err
		}
	}
	tx, _, err := c.transact(ctx, noteSpends(notes), outs, 0)
	if tx == nil {
		return types.TxID{}, err
	}
	return tx.ID(), c.settle(notes, err)
}
