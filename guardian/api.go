package guardian

import (
	"context"
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/consensus"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/modules/mint"
	"github.com/natto1784/fedimint/modules/wallet"
	"github.com/natto1784/fedimint/signer"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"
)

// ErrNotFound 查询对象在本节点不存在（交易尚未排序、epoch 尚未应用等）
var ErrNotFound = errors.New("guardian: not found")

// PublicKeyShare 本节点的公钥份额，客户端据此校验部分签名
type PublicKeyShare struct {
	Guardian types.GuardianID `json:"guardian"`
	Share    []byte           `json:"share"`
}

// FederationInfo 客户端启动时拉取的联邦参数
type FederationInfo struct {
	N         int          `json:"n"`
	F         int          `json:"f"`
	T         int          `json:"t"`
	NoteValue types.Amount `json:"note_value"`
	TxFee     types.Amount `json:"tx_fee"`
	Network   string       `json:"network"`
	// tbs.PublicKeySet 编码
	PublicKeySet []byte `json:"public_key_set"`
}

// API 所有方法都可并发调用
type API struct {
	g *Guardian
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, mint.ErrNoIssuance) || errors.Is(err, ln.ErrUnknownContract) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

// RequestIssuance 对已提交的签发输出给出部分盲签名
func (a *API) RequestIssuance(_ context.Context, req signer.IssuanceRequest) (*signer.PartialSignature, error) {
	return a.g.signer.Sign(req)
}

// SubmitTransaction 交易进入交易池，等待下一个 epoch 排序
func (a *API) SubmitTransaction(_ context.Context, tx *types.Transaction) (*types.EpochAck, error) {
	id, err := a.g.pool.Submit(tx)
	if err != nil {
		return nil, err
	}
	next, _, err := a.g.exec.NextEpoch()
	if err != nil {
		return nil, err
	}
	ack := &types.EpochAck{TxID: id, PendingFrom: next}
	if next > 0 {
		ack.LastEpoch = next - 1
	}
	return ack, nil
}

// GetPublicKeyShare 任一成员的公钥份额，由公钥集推出
func (a *API) GetPublicKeyShare(_ context.Context, id types.GuardianID) (*PublicKeyShare, error) {
	pt, err := a.g.key.Public.PublicShare(id)
	if err != nil {
		return nil, fmt.Errorf("%w: public key share of %s: %v", ErrNotFound, id, err)
	}
	raw, err := pt.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &PublicKeyShare{Guardian: id, Share: raw}, nil
}

func (a *API) GetPublicKeySet(_ context.Context) (*tbs.PublicKeySet, error) {
	return a.g.key.Public, nil
}

func (a *API) FederationInfo(_ context.Context) (*FederationInfo, error) {
	raw, err := a.g.key.Public.Encode()
	if err != nil {
		return nil, err
	}
	f := a.g.cfg.Federation
	return &FederationInfo{
		N:            f.N,
		F:            f.F,
		T:            a.g.key.Public.Threshold,
		NoteValue:    types.Amount(f.NoteValue),
		TxFee:        types.Amount(f.TxFee),
		Network:      f.Network,
		PublicKeySet: raw,
	}, nil
}

// GetEpoch 已应用 epoch，带联邦签名
func (a *API) GetEpoch(_ context.Context, n uint64) (*types.Epoch, error) {
	e, err := a.g.exec.Epoch(n)
	if err != nil {
		return nil, notFound(err, "epoch %d", n)
	}
	return e, nil
}

// TransactionStatus 交易结果；尚未排序返回 ErrNotFound
func (a *API) TransactionStatus(_ context.Context, id types.TxID) (*types.TxOutcome, error) {
	out, err := a.g.exec.Outcome(id)
	if err != nil {
		return nil, notFound(err, "transaction %s", id)
	}
	return out, nil
}

func (a *API) GetContract(_ context.Context, id ln.ContractID) (*ln.ContractRecord, error) {
	rec, err := ln.GetContract(a.g.store, id)
	if err != nil {
		return nil, notFound(err, "contract %s", id)
	}
	return rec, nil
}

// ListGateways TTL 按 epoch 间隔折算成 epoch 数
func (a *API) ListGateways(_ context.Context) ([]*ln.GatewayRecord, error) {
	next, _, err := a.g.exec.NextEpoch()
	if err != nil {
		return nil, err
	}
	var ttl uint64
	if iv := a.g.cfg.Consensus.EpochInterval; iv > 0 {
		ttl = uint64(a.g.cfg.Gateway.AnnouncementTTL / iv)
	}
	return ln.ListGateways(a.g.store, next, ttl)
}

// IsSpent nonce 对应的 note 是否已被花费
func (a *API) IsSpent(_ context.Context, nonce []byte) (bool, error) {
	return mint.IsSpent(a.g.store, nonce)
}

func (a *API) PendingPegOuts(_ context.Context) ([]*wallet.PendingPegOut, error) {
	return wallet.PendingPegOuts(a.g.store)
}

func (a *API) Audit(_ context.Context) ([]*vm.AuditSummary, error) {
	return a.g.exec.Audit()
}

func (a *API) Status(_ context.Context) (consensus.Status, error) {
	if a.g.engine == nil {
		return consensus.Status{}, nil
	}
	return a.g.engine.Status(), nil
}
