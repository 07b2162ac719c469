// Package signer 门限盲签名服务：只为已在 epoch 中提交的签发输出签名。
package signer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/db"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/modules/mint"
	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 签发输出还没有出现在本节点已应用的 epoch 中，客户端应稍后重试
	ErrNotCommitted = fmt.Errorf("signer: issuance not committed: %w", types.ErrUnavailable)
	// 请求中的盲化消息与提交的不一致
	ErrBlindedMismatch = fmt.Errorf("signer: blinded message differs from committed issuance: %w", types.ErrProtocolViolation)
	ErrBadPartial      = fmt.Errorf("signer: invalid partial signature: %w", types.ErrProtocolViolation)
)

// IssuanceRequest 客户端请求对某个签发输出签名
type IssuanceRequest struct {
	OutPoint types.OutPoint `json:"outpoint"`
	Blinded  []byte         `json:"blinded"`
}

// PartialSignature 单个 guardian 的盲签名份额
type PartialSignature struct {
	Guardian types.GuardianID `json:"guardian"`
	Epoch    uint64           `json:"epoch"`
	OutPoint types.OutPoint   `json:"outpoint"`
	Share    []byte           `json:"share"`
}

// BlindShare 解码成 tbs 份额
func (p *PartialSignature) BlindShare() (tbs.BlindSignatureShare, error) {
	pt, err := tbs.DecodeG1(p.Share)
	if err != nil {
		return tbs.BlindSignatureShare{}, fmt.Errorf("%w: %v", ErrBadPartial, err)
	}
	return tbs.BlindSignatureShare{Guardian: p.Guardian, P: pt}, nil
}

type cacheKey struct {
	epoch uint64
	op    types.OutPoint
}

type metrics struct {
	issued    prometheus.Counter
	cacheHits prometheus.Counter
	refused   *prometheus.CounterVec
}

// Signer 持有本节点的门限密钥份额。Sign 可并发调用。
type Signer struct {
	key   *tbs.ThresholdKeyShare
	store db.Store
	cache *lru.Cache
	m     metrics
	log   *logs.Logger
}

func New(key *tbs.ThresholdKeyShare, store db.Store, cfg *config.Config, reg prometheus.Registerer) (*Signer, error) {
	if key == nil || store == nil {
		return nil, errors.New("signer: key share and store are required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	size := cfg.Signer.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	f := promauto.With(reg)
	return &Signer{
		key:   key,
		store: store,
		cache: cache,
		m: metrics{
			issued: f.NewCounter(prometheus.CounterOpts{
				Namespace: "fedimint", Subsystem: "signer", Name: "partials_issued_total",
				Help: "Partial blind signatures computed.",
			}),
			cacheHits: f.NewCounter(prometheus.CounterOpts{
				Namespace: "fedimint", Subsystem: "signer", Name: "cache_hits_total",
				Help: "Repeated requests answered from the replay cache.",
			}),
			refused: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fedimint", Subsystem: "signer", Name: "refused_total",
				Help: "Signing requests refused, by reason.",
			}, []string{"reason"}),
		},
		log: logs.Named("signer"),
	}, nil
}

func (s *Signer) Guardian() types.GuardianID { return s.key.Guardian }

func (s *Signer) PublicKeySet() *tbs.PublicKeySet { return s.key.Public }

// Sign 对已提交的签发输出给出部分签名。同一 (epoch, outpoint) 重复请求返回缓存结果。
func (s *Signer) Sign(req IssuanceRequest) (*PartialSignature, error) {
	iss, err := mint.LookupIssuance(s.store, req.OutPoint)
	if errors.Is(err, mint.ErrNoIssuance) {
		s.m.refused.WithLabelValues("not_committed").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNotCommitted, req.OutPoint)
	}
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(iss.Blinded, req.Blinded) {
		s.m.refused.WithLabelValues("mismatch").Inc()
		s.log.Warn("blinded message mismatch for %s", req.OutPoint)
		return nil, fmt.Errorf("%w: %s", ErrBlindedMismatch, req.OutPoint)
	}

	k := cacheKey{epoch: iss.Epoch, op: iss.OutPoint}
	if v, ok := s.cache.Get(k); ok {
		s.m.cacheHits.Inc()
		return v.(*PartialSignature), nil
	}

	bm, err := tbs.DecodeBlindedMessage(iss.Blinded)
	if err != nil {
		return nil, db.StorageError(fmt.Errorf("committed issuance %s: %w", req.OutPoint, err))
	}
	sh := tbs.SignBlinded(s.key, bm)
	ps := &PartialSignature{Guardian: s.key.Guardian, Epoch: iss.Epoch, OutPoint: iss.OutPoint, Share: sh.Bytes()}
	s.cache.Add(k, ps)
	s.m.issued.Inc()
	s.log.Debug("signed %s from epoch %d", req.OutPoint, iss.Epoch)
	return ps, nil
}

// VerifyPartial 任何持有公钥集的一方都可以在合成前检查单个份额
func VerifyPartial(pks *tbs.PublicKeySet, bm tbs.BlindedMessage, ps *PartialSignature) error {
	if ps == nil {
		return fmt.Errorf("%w: missing", ErrBadPartial)
	}
	sh, err := ps.BlindShare()
	if err != nil {
		return err
	}
	if err := tbs.VerifyBlindShare(pks, bm, sh); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPartial, ps.Guardian, err)
	}
	return nil
}
