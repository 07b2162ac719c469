// Package rpc guardian API 的 JSON-RPC 2.0 服务端与客户端。
package rpc

import (
	"errors"
	"net/http"
	"time"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/consensus"
	"github.com/natto1784/fedimint/guardian"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/middleware"
	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/modules/wallet"
	"github.com/natto1784/fedimint/signer"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	"github.com/gorilla/mux"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceName JSON-RPC 方法前缀，如 guardian.SubmitTransaction
const ServiceName = "guardian"

// 错误码，客户端据此还原错误类别
const (
	CodeSetupFatal        json2.ErrorCode = -32001
	CodeUnavailable       json2.ErrorCode = -32002
	CodeProtocolViolation json2.ErrorCode = -32003
	CodeRejected          json2.ErrorCode = -32004
	CodeLocalStorage      json2.ErrorCode = -32005
	CodeNotFound          json2.ErrorCode = -32010
)

// Service gorilla/rpc 的服务对象，方法签名 (r, args, reply) error
type Service struct {
	api *guardian.API
	log *logs.Logger
}

type EmptyArgs struct{}

type IssuanceArgs struct {
	Request signer.IssuanceRequest `json:"request"`
}

type TransactionArgs struct {
	Transaction *types.Transaction `json:"transaction"`
}

type TxIDArgs struct {
	TxID types.TxID `json:"txid"`
}

type GuardianArgs struct {
	Guardian types.GuardianID `json:"guardian"`
}

type EpochArgs struct {
	Number uint64 `json:"number"`
}

type ContractArgs struct {
	ID ln.ContractID `json:"id"`
}

type NonceArgs struct {
	Nonce []byte `json:"nonce"`
}

type PublicKeySetReply struct {
	PublicKeySet []byte `json:"public_key_set"`
}

type GatewaysReply struct {
	Gateways []*ln.GatewayRecord `json:"gateways"`
}

type SpentReply struct {
	Spent bool `json:"spent"`
}

type PegOutsReply struct {
	PegOuts []*wallet.PendingPegOut `json:"peg_outs"`
}

type AuditReply struct {
	Modules []*vm.AuditSummary `json:"modules"`
}

// wrap 把内部错误映射成带类别码的 JSON-RPC 错误
func wrap(err error) error {
	if err == nil {
		return nil
	}
	e := &json2.Error{Message: err.Error()}
	switch types.Classify(err) {
	case types.ClassSetupFatal:
		e.Code = CodeSetupFatal
	case types.ClassAvailability:
		e.Code = CodeUnavailable
	case types.ClassProtocolViolation:
		e.Code = CodeProtocolViolation
	case types.ClassConsensusInvariant:
		e.Code = CodeRejected
		var re *vm.RejectError
		if errors.As(err, &re) {
			e.Data = re
		}
	case types.ClassLocalStorage:
		e.Code = CodeLocalStorage
	default:
		if errors.Is(err, guardian.ErrNotFound) {
			e.Code = CodeNotFound
		} else {
			e.Code = json2.E_SERVER
		}
	}
	return e
}

func (s *Service) RequestIssuance(r *http.Request, args *IssuanceArgs, reply *signer.PartialSignature) error {
	ps, err := s.api.RequestIssuance(r.Context(), args.Request)
	if err != nil {
		return wrap(err)
	}
	*reply = *ps
	return nil
}

func (s *Service) SubmitTransaction(r *http.Request, args *TransactionArgs, reply *types.EpochAck) error {
	ack, err := s.api.SubmitTransaction(r.Context(), args.Transaction)
	if err != nil {
		return wrap(err)
	}
	*reply = *ack
	return nil
}

func (s *Service) GetPublicKeyShare(r *http.Request, args *GuardianArgs, reply *guardian.PublicKeyShare) error {
	pk, err := s.api.GetPublicKeyShare(r.Context(), args.Guardian)
	if err != nil {
		return wrap(err)
	}
	*reply = *pk
	return nil
}

func (s *Service) GetPublicKeySet(r *http.Request, _ *EmptyArgs, reply *PublicKeySetReply) error {
	pks, err := s.api.GetPublicKeySet(r.Context())
	if err != nil {
		return wrap(err)
	}
	raw, err := pks.Encode()
	if err != nil {
		return wrap(err)
	}
	reply.PublicKeySet = raw
	return nil
}

func (s *Service) FederationInfo(r *http.Request, _ *EmptyArgs, reply *guardian.FederationInfo) error {
	info, err := s.api.FederationInfo(r.Context())
	if err != nil {
		return wrap(err)
	}
	*reply = *info
	return nil
}

func (s *Service) GetEpoch(r *http.Request, args *EpochArgs, reply *types.Epoch) error {
	e, err := s.api.GetEpoch(r.Context(), args.Number)
	if err != nil {
		return wrap(err)
	}
	*reply = *e
	return nil
}

func (s *Service) TransactionStatus(r *http.Request, args *TxIDArgs, reply *types.TxOutcome) error {
	out, err := s.api.TransactionStatus(r.Context(), args.TxID)
	if err != nil {
		return wrap(err)
	}
	*reply = *out
	return nil
}

func (s *Service) GetContract(r *http.Request, args *ContractArgs, reply *ln.ContractRecord) error {
	rec, err := s.api.GetContract(r.Context(), args.ID)
	if err != nil {
		return wrap(err)
	}
	*reply = *rec
	return nil
}

func (s *Service) ListGateways(r *http.Request, _ *EmptyArgs, reply *GatewaysReply) error {
	gws, err := s.api.ListGateways(r.Context())
	if err != nil {
		return wrap(err)
	}
	reply.Gateways = gws
	return nil
}

func (s *Service) IsSpent(r *http.Request, args *NonceArgs, reply *SpentReply) error {
	spent, err := s.api.IsSpent(r.Context(), args.Nonce)
	if err != nil {
		return wrap(err)
	}
	reply.Spent = spent
	return nil
}

func (s *Service) PendingPegOuts(r *http.Request, _ *EmptyArgs, reply *PegOutsReply) error {
	p, err := s.api.PendingPegOuts(r.Context())
	if err != nil {
		return wrap(err)
	}
	reply.PegOuts = p
	return nil
}

func (s *Service) Audit(r *http.Request, _ *EmptyArgs, reply *AuditReply) error {
	a, err := s.api.Audit(r.Context())
	if err != nil {
		return wrap(err)
	}
	reply.Modules = a
	return nil
}

func (s *Service) Status(r *http.Request, _ *EmptyArgs, reply *consensus.Status) error {
	st, err := s.api.Status(r.Context())
	if err != nil {
		return wrap(err)
	}
	*reply = st
	return nil
}

// NewHandler /rpc 提供 JSON-RPC，/metrics 提供 prometheus 指标；mw 作用于所有路由
func NewHandler(api *guardian.API, gatherer prometheus.Gatherer, mw ...mux.MiddlewareFunc) (http.Handler, error) {
	server := rpc.NewServer()
	codec := json2.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	svc := &Service{api: api, log: logs.Named("rpc")}
	if err := server.RegisterService(svc, ServiceName); err != nil {
		return nil, err
	}
	server.RegisterAfterFunc(func(info *rpc.RequestInfo) {
		if info.Error != nil {
			svc.log.Debug("%s: %v", info.Method, info.Error)
		}
	})

	r := mux.NewRouter()
	r.Use(mw...)
	r.Handle("/rpc", server).Methods(http.MethodPost)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r, nil
}

// NewServer 客户端 API 跑在普通 HTTP 上，按配置做每 IP 限流
func NewServer(addr string, api *guardian.API, reg *prometheus.Registry, s config.ServerConfig) (*http.Server, error) {
	limiter := middleware.NewRateLimiter(s.RateLimitPerSecond, time.Second, s.RateLimitTrackedIPs, reg)
	h, err := NewHandler(api, reg, limiter.Middleware)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: s.HTTPTimeout,
		WriteTimeout:      s.HTTPTimeout,
	}, nil
}
