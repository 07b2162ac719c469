package gateway

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gorilla/mux"
)

// InfoResponse 网关公开参数
type InfoResponse struct {
	GatewayKey  string `json:"gateway_key"`
	FeeBaseMsat uint64 `json:"fee_base_msat"`
	FeePPM      uint64 `json:"fee_ppm"`
}

// PayRequest 用户锁好合约后请网关付款
type PayRequest struct {
	Contract string  `json:"contract"`
	Invoice  Invoice `json:"invoice"`
}

type PayResponse struct {
	Claimed types.Amount `json:"claimed"`
}

type BalanceResponse struct {
	Balance types.Amount `json:"balance"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler 网关的 HTTP 接口
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/info", g.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/pay", g.handlePay).Methods(http.MethodPost)
	r.HandleFunc("/balance", g.handleBalance).Methods(http.MethodGet)
	return r
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, InfoResponse{
		GatewayKey:  hex.EncodeToString(g.PublicKey()),
		FeeBaseMsat: g.cfg.FeeBaseMsat,
		FeePPM:      g.cfg.FeePPM,
	})
}

func (g *Gateway) handlePay(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"bad request: " + err.Error()})
		return
	}
	h, err := chainhash.NewHashFromStr(req.Contract)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"bad contract id: " + err.Error()})
		return
	}
	notes, err := g.PayContract(r.Context(), ln.ContractID(*h), req.Invoice)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ErrNotOurContract), errors.Is(err, ErrUnderfunded), errors.Is(err, ErrContractSpent):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, ErrPaymentFailed):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{err.Error()})
		return
	}
	var total types.Amount
	for _, n := range notes {
		total += n.Value
	}
	writeJSON(w, http.StatusOK, PayResponse{Claimed: total})
}

func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := g.Balance()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: bal})
}
