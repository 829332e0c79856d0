package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"AgentWallet/internal/agent"
	xerrors "AgentWallet/internal/errors"
	"AgentWallet/internal/ledger"
	"AgentWallet/internal/wallet"
)

type errorBody struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// QueryRequest 是 POST /api/v1/query 的请求体。Session 由客户端保存并回传。
type QueryRequest struct {
	Query   string         `json:"query"`
	Session *agent.Session `json:"session,omitempty"`
}

// QueryResponse 是 POST /api/v1/query 的响应体。
type QueryResponse struct {
	agent.Reply
	Session   agent.Session `json:"session"`
	Code      string        `json:"code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

// CallRequest 是直接调用付费服务的请求体。
type CallRequest struct {
	Params ledger.Params `json:"params"`
}

// BalanceResponse 汇总钱包余额与交易日志中的累计花费。
type BalanceResponse struct {
	Mode          wallet.Mode     `json:"mode"`
	USDC          decimal.Decimal `json:"usdc"`
	Native        decimal.Decimal `json:"native"`
	TotalSpent    decimal.Decimal `json:"total_spent_usdc"`
	Transactions  int64           `json:"transactions"`
	RateRemaining int             `json:"rate_remaining"`
}

// TransactionsResponse 是交易历史查询的响应体。
type TransactionsResponse struct {
	Transactions []ledger.TransactionRecord `json:"transactions"`
	TotalSpent   decimal.Decimal            `json:"total_spent_usdc"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var req QueryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	session := agent.NewSession()
	if req.Session != nil && req.Session.ID != "" {
		session = *req.Session
	}

	reply, next, err := s.agent.Process(r.Context(), session, req.Query)
	resp := QueryResponse{Reply: reply, Session: next}
	if err != nil {
		resp.Code = string(xerrors.CodeOf(err))
		resp.Error = errorMessage(err)
		resp.Retryable = xerrors.RetryableError(err)
		writeJSON(w, statusFor(xerrors.CodeOf(err)), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleServices(w http.ResponseWriter, _ *http.Request) {
	if !s.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services": s.agent.Gateway().Catalog().Services(),
	})
}

func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	var req CallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if req.Params == nil {
		req.Params = ledger.Params{}
	}

	res, err := s.agent.Gateway().CallService(r.Context(), chi.URLParam(r, "name"), req.Params)
	if res == nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.Code)
	}
	writeJSON(w, status, res)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	limit := ledger.DefaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		limit = min(parsed, ledger.MaxRecentLimit)
	}

	store := s.agent.Gateway().Store()
	records, err := store.RecentTransactions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := store.TotalSpent(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []ledger.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{Transactions: records, TotalSpent: total})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	gw := s.agent.Gateway()
	bal := gw.Wallet().Balance(r.Context())
	total, err := gw.Store().TotalSpent(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := gw.Store().TransactionCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Mode:          gw.Wallet().Mode(),
		USDC:          bal.USDC,
		Native:        bal.Native,
		TotalSpent:    total,
		Transactions:  count,
		RateRemaining: gw.RateRemaining(),
	})
}

func (s *Server) ready(w http.ResponseWriter) bool {
	if s.agent == nil || s.agent.Gateway() == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未初始化"))
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeUnknownService:
		return http.StatusNotFound
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodePaymentFailed:
		return http.StatusPaymentRequired
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	if err == nil {
		err = xerrors.New(xerrors.CodeUnknown, "未知错误")
	}
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorBody{Code: string(code), Error: errorMessage(err), Retryable: xerrors.RetryableError(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
