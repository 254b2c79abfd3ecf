package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pplpmint/internal/config"
	"pplpmint/internal/hmacauth"
	"pplpmint/internal/logging"
	"pplpmint/internal/mint"
	"pplpmint/internal/mintstore"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MintService is implemented by *mint.Authorizer.
type MintService interface {
	Authorize(ctx context.Context, in mint.AuthorizeInput) (*mint.Response, error)
	RetrySubmission(ctx context.Context, actionID string) (*mint.Response, error)
	Status(ctx context.Context, actionID string) (*mintstore.MintRequest, error)
}

// HealthChecks are optional probes reported by /api/v1/health.
type HealthChecks struct {
	Store func(context.Context) error
	// RPC validates the configured candidates and returns the accepted endpoint.
	RPC func(context.Context) (string, error)
}

type Server struct {
	cfg        *config.AppConfig
	mint       MintService
	hmac       *hmacauth.Verifier
	limiter    *ipLimiter
	metrics    *Metrics
	checks     HealthChecks
	httpServer *http.Server
}

func NewServer(cfg *config.AppConfig, svc MintService, metrics *Metrics, checks HealthChecks) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		cfg:     cfg,
		mint:    svc,
		metrics: metrics,
		checks:  checks,
		limiter: newIPLimiter(cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst),
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
	}
	s.hmac.OnError = func(w http.ResponseWriter, r *http.Request, err error) {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil)
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.handler())

		r.Group(func(r chi.Router) {
			r.Use(s.hmac.Middleware)
			r.Get("/mint-requests/{actionID}", s.handleStatus)

			r.Group(func(r chi.Router) {
				r.Use(s.limiter.Middleware)
				r.Post("/mint/authorize", s.handleAuthorize)
				r.Post("/mint-requests/{actionID}/retry", s.handleRetry)
			})
		})
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	logging.Info(context.Background(), "API listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.observe("authorize", time.Since(start).Seconds()) }()

	var in mint.AuthorizeInput
	if err := readJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, mint.CodeInvalidInput, "invalid json payload", err.Error())
		return
	}
	resp, err := s.mint.Authorize(r.Context(), in)
	if err != nil {
		s.writeMintError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.observe("retry", time.Since(start).Seconds()) }()

	resp, err := s.mint.RetrySubmission(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		s.writeMintError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type mintRequestView struct {
	ActionID            string     `json:"action_id"`
	ActorID             string     `json:"actor_id"`
	Action              string     `json:"action"`
	RecipientAddress    string     `json:"recipient_address"`
	Amount              int64      `json:"amount"`
	AmountBaseUnits     string     `json:"amount_base_units"`
	ActionHash          string     `json:"action_hash"`
	EvidenceHash        string     `json:"evidence_hash"`
	Nonce               string     `json:"nonce"`
	Signature           string     `json:"signature,omitempty"`
	SignerAddress       string     `json:"signer_address,omitempty"`
	Status              string     `json:"status"`
	TxHash              *string    `json:"tx_hash"`
	PendingTxHash       *string    `json:"pending_tx_hash"`
	OnChainError        *string    `json:"on_chain_error"`
	OnChainErrorDetails *string    `json:"on_chain_error_details"`
	InProgress          bool       `json:"in_progress"`
	MintedAt            *time.Time `json:"minted_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.mint.Status(r.Context(), chi.URLParam(r, "actionID"))
	if err != nil {
		s.writeMintError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mintRequestView{
		ActionID:            rec.ActionID,
		ActorID:             rec.ActorID,
		Action:              rec.ActionName,
		RecipientAddress:    rec.RecipientAddress,
		Amount:              rec.Amount,
		AmountBaseUnits:     rec.AmountBaseUnits,
		ActionHash:          rec.ActionHash,
		EvidenceHash:        rec.EvidenceHash,
		Nonce:               rec.Nonce,
		Signature:           rec.Signature,
		SignerAddress:       rec.SignerAddress,
		Status:              string(rec.Status),
		TxHash:              rec.TxHash,
		PendingTxHash:       rec.PendingTxHash,
		OnChainError:        rec.OnChainError,
		OnChainErrorDetails: rec.OnChainErrorDetails,
		InProgress:          rec.ClaimToken != nil,
		MintedAt:            rec.MintedAt,
		CreatedAt:           rec.CreatedAt,
		UpdatedAt:           rec.UpdatedAt,
	})
}

func (s *Server) writeMintError(w http.ResponseWriter, r *http.Request, err error) {
	reqErr := mint.AsRequestError(err)
	status := reqErr.HTTPStatus()
	msg := reqErr.Message
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logging.Error(r.Context(), "mint request failed", slog.String("code", reqErr.Code), logging.Err(err))
	}
	writeError(w, r, status, reqErr.Code, msg, reqErr.Detail)
}

type checkResult struct {
	Connected bool    `json:"connected"`
	Endpoint  string  `json:"endpoint,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true

	rpcInfo := checkResult{Connected: true}
	if s.checks.RPC != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, s.rpcBudget())
		endpoint, err := s.checks.RPC(rpcCtx)
		cancel()
		rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		if err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			healthy = false
		} else {
			rpcInfo.Endpoint = endpoint
		}
	}

	dbInfo := checkResult{Connected: true}
	if s.checks.Store != nil {
		start := time.Now()
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.checks.Store(dbCtx)
		cancel()
		dbInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		if err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			healthy = false
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"rpc":      rpcInfo,
		"database": dbInfo,
		"signer":   s.cfg.Chain.AttesterKey != "",
	})
}

func (s *Server) rpcBudget() time.Duration {
	per := s.cfg.Chain.RPCTimeout
	if per <= 0 {
		per = 5 * time.Second
	}
	n := len(s.cfg.Chain.RPCURLs)
	if n == 0 {
		n = 1
	}
	return per * time.Duration(n)
}
