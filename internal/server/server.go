// Package server is the local broker: it fronts the approval service for
// clients without credentials, relays resolution callbacks onto the event
// bus, verifies credentials for gated actions and submits signed blobs.
package server

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"riplx/internal/broker"
	"riplx/internal/config"
	"riplx/internal/events"
	"riplx/internal/gate"
	"riplx/internal/hmacauth"
	"riplx/internal/idempotency"
	"riplx/internal/ledger"
	"riplx/internal/xumm"
)

// Approvals is the part of the approval service the broker uses.
type Approvals interface {
	CreatePayload(ctx context.Context, req xumm.PayloadRequest) (xumm.Payload, error)
	GetPayload(ctx context.Context, uuid string) (xumm.PayloadStatus, error)
	Configured() error
}

// Deps are the broker's collaborators. Publisher and Logger may be nil.
type Deps struct {
	Approvals Approvals
	Ledger    ledger.Client
	Store     idempotency.Store
	Publisher events.Publisher
	Verifier  gate.Verifier
	Logger    *slog.Logger
}

type Server struct {
	cfg         *config.Config
	approvals   Approvals
	ledger      ledger.Client
	store       idempotency.Store
	publisher   events.Publisher
	verifier    gate.Verifier
	logger      *slog.Logger
	apiHMAC     *hmacauth.Verifier
	webhookHMAC *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	now         func() time.Time
	storeHealth func(context.Context) error
	busHealth   func(context.Context) error
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}

	s := &Server{
		cfg:       cfg,
		approvals: deps.Approvals,
		ledger:    deps.Ledger,
		store:     deps.Store,
		publisher: publisher,
		verifier:  deps.Verifier,
		logger:    logger,
		metrics:   newMetricsRegistry(),
		now:       time.Now,
	}

	reject := func(r *http.Request, err error) {
		s.logger.Warn("request signature rejected", "path", r.URL.Path, "error", err)
	}
	s.apiHMAC = &hmacauth.Verifier{
		Secret:   cfg.APISecret,
		MaxSkew:  cfg.HMACClockSkew,
		OnReject: reject,
	}
	s.webhookHMAC = &hmacauth.Verifier{
		Secret:          cfg.WebhookSecret,
		MaxSkew:         cfg.HMACClockSkew,
		SignatureHeader: hmacauth.XummSignatureHeader,
		TimestampHeader: hmacauth.XummTimestampHeader,
		Hash:            sha1.New,
		OnReject:        reject,
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.storeHealth = checker.Ping
	}
	if checker, ok := publisher.(interface{ Ping(context.Context) error }); ok {
		s.busHealth = checker.Ping
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the routed API with request ids attached.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/payloads", s.handleCreatePayload)
	mux.HandleFunc("GET /api/payloads/{uuid}", s.handlePayloadStatus)
	mux.Handle("POST /api/callbacks/xumm", s.webhookHMAC.Middleware(http.HandlerFunc(s.handleWebhook)))
	mux.HandleFunc("GET /api/credentials/verify", s.handleVerify)
	mux.Handle("POST /api/transactions/submit", s.apiHMAC.Middleware(http.HandlerFunc(s.handleSubmit)))
	mux.HandleFunc("POST /api/rwa/mint", s.handleMint)
	mux.Handle("GET /api/v1/metrics", s.metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	return requestIDMiddleware(mux)
}

func (s *Server) Start() error {
	s.logger.Info("broker listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// replay writes a stored response for key if there is one. It reports
// whether the request has been answered.
func (s *Server) replay(w http.ResponseWriter, r *http.Request, key, hash string) bool {
	existing, err := s.store.Get(r.Context(), key)
	if err != nil {
		s.logger.Warn("idempotency lookup failed", "key", key, "error", err)
		return false
	}
	if existing == nil {
		return false
	}
	if !existing.Matches(hash) {
		writeError(w, http.StatusConflict, "idempotency key reused with a different request")
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	return true
}

// respond writes body and remembers it under key when key is set.
func (s *Server) respond(ctx context.Context, w http.ResponseWriter, key, hash string, status int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response: "+err.Error())
		return
	}
	if key != "" {
		now := s.now()
		record := idempotency.Record{
			StatusCode:  status,
			Response:    b,
			RequestHash: hash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			s.logger.Warn("idempotency save failed", "key", key, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, broker.ErrorResponse{Detail: detail})
}

// approvalFailure maps an approval service error onto a broker status.
// Refusals of the calling application pass through as 403 so clients can
// tell them apart from outages.
func approvalFailure(w http.ResponseWriter, err error) {
	var apiErr *xumm.APIError
	switch {
	case errors.Is(err, xumm.ErrMissingCredentials):
		writeError(w, http.StatusServiceUnavailable, "Missing XUMM_API_KEY or XUMM_API_SECRET. Set RIPLX_XUMM_API_KEY and RIPLX_XUMM_API_SECRET on the broker.")
	case xumm.IsOriginRejected(err):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
		writeError(w, apiErr.StatusCode, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func requestHash(body []byte) string {
	return crypto.Keccak256Hash(body).Hex()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
