// Package proxy is a local spend-authority server. It opens capped sessions
// over a market simulator and settles each proxied call through it, speaking
// the same protocol the gateway client expects from a remote service.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pario-ai/allowance/pkg/audit"
	cachepkg "github.com/pario-ai/allowance/pkg/cache/sqlite"
	"github.com/pario-ai/allowance/pkg/config"
	"github.com/pario-ai/allowance/pkg/market"
	"github.com/pario-ai/allowance/pkg/models"
	"github.com/pario-ai/allowance/pkg/signer"
	"github.com/pario-ai/allowance/pkg/telemetry"
)

// Server is the local spend-authority service.
type Server struct {
	cfg      *config.Config
	market   *market.Simulator
	cache    *cachepkg.Cache
	auditor  *audit.Logger
	verifier *signer.Verifier
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	provider *telemetry.Provider
	now      func() time.Time
	secret   []byte
	denied   map[string]config.DeniedConfig
	mux      *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the server-side view of one open session. Calls on a session
// are serialized by mu so the session cap holds. keyID is the key that signed
// the opening grant; spends on the session must use it.
type session struct {
	mu            sync.Mutex
	id            string
	principal     string
	keyID         string
	maxTotal      decimal.Decimal
	maxPerRequest decimal.Decimal
	expiresAt     time.Time
	spent         decimal.Decimal
	count         int64
	closed        bool
}

// Option configures a Server.
type Option func(*Server)

// WithVerifier checks signed authorizations against v.
func WithVerifier(v *signer.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithProvider exposes the provider's snapshot on GET /metrics.
func WithProvider(p *telemetry.Provider) Option {
	return func(s *Server) { s.provider = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server wired with all dependencies. c and a may be nil.
func New(cfg *config.Config, sim *market.Simulator, c *cachepkg.Cache, a *audit.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		market:   sim,
		cache:    c,
		auditor:  a,
		logger:   zap.NewNop(),
		now:      time.Now,
		denied:   make(map[string]config.DeniedConfig),
		sessions: make(map[string]*session),
		mux:      http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}

	limit := rate.Inf
	if cfg.Server.RateLimit > 0 {
		limit = rate.Limit(cfg.Server.RateLimit)
	}
	burst := cfg.Server.Burst
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)

	s.secret = []byte(cfg.Server.TokenSecret)
	if len(s.secret) == 0 {
		s.secret = make([]byte, 32)
		_, _ = rand.Read(s.secret)
	}
	for _, d := range cfg.Server.Denied {
		s.denied[d.Principal] = d
	}

	s.mux.HandleFunc("POST /sessions", s.handleOpen)
	s.mux.HandleFunc("POST /proxy", s.handleProxy)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleClose)
	s.mux.HandleFunc("GET /principals/{id}", s.admin(s.handlePrincipal))
	s.mux.HandleFunc("POST /principals/{id}/revoke", s.admin(s.handleRevoke))
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, models.CodeRateLimited, "rate limit exceeded", "")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("allowance server listening", zap.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) lookup(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, errCode, message, contact string) {
	writeJSON(w, code, models.ErrorBody{Error: models.ErrorDetail{
		Code:    errCode,
		Message: message,
		Contact: contact,
	}})
}
