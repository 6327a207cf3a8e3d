package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
	"deposit-gateway/internal/version"
)

const (
	maxBodyBytes        = 1 << 20
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 1000
)

// Gateway is the service surface the API exposes.
type Gateway interface {
	Deposit(ctx context.Context, in service.DepositInput) (service.DepositResult, error)
	Quote(ctx context.Context) (service.QuoteResult, error)
	Usage(ctx context.Context, assets []common.Address) (service.Usage, error)
	RecentOutcomes(ctx context.Context, limit int) ([]gateway.Outcome, error)
}

// Options configure the HTTP surface.
type Options struct {
	RateLimit float64
	Burst     int
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server exposes the gateway over HTTP.
type Server struct {
	gw      Gateway
	limiter *RateLimiter
	metrics http.Handler
	logger  zerolog.Logger
	router  http.Handler
}

// New builds the router.
func New(gw Gateway, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		gw:      gw,
		limiter: NewRateLimiter(opts.RateLimit, opts.Burst),
		metrics: opts.Metrics,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)
		v1.Post("/deposits", s.handleDeposit)
		v1.Get("/quote", s.handleQuote)
		v1.Get("/usage", s.handleUsage)
		v1.Get("/outcomes", s.handleOutcomes)
	})
	return r
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(gateway.CodeInvalidInput), Message: err.Error()})
		return
	}

	res, err := s.gw.Deposit(r.Context(), req.Input())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, depositResponse{
		TxType:   res.TxType,
		WindowID: res.WindowID,
		Outcomes: newOutcomesJSON(res.Outcomes),
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.gw.Quote(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		FeedID:      q.FeedID,
		Mantissa:    q.Quote.Mantissa,
		Exponent:    q.Quote.Exponent,
		PublishTime: q.Quote.PublishTime,
		Confidence:  q.Quote.Confidence,
		USDPerUnit:  gateway.FormatUSD(q.USDPerUnit),
		WindowID:    q.WindowID,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	var assets []common.Address
	for _, raw := range r.URL.Query()["asset"] {
		if !common.IsHexAddress(raw) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(gateway.CodeInvalidInput), Message: "asset " + raw + " is not an address"})
			return
		}
		assets = append(assets, common.HexToAddress(raw))
	}
	usage, err := s.gw.Usage(r.Context(), assets)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newUsageResponse(usage))
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := defaultOutcomeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: string(gateway.CodeInvalidInput), Message: "limit must be a positive integer"})
			return
		}
		limit = min(parsed, maxOutcomeLimit)
	}
	outcomes, err := s.gw.RecentOutcomes(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": newOutcomesJSON(outcomes)})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := gateway.CodeOf(err)
	if code == "" {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable"})
			return
		}
		s.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
		return
	}
	writeJSON(w, StatusFor(code), errorBody{Error: string(code), Message: err.Error()})
}

// StatusFor maps a rejection code to an HTTP status.
func StatusFor(code gateway.Code) int {
	switch code {
	case gateway.CodePaused:
		return http.StatusServiceUnavailable
	case gateway.CodeInvalidOwner:
		return http.StatusForbidden
	case gateway.CodeWindowCapExceeded, gateway.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case gateway.CodeInvalidPrice:
		return http.StatusBadGateway
	case gateway.CodeNotSupported:
		return http.StatusNotImplemented
	case gateway.CodeInvalidInput, gateway.CodeInvalidRecipient, gateway.CodeInvalidAmount,
		gateway.CodeInvalidTxType, gateway.CodeZeroAddress, gateway.CodeInvalidCapRange:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
