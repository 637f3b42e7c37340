package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/unrolled/secure"

	"lotledger/backend/internal/domain"
	"lotledger/backend/internal/ledger"
	"lotledger/backend/internal/service"
	"lotledger/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin  string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	timeout       time.Duration
	logger        *slog.Logger
	validate      *validator.Validate
	pinLimiter    *attemptLimiter
	loginLimiter  func(http.Handler) http.Handler
	secure        *secure.Secure
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		timeout:       opts.RequestTimeout,
		logger:        opts.Logger,
		validate:      newValidator(),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		loginLimiter: httprate.Limit(5, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
			}),
		),
		secure: secure.New(secure.Options{
			FrameDeny:             true,
			ContentTypeNosniff:    true,
			ReferrerPolicy:        "strict-origin-when-cross-origin",
			ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		}),
	}
}

// attemptLimiter counts failed manager PIN attempts per key within a window.
type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		a.logRequests,
		middleware.Recoverer,
		a.secure.Handler,
		a.cors,
		middleware.RequestSize(maxBodyBytes),
		middleware.Timeout(a.timeout),
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	r.With(a.loginLimiter).Post("/api/v1/auth/login", a.handleLogin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Route("/qualities", func(r chi.Router) {
			r.Get("/", a.handleListQualities)
			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(domain.RoleAdmin))
				r.Post("/", a.handleCreateQuality)
				r.Patch("/{id}", a.handleUpdateQuality)
				r.Get("/{id}/cascade-preview", a.handlePreviewDeleteQuality)
				r.With(a.requireManagerPIN).Delete("/{id}", a.handleDeleteQuality)
			})
		})

		r.Route("/articles", func(r chi.Router) {
			r.Get("/", a.handleListArticles)
			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(domain.RoleAdmin))
				r.Post("/", a.handleCreateArticle)
				r.Patch("/{id}", a.handleUpdateArticle)
			})
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", a.handleListDeliveries)
			r.Get("/options", a.handleDeliveryOptions)
			r.Get("/{id}", a.handleGetDelivery)
			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(domain.RoleAdmin))
				r.Post("/", a.handleCreateDelivery)
				r.Patch("/{id}", a.handleUpdateDelivery)
				r.Get("/{id}/cascade-preview", a.handlePreviewDeleteDelivery)
				r.With(a.requireManagerPIN).Delete("/{id}", a.handleDeleteDelivery)
			})
		})

		r.Route("/sales", func(r chi.Router) {
			r.Get("/", a.handleListSales)
			r.Post("/", a.handleCreateSale)
			r.Get("/{id}", a.handleGetSale)
			r.Patch("/{id}", a.handleUpdateSaleNote)
			r.Post("/{id}/finalize", a.handleFinalizeSale)
			r.With(a.requireRole(domain.RoleAdmin), a.requireManagerPIN).Delete("/{id}", a.handleDeleteSale)
		})

		r.Get("/reports/transactions", a.handleReport)

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole(domain.RoleAdmin))
			r.Get("/audit-logs", a.handleAuditLogs)
			r.Get("/users/operators", a.handleListOperators)
			r.Post("/users/operators", a.handleCreateOperator)
		})
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, _ := service.ActorFromContext(r.Context())
			if !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireManagerPIN guards destructive routes with the X-Manager-PIN header.
func (a *API) requireManagerPIN(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := service.ActorFromContext(r.Context())
		if !a.pinLimiter.Allow("pin:" + actor.Username + ":" + clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get("X-Manager-PIN")) {
			writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Manager-PIN")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(startedAt)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, ErrInvalidCredentials) && !errors.Is(err, ErrInactiveAccount) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// decodeBody decodes and validates a request form.
func (a *API) decodeBody(r *http.Request, form any) error {
	if err := decodeJSON(r, form); err != nil {
		return err
	}
	return validateForm(a.validate, form)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func parseBool(raw string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && parsed
}

type errorBody struct {
	Error     string   `json:"error"`
	Code      string   `json:"code,omitempty"`
	Line      *int     `json:"line,omitempty"`
	Field     string   `json:"field,omitempty"`
	Required  *float64 `json:"required,omitempty"`
	Available *float64 `json:"available,omitempty"`
}

// writeServiceError maps service, store and ledger errors to a status and
// the structured error body.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var verr *ledger.Error
	switch {
	case errors.As(err, &verr):
		status := http.StatusUnprocessableEntity
		switch verr.Code {
		case ledger.CodeDeliveryLocked, ledger.CodeDuplicateDisplayID, ledger.CodeDuplicateName:
			status = http.StatusConflict
		}
		body := errorBody{Error: verr.Error(), Code: string(verr.Code), Field: verr.Field}
		if verr.Line >= 0 {
			line := verr.Line
			body.Line = &line
		}
		if verr.Code == ledger.CodeInsufficientRealStock || verr.Code == ledger.CodeInsufficientAccountingStock {
			required, available := verr.Required, verr.Available
			body.Required = &required
			body.Available = &available
		}
		writeJSON(w, status, body)
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrSaleNotDraft), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, store.ErrConcurrentModification):
		writeError(w, http.StatusServiceUnavailable, errors.New("stock changed concurrently, please retry"))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, errors.New("request timed out"))
	default:
		a.logger.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

// writeDecodeError reports a malformed body as 400 and a form that fails
// validation or parsing as 422.
func (a *API) writeDecodeError(w http.ResponseWriter, err error) {
	var verr *ledger.Error
	if errors.As(err, &verr) {
		a.writeServiceError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, err)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
