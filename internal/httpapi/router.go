package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/luminalpark/3cx-translator/internal/eventlog"
	"github.com/luminalpark/3cx-translator/internal/language"
	"github.com/luminalpark/3cx-translator/internal/provider"
	"github.com/luminalpark/3cx-translator/internal/relay"
)

type RouterConfig struct {
	// Client authentication. With neither set every client is accepted.
	AuthToken string
	JWTSecret string
	JWTExpiry time.Duration

	// Defaults for new sessions
	Session relay.Config
}

type Router struct {
	cfg      RouterConfig
	logger   *zap.SugaredLogger
	provider provider.Provider
	eventLog *eventlog.Logger
	sessions *relay.Registry
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *zap.SugaredLogger, p provider.Provider, eventLog *eventlog.Logger, sessions *relay.Registry) http.Handler {
	if cfg.JWTExpiry <= 0 {
		cfg.JWTExpiry = time.Hour
	}
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		provider: p,
		eventLog: eventLog,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /languages", r.handleLanguages)

	// Auth (shared secret in, short-lived JWT out)
	r.mux.HandleFunc("POST /auth/token", r.handleIssueToken)

	// Translation sessions
	r.mux.HandleFunc("GET /ws/translate", r.handleTranslateWS)
	r.mux.HandleFunc("GET /ws", r.handleTranslateWS)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports 503 while draining so load balancers stop routing
// new sessions here.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if r.sessions.IsDraining() {
		status = "draining"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              status,
		"provider":            r.provider.Name(),
		"model":               r.provider.Model(),
		"voice":               r.provider.Voice(),
		"supported_languages": language.Supported,
		"active_sessions":     r.sessions.Count(),
		"sample_rate":         r.cfg.Session.ClientRate,
		"auth_required":       r.authRequired(),
	})
}

func (r *Router) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	sources := append([]string{language.Auto}, language.Supported...)
	writeJSON(w, http.StatusOK, map[string]any{
		"languages": language.Names(),
		"sources":   sources,
		"targets":   language.Supported,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
