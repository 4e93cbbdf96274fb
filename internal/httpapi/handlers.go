package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"signals.org/internal/auth"
	"signals.org/internal/federation"
	"signals.org/internal/notify"
	"signals.org/internal/obs"
	"signals.org/internal/users"
)

const serviceName = "signals-users"

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the store behind the API. A nil store is always ready.
type ReadyProbe struct {
	Store Pinger
}

// Check pings the store.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Deps are the collaborators the HTTP layer is built from.
type Deps struct {
	Users        *users.Service
	Gate         *auth.Gate
	AllowedRoles auth.RoleSet
	Notifier     *notify.Emitter
	Ready        ReadyProbe
	Version      string

	// Federated login; both nil disables /api/g_login and /api/g_authorize.
	Federation          federation.Provider
	Sealer              *auth.Sealer
	FrontendRedirectURL string
	SecureCookies       bool

	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
	// Key rate limits on X-Forwarded-For; only set behind a trusted proxy.
	TrustProxyHeaders bool
	Logger            *slog.Logger
}

// API is the HTTP surface of the user service.
type API struct {
	mux     *http.ServeMux
	deps    Deps
	limiter *rateLimiter
	logger  *slog.Logger
}

// New registers every route. Call Close to stop background work.
func New(d Deps) *API {
	if d.RateBurst <= 0 {
		d.RateBurst = 50
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 20
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	if d.Logger == nil {
		d.Logger = obs.Logger()
	}
	a := &API{
		mux:     http.NewServeMux(),
		deps:    d,
		limiter: newRateLimiter(d.RateBurst, d.RatePerSec, d.TrustProxyHeaders),
		logger:  d.Logger,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /api/registration", a.Register)
	a.mux.HandleFunc("POST /api/login", a.Login)
	a.mux.HandleFunc("GET /api/g_login", a.FederatedStart)
	a.mux.HandleFunc("GET /api/g_authorize", a.FederatedCallback)

	a.mux.HandleFunc("GET /api/users", a.QueryUsers)
	a.mux.HandleFunc("POST /api/users", a.CreateUser)
	a.mux.HandleFunc("GET /api/users/{id}", a.GetUser)
	a.mux.HandleFunc("PUT /api/users/{id}", a.UpdateUser)
	a.mux.HandleFunc("DELETE /api/users/{id}", a.DeleteUser)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not found")
	})
	return a
}

// Handler returns the fully wrapped handler. The access gate runs after the
// transport middleware and before routing, so unknown paths are gated too.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withGate(h)
	h = MaxBodyBytes(h, a.deps.MaxBodyBytes)
	h = a.limiter.Middleware(h)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = Logging(a.logger, h)
	h = RequestID(h)
	return h
}

// Close stops the rate limiter janitor.
func (a *API) Close() {
	a.limiter.Close()
}

// Healthz reports liveness and the running version.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

// Ready reports readiness and updates the ready gauge.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		a.logger.WarnContext(r.Context(), "readiness check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready"})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

type envelope struct {
	Data    any    `json:"data"`
	Message string `json:"message"`
}

type errorBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any, msg string) {
	writeJSON(w, code, envelope{Data: data, Message: msg})
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Message: msg})
}

// writeError renders a flow error. Dependency details stay in the logs.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := users.AsError(err); ok {
		if e.Kind == users.KindDependency {
			a.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		}
		writeMessage(w, e.Kind.Status(), e.Message)
		return
	}
	a.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	writeMessage(w, http.StatusInternalServerError, users.MsgInternal)
}

var errTrailingData = errors.New("unexpected data after JSON body")

// decodeJSON reads at most one JSON value and rejects unknown fields. An
// empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if errors.Is(err, io.EOF) {
		return true
	}
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errTrailingData
	}
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeMessage(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	writeMessage(w, http.StatusBadRequest, users.MsgInvalidData)
	return false
}
