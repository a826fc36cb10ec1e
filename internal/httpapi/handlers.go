package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"scriptgate.org/internal/accounts"
	"scriptgate.org/internal/audit"
	"scriptgate.org/internal/auth"
	"scriptgate.org/internal/backup"
	"scriptgate.org/internal/catalog"
	"scriptgate.org/internal/integrity"
	"scriptgate.org/internal/keys"
	"scriptgate.org/internal/ledger"
	"scriptgate.org/internal/obs"
	"scriptgate.org/internal/stream"
)

const serviceName = "scriptgate-api"

// Pinger is satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks that the service can reach its dependencies.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Services are the domain components the API exposes.
type Services struct {
	Signer    *auth.Signer
	Accounts  *accounts.Service
	Keys      *keys.Registry
	Pending   *keys.TokenIssuer
	Catalog   *catalog.Catalog
	Ledger    *ledger.Coordinator
	Audit     *audit.Log
	Stream    *stream.Stream
	Integrity *integrity.Validator
	Backups   *backup.Coordinator
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        Services

	tokenTTL     time.Duration
	ratePerSec   float64
	rateBurst    int
	maxBodyBytes int64
}

// Option tunes the API.
type Option func(*API)

// WithTokenTTL sets the lifetime of bearer tokens issued by /v1/auth/token.
func WithTokenTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.tokenTTL = d
		}
	}
}

// WithRateLimit sets the per-client request budget.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(rp ReadyProbe, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		readyProbe:   rp,
		version:      version,
		svc:          svc,
		tokenTTL:     12 * time.Hour,
		ratePerSec:   20,
		rateBurst:    40,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// sign-in and enrollment
	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	a.mux.HandleFunc("POST /v1/keys/redeem", a.handleRedeemKey)
	a.mux.HandleFunc("POST /v1/enrollments", a.handleEnroll)

	// access keys
	a.mux.Handle("POST /v1/keys", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleIssueKey)))
	a.mux.Handle("GET /v1/keys", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleListKeys)))

	// catalog
	a.mux.HandleFunc("GET /v1/resources", a.handleListResources)
	a.mux.Handle("POST /v1/resources", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleAddResource)))
	a.mux.Handle("POST /v1/resources/seed", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleSeedResources)))
	a.mux.Handle("POST /v1/resources/{id}/toggle", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleToggleResource)))
	a.mux.Handle("DELETE /v1/resources/{id}", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleDeleteResource)))

	// accounts and access
	a.mux.Handle("GET /v1/accounts", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleListAccounts)))
	a.mux.HandleFunc("GET /v1/accounts/{id}/access", a.handleAccess)
	a.mux.HandleFunc("POST /v1/accounts/{id}/identity", a.handleValidateIdentity)
	a.mux.HandleFunc("POST /v1/accounts/{id}/grant", a.handleGrant)
	a.mux.HandleFunc("POST /v1/accounts/{id}/revoke", a.handleRevoke)

	// audit
	a.mux.HandleFunc("GET /v1/audit", a.handleListAudit)
	a.mux.HandleFunc("GET /v1/audit/stream", a.Stream)

	// maintenance
	a.mux.Handle("POST /v1/integrity/validate", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleValidate)))
	a.mux.Handle("GET /v1/integrity/health", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleHealth)))
	a.mux.Handle("GET /v1/backups", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleListBackups)))
	a.mux.Handle("POST /v1/backups", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleCreateBackup)))
	a.mux.Handle("POST /v1/backups/restore", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handleRestoreBackup)))
	a.mux.Handle("POST /v1/backups/prune", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handlePruneBackups)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Warn("audit_log_failed", map[string]any{"event": event, "error": err})
	}
}
