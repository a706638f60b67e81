package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pylon "github.com/eugener/pylon/internal"
	"github.com/eugener/pylon/internal/app"
	"github.com/eugener/pylon/internal/auth"
	"github.com/eugener/pylon/internal/policy"
	"github.com/eugener/pylon/internal/queue"
	"github.com/eugener/pylon/internal/ratelimit"
	"github.com/eugener/pylon/internal/storage"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// AdminDeps holds all dependencies for the admin server.
type AdminDeps struct {
	Auth     *auth.AdminAuth
	Keys     *app.KeyManager
	Store    storage.Store
	Policy   *policy.Service
	Stats    *app.StatsService
	Bank     *ratelimit.Bank
	Queue    *queue.Queue
	Registry *prometheus.Registry // nil = no /metrics route
}

// NewAdmin creates the admin http.Handler. Every route except /login
// and /health requires a bearer token issued by /login.
func NewAdmin(deps AdminDeps) http.Handler {
	a := &adminServer{deps: deps}

	r := chi.NewRouter()
	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)

	r.Post("/login", a.handleLogin)
	r.Get("/health", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(a.requireToken)

		r.Route("/api-keys", func(r chi.Router) {
			r.Get("/", a.handleListKeys)
			r.Post("/", a.handleCreateKey)
			r.Get("/count", a.handleCountKeys)
			r.Get("/{id}", a.handleGetKey)
			r.Put("/{id}", a.handleUpdateKey)
			r.Post("/{id}/revoke", a.handleRevokeKey)
			r.Post("/{id}/refresh", a.handleRefreshKey)
			r.Delete("/{id}", a.handleDeleteKey)
		})

		r.Route("/policy", func(r chi.Router) {
			r.Get("/", a.handleGetPolicy)
			r.Put("/", a.handlePutPolicy)
			r.Get("/export", a.handleExportPolicy)
			r.Post("/import", a.handleImportPolicy)
		})

		r.Get("/monitor", a.handleMonitor)

		r.Route("/stats", func(r chi.Router) {
			r.Get("/summary", a.handleStatsSummary)
			r.Get("/users", a.handleStatsUsers)
			r.Get("/users/{id}", a.handleStatsUser)
			r.Get("/apis", a.handleStatsAPIs)
			r.Get("/apis/*", a.handleStatsAPI)
			r.Get("/export", a.handleStatsExport)
		})

		if deps.Registry != nil {
			r.Get("/metrics", promhttp.HandlerFor(deps.Registry,
				promhttp.HandlerOpts{Registry: deps.Registry}).ServeHTTP)
		}
	})

	return r
}

type adminServer struct {
	deps AdminDeps
}

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, rejection{Code: "bad_request", Message: "Invalid request body"})
		return false
	}
	return true
}

// writeAdminError maps sentinel errors through the rejection table and
// logs anything unexpected server-side, returning a sanitized 500 so
// internal details (e.g. SQLite errors) never reach the client.
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := pylon.Rejection(err)
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, rejection{Code: code, Message: message})
}

// --- Auth ---

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token          string `json:"token"`
	ExpiresInHours int    `json:"expires_in_hours"`
}

func (a *adminServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := a.deps.Auth.Login(req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, rejection{Code: "unauthorized", Message: "Invalid password"})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:          token,
		ExpiresInHours: int(a.deps.Auth.TTL() / time.Hour),
	})
}

// requireToken verifies the admin bearer token.
func (a *adminServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeRejection(w, pylon.ErrUnauthorized)
			return
		}
		if err := a.deps.Auth.Verify(token); err != nil {
			writeRejection(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- API keys ---

// keyView decorates an APIKey with its derived validity.
type keyView struct {
	*pylon.APIKey
	IsValid bool `json:"is_valid"`
}

func viewOf(k *pylon.APIKey) keyView {
	return keyView{APIKey: k, IsValid: k.Valid(time.Now())}
}

func (a *adminServer) handleListKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keys, err := a.deps.Store.ListKeys(r.Context(),
		q.Get("include_revoked") == "true", q.Get("include_expired") == "true")
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, viewOf(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": views})
}

// keyCreateRequest is the payload for creating a new API key.
type keyCreateRequest struct {
	Description   string         `json:"description"`
	Priority      pylon.Priority `json:"priority"`
	ExpiresInDays *int           `json:"expires_in_days,omitempty"`
	Limits        *pylon.Rule    `json:"rate_limit_config,omitempty"`
}

// keyCreateResponse includes the raw key, shown only once.
type keyCreateResponse struct {
	keyView
	RawKey string `json:"key"`
}

func (a *adminServer) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	raw, key, err := a.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		Description:   req.Description,
		Priority:      req.Priority,
		ExpiresInDays: req.ExpiresInDays,
		Limits:        req.Limits,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyCreateResponse{keyView: viewOf(key), RawKey: raw})
}

func (a *adminServer) handleCountKeys(w http.ResponseWriter, r *http.Request) {
	counts, err := a.deps.Store.CountKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *adminServer) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.deps.Store.GetKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(key))
}

// keyUpdateRequest is a partial update; absent fields keep their value.
// rate_limit_config accepts an explicit null to drop the per-key
// override back to the policy default.
type keyUpdateRequest struct {
	Description *string         `json:"description,omitempty"`
	Priority    *pylon.Priority `json:"priority,omitempty"`
	ExpiresAt   *string         `json:"expires_at,omitempty"` // RFC3339
	Limits      json.RawMessage `json:"rate_limit_config,omitempty"`
}

func (a *adminServer) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var req keyUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	opts := app.UpdateKeyOpts{Description: req.Description, Priority: req.Priority}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, rejection{Code: "bad_request", Message: "Invalid expires_at, use RFC3339"})
			return
		}
		opts.ExpiresAt = &t
	}
	switch {
	case string(req.Limits) == "null":
		opts.ClearLimits = true
	case len(req.Limits) > 0:
		var rule pylon.Rule
		if err := json.Unmarshal(req.Limits, &rule); err != nil {
			writeJSON(w, http.StatusBadRequest, rejection{Code: "bad_request", Message: "Invalid rate_limit_config"})
			return
		}
		opts.Limits = &rule
	}

	key, err := a.deps.Keys.UpdateKey(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(key))
}

func (a *adminServer) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.deps.Keys.RevokeKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(key))
}

func (a *adminServer) handleRefreshKey(w http.ResponseWriter, r *http.Request) {
	raw, key, err := a.deps.Keys.RefreshKey(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":         key.ID,
		"key":        raw,
		"key_prefix": key.KeyPrefix,
	})
}

func (a *adminServer) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Keys.DeleteKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Policy ---

func (a *adminServer) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	values, err := a.deps.Policy.All(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (a *adminServer) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if !decodeJSON(w, r, &values) {
		return
	}
	if err := a.deps.Policy.SetMany(r.Context(), values); err != nil {
		writeAdminError(w, r, err)
		return
	}
	updated, err := a.deps.Policy.All(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *adminServer) handleExportPolicy(w http.ResponseWriter, r *http.Request) {
	doc, err := a.deps.Policy.ExportYAML(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="pylon-policy.yaml"`)
	w.WriteHeader(http.StatusOK)
	w.Write(doc) //nolint:errcheck
}

func (a *adminServer) handleImportPolicy(w http.ResponseWriter, r *http.Request) {
	doc, err := readAll(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rejection{Code: "bad_request", Message: "Invalid request body"})
		return
	}
	diff, err := a.deps.Policy.ParseImport(r.Context(), doc)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	applied := r.URL.Query().Get("apply") == "true"
	if applied {
		if err := a.deps.Policy.ApplyImport(r.Context(), diff); err != nil {
			writeAdminError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": diff, "applied": applied})
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	doc, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody+1))
	if err != nil {
		return nil, err
	}
	if len(doc) > maxAdminBody {
		return nil, errors.New("body too large")
	}
	return doc, nil
}

// --- Monitor ---

func (a *adminServer) handleMonitor(w http.ResponseWriter, _ *http.Request) {
	snap := a.deps.Bank.Snapshot(time.Now())
	writeJSON(w, http.StatusOK, map[string]int{
		"global_concurrent":           snap.GlobalConcurrent,
		"global_sse_connections":      snap.GlobalSSE,
		"global_requests_this_minute": snap.GlobalPerMinute,
		"queue_size":                  a.deps.Queue.Len(),
	})
}

// --- Stats ---

// statsFilter parses optional start_time / end_time RFC3339 query params.
func statsFilter(w http.ResponseWriter, r *http.Request) (storage.LogFilter, bool) {
	var f storage.LogFilter
	q := r.URL.Query()
	for param, dst := range map[string]*time.Time{
		"start_time": &f.Start,
		"end_time":   &f.End,
	} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				rejection{Code: "bad_request", Message: "Invalid " + param + ", use RFC3339"})
			return f, false
		}
		*dst = t
	}
	return f, true
}

func (a *adminServer) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	f, ok := statsFilter(w, r)
	if !ok {
		return
	}
	summary, err := a.deps.Stats.Summary(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *adminServer) handleStatsUsers(w http.ResponseWriter, r *http.Request) {
	f, ok := statsFilter(w, r)
	if !ok {
		return
	}
	users, err := a.deps.Stats.Users(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if users == nil {
		users = []storage.KeyAggregate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *adminServer) handleStatsUser(w http.ResponseWriter, r *http.Request) {
	f, ok := statsFilter(w, r)
	if !ok {
		return
	}
	f.KeyID = chi.URLParam(r, "id")
	summary, err := a.deps.Stats.Summary(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_key_id": f.KeyID, "stats": summary})
}

func (a *adminServer) handleStatsAPIs(w http.ResponseWriter, r *http.Request) {
	f, ok := statsFilter(w, r)
	if !ok {
		return
	}
	apis, err := a.deps.Stats.APIs(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if apis == nil {
		apis = []storage.APIAggregate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": apis})
}

func (a *adminServer) handleStatsAPI(w http.ResponseWriter, r *http.Request) {
	f, ok := statsFilter(w, r)
	if !ok {
		return
	}
	identifier, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || identifier == "" {
		writeAdminError(w, r, pylon.ErrBadRequest)
		return
	}
	f.API = identifier
	summary, err := a.deps.Stats.Summary(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_identifier": identifier, "stats": summary})
}

func (a *adminServer) handleStatsExport(w http.ResponseWriter, r *http.Request) {
	f, ok := statsFilter(w, r)
	if !ok {
		return
	}
	format := app.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = app.ExportJSON
	}
	if !format.Valid() {
		writeJSON(w, http.StatusBadRequest, rejection{Code: "bad_request", Message: "Unknown format, use json, csv, or html"})
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+format.Filename()+`"`)
	if err := a.deps.Stats.Export(r.Context(), w, f, format); err != nil && !errors.Is(err, context.Canceled) {
		slog.LogAttrs(r.Context(), slog.LevelError, "stats export failed",
			slog.String("error", err.Error()),
		)
	}
}
