package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeBadRequest, "invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, status, errorResponse(code, "not found"))
	case errors.Is(err, gateway.ErrConflict):
		writeJSON(w, status, errorResponse(code, "conflict"))
	case errors.Is(err, gateway.ErrBadRequest):
		writeJSON(w, status, errorResponse(code, err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse(codeInternal, "internal error"))
	}
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseSinceUntil validates optional since/until RFC3339 query params.
// SQLite datetime() silently returns NULL on malformed strings, producing
// empty results instead of a clear error, so validate upfront.
func parseSinceUntil(w http.ResponseWriter, r *http.Request) (since, until string, ok bool) {
	q := r.URL.Query()
	since, until = q.Get("since"), q.Get("until")
	if since != "" {
		if _, err := time.Parse(time.RFC3339, since); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(codeBadRequest, "invalid since format, use RFC3339"))
			return "", "", false
		}
	}
	if until != "" {
		if _, err := time.Parse(time.RFC3339, until); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(codeBadRequest, "invalid until format, use RFC3339"))
			return "", "", false
		}
	}
	return since, until, true
}

// --- Tenants ---

type tenantCreateRequest struct {
	Name string `json:"name"`
	Tier string `json:"tier,omitempty"`
}

func (s *server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := gateway.TenantFromContext(r.Context())
	tenant, err := s.deps.Admin.CreateTenant(r.Context(), actor, req.Name, req.Tier)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (s *server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	tenants, err := s.deps.Admin.ListTenants(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if tenants == nil {
		tenants = []*gateway.Tenant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": tenants})
}

// --- Keys ---

// keyView masks the key hash down to its last 6 characters.
type keyView struct {
	*gateway.APIKey
	KeyLast6 string `json:"key_last6"`
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	keyView
	PlaintextKey string `json:"key"`
}

func maskKeys(keys []*gateway.APIKey) []keyView {
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView{APIKey: k, KeyLast6: k.KeyLast6()})
	}
	return views
}

func (s *server) handleMintKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := gateway.TenantFromContext(r.Context())
	plaintext, key, err := s.deps.Admin.MintKey(r.Context(), actor, chi.URLParam(r, "name"), req.Name)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		keyView:      keyView{APIKey: key, KeyLast6: key.KeyLast6()},
		PlaintextKey: plaintext,
	})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	keys, err := s.deps.Admin.ListKeys(r.Context(), chi.URLParam(r, "name"), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": maskKeys(keys)})
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key    string `json:"key"`
		Reason string `json:"reason,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := gateway.TenantFromContext(r.Context())
	key, err := s.deps.Admin.RevokeByPlaintext(r.Context(), actor, req.Key, req.Reason)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keyView{APIKey: key, KeyLast6: key.KeyLast6()})
}

func (s *server) handleRevokeKeyByName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Reason string `json:"reason,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := gateway.TenantFromContext(r.Context())
	key, err := s.deps.Admin.RevokeByName(r.Context(), actor, chi.URLParam(r, "name"), req.Name, req.Reason)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, keyView{APIKey: key, KeyLast6: key.KeyLast6()})
}

func (s *server) handleRotateAdminKey(w http.ResponseWriter, r *http.Request) {
	actor := gateway.TenantFromContext(r.Context())
	plaintext, key, err := s.deps.Admin.RotateAdminKey(r.Context(), actor)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		keyView:      keyView{APIKey: key, KeyLast6: key.KeyLast6()},
		PlaintextKey: plaintext,
	})
}

// --- Limits, health, usage ---

type limitsRequest struct {
	Tenant              string   `json:"tenant"`
	TokenLimitPerDay    *int64   `json:"token_limit_per_day,omitempty"`
	SpendLimitPerDayUSD *float64 `json:"spend_limit_per_day_usd,omitempty"`
}

func (s *server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var req limitsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tenant == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeBadRequest, "tenant is required"))
		return
	}
	actor := gateway.TenantFromContext(r.Context())
	tenant, err := s.deps.Admin.SetLimits(r.Context(), actor, req.Tenant, req.TokenLimitPerDay, req.SpendLimitPerDayUSD)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func (s *server) handleHealthReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Chat.ResetHealth()
	s.deps.Admin.RecordHealthReset(r.Context(), gateway.TenantFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseSinceUntil(w, r)
	if !ok {
		return
	}
	rows, err := s.deps.Admin.UsageSummary(r.Context(), chi.URLParam(r, "name"), since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}
