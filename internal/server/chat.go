package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/app"
)

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeBadRequest, "invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeBadRequest, err.Error()))
		return
	}

	if req.Stream {
		s.streamChat(w, r, &req)
		return
	}

	resp, out, err := s.deps.Chat.Complete(r.Context(), &req)
	if err != nil {
		status, code := errorStatus(err)
		writeJSON(w, status, errorResponse(code, err.Error()))
		return
	}

	setOutcomeHeaders(w, out)
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeBadRequest, "invalid request body: "+err.Error()))
		return
	}
	req.Stream = true
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(codeBadRequest, err.Error()))
		return
	}
	s.streamChat(w, r, &req)
}

// streamChat relays orchestrator events as SSE frames. Headers are deferred
// until the first event so pre-stream failures can still produce a JSON
// error response with a real status code.
func (s *server) streamChat(w http.ResponseWriter, r *http.Request, req *gateway.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		writeJSON(w, http.StatusInternalServerError, errorResponse(codeInternal, "streaming unsupported"))
		return
	}

	wrote := false
	emit := func(ev app.StreamEvent) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if !wrote {
			writeSSEHeaders(w)
			wrote = true
		}
		if err := writeSSEData(w, b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := s.deps.Chat.Stream(r.Context(), req, emit)
	if !wrote {
		if err != nil {
			status, code := errorStatus(err)
			writeJSON(w, status, errorResponse(code, err.Error()))
			return
		}
		writeSSEHeaders(w)
	}
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "stream ended with error",
			slog.String("error", err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
	}
	writeSSEDone(w)
	flusher.Flush()
}

// Pre-allocated outcome header keys in canonical MIME form; direct map
// assignment skips per-request canonicalization.
const (
	headerModelChosen = "X-Model-Chosen"
	headerRouteReason = "X-Route-Reason"
	headerProvider    = "X-Provider"
	headerCache       = "X-Cache"
)

func setOutcomeHeaders(w http.ResponseWriter, out *app.Outcome) {
	h := w.Header()
	h[headerModelChosen] = []string{out.Model}
	h[headerRouteReason] = []string{out.RouteReason}
	h[headerProvider] = []string{out.Provider}
	h[headerCache] = []string{out.CacheState}
}

// Stable wire error codes.
const (
	codeUnauthorized         = "unauthorized"
	codeForbidden            = "forbidden"
	codeNotFound             = "not_found"
	codeConflict             = "conflict"
	codeRateLimited          = "rate_limited"
	codeQuotaExceeded        = "quota_exceeded"
	codeRateLimitUnavailable = "rate_limit_unavailable"
	codeBadRequest           = "bad_request"
	codeInternal             = "internal_error"
)

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(code, msg string) apiError {
	var e apiError
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

// errorStatus maps a domain error to its HTTP status and wire code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, codeUnauthorized
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict, codeConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, codeRateLimited
	case errors.Is(err, gateway.ErrQuotaExceeded):
		return http.StatusTooManyRequests, codeQuotaExceeded
	case errors.Is(err, gateway.ErrRateLimitUnavailable):
		return http.StatusServiceUnavailable, codeRateLimitUnavailable
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest, codeBadRequest
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
