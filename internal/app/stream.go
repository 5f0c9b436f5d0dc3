package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/routing"
	"github.com/tollgate-io/tollgate/internal/tokencount"
)

// StreamUsage is the usage block on the terminal stream event.
type StreamUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamError is the error block on a failure event.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StreamEvent is one SSE payload. Content events carry done:false; the
// terminal event carries done:true plus usage and provider; a mid-stream
// failure event carries only the error block.
type StreamEvent struct {
	ID       string       `json:"id,omitempty"`
	Model    string       `json:"model,omitempty"`
	Created  int64        `json:"created,omitempty"`
	Content  string       `json:"content"`
	Done     bool         `json:"done"`
	Usage    *StreamUsage `json:"usage,omitempty"`
	Provider string       `json:"provider,omitempty"`
	Error    *StreamError `json:"error,omitempty"`
}

// MarshalJSON collapses failure events to the bare error block so the
// wire frame is exactly {"error":{"code":...,"message":...}}.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	if e.Error != nil {
		return json.Marshal(struct {
			Error *StreamError `json:"error"`
		}{e.Error})
	}
	type plain StreamEvent
	return json.Marshal(plain(e))
}

// EmitFunc writes one event to the client. A non-nil return means the
// client is gone; the orchestrator stops and cancels the request.
type EmitFunc func(StreamEvent) error

// errClientGone marks an emit failure, distinguishing client disconnect
// from provider failure on the exit path.
var errClientGone = errors.New("client disconnected")

// Stream runs the streaming pipeline. The cache is always bypassed. The
// returned Outcome reflects the provider that actually served content.
func (s *ChatService) Stream(ctx context.Context, req *gateway.ChatRequest, emit EmitFunc) (*Outcome, error) {
	tenant, err := s.resolveTenant(ctx)
	if err != nil {
		return nil, err
	}

	decision, model := s.route(tenant.Tier)
	if decision.Reason == routing.ReasonPrimaryUnhealthy {
		s.emitSwap(routing.ReasonPrimaryUnhealthy, decision.FallbackProvider, decision.Provider)
	}

	out := &Outcome{
		Model:       model,
		Provider:    decision.Provider,
		RouteReason: decision.Reason,
		CacheState:  CacheBypass,
	}

	row := &gateway.Request{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TenantID:       tenant.ID,
		Model:          model,
		Status:         gateway.StatusInProgress,
		RequestPayload: gateway.MarshalPayload(req),
		CreatedAt:      time.Now().UTC(),
	}
	out.RequestID = row.ID
	if err := s.store.CreateRequest(ctx, row); err != nil {
		return nil, fmt.Errorf("create request row: %w", err)
	}
	started := time.Now()

	outReq := *req
	outReq.Model = model
	outReq.Stream = true

	usedProvider := decision.Provider
	chunks, err := s.openProviderStream(ctx, &outReq, decision.Provider)
	if err != nil {
		s.health.Record(decision.Provider, false)
		s.countProviderError(decision.Provider, "stream")
		if decision.FallbackProvider == "" {
			s.fail(ctx, tenant, row, started)
			return nil, err
		}
		s.emitSwap(reasonPrimaryError, decision.Provider, decision.FallbackProvider)
		usedProvider = decision.FallbackProvider
		chunks, err = s.openProviderStream(ctx, &outReq, usedProvider)
		if err != nil {
			s.health.Record(usedProvider, false)
			s.countProviderError(usedProvider, "stream")
			s.fail(ctx, tenant, row, started)
			return nil, err
		}
	}
	out.Provider = usedProvider

	relay := streamRelay{
		svc:      s,
		tenant:   tenant,
		req:      &outReq,
		row:      row,
		out:      out,
		emit:     emit,
		started:  started,
		respID:   uuid.NewString(),
		created:  time.Now().Unix(),
		decision: decision,
	}
	return out, relay.run(ctx, chunks, usedProvider)
}

func (s *ChatService) openProviderStream(ctx context.Context, req *gateway.ChatRequest, name string) (<-chan provider.Chunk, error) {
	p, err := s.providers.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrProviderError, err)
	}
	return p.Stream(ctx, req)
}

// streamRelay carries the mutable state of one streaming request.
type streamRelay struct {
	svc      *ChatService
	tenant   *gateway.Tenant
	req      *gateway.ChatRequest
	row      *gateway.Request
	out      *Outcome
	emit     EmitFunc
	started  time.Time
	respID   string
	created  int64
	decision routing.Decision
}

func (r *streamRelay) run(ctx context.Context, chunks <-chan provider.Chunk, providerName string) error {
	var content strings.Builder
	yielded := false
	switched := providerName != r.decision.Provider

	for {
		select {
		case <-ctx.Done():
			r.cancel(ctx)
			return ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				// Closed without a done marker; account what we have.
				r.svc.health.Record(providerName, true)
				return r.finish(ctx, providerName, content.String(), 0, 0)
			}

			if chunk.Err != nil {
				r.svc.health.Record(providerName, false)
				r.svc.countProviderError(providerName, "stream")
				if !yielded && !switched && r.decision.FallbackProvider != "" {
					// Nothing reached the client; restart on the fallback.
					r.svc.emitSwap(reasonPrimaryError, providerName, r.decision.FallbackProvider)
					next, err := r.svc.openProviderStream(ctx, r.req, r.decision.FallbackProvider)
					if err != nil {
						r.svc.health.Record(r.decision.FallbackProvider, false)
						r.svc.countProviderError(r.decision.FallbackProvider, "stream")
						r.svc.fail(ctx, r.tenant, r.row, r.started)
						return err
					}
					providerName = r.decision.FallbackProvider
					r.out.Provider = providerName
					chunks = next
					switched = true
					continue
				}
				// Content already left the gateway; surface a terminal
				// error event instead of switching providers.
				r.emit(StreamEvent{Error: &StreamError{ //nolint:errcheck
					Code:    "stream_error",
					Message: "Stream failed",
				}})
				r.svc.fail(ctx, r.tenant, r.row, r.started)
				return fmt.Errorf("%w: %s", gateway.ErrProviderError, chunk.Err)
			}

			if chunk.Done {
				r.svc.health.Record(providerName, true)
				return r.finish(ctx, providerName, content.String(),
					chunk.PromptTokens, chunk.CompletionTokens)
			}

			content.WriteString(chunk.Content)
			ev := StreamEvent{
				ID:      r.respID,
				Model:   r.out.Model,
				Created: r.created,
				Content: chunk.Content,
			}
			if err := r.emit(ev); err != nil {
				r.cancel(ctx)
				return fmt.Errorf("%w: %s", errClientGone, err)
			}
			yielded = true
		}
	}
}

// finish emits the terminal event and accounts the request.
func (r *streamRelay) finish(ctx context.Context, providerName, content string, promptTokens, completionTokens int) error {
	if promptTokens+completionTokens == 0 {
		// Upstream did not report usage; estimate over prompt plus output.
		var prompt strings.Builder
		for _, m := range r.req.Messages {
			prompt.WriteString(m.Content)
		}
		completionTokens = tokencount.Estimate(prompt.String() + content)
	}
	total := promptTokens + completionTokens
	cost := r.svc.prices.Cost(r.out.Model, promptTokens, completionTokens, 0)

	terminal := StreamEvent{
		ID:      r.respID,
		Model:   r.out.Model,
		Created: r.created,
		Content: "",
		Done:    true,
		Usage: &StreamUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      total,
		},
		Provider: providerName,
	}
	if err := r.emit(terminal); err != nil {
		r.cancel(ctx)
		return fmt.Errorf("%w: %s", errClientGone, err)
	}

	resp := &gateway.ChatResponse{
		ID:      r.respID,
		Model:   r.out.Model,
		Created: r.created,
		Content: content,
	}
	return r.svc.finalize(ctx, r.tenant, r.row, resp, r.started,
		promptTokens, completionTokens, cost, r.out)
}

// cancel marks the row canceled and skips usage accounting.
func (r *streamRelay) cancel(ctx context.Context) {
	now := time.Now().UTC()
	r.row.Status = gateway.StatusCanceled
	r.row.LatencyMs = time.Since(r.started).Milliseconds()
	r.row.CompletedAt = &now
	if err := r.svc.store.FinishRequest(context.WithoutCancel(ctx), r.row); err != nil {
		r.svc.logger.LogAttrs(ctx, slog.LevelError, "failed to mark request canceled",
			slog.String("request_id", r.row.ID),
			slog.String("error", err.Error()))
	}
	if r.svc.metrics != nil {
		r.svc.metrics.TenantRequests.WithLabelValues(r.tenant.Name, gateway.StatusCanceled).Inc()
	}
}
