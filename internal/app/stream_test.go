package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/routing"
	"github.com/tollgate-io/tollgate/internal/testutil"
)

// collectEvents returns an EmitFunc appending into the given slice.
func collectEvents(events *[]StreamEvent) EmitFunc {
	return func(ev StreamEvent) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestStreamHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var events []StreamEvent
	out, err := f.svc.Stream(f.ctx(), zeroTempReq(), collectEvents(&events))
	require.NoError(t, err)
	require.NotEmpty(t, events)

	assert.Equal(t, routing.ProviderPrimary, out.Provider)
	assert.Equal(t, CacheBypass, out.CacheState, "streams never touch the cache")

	var content strings.Builder
	for _, ev := range events[:len(events)-1] {
		assert.False(t, ev.Done)
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, out.Model, ev.Model)
		content.WriteString(ev.Content)
	}
	assert.Equal(t, "mock response", content.String())

	terminal := events[len(events)-1]
	assert.True(t, terminal.Done)
	require.NotNil(t, terminal.Usage)
	assert.Equal(t, terminal.Usage.PromptTokens+terminal.Usage.CompletionTokens,
		terminal.Usage.TotalTokens)
	assert.Equal(t, routing.ProviderPrimary, terminal.Provider)

	row, err := f.store.GetRequest(context.Background(), out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCompleted, row.Status)
	assert.Equal(t, terminal.Usage.TotalTokens, row.TotalTokens)
	assert.Len(t, f.store.UsageEvents(), 1)
}

func TestStreamClientGoneCancelsRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	emitted := 0
	emit := func(StreamEvent) error {
		emitted++
		if emitted > 1 {
			return errors.New("broken pipe")
		}
		return nil
	}

	out, err := f.svc.Stream(f.ctx(), zeroTempReq(), emit)
	require.Error(t, err)

	row, rerr := f.store.GetRequest(context.Background(), out.RequestID)
	require.NoError(t, rerr)
	assert.Equal(t, gateway.StatusCanceled, row.Status)
	assert.NotNil(t, row.CompletedAt)
	assert.Empty(t, f.store.UsageEvents(), "canceled streams record no usage")
}

func TestStreamContextCanceled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// A stream that never produces keeps the relay blocked on the context.
	stuck := func(context.Context, *gateway.ChatRequest) (<-chan provider.Chunk, error) {
		return make(chan provider.Chunk), nil
	}
	f.registry.Register(routing.ProviderPrimary, &testutil.FakeProvider{ProviderName: "stuck", StreamFn: stuck})

	ctx, cancel := context.WithCancel(f.ctx())
	cancel()

	var events []StreamEvent
	out, err := f.svc.Stream(ctx, zeroTempReq(), collectEvents(&events))
	require.ErrorIs(t, err, context.Canceled)

	row, rerr := f.store.GetRequest(context.Background(), out.RequestID)
	require.NoError(t, rerr)
	assert.Equal(t, gateway.StatusCanceled, row.Status)
	assert.Empty(t, f.store.UsageEvents())
}

func TestStreamErrorAfterYieldEmitsErrorEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	midFail := func(context.Context, *gateway.ChatRequest) (<-chan provider.Chunk, error) {
		ch := make(chan provider.Chunk, 2)
		ch <- provider.Chunk{Content: "partial "}
		ch <- provider.Chunk{Err: errors.New("connection reset")}
		close(ch)
		return ch, nil
	}
	f.registry.Register(routing.ProviderPrimary, &testutil.FakeProvider{ProviderName: "flaky", StreamFn: midFail})

	var events []StreamEvent
	out, err := f.svc.Stream(f.ctx(), zeroTempReq(), collectEvents(&events))
	require.ErrorIs(t, err, gateway.ErrProviderError)

	// Content already left the gateway, so no provider switch happens; the
	// client sees a terminal error event instead.
	last := events[len(events)-1]
	require.NotNil(t, last.Error)
	assert.Equal(t, "stream_error", last.Error.Code)
	assert.Equal(t, "Stream failed", last.Error.Message)

	row, rerr := f.store.GetRequest(context.Background(), out.RequestID)
	require.NoError(t, rerr)
	assert.Equal(t, gateway.StatusFailed, row.Status)
	assert.Empty(t, f.store.UsageEvents())
}

func TestStreamErrorBeforeYieldSwitchesProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// First chunk is already an error; nothing reached the client yet.
	earlyFail := func(context.Context, *gateway.ChatRequest) (<-chan provider.Chunk, error) {
		ch := make(chan provider.Chunk, 1)
		ch <- provider.Chunk{Err: errors.New("upstream gone")}
		close(ch)
		return ch, nil
	}
	f.registry.Register(routing.ProviderPrimary, &testutil.FakeProvider{ProviderName: "dying", StreamFn: earlyFail})

	var events []StreamEvent
	out, err := f.svc.Stream(f.ctx(), zeroTempReq(), collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, routing.ProviderFallback, out.Provider)

	var content strings.Builder
	for _, ev := range events {
		content.WriteString(ev.Content)
	}
	assert.Equal(t, "mock response", content.String(), "client only sees fallback output")

	row, rerr := f.store.GetRequest(context.Background(), out.RequestID)
	require.NoError(t, rerr)
	assert.Equal(t, gateway.StatusCompleted, row.Status)
	assert.Len(t, f.store.UsageEvents(), 1)
}

func TestStreamOpenErrorFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	refuse := func(context.Context, *gateway.ChatRequest) (<-chan provider.Chunk, error) {
		return nil, errors.New("connection refused")
	}
	f.registry.Register(routing.ProviderPrimary, &testutil.FakeProvider{ProviderName: "down", StreamFn: refuse})

	var events []StreamEvent
	out, err := f.svc.Stream(f.ctx(), zeroTempReq(), collectEvents(&events))
	require.NoError(t, err)
	assert.Equal(t, routing.ProviderFallback, out.Provider)
	assert.Greater(t, f.health.ErrorRate(routing.ProviderPrimary), 0.0)
}

func TestStreamBothProvidersFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	refuse := func(context.Context, *gateway.ChatRequest) (<-chan provider.Chunk, error) {
		return nil, errors.New("connection refused")
	}
	f.registry.Register(routing.ProviderPrimary, &testutil.FakeProvider{ProviderName: "p", StreamFn: refuse})
	f.registry.Register(routing.ProviderFallback, &testutil.FakeProvider{ProviderName: "f", StreamFn: refuse})

	var events []StreamEvent
	out, err := f.svc.Stream(f.ctx(), zeroTempReq(), collectEvents(&events))
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Empty(t, events)

	rows, err := f.store.ListRequests(context.Background(), f.tenant.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, gateway.StatusFailed, rows[0].Status)
}

func TestStreamEstimatesUsageWhenUpstreamOmitsIt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Content then close, no done marker and no usage.
	silent := func(context.Context, *gateway.ChatRequest) (<-chan provider.Chunk, error) {
		ch := make(chan provider.Chunk, 1)
		ch <- provider.Chunk{Content: "some output text"}
		close(ch)
		return ch, nil
	}
	f.registry.Register(routing.ProviderPrimary, &testutil.FakeProvider{ProviderName: "terse", StreamFn: silent})

	var events []StreamEvent
	out, err := f.svc.Stream(f.ctx(), zeroTempReq(), collectEvents(&events))
	require.NoError(t, err)

	terminal := events[len(events)-1]
	require.True(t, terminal.Done)
	require.NotNil(t, terminal.Usage)
	assert.Zero(t, terminal.Usage.PromptTokens)
	assert.Greater(t, terminal.Usage.CompletionTokens, 0)

	row, rerr := f.store.GetRequest(context.Background(), out.RequestID)
	require.NoError(t, rerr)
	assert.Equal(t, gateway.StatusCompleted, row.Status)
	assert.Greater(t, row.TotalTokens, 0)
}

func TestStreamEventWireShapes(t *testing.T) {
	t.Parallel()

	failure, err := json.Marshal(StreamEvent{Error: &StreamError{
		Code:    "stream_error",
		Message: "Stream failed",
	}})
	require.NoError(t, err)
	assert.Equal(t,
		`{"error":{"code":"stream_error","message":"Stream failed"}}`,
		string(failure), "failure frame must carry only the error block")

	content, err := json.Marshal(StreamEvent{ID: "r1", Model: "mock-1", Created: 7, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t,
		`{"id":"r1","model":"mock-1","created":7,"content":"hi","done":false}`,
		string(content))
}
