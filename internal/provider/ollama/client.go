// Package ollama implements the provider adapter for a local Ollama
// instance via its native /api/chat endpoint.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/tokencount"
)

const (
	defaultBaseURL = "http://localhost:11434"
	providerName   = "ollama"

	// maxLineSize bounds a single NDJSON stream line (64KB).
	maxLineSize = 64 * 1024
)

// Client is an Ollama provider adapter.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates an Ollama Client with a tuned http.Client.
// If baseURL is empty, it defaults to "http://localhost:11434".
// If resolver is non-nil, it wraps the transport's DialContext with cached
// DNS lookups.
func New(baseURL string, resolver *dnscache.Resolver) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false, // Ollama is typically HTTP/1.1
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: t},
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// chatPayload is the native Ollama chat request body.
type chatPayload struct {
	Model    string                `json:"model"`
	Messages []gateway.ChatMessage `json:"messages"`
	Stream   bool                  `json:"stream"`
	Options  map[string]any        `json:"options"`
}

func buildPayload(req *gateway.ChatRequest, stream bool) chatPayload {
	p := chatPayload{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
		Options:  map[string]any{},
	}
	if req.Temperature != nil {
		p.Options["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		p.Options["num_predict"] = *req.MaxTokens
	}
	return p
}

func (c *Client) post(ctx context.Context, req *gateway.ChatRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(buildPayload(req, stream))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseAPIError(resp)
	}
	return resp, nil
}

// Generate sends a non-streaming chat request. The response id is
// synthesized locally; Ollama does not return one.
func (c *Client) Generate(ctx context.Context, req *gateway.ChatRequest) (*provider.Result, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("ollama: read response: %w", err)
	}

	parsed := gjson.ParseBytes(raw)
	content := parsed.Get("message.content").String()
	model := parsed.Get("model").String()
	if model == "" {
		model = req.Model
	}

	prompt := int(parsed.Get("prompt_eval_count").Int())
	completion := int(parsed.Get("eval_count").Int())
	total := prompt + completion
	if total == 0 {
		total = tokencount.EstimateExchange(req.Messages, content)
	}

	return &provider.Result{
		Response: &gateway.ChatResponse{
			ID:      uuid.NewString(),
			Model:   model,
			Created: time.Now().Unix(),
			Content: content,
		},
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}, nil
}

// Stream sends a streaming chat request. Ollama streams NDJSON: one JSON
// object per line, the last with done=true carrying eval counts.
func (c *Client) Stream(ctx context.Context, req *gateway.ChatRequest) (<-chan provider.Chunk, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan provider.Chunk, 8)
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

func (c *Client) readStream(ctx context.Context, resp *http.Response, ch chan<- provider.Chunk) {
	defer close(ch)
	defer resp.Body.Close()

	// Every send is guarded by ctx so an abandoned consumer never pins
	// this goroutine or the response body.
	emit := func(chunk provider.Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		parsed := gjson.ParseBytes(line)

		if parsed.Get("done").Bool() {
			emit(provider.Chunk{
				Done:             true,
				Model:            parsed.Get("model").String(),
				PromptTokens:     int(parsed.Get("prompt_eval_count").Int()),
				CompletionTokens: int(parsed.Get("eval_count").Int()),
			})
			return
		}

		if !emit(provider.Chunk{Content: parsed.Get("message.content").String()}) {
			// Best effort; the buffer usually has room and a reader that
			// is still draining sees why the stream ended.
			select {
			case ch <- provider.Chunk{Err: ctx.Err()}:
			default:
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(provider.Chunk{Err: fmt.Errorf("ollama: read stream: %w", err)})
		return
	}
	// Upstream closed without a done marker; synthesize the terminator so
	// consumers always observe a final chunk.
	emit(provider.Chunk{Done: true})
}

// apiError represents an error response from the Ollama API.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ollama: HTTP %d: %s", e.StatusCode, e.Body)
}

// parseAPIError reads the response body and returns a structured error.
func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &apiError{StatusCode: resp.StatusCode, Body: string(body)}
}
