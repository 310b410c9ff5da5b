package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/resilience"
)

const anthropicReply = `{
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4-5-20250929",
	"content": [{"type": "text", "text": "hello from claude"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 3, "output_tokens": 4}
}`

const openAIReply = `{
	"id": "resp_01",
	"object": "response",
	"created_at": 1767268800,
	"status": "completed",
	"model": "gpt-4.1-mini",
	"output": [{
		"type": "message",
		"id": "msg_01",
		"status": "completed",
		"role": "assistant",
		"content": [{"type": "output_text", "text": "hello from gpt", "annotations": []}]
	}],
	"parallel_tool_calls": false,
	"tool_choice": "auto",
	"tools": []
}`

// fakeEndpoint replies with status and body, recording the last request body.
type fakeEndpoint struct {
	suffix  string
	status  atomic.Int32
	body    atomic.Value
	header  http.Header
	lastReq atomic.Value
	calls   atomic.Int32
}

func newFakeEndpoint(t *testing.T, suffix, reply string) (*fakeEndpoint, *httptest.Server) {
	t.Helper()

	f := &fakeEndpoint{suffix: suffix, header: http.Header{}}
	f.status.Store(http.StatusOK)
	f.body.Store(reply)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, f.suffix) {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		f.lastReq.Store(string(raw))

		for k, vs := range f.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(f.status.Load()))
		_, _ = io.WriteString(w, f.body.Load().(string))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeEndpoint) request() string {
	v, _ := f.lastReq.Load().(string)
	return v
}

func (f *fakeEndpoint) fail(status int, body string, retryAfter string) {
	f.status.Store(int32(status))
	f.body.Store(body)
	if retryAfter != "" {
		f.header.Set("Retry-After", retryAfter)
	}
}

func testDescriptor(provider string) resilience.RequestDescriptor {
	return resilience.RequestDescriptor{
		Identity:  "user-1",
		Action:    "completion",
		Provider:  provider,
		Payload:   "say hello",
		Params:    map[string]string{"temperature": "0.2"},
		MaxTokens: 64,
	}
}

func requireProviderError(t *testing.T, err error, status int) *breaker.ProviderError {
	t.Helper()

	var pe *breaker.ProviderError
	require.True(t, errors.As(err, &pe), "expected ProviderError, got %v", err)
	assert.Equal(t, status, pe.StatusCode)
	return pe
}

func TestAnthropicProvider_Complete(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeEndpoint(t, "/messages", anthropicReply)
	p, err := NewAnthropicProvider("claude", Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "claude", p.Name())

	out, err := Call(p)(context.Background(), testDescriptor("claude"))
	require.NoError(t, err)
	assert.Equal(t, "hello from claude", out)

	req := fake.request()
	assert.Equal(t, "say hello", gjson.Get(req, "messages.0.content.0.text").String())
	assert.Equal(t, int64(64), gjson.Get(req, "max_tokens").Int())
	assert.InDelta(t, 0.2, gjson.Get(req, "temperature").Float(), 1e-9)
}

func TestAnthropicProvider_RateLimitMapped(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeEndpoint(t, "/messages", anthropicReply)
	fake.fail(http.StatusTooManyRequests, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, "42")

	p, err := NewAnthropicProvider("claude", Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), testDescriptor("claude"))
	pe := requireProviderError(t, err, http.StatusTooManyRequests)
	assert.Equal(t, 42*time.Second, pe.RetryAfter)
	assert.Equal(t, breaker.ClassRateLimited, breaker.Classify(err))
	assert.Equal(t, int32(1), fake.calls.Load(), "sdk retries must be disabled")
}

func TestOpenAIProvider_Complete(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeEndpoint(t, "/responses", openAIReply)
	p, err := NewOpenAIProvider("gpt", Config{APIKey: "test-key", BaseURL: srv.URL, SystemPrompt: "be brief"})
	require.NoError(t, err)

	out, err := p.Complete(context.Background(), testDescriptor("gpt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from gpt", out)

	req := fake.request()
	assert.Equal(t, "gpt-4.1-mini", gjson.Get(req, "model").String())
	assert.Equal(t, int64(64), gjson.Get(req, "max_output_tokens").Int())
	assert.Equal(t, "system", gjson.Get(req, "input.0.role").String())
	assert.Equal(t, "say hello", gjson.Get(req, "input.1.content").String())
}

func TestOpenAIProvider_ServerErrorMapped(t *testing.T) {
	t.Parallel()

	fake, srv := newFakeEndpoint(t, "/responses", openAIReply)
	fake.fail(http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`, "")

	p, err := NewOpenAIProvider("gpt", Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), testDescriptor("gpt"))
	requireProviderError(t, err, http.StatusServiceUnavailable)
	assert.Equal(t, breaker.ClassTransient, breaker.Classify(err))
	assert.Equal(t, int32(1), fake.calls.Load())
}

func TestSDKProviders_InvalidTemperature(t *testing.T) {
	t.Parallel()

	desc := testDescriptor("x")
	desc.Params = map[string]string{"temperature": "warm"}

	a, err := NewAnthropicProvider("a", Config{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = a.Complete(context.Background(), desc)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, breaker.ClassPermanent, breaker.Classify(err))

	o, err := NewOpenAIProvider("o", Config{APIKey: "k", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = o.Complete(context.Background(), desc)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func httpJSONConfig(url string) Config {
	cfg := DefaultConfig(ProviderTypeHTTPJSON)
	cfg.Model = "local-model"
	cfg.HTTP.URL = url
	cfg.HTTP.Headers = map[string]string{"X-Tenant": "acme"}
	return cfg
}

func TestHTTPJSONProvider_Complete(t *testing.T) {
	t.Parallel()

	var header atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Store(r.Header.Clone())
		raw, _ := io.ReadAll(r.Body)

		reply := map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{
				"content": "echo: " + gjson.GetBytes(raw, "messages.0.content").String(),
			}}},
			"model":      gjson.GetBytes(raw, "model").String(),
			"max_tokens": gjson.GetBytes(raw, "max_tokens").Int(),
		}
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)

	cfg := httpJSONConfig(srv.URL)
	cfg.APIKey = "secret"
	p, err := NewHTTPJSONProvider("local", cfg, srv.Client())
	require.NoError(t, err)

	out, err := p.Complete(context.Background(), testDescriptor("local"))
	require.NoError(t, err)
	assert.Equal(t, "echo: say hello", out)

	h := header.Load().(http.Header)
	assert.Equal(t, "Bearer secret", h.Get("Authorization"))
	assert.Equal(t, "acme", h.Get("X-Tenant"))
}

func TestHTTPJSONProvider_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		wantStatus int
		wantClass  breaker.ErrorClass
		wantErr    error
		wantMsg    string
	}{
		{
			name:       "rate limited with hint",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"quota"}}`,
			retryAfter: "7",
			wantStatus: http.StatusTooManyRequests,
			wantClass:  breaker.ClassRateLimited,
			wantMsg:    "quota",
		},
		{
			name:       "bad request is permanent",
			status:     http.StatusBadRequest,
			body:       `not json`,
			wantStatus: http.StatusBadRequest,
			wantClass:  breaker.ClassPermanent,
			wantMsg:    "http status 400",
		},
		{
			name:       "server error is transient",
			status:     http.StatusBadGateway,
			body:       `{}`,
			wantStatus: http.StatusBadGateway,
			wantClass:  breaker.ClassTransient,
		},
		{
			name:      "missing response path",
			status:    http.StatusOK,
			body:      `{"choices":[]}`,
			wantClass: breaker.ClassTransient,
			wantErr:   ErrMalformedResponse,
		},
		{
			name:      "non json body",
			status:    http.StatusOK,
			body:      `<html>`,
			wantClass: breaker.ClassTransient,
			wantErr:   ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			t.Cleanup(srv.Close)

			p, err := NewHTTPJSONProvider("local", httpJSONConfig(srv.URL), srv.Client())
			require.NoError(t, err)

			_, err = p.Complete(context.Background(), testDescriptor("local"))
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, breaker.Classify(err))

			if tt.wantStatus != 0 {
				pe := requireProviderError(t, err, tt.wantStatus)
				if tt.retryAfter != "" {
					assert.Equal(t, 7*time.Second, pe.RetryAfter)
				}
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestHTTPJSONProvider_CallerCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	p, err := NewHTTPJSONProvider("local", httpJSONConfig(srv.URL), srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Complete(ctx, testDescriptor("local"))
	require.Error(t, err)
	assert.Equal(t, breaker.ClassCanceled, breaker.Classify(err))
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		typ     ProviderType
		wantErr bool
	}{
		{name: "anthropic ok", typ: ProviderTypeAnthropic, mutate: func(c *Config) { c.APIKey = "k" }},
		{name: "anthropic missing key", typ: ProviderTypeAnthropic, mutate: func(*Config) {}, wantErr: true},
		{name: "openai missing model", typ: ProviderTypeOpenAI, mutate: func(c *Config) { c.APIKey = "k"; c.Model = "" }, wantErr: true},
		{name: "http json ok", typ: ProviderTypeHTTPJSON, mutate: func(c *Config) { c.HTTP.URL = "http://localhost" }},
		{name: "http json missing url", typ: ProviderTypeHTTPJSON, mutate: func(*Config) {}, wantErr: true},
		{name: "bad temperature", typ: ProviderTypeHTTPJSON, mutate: func(c *Config) { c.HTTP.URL = "http://x"; c.Temperature = 3 }, wantErr: true},
		{name: "zero max tokens", typ: ProviderTypeHTTPJSON, mutate: func(c *Config) { c.HTTP.URL = "http://x"; c.MaxTokens = 0 }, wantErr: true},
		{name: "unknown type", typ: "carrier_pigeon", mutate: func(*Config) {}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig(tt.typ)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNew_Factory(t *testing.T) {
	t.Parallel()

	cfg := httpJSONConfig("http://localhost:9")
	p, err := New("local", cfg)
	require.NoError(t, err)
	assert.IsType(t, &HTTPJSONProvider{}, p)

	_, err = New("x", Config{Type: "nope", MaxTokens: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New("bad", Config{Type: ProviderTypeHTTPJSON, MaxTokens: 1, HTTP: HTTPJSONConfig{
		URL: "http://x", PromptPath: "p", ResponsePath: "r", RequestTemplate: "{",
	}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
