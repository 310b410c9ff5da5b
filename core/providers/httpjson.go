package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/adalundhe/callguard/core/resilience"
)

const maxResponseBytes = 4 << 20

// HTTPJSONProvider completes payloads against any JSON endpoint described
// by an HTTPJSONConfig.
type HTTPJSONProvider struct {
	name   string
	client *http.Client
	config Config
}

// NewHTTPJSONProvider creates a provider for a generic JSON endpoint. A nil
// client gets one with the configured timeout.
func NewHTTPJSONProvider(name string, config Config, client *http.Client) (*HTTPJSONProvider, error) {
	config.Type = ProviderTypeHTTPJSON
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultConfig(ProviderTypeHTTPJSON).MaxTokens
	}
	if config.HTTP.RequestTemplate == "" {
		config.HTTP.RequestTemplate = "{}"
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !gjson.Valid(config.HTTP.RequestTemplate) {
		return nil, fmt.Errorf("%w: http_json: request_template is not valid JSON", ErrInvalidConfig)
	}
	if name == "" {
		name = string(ProviderTypeHTTPJSON)
	}
	if client == nil {
		client = &http.Client{Timeout: config.HTTP.Timeout}
	}

	return &HTTPJSONProvider{
		name:   name,
		client: client,
		config: config,
	}, nil
}

// Name returns the provider identifier
func (p *HTTPJSONProvider) Name() string {
	return p.name
}

// Complete posts the rendered body and extracts the response path.
func (p *HTTPJSONProvider) Complete(ctx context.Context, desc resilience.RequestDescriptor) (string, error) {
	body, err := p.buildBody(desc)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.HTTP.URL, bytes.NewReader(body))
	if err != nil {
		return "", invalidRequest(p.name, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
	for k, v := range p.config.HTTP.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http_json %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("http_json %s: read body: %w", p.name, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return "", statusError(p.name, resp.StatusCode, resp.Header, p.remoteError(resp.StatusCode, raw))
	}

	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("%w: %s: body is not JSON", ErrMalformedResponse, p.name)
	}
	result := gjson.GetBytes(raw, p.config.HTTP.ResponsePath)
	if !result.Exists() {
		return "", fmt.Errorf("%w: %s: no value at %q", ErrMalformedResponse, p.name, p.config.HTTP.ResponsePath)
	}
	return result.String(), nil
}

// buildBody writes the descriptor fields into the request template.
func (p *HTTPJSONProvider) buildBody(desc resilience.RequestDescriptor) ([]byte, error) {
	cfg := p.config.HTTP
	body := []byte(cfg.RequestTemplate)

	body, err := sjson.SetBytes(body, cfg.PromptPath, desc.Payload)
	if err != nil {
		return nil, invalidRequest(p.name, "prompt_path %q: %v", cfg.PromptPath, err)
	}

	if cfg.ModelPath != "" {
		if model := paramOr(desc.Params, "model", p.config.Model); model != "" {
			if body, err = sjson.SetBytes(body, cfg.ModelPath, model); err != nil {
				return nil, invalidRequest(p.name, "model_path %q: %v", cfg.ModelPath, err)
			}
		}
	}

	if cfg.MaxTokensPath != "" {
		maxTokens := desc.MaxTokens
		if maxTokens == 0 {
			maxTokens = p.config.MaxTokens
		}
		if body, err = sjson.SetBytes(body, cfg.MaxTokensPath, maxTokens); err != nil {
			return nil, invalidRequest(p.name, "max_tokens_path %q: %v", cfg.MaxTokensPath, err)
		}
	}

	if cfg.TemperaturePath != "" {
		temperature := p.config.Temperature
		if raw, ok := desc.Params["temperature"]; ok {
			if temperature, err = strconv.ParseFloat(raw, 64); err != nil {
				return nil, invalidRequest(p.name, "temperature %q", raw)
			}
		}
		if body, err = sjson.SetBytes(body, cfg.TemperaturePath, temperature); err != nil {
			return nil, invalidRequest(p.name, "temperature_path %q: %v", cfg.TemperaturePath, err)
		}
	}

	return body, nil
}

// remoteError extracts the endpoint's error message when one is configured.
func (p *HTTPJSONProvider) remoteError(status int, raw []byte) error {
	if path := p.config.HTTP.ErrorPath; path != "" {
		if msg := gjson.GetBytes(raw, path); msg.Exists() && msg.String() != "" {
			return errors.New(msg.String())
		}
	}
	return fmt.Errorf("http status %d", status)
}
