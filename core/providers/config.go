package providers

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig indicates an unusable provider configuration.
var ErrInvalidConfig = errors.New("invalid provider config")

// ProviderType identifies the provider implementation.
type ProviderType string

const (
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeHTTPJSON  ProviderType = "http_json"
)

// Config configures one provider. Fields not used by the chosen type are
// ignored.
type Config struct {
	Type ProviderType `json:"type" yaml:"type"`

	// APIKey is the authentication key for the provider
	APIKey string `json:"api_key" yaml:"api_key"`

	// Model is the default model to use
	Model string `json:"model" yaml:"model"`

	// MaxTokens is the default maximum tokens to generate
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// Temperature is the default sampling temperature
	Temperature float64 `json:"temperature" yaml:"temperature"`

	// BaseURL overrides the default API endpoint
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`

	// Organization and Project are sent as OpenAI headers when set
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`
	Project      string `json:"project,omitempty" yaml:"project,omitempty"`

	HTTP HTTPJSONConfig `json:"http" yaml:"http"`
}

// HTTPJSONConfig describes a generic JSON-over-HTTP completion endpoint.
// Paths use gjson/sjson syntax.
type HTTPJSONConfig struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// RequestTemplate is the JSON body the request fields are written into.
	RequestTemplate string `json:"request_template" yaml:"request_template"`

	PromptPath      string `json:"prompt_path" yaml:"prompt_path"`
	ModelPath       string `json:"model_path,omitempty" yaml:"model_path,omitempty"`
	MaxTokensPath   string `json:"max_tokens_path,omitempty" yaml:"max_tokens_path,omitempty"`
	TemperaturePath string `json:"temperature_path,omitempty" yaml:"temperature_path,omitempty"`
	ResponsePath    string `json:"response_path" yaml:"response_path"`
	ErrorPath       string `json:"error_path,omitempty" yaml:"error_path,omitempty"`

	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns defaults for the given provider type.
func DefaultConfig(t ProviderType) Config {
	cfg := Config{Type: t, MaxTokens: 1024, Temperature: 0.7}

	switch t {
	case ProviderTypeAnthropic:
		cfg.Model = "claude-sonnet-4-5-20250929"
	case ProviderTypeOpenAI:
		cfg.Model = "gpt-4.1-mini"
	case ProviderTypeHTTPJSON:
		cfg.HTTP = HTTPJSONConfig{
			RequestTemplate: `{"messages":[{"role":"user","content":""}]}`,
			PromptPath:      "messages.0.content",
			ModelPath:       "model",
			MaxTokensPath:   "max_tokens",
			TemperaturePath: "temperature",
			ResponsePath:    "choices.0.message.content",
			ErrorPath:       "error.message",
			Timeout:         30 * time.Second,
		}
	}
	return cfg
}

// Validate checks the configuration for its type.
func (c *Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidConfig)
	}

	switch c.Type {
	case ProviderTypeAnthropic, ProviderTypeOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("%w: %s: api_key is required", ErrInvalidConfig, c.Type)
		}
		if c.Model == "" {
			return fmt.Errorf("%w: %s: model is required", ErrInvalidConfig, c.Type)
		}
	case ProviderTypeHTTPJSON:
		if c.HTTP.URL == "" || c.HTTP.PromptPath == "" || c.HTTP.ResponsePath == "" {
			return fmt.Errorf("%w: http_json: url, prompt_path and response_path are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown provider type %q", ErrInvalidConfig, c.Type)
	}
	return nil
}
