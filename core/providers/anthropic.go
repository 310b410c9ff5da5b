package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/adalundhe/callguard/core/resilience"
)

// AnthropicProvider completes payloads with the Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	client *anthropic.Client
	config Config
}

// NewAnthropicProvider creates a new Anthropic provider with the given configuration
func NewAnthropicProvider(name string, config Config, extra ...option.RequestOption) (*AnthropicProvider, error) {
	config.Type = ProviderTypeAnthropic
	if config.Model == "" {
		config.Model = DefaultConfig(ProviderTypeAnthropic).Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultConfig(ProviderTypeAnthropic).MaxTokens
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = string(ProviderTypeAnthropic)
	}

	// Retries belong to the breaker executor.
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	opts = append(opts, extra...)

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		name:   name,
		client: &client,
		config: config,
	}, nil
}

// Name returns the provider identifier
func (p *AnthropicProvider) Name() string {
	return p.name
}

// Complete performs a non-streaming completion request
func (p *AnthropicProvider) Complete(ctx context.Context, desc resilience.RequestDescriptor) (string, error) {
	params, err := p.buildParams(desc)
	if err != nil {
		return "", err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", p.wrapError(err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(b.Text)
		}
	}
	return content.String(), nil
}

// buildParams constructs Anthropic API parameters from a descriptor
func (p *AnthropicProvider) buildParams(desc resilience.RequestDescriptor) (anthropic.MessageNewParams, error) {
	maxTokens := desc.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(paramOr(desc.Params, "model", p.config.Model)),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(desc.Payload)),
		},
	}

	if system := paramOr(desc.Params, "system", p.config.SystemPrompt); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if raw, ok := desc.Params["temperature"]; ok {
		temperature, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return params, invalidRequest(p.name, "temperature %q", raw)
		}
		params.Temperature = anthropic.Float(temperature)
	} else if p.config.Temperature > 0 {
		params.Temperature = anthropic.Float(p.config.Temperature)
	}

	return params, nil
}

func (p *AnthropicProvider) wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return statusError(p.name, apiErr.StatusCode, apiErr.Response.Header, fmt.Errorf("anthropic generate: %w", err))
	}
	return fmt.Errorf("anthropic generate: %w", err)
}
