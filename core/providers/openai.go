package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/adalundhe/callguard/core/resilience"
)

// OpenAIProvider completes payloads with the OpenAI Responses API.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	config Config
}

// NewOpenAIProvider creates a new OpenAI provider with the given configuration
func NewOpenAIProvider(name string, config Config, extra ...option.RequestOption) (*OpenAIProvider, error) {
	config.Type = ProviderTypeOpenAI
	if config.Model == "" {
		config.Model = DefaultConfig(ProviderTypeOpenAI).Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultConfig(ProviderTypeOpenAI).MaxTokens
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = string(ProviderTypeOpenAI)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Organization != "" {
		opts = append(opts, option.WithHeader("OpenAI-Organization", config.Organization))
	}
	if config.Project != "" {
		opts = append(opts, option.WithHeader("OpenAI-Project", config.Project))
	}
	opts = append(opts, extra...)

	client := openai.NewClient(opts...)

	return &OpenAIProvider{
		name:   name,
		client: &client,
		config: config,
	}, nil
}

// Name returns the provider identifier
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete performs a non-streaming completion request
func (p *OpenAIProvider) Complete(ctx context.Context, desc resilience.RequestDescriptor) (string, error) {
	params, err := p.buildParams(desc)
	if err != nil {
		return "", err
	}

	result, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return "", p.wrapError(err)
	}
	return result.OutputText(), nil
}

// buildParams constructs OpenAI API parameters from a descriptor
func (p *OpenAIProvider) buildParams(desc resilience.RequestDescriptor) (responses.ResponseNewParams, error) {
	maxTokens := desc.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}

	input := make(responses.ResponseInputParam, 0, 2)
	if system := paramOr(desc.Params, "system", p.config.SystemPrompt); system != "" {
		input = append(input, responses.ResponseInputItemParamOfMessage(system, responses.EasyInputMessageRoleSystem))
	}
	input = append(input, responses.ResponseInputItemParamOfMessage(desc.Payload, responses.EasyInputMessageRoleUser))

	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(paramOr(desc.Params, "model", p.config.Model)),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
		MaxOutputTokens: openai.Int(int64(maxTokens)),
	}

	if raw, ok := desc.Params["temperature"]; ok {
		temperature, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return params, invalidRequest(p.name, "temperature %q", raw)
		}
		params.Temperature = openai.Float(temperature)
	} else if p.config.Temperature > 0 {
		params.Temperature = openai.Float(p.config.Temperature)
	}

	return params, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return statusError(p.name, apiErr.StatusCode, apiErr.Response.Header, fmt.Errorf("openai generate: %w", err))
	}
	return fmt.Errorf("openai generate: %w", err)
}
