// Package openai provides a language-model processing module backed by the
// OpenAI Chat Completions API. It builds the conversation prompt from the
// invocation payload, calls the API through github.com/openai/openai-go and
// parses the structured reply.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/aura-ai/aura/features/module/llm"
	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

const (
	// providerName tags classified errors.
	providerName = "openai"

	// defaultModuleID is the conventional language-model id the router's
	// direct table targets.
	defaultModuleID = "llm"

	defaultMaxTokens = 1024
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// module. It is satisfied by *sdk.ChatCompletionService so callers can
	// pass either a real client or a fake in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the module.
	Options struct {
		// Client is the OpenAI chat completions client. Required.
		Client ChatClient

		// Model is the model identifier (for example "gpt-4o"). Required.
		Model string

		// ModuleID overrides the registry id. Defaults to "llm".
		ModuleID string

		// MaxTokens caps the completion. Defaults to 1024.
		MaxTokens int

		// Temperature is the sampling temperature. Zero keeps the provider
		// default.
		Temperature float64

		// SystemPrompt replaces the built-in instruction. It must keep the
		// JSON reply contract or replies degrade to plain text.
		SystemPrompt string

		// Logger receives lifecycle logs. Nil selects no-op.
		Logger telemetry.Logger
	}

	// Module is the OpenAI-backed language-model module.
	Module struct {
		chat   ChatClient
		model  string
		id     string
		maxTok int
		temp   float64
		system string
		logger telemetry.Logger
	}
)

// New builds the module from the provided options.
func New(opts Options) (*Module, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	id := opts.ModuleID
	if id == "" {
		id = defaultModuleID
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Module{
		chat:   opts.Client,
		model:  opts.Model,
		id:     id,
		maxTok: maxTok,
		temp:   opts.Temperature,
		system: opts.SystemPrompt,
		logger: logger,
	}, nil
}

// NewFromAPIKey constructs a module using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*Module, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &oc.Chat.Completions, Model: model})
}

// ID implements modregistry.Module.
func (m *Module) ID() string { return m.id }

// Init implements modregistry.Module.
func (m *Module) Init(ctx context.Context) error {
	m.logger.Info(ctx, "language model module ready",
		"module_id", m.id, "provider", providerName, "model", m.model)
	return nil
}

// Shutdown implements modregistry.Module.
func (m *Module) Shutdown(ctx context.Context) error {
	m.logger.Info(ctx, "language model module stopped", "module_id", m.id)
	return nil
}

// Descriptor returns the registry metadata the module registers under.
func (m *Module) Descriptor() modregistry.Descriptor {
	return modregistry.Descriptor{
		ID:           m.id,
		Capabilities: []string{modregistry.CapLanguageModel, modregistry.CapNLP},
		State:        modregistry.StateAvailable,
		Priority:     5,
	}
}

// Handle implements modregistry.SyncModule: build the prompt, render a chat
// completion, parse the structured reply.
func (m *Module) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	in, err := llm.FromPayload(payload)
	if err != nil {
		return nil, err
	}
	prompt := llm.Build(in)
	if m.system != "" {
		prompt.System = m.system
	}

	params := sdk.ChatCompletionNewParams{
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(prompt.System),
			sdk.UserMessage(prompt.User),
		},
		Model:     sdk.ChatModel(m.model),
		MaxTokens: sdk.Int(int64(m.maxTok)),
	}
	if m.temp > 0 {
		params.Temperature = sdk.Float(m.temp)
	}

	completion, err := m.chat.New(ctx, params)
	if err != nil {
		return nil, classify("chat.completions.new", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return nil, errors.New("openai: completion has no choices")
	}
	reply, err := llm.ParseReply(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", providerName, err)
	}
	return reply.Payload(), nil
}

// classify maps SDK failures onto provider error kinds by HTTP status.
func classify(operation string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return llm.WrapHTTP(providerName, operation, apierr.StatusCode, "", "", err)
	}
	return llm.WrapHTTP(providerName, operation, 0, "", "", err)
}
