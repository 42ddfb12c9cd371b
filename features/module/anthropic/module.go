// Package anthropic provides a language-model processing module backed by
// the Anthropic Claude Messages API. It builds the conversation prompt from
// the invocation payload, calls Claude through
// github.com/anthropics/anthropic-sdk-go and parses the structured reply.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aura-ai/aura/features/module/llm"
	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

const (
	// providerName tags classified errors.
	providerName = "anthropic"

	// defaultModuleID is the conventional language-model id the router's
	// direct table targets.
	defaultModuleID = "llm"

	defaultMaxTokens = 1024
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the module. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a fake in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the module.
	Options struct {
		// Client is the Anthropic Messages client. Required.
		Client MessagesClient

		// Model is the Claude model identifier. Required. Use the typed
		// model constants from github.com/anthropics/anthropic-sdk-go or the
		// identifiers from Anthropic's model catalogue.
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

	// Module is the Claude-backed language-model module.
	Module struct {
		msg    MessagesClient
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
		return nil, errors.New("anthropic client is required")
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
		msg:    opts.Client,
		model:  opts.Model,
		id:     id,
		maxTok: maxTok,
		temp:   opts.Temperature,
		system: opts.SystemPrompt,
		logger: logger,
	}, nil
}

// NewFromAPIKey constructs a module using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Module, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &ac.Messages, Model: model})
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

// Handle implements modregistry.SyncModule: build the prompt, call Claude,
// parse the structured reply.
func (m *Module) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	in, err := llm.FromPayload(payload)
	if err != nil {
		return nil, err
	}
	prompt := llm.Build(in)
	if m.system != "" {
		prompt.System = m.system
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(m.maxTok),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt.User))},
		Model:     sdk.Model(m.model),
		System:    []sdk.TextBlockParam{{Text: prompt.System}},
	}
	if m.temp > 0 {
		params.Temperature = sdk.Float(m.temp)
	}

	msg, err := m.msg.New(ctx, params)
	if err != nil {
		return nil, classify("messages.new", err)
	}
	reply, err := llm.ParseReply(textOf(msg))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", providerName, err)
	}
	return reply.Payload(), nil
}

// textOf concatenates the text blocks of a message.
func textOf(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// classify maps SDK failures onto provider error kinds by HTTP status.
func classify(operation string, err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return llm.WrapHTTP(providerName, operation, apierr.StatusCode, "", "", err)
	}
	return llm.WrapHTTP(providerName, operation, 0, "", "", err)
}
