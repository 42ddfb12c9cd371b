// Package bedrock provides a language-model processing module backed by the
// AWS Bedrock Converse API. It builds the conversation prompt from the
// invocation payload, calls Converse and parses the structured reply.
// Provider failures surface as smithy error codes rather than HTTP statuses,
// so classification checks the codes first.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/aura-ai/aura/features/module/llm"
	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

const (
	// providerName tags classified errors.
	providerName = "bedrock"

	// defaultModuleID is the conventional language-model id the router's
	// direct table targets.
	defaultModuleID = "llm"

	defaultMaxTokens = 1024
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the module. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a fake in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the module.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient

		// Model is the Bedrock model identifier (for example
		// "anthropic.claude-sonnet-4-5"). Required.
		Model string

		// ModuleID overrides the registry id. Defaults to "llm".
		ModuleID string

		// MaxTokens caps the completion. Defaults to 1024.
		MaxTokens int

		// Temperature is the sampling temperature. Zero keeps the provider
		// default.
		Temperature float32

		// SystemPrompt replaces the built-in instruction. It must keep the
		// JSON reply contract or replies degrade to plain text.
		SystemPrompt string

		// Logger receives lifecycle logs. Nil selects no-op.
		Logger telemetry.Logger
	}

	// Module is the Bedrock-backed language-model module.
	Module struct {
		runtime RuntimeClient
		model   string
		id      string
		maxTok  int
		temp    float32
		system  string
		logger  telemetry.Logger
	}
)

// New builds the module from the provided options.
func New(opts Options) (*Module, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
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
		runtime: opts.Runtime,
		model:   opts.Model,
		id:      id,
		maxTok:  maxTok,
		temp:    opts.Temperature,
		system:  opts.SystemPrompt,
		logger:  logger,
	}, nil
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

// Handle implements modregistry.SyncModule: build the prompt, call Converse,
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

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(m.model),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt.User}},
		}},
		System:          []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: prompt.System}},
		InferenceConfig: m.inferenceConfig(),
	}

	out, err := m.runtime.Converse(ctx, input)
	if err != nil {
		return nil, classify("converse", err)
	}
	reply, err := llm.ParseReply(textOf(out))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", providerName, err)
	}
	return reply.Payload(), nil
}

func (m *Module) inferenceConfig() *brtypes.InferenceConfiguration {
	cfg := brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(m.maxTok)), //nolint:gosec // AWS SDK requires int32
	}
	if m.temp > 0 {
		cfg.Temperature = aws.Float32(m.temp)
	}
	return &cfg
}

// textOf concatenates the text blocks of the converse output message.
func textOf(out *bedrockruntime.ConverseOutput) string {
	if out == nil {
		return ""
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			b.WriteString(text.Value)
		}
	}
	return b.String()
}

// classify maps AWS failures onto provider error kinds. It reads the smithy
// API error code and the response status; throttling codes count as
// rate-limited even without an HTTP status.
func classify(operation string, err error) error {
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	if isThrottle(code) || status == http.StatusTooManyRequests {
		pe := llm.NewProviderError(providerName, operation, http.StatusTooManyRequests, llm.ProviderErrorKindRateLimited, code, msg, true, err)
		return errors.Join(llm.ErrRateLimited, pe)
	}

	kind, retryable := llm.KindForStatus(status)
	if kind == llm.ProviderErrorKindUnknown {
		kind, retryable = kindForCode(code)
	}
	return llm.NewProviderError(providerName, operation, status, kind, code, msg, retryable, err)
}

func isThrottle(code string) bool {
	switch code {
	case "ThrottlingException", "TooManyRequestsException":
		return true
	}
	return false
}

// kindForCode classifies by smithy error code when no HTTP status reached
// the error chain.
func kindForCode(code string) (llm.ProviderErrorKind, bool) {
	switch code {
	case "AccessDeniedException", "UnrecognizedClientException":
		return llm.ProviderErrorKindAuth, false
	case "ValidationException", "ResourceNotFoundException":
		return llm.ProviderErrorKindInvalidRequest, false
	case "ServiceUnavailableException", "InternalServerException", "ModelNotReadyException", "ModelTimeoutException":
		return llm.ProviderErrorKindUnavailable, true
	}
	return llm.ProviderErrorKindUnknown, false
}
