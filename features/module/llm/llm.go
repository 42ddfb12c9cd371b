// Package llm carries the pieces the language-model modules share: the
// prompt layout, the structured reply contract with its JSON schema, and
// the provider error classification. The provider packages (anthropic,
// openai, bedrock) differ only in how they reach their model; everything
// around the call lives here.
package llm

import (
	"errors"
	"strings"
)

// PromptInput is the material a language-model module extracts from its
// invocation payload.
type PromptInput struct {
	// Text is the user utterance. Required.
	Text string
	// Intent is the classified intent kind ("chat", "command").
	Intent string
	// MemoryContext is retrieved memory, already flattened to text.
	MemoryContext string
	// RecentTurns holds the latest conversation inputs, oldest first.
	RecentTurns []string
}

// Prompt is a provider-ready prompt split into the system instruction and
// the user turn.
type Prompt struct {
	System string
	User   string
}

// DefaultSystemPrompt is the instruction sent when the module options do not
// override it. It fixes the reply contract: one JSON object, nothing else.
const DefaultSystemPrompt = `You are a friendly desktop assistant. Always answer with a single JSON object and nothing else. The object carries a "text" field with your reply, an "emotion" field naming your current mood (for example "neutral", "happy", "curious"), and, only when the user asked for a system operation, a "sys_action" object with "action" and "target" fields.`

// workGuidance is appended to the user turn for command intents so the model
// knows to propose a sys_action instead of chatting.
const workGuidance = `Decide whether the request needs a system operation. When it does, fill in sys_action with the operation and its target; otherwise reply normally and omit it.`

// FromPayload extracts the prompt inputs from a module payload. The text is
// required; everything else is optional and tolerated in the shapes the
// pipeline produces (recent_turns as []string or []any, memory_context as
// string or list of strings).
func FromPayload(payload map[string]any) (PromptInput, error) {
	text, _ := payload["text"].(string)
	if strings.TrimSpace(text) == "" {
		return PromptInput{}, errors.New("text is required")
	}
	in := PromptInput{Text: text}
	if s, ok := payload["intent"].(string); ok {
		in.Intent = s
	}
	in.MemoryContext = memoryContextFrom(payload["memory_context"])
	in.RecentTurns = stringsFrom(payload["recent_turns"])
	return in, nil
}

// Build lays out the prompt. Sections follow the conversation template:
// memory first, then the recent turns, then the utterance, joined by blank
// lines so the model sees them as distinct blocks.
func Build(in PromptInput) Prompt {
	var parts []string
	if in.MemoryContext != "" {
		parts = append(parts, "Memory context:\n"+in.MemoryContext)
	}
	if len(in.RecentTurns) > 0 {
		parts = append(parts, "Recent conversation:\n"+strings.Join(in.RecentTurns, "\n"))
	}
	parts = append(parts, "User: "+in.Text)
	if in.Intent == "command" {
		parts = append(parts, workGuidance)
	}
	return Prompt{
		System: DefaultSystemPrompt,
		User:   strings.Join(parts, "\n\n"),
	}
}

func memoryContextFrom(v any) string {
	switch mc := v.(type) {
	case string:
		return mc
	case []string:
		return strings.Join(mc, "\n")
	case []any:
		return strings.Join(stringsFrom(mc), "\n")
	}
	return ""
}

func stringsFrom(v any) []string {
	switch vs := v.(type) {
	case []string:
		if len(vs) == 0 {
			return nil
		}
		return append([]string(nil), vs...)
	case []any:
		var out []string
		for _, item := range vs {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
