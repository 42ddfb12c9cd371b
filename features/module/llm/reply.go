package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Reply is the structured answer every language-model module returns: the
// reply text, the assistant's mood, and an optional system action extracted
// from the conversation.
type Reply struct {
	Text      string         `json:"text"`
	Emotion   string         `json:"emotion"`
	SysAction map[string]any `json:"sys_action,omitempty"`
}

// defaultEmotion fills the mood when the model leaves it out.
const defaultEmotion = "neutral"

// ReplySchema is the JSON schema a structured reply must satisfy. sys_action
// is optional but, when present, must name both the operation and its target.
var ReplySchema = []byte(`{
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"emotion": {"type": "string"},
		"sys_action": {
			"type": ["object", "null"],
			"properties": {
				"action": {"type": "string"},
				"target": {"type": "string"}
			},
			"required": ["action", "target"]
		}
	},
	"required": ["text"]
}`)

// InputSchema describes the payload the language-model modules accept. The
// registry enforces it on every invocation. Extra keys are allowed so the
// pipeline can thread cycle bookkeeping through.
var InputSchema = []byte(`{
	"type": "object",
	"properties": {
		"text": {"type": "string", "minLength": 1},
		"intent": {"type": "string"},
		"use_memory": {"type": "boolean"},
		"recent_turns": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["text"]
}`)

var replySchema = mustCompileReplySchema()

func mustCompileReplySchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(ReplySchema))
	if err != nil {
		panic(fmt.Sprintf("llm: unmarshal reply schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("reply.schema.json", doc); err != nil {
		panic(fmt.Sprintf("llm: add reply schema: %v", err))
	}
	compiled, err := c.Compile("reply.schema.json")
	if err != nil {
		panic(fmt.Sprintf("llm: compile reply schema: %v", err))
	}
	return compiled
}

// ParseReply turns raw model output into a Reply. The JSON object is located
// inside the text (models wrap it in code fences or prose despite the
// instruction), validated against ReplySchema and decoded. Output with no
// JSON object at all becomes a plain-text reply with a neutral mood.
func ParseReply(raw string) (Reply, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reply{}, errors.New("empty model reply")
	}
	obj, ok := extractObject(trimmed)
	if !ok {
		return Reply{Text: trimmed, Emotion: defaultEmotion}, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(obj))
	if err != nil {
		// Stray braces in prose, not an attempted JSON reply.
		return Reply{Text: trimmed, Emotion: defaultEmotion}, nil
	}
	if err := replySchema.Validate(doc); err != nil {
		return Reply{}, fmt.Errorf("model reply: %w", err)
	}
	var reply Reply
	if err := json.Unmarshal([]byte(obj), &reply); err != nil {
		return Reply{}, fmt.Errorf("decode model reply: %w", err)
	}
	if reply.Emotion == "" {
		reply.Emotion = defaultEmotion
	}
	if len(reply.SysAction) == 0 {
		reply.SysAction = nil
	}
	return reply, nil
}

// Payload renders the reply as a module response map.
func (r Reply) Payload() map[string]any {
	out := map[string]any{
		"text":    r.Text,
		"emotion": r.Emotion,
	}
	if len(r.SysAction) > 0 {
		out["sys_action"] = r.SysAction
	}
	return out
}

// extractObject returns the outermost JSON object embedded in s. It spans
// from the first '{' to the last '}' so fenced or prose-wrapped objects
// survive.
func extractObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	end := strings.LastIndexByte(s, '}')
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}
