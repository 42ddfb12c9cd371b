package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReplyPlainObject(t *testing.T) {
	reply, err := ParseReply(`{"text": "你好！", "emotion": "happy"}`)
	require.NoError(t, err)
	require.Equal(t, "你好！", reply.Text)
	require.Equal(t, "happy", reply.Emotion)
	require.Nil(t, reply.SysAction)
}

func TestParseReplyFencedObject(t *testing.T) {
	raw := "Here you go:\n```json\n{\"text\": \"done\", \"emotion\": \"neutral\", \"sys_action\": {\"action\": \"open\", \"target\": \"browser\"}}\n```"
	reply, err := ParseReply(raw)
	require.NoError(t, err)
	require.Equal(t, "done", reply.Text)
	require.Equal(t, map[string]any{"action": "open", "target": "browser"}, reply.SysAction)
}

func TestParseReplyDefaultsEmotion(t *testing.T) {
	reply, err := ParseReply(`{"text": "ok"}`)
	require.NoError(t, err)
	require.Equal(t, "neutral", reply.Emotion)
}

func TestParseReplyNullSysAction(t *testing.T) {
	reply, err := ParseReply(`{"text": "ok", "emotion": "calm", "sys_action": null}`)
	require.NoError(t, err)
	require.Nil(t, reply.SysAction)
}

func TestParseReplyPlainTextFallback(t *testing.T) {
	reply, err := ParseReply("Sure, happy to help!")
	require.NoError(t, err)
	require.Equal(t, "Sure, happy to help!", reply.Text)
	require.Equal(t, "neutral", reply.Emotion)
}

func TestParseReplyProseWithBraces(t *testing.T) {
	reply, err := ParseReply("set {name} before running {cmd}")
	require.NoError(t, err)
	require.Equal(t, "set {name} before running {cmd}", reply.Text)
}

func TestParseReplyEmpty(t *testing.T) {
	_, err := ParseReply("   ")
	require.EqualError(t, err, "empty model reply")
}

func TestParseReplyRejectsSchemaViolations(t *testing.T) {
	// Attempted JSON replies that break the contract are errors, not
	// fallbacks.
	_, err := ParseReply(`{"text": 42}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model reply")

	_, err = ParseReply(`{"text": "ok", "sys_action": {"action": "open"}}`)
	require.Error(t, err)
}

func TestReplyPayload(t *testing.T) {
	p := Reply{Text: "hi", Emotion: "happy"}.Payload()
	require.Equal(t, map[string]any{"text": "hi", "emotion": "happy"}, p)

	p = Reply{Text: "hi", Emotion: "happy", SysAction: map[string]any{"action": "open", "target": "browser"}}.Payload()
	require.Equal(t, map[string]any{"action": "open", "target": "browser"}, p["sys_action"])
}
