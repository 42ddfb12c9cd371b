package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		text string
		want IntentKind
	}{
		{"english greeting", "hi", IntentGreeting},
		{"punctuated greeting", "Hello!", IntentGreeting},
		{"chinese greeting", "你好", IntentGreeting},
		{"status check", "are you there?", IntentStatus},
		{"chinese status", "在嗎", IntentStatus},
		{"command verb", "open the blinds", IntentCommand},
		{"chinese command", "打開窗戶", IntentCommand},
		{"run request", "please run the report", IntentCommand},
		{"weather chat", "今天天氣", IntentChat},
		{"plain chat", "tell me about the stars", IntentChat},
		{"no word boundary false positive", "this is quite a thought", IntentChat},
		{"long text with greeting word stays chat", "hello there my friend, what do you think about the history of astronomy", IntentChat},
		{"empty", "", IntentUnknown},
		{"whitespace", "   ", IntentUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.text)
			require.Equal(t, tc.want, got.Kind)
		})
	}
}

func TestClassifyTrimsAndKeepsText(t *testing.T) {
	got := Classify("  今天天氣  ")
	require.Equal(t, IntentChat, got.Kind)
	require.Equal(t, "今天天氣", got.Text)
	require.Greater(t, got.Confidence, 0.0)
}

func TestTrivial(t *testing.T) {
	require.True(t, Intent{Kind: IntentGreeting}.Trivial())
	require.True(t, Intent{Kind: IntentStatus}.Trivial())
	require.False(t, Intent{Kind: IntentChat}.Trivial())
	require.False(t, Intent{Kind: IntentCommand}.Trivial())
}
