// Package router maps classified intents to module invocation targets and
// module responses to follow-up actions. Three selection modes are supported:
// a static Direct table, pluggable RouteStrategy implementations, and ordered
// Conditional rules. Whatever the mode, the router acts on the first target
// only and hands the remainder back to the caller as the queued tail.
package router

import (
	"strings"
	"unicode"
)

// IntentKind is the coarse classification of an input.
type IntentKind string

const (
	// IntentChat is conversational input.
	IntentChat IntentKind = "chat"
	// IntentCommand requests a system action.
	IntentCommand IntentKind = "command"
	// IntentGreeting is a salutation answered with a trivial reply.
	IntentGreeting IntentKind = "greeting"
	// IntentStatus asks whether the assistant is present and well.
	IntentStatus IntentKind = "status"
	// IntentUnknown is unclassifiable input (empty text).
	IntentUnknown IntentKind = "unknown"
)

// Intent is a classified input.
type Intent struct {
	Kind       IntentKind
	Text       string
	Confidence float64
}

// Trivial reports whether the intent is answered directly by the interaction
// session, without a child session or pipeline cycle.
func (i Intent) Trivial() bool {
	return i.Kind == IntentGreeting || i.Kind == IntentStatus
}

// Keyword tables for classification. The assistant's original audience is
// bilingual, so both English and Traditional Chinese forms are matched.
var (
	greetingWords = []string{
		"hi", "hello", "hey", "good morning", "good evening",
		"你好", "哈囉", "早安", "晚安",
	}
	statusWords = []string{
		"are you there", "can you hear me", "how are you", "status",
		"在嗎", "聽得到嗎", "還好嗎", "狀態",
	}
	commandWords = []string{
		"open", "close", "launch", "run", "execute", "start", "stop",
		"turn on", "turn off", "restart", "shut down",
		"打開", "關閉", "啟動", "執行", "停止", "重啟", "幫我開", "幫我關",
	}
)

// Classify buckets free text into an intent with keyword heuristics.
// Greeting and status words produce trivial-reply intents, imperative or
// system words produce a command, everything else is chat. Empty input is
// unknown.
func Classify(text string) Intent {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Intent{Kind: IntentUnknown, Text: text}
	}
	lower := strings.ToLower(trimmed)

	if matchesAny(lower, greetingWords) && len([]rune(trimmed)) <= 24 {
		return Intent{Kind: IntentGreeting, Text: trimmed, Confidence: 0.9}
	}
	if matchesAny(lower, statusWords) {
		return Intent{Kind: IntentStatus, Text: trimmed, Confidence: 0.9}
	}
	if matchesAny(lower, commandWords) {
		return Intent{Kind: IntentCommand, Text: trimmed, Confidence: 0.8}
	}
	return Intent{Kind: IntentChat, Text: trimmed, Confidence: 0.6}
}

// matchesAny matches single English words on word boundaries so "hi" does not
// fire inside "this"; phrases and CJK terms match as substrings.
func matchesAny(lower string, words []string) bool {
	for _, w := range words {
		if isBareASCIIWord(w) {
			if containsWord(lower, w) {
				return true
			}
		} else if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func isBareASCIIWord(w string) bool {
	for _, r := range w {
		if r == ' ' || r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func containsWord(s, w string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, f := range fields {
		if f == w {
			return true
		}
	}
	return false
}
