package cache

import (
	"strings"
)

// =============================================================================
// T1: INTENT STATICS
// =============================================================================

// Intent classes for short queries.
const (
	IntentNone     = ""
	IntentGreeting = "greeting"
	IntentThanks   = "thanks"
)

// Word-count caps: longer queries skip intent classification entirely.
const (
	greetingMaxWords = 3
	thanksMaxWords   = 5
)

// fuzzyIntentThreshold tolerates small typos in greetings.
const fuzzyIntentThreshold = 90

var greetingPhrases = []string{
	"hi", "hello", "hey", "good morning", "good afternoon", "good evening",
	"hi there", "hello there", "howdy", "yo",
}

var thanksPhrases = []string{
	"thanks", "thank you", "thx", "ty", "thanks a lot", "thank you very much",
	"thanks so much", "appreciate it", "cheers",
}

var intentAnswers = map[string]string{
	IntentGreeting: "Hello! Ask me anything about the knowledge base and I'll do my best to help.",
	IntentThanks:   "You're welcome! Feel free to ask if anything else comes up.",
}

// ClassifyIntent returns the intent class of a short query, or IntentNone.
// Skipped entirely for history-dependent queries; the caller enforces
// that (a "thanks" follow-up must not be greeted from cache).
func ClassifyIntent(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	normalized = strings.Trim(normalized, ".,!?")
	words := len(strings.Fields(normalized))
	if words == 0 {
		return IntentNone
	}

	if words <= greetingMaxWords && matchesPhrase(normalized, greetingPhrases) {
		return IntentGreeting
	}
	if words <= thanksMaxWords && matchesPhrase(normalized, thanksPhrases) {
		return IntentThanks
	}
	return IntentNone
}

// IntentAnswer returns the static answer for a class, or found=false.
func IntentAnswer(intent string) (Answer, bool) {
	text, ok := intentAnswers[intent]
	if !ok {
		return Answer{}, false
	}
	return Answer{Text: text, Origin: OriginIntent}, true
}

func matchesPhrase(query string, phrases []string) bool {
	for _, phrase := range phrases {
		if query == phrase {
			return true
		}
	}
	for _, phrase := range phrases {
		if TokenSortRatio(query, phrase) >= fuzzyIntentThreshold {
			return true
		}
	}
	return false
}
