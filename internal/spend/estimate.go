package spend

import (
	"math"
	"strings"
)

// tokensPerWord approximates subword tokenization for English prose.
const tokensPerWord = 1.3

// contextOverheadTokens accounts for the system instruction and the
// retrieved context block that accompany every generation call.
const contextOverheadTokens = 1500

// expectedOutputTokens is the planning estimate for an answer.
const expectedOutputTokens = 400

// EstimateTokens approximates the token count of a text by word count.
// Used when response metadata carries no usage numbers.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * tokensPerWord))
}

// EstimateQueryCost predicts the USD cost of answering a query before the
// LLM is called: query plus history tokens, fixed context overhead, and a
// nominal output allowance.
func EstimateQueryCost(model, query string, history []string) float64 {
	inputTokens := EstimateTokens(query) + contextOverheadTokens
	for _, turn := range history {
		inputTokens += EstimateTokens(turn)
	}
	return Cost(model, inputTokens, expectedOutputTokens)
}
