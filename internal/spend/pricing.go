package spend

import "strings"

// ModelPrice is USD per million tokens for one model.
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// priceTable covers the models the service invokes. Unknown models fall
// back to defaultPrice, which is deliberately on the expensive side so an
// unpriced model cannot silently burn through the budget.
var priceTable = map[string]ModelPrice{
	"gemini-2.0-flash":      {InputPerMillion: 0.10, OutputPerMillion: 0.40},
	"gemini-2.0-flash-lite": {InputPerMillion: 0.075, OutputPerMillion: 0.30},
	"gemini-2.5-flash":      {InputPerMillion: 0.30, OutputPerMillion: 2.50},
	"gemini-2.5-pro":        {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gemini-embedding-001":  {InputPerMillion: 0.15, OutputPerMillion: 0},
}

var defaultPrice = ModelPrice{InputPerMillion: 1.25, OutputPerMillion: 10.00}

// PriceFor returns the price entry for a model. Versioned suffixes
// ("gemini-2.0-flash-001") resolve to their base entry.
func PriceFor(model string) ModelPrice {
	if p, ok := priceTable[model]; ok {
		return p
	}
	for name, p := range priceTable {
		if strings.HasPrefix(model, name) {
			return p
		}
	}
	return defaultPrice
}

// Cost computes the USD cost of a call from its token counts.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p := PriceFor(model)
	return float64(inputTokens)/1e6*p.InputPerMillion +
		float64(outputTokens)/1e6*p.OutputPerMillion
}
