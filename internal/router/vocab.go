package router

import "strings"

// canonicalTerms maps user vocabulary to the terms the corpus is indexed
// under.
var canonicalTerms = map[string]string{
	"mimblewimble":    "mweb",
	"mimble":          "mweb",
	"litecoins":       "litecoin",
	"ltc":             "litecoin",
	"tx":              "transaction",
	"txs":             "transactions",
	"blocktimes":      "blocktime",
	"confidential":    "mweb",
	"segregated":      "segwit",
	"lightning":       "lightning network",
	"kyc":             "know your customer",
	"atomicswap":      "atomic swap",
	"hashrate":        "hash rate",
}

// entityExpansions appends retrieval synonyms for key acronyms; the
// expansion rides along in parentheses so sparse search matches both
// spellings.
var entityExpansions = map[string]string{
	"mweb":   "mimblewimble extension blocks",
	"segwit": "segregated witness",
	"utxo":   "unspent transaction output",
	"pow":    "proof of work",
}

// domainEntities are the nouns pronoun anchoring may substitute in.
// Ordered from specific to generic; FindEntity returns the first match.
var domainEntities = []string{
	"mweb", "mimblewimble", "segwit", "litecoin", "blocktime", "halving",
	"mining", "wallet", "transaction", "block", "node", "address", "fee",
	"confirmation", "utxo", "scrypt",
}

// NormalizeVocabulary lowercases nothing but rewrites known synonym
// tokens to their canonical form and appends expansions for key acronyms.
func NormalizeVocabulary(query string) string {
	if query == "" {
		return query
	}

	fields := strings.Fields(query)
	expansions := make([]string, 0, 1)
	seenExpansion := make(map[string]bool)
	for i, tok := range fields {
		stripped := strings.Trim(strings.ToLower(tok), ".,!?;:'\"")
		if canonical, ok := canonicalTerms[stripped]; ok {
			fields[i] = canonical
			stripped = canonical
		}
		if exp, ok := entityExpansions[stripped]; ok && !seenExpansion[stripped] {
			seenExpansion[stripped] = true
			expansions = append(expansions, exp)
		}
	}

	out := strings.Join(fields, " ")
	if len(expansions) > 0 {
		out += " (" + strings.Join(expansions, "; ") + ")"
	}
	return out
}

// FindEntity returns the first domain entity mentioned in the text, or "".
func FindEntity(text string) string {
	lower := strings.ToLower(text)
	for _, entity := range domainEntities {
		if strings.Contains(lower, entity) {
			return entity
		}
	}
	return ""
}
