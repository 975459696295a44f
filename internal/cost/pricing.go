package cost

import (
	"sort"
	"strings"
)

// Price is the API list price for one model family, in USD per million
// tokens. Estimates always use list price regardless of how the agent is
// billed; the billing mode decides how much of that shows up as savings.
type Price struct {
	Provider      string
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost projects the spend for a token count at this price.
func (p Price) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.InputPerMTok +
		float64(outputTokens)/1e6*p.OutputPerMTok
}

// PriceTable maps a model-name prefix to its list price. Agent CLIs report
// dated model names (claude-sonnet-4-20250514, gpt-4o-2024-08-06), so
// lookup matches the longest prefix rather than the exact string.
type PriceTable map[string]Price

// DefaultPrices returns list prices for the model families the bundled
// adapters report. Rates as of 2025.
func DefaultPrices() PriceTable {
	return PriceTable{
		"claude-opus":      {Provider: "anthropic", InputPerMTok: 15.0, OutputPerMTok: 75.0},
		"claude-sonnet":    {Provider: "anthropic", InputPerMTok: 3.0, OutputPerMTok: 15.0},
		"claude-haiku":     {Provider: "anthropic", InputPerMTok: 0.80, OutputPerMTok: 4.0},
		"claude-3-5":       {Provider: "anthropic", InputPerMTok: 3.0, OutputPerMTok: 15.0},
		"gpt-4o-mini":      {Provider: "openai", InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"gpt-4o":           {Provider: "openai", InputPerMTok: 2.50, OutputPerMTok: 10.0},
		"gpt-4.1":          {Provider: "openai", InputPerMTok: 2.0, OutputPerMTok: 8.0},
		"o3":               {Provider: "openai", InputPerMTok: 2.0, OutputPerMTok: 8.0},
		"codex":            {Provider: "openai", InputPerMTok: 1.50, OutputPerMTok: 6.0},
		"gemini-2.5-pro":   {Provider: "google", InputPerMTok: 1.25, OutputPerMTok: 10.0},
		"gemini-2.5-flash": {Provider: "google", InputPerMTok: 0.30, OutputPerMTok: 2.50},
		"gemini":           {Provider: "google", InputPerMTok: 1.25, OutputPerMTok: 10.0},
	}
}

// defaultPrice covers models the table does not know. Mid-range so unknown
// models neither vanish from reports nor blow through budgets on noise.
var defaultPrice = Price{Provider: "unknown", InputPerMTok: 3.0, OutputPerMTok: 15.0}

// For resolves the price for a model name by longest matching prefix,
// falling back to a generic rate for unknown models.
func (pt PriceTable) For(model string) Price {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return defaultPrice
	}
	if p, ok := pt[model]; ok {
		return p
	}

	prefixes := make([]string, 0, len(pt))
	for prefix := range pt {
		prefixes = append(prefixes, prefix)
	}
	// Longest prefix first so claude-sonnet beats claude-3-5 style overlaps.
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, prefix := range prefixes {
		if strings.HasPrefix(model, prefix) {
			return pt[prefix]
		}
	}
	return defaultPrice
}
