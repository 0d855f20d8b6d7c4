package upstream

import "strings"

// ModelPricing holds per-token prices in USD per 1 million tokens.
type ModelPricing struct {
	InputPer1M  float64 `json:"input_per_1m" yaml:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m" yaml:"output_per_1m"`
}

// PricingTable maps "provider/model" keys to pricing data. Prices are
// best-effort copies of public pricing pages; configuration can add or
// override entries with SetPrice.
var PricingTable = map[string]ModelPricing{
	// OpenAI
	"openai/gpt-4o":        {InputPer1M: 2.50, OutputPer1M: 10.00},
	"openai/gpt-4o-mini":   {InputPer1M: 0.15, OutputPer1M: 0.60},
	"openai/gpt-4-turbo":   {InputPer1M: 10.00, OutputPer1M: 30.00},
	"openai/gpt-4":         {InputPer1M: 30.00, OutputPer1M: 60.00},
	"openai/gpt-3.5-turbo": {InputPer1M: 0.50, OutputPer1M: 1.50},

	// Anthropic models served through Bedrock
	"bedrock/anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"bedrock/anthropic.claude-3-5-haiku-20241022-v1:0":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"bedrock/anthropic.claude-3-opus-20240229-v1:0":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"bedrock/anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1M: 0.25, OutputPer1M: 1.25},
}

// SetPrice adds or replaces the price for provider/model. It is meant for
// start-up configuration and is not safe to call concurrently with
// EstimateCost.
func SetPrice(provider, model string, p ModelPricing) {
	PricingTable[priceKey(provider, model)] = p
}

func priceKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}

// EstimateCost returns the estimated cost in USD for usage. It looks up
// pricing by "provider/model" key and reports false when the model is not
// priced, so callers can store an unknown cost rather than zero.
func EstimateCost(provider, model string, usage Usage) (float64, bool) {
	p, ok := PricingTable[priceKey(provider, model)]
	if !ok {
		return 0, false
	}
	inputCost := float64(usage.PromptTokens) / 1_000_000 * p.InputPer1M
	outputCost := float64(usage.CompletionTokens) / 1_000_000 * p.OutputPer1M
	return inputCost + outputCost, true
}
