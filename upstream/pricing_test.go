package upstream

import (
	"math"
	"testing"
)

func TestEstimateCost_KnownModel(t *testing.T) {
	usage := Usage{
		PromptTokens:     1000,
		CompletionTokens: 500,
		TotalTokens:      1500,
	}
	cost, ok := EstimateCost("openai", "gpt-4o", usage)
	if !ok {
		t.Fatal("expected gpt-4o to be priced")
	}
	// 1000/1M * 2.50 + 500/1M * 10.00 = 0.0025 + 0.005 = 0.0075
	expected := 0.0025 + 0.005
	if math.Abs(cost-expected) > 1e-10 {
		t.Errorf("EstimateCost() = %v, want %v", cost, expected)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	cost, ok := EstimateCost("unknown", "unknown-model", Usage{PromptTokens: 1000, CompletionTokens: 500})
	if ok || cost != 0 {
		t.Errorf("EstimateCost() for unknown model = %v, %v; want 0, false", cost, ok)
	}
}

func TestEstimateCost_ZeroUsage(t *testing.T) {
	cost, ok := EstimateCost("openai", "gpt-4o", Usage{})
	if !ok || cost != 0 {
		t.Errorf("EstimateCost() for zero usage = %v, %v; want 0, true", cost, ok)
	}
}

func TestEstimateCost_BedrockModel(t *testing.T) {
	usage := Usage{PromptTokens: 100, CompletionTokens: 50}
	cost, ok := EstimateCost("bedrock", "anthropic.claude-3-5-sonnet-20241022-v2:0", usage)
	if !ok {
		t.Fatal("expected bedrock claude to be priced")
	}
	expected := float64(100)/1_000_000*3.00 + float64(50)/1_000_000*15.00
	if math.Abs(cost-expected) > 1e-10 {
		t.Errorf("EstimateCost() = %v, want %v", cost, expected)
	}
}

func TestSetPrice(t *testing.T) {
	t.Cleanup(func() { delete(PricingTable, "http/house-model") })
	SetPrice("HTTP", "House-Model", ModelPricing{InputPer1M: 1, OutputPer1M: 2})

	cost, ok := EstimateCost("http", "house-model", Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	if !ok || math.Abs(cost-3) > 1e-10 {
		t.Fatalf("EstimateCost() = %v, %v; want 3, true", cost, ok)
	}
}

func TestPricingTable_NoNegativePrices(t *testing.T) {
	for key, p := range PricingTable {
		if p.InputPer1M < 0 || p.OutputPer1M < 0 {
			t.Errorf("%s has a negative price", key)
		}
	}
}
