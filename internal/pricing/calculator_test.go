package pricing_test

import (
	"math"
	"testing"

	"github.com/nulpointcorp/relaycore/internal/pricing"
)

// testCatalog fixes base prices so the long-context/fast-mode derivation
// formulas reproduce the worked dollar amounts from the scenario tables
// exactly: claude-sonnet-4 at $3/$15 per million tokens, and the newer
// claude-opus-4-6 tier at $5/$25 per million tokens.
func testCatalog() pricing.Catalog {
	return pricing.Catalog{
		"claude-sonnet-4-20250514": {
			Input:  3e-6,
			Output: 15e-6,
		},
		"claude-opus-4-6": {
			Input:  5e-6,
			Output: 25e-6,
		},
	}
}

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestCalculate_MissingModel_HasPricingFalse(t *testing.T) {
	b := pricing.Calculate(testCatalog(), pricing.Usage{Model: "unknown-model", Input: 10})
	if b.HasPricing {
		t.Fatal("expected HasPricing=false for unknown model")
	}
}

func TestCalculate_BaseUnder200K(t *testing.T) {
	b := pricing.Calculate(testCatalog(), pricing.Usage{
		Model:  "claude-sonnet-4-20250514",
		Input:  100_000,
		Output: 1_000,
	})
	if !b.HasPricing {
		t.Fatal("expected HasPricing=true")
	}
	if b.IsLongContextRequest {
		t.Fatal("expected base pricing under the 200K threshold")
	}
	want := 100_000*3e-6 + 1_000*15e-6
	if !almostEqual(b.TotalCost, want, 1e-9) {
		t.Fatalf("want %v got %v", want, b.TotalCost)
	}
}

// Scenario 3 (spec.md §8): claude-sonnet-4-20250514[1m], input=150000,
// output=10000, cacheCreate=40000, cacheRead=20000.
// Expected: 150000·6e-6 + 10000·2.25e-5 + 40000·7.5e-6 + 20000·6e-7 = $1.437
func TestCalculate_LongContext_ScenarioThree(t *testing.T) {
	b := pricing.Calculate(testCatalog(), pricing.Usage{
		Model:       "claude-sonnet-4-20250514[1m]",
		Input:       150_000,
		Output:      10_000,
		CacheCreate: 40_000,
		CacheRead:   20_000,
	})
	if !b.HasPricing {
		t.Fatal("expected HasPricing=true")
	}
	if !b.IsLongContextRequest {
		t.Fatal("expected long-context pricing to trigger ([1m] suffix, totalInput > 200000)")
	}
	if !almostEqual(b.Pricing.Input, 6e-6, 1e-12) {
		t.Fatalf("want resolved input price 6e-6, got %v", b.Pricing.Input)
	}
	if !almostEqual(b.Pricing.Output, 2.25e-5, 1e-12) {
		t.Fatalf("want resolved output price 2.25e-5, got %v", b.Pricing.Output)
	}
	want := 1.437
	if !almostEqual(b.TotalCost, want, 1e-6) {
		t.Fatalf("want total cost %v got %v", want, b.TotalCost)
	}
	if b.RealCostMicro != 1_437_000 {
		t.Fatalf("want RealCostMicro=1437000 got %d", b.RealCostMicro)
	}
}

// Scenario 4 (spec.md §8): claude-opus-4-6, beta
// "fast-mode-2026-02-01,context-1m-2025-08-07", speed=fast,
// input=210000, output=1000, cacheCreate=10000, cacheRead=10000.
// Expected resolved prices: input 6e-5, output 2.25e-4 (long-context ×
// fast-mode stacking).
func TestCalculate_LongContextAndFastMode_ScenarioFour(t *testing.T) {
	b := pricing.Calculate(testCatalog(), pricing.Usage{
		Model:             "claude-opus-4-6",
		RequestBetaHeader: "fast-mode-2026-02-01,context-1m-2025-08-07",
		Speed:             "fast",
		Input:             210_000,
		Output:            1_000,
		CacheCreate:       10_000,
		CacheRead:         10_000,
	})
	if !b.HasPricing {
		t.Fatal("expected HasPricing=true")
	}
	if !b.IsLongContextRequest {
		t.Fatal("expected long context to trigger via beta header (no [1m] suffix needed)")
	}
	if !b.IsFastMode {
		t.Fatal("expected fast mode to trigger")
	}
	if !almostEqual(b.Pricing.Input, 6e-5, 1e-12) {
		t.Fatalf("want resolved input price 6e-5, got %v", b.Pricing.Input)
	}
	if !almostEqual(b.Pricing.Output, 2.25e-4, 1e-12) {
		t.Fatalf("want resolved output price 2.25e-4, got %v", b.Pricing.Output)
	}
}

func TestCalculate_LongContextBoundary(t *testing.T) {
	cat := testCatalog()

	atThreshold := pricing.Calculate(cat, pricing.Usage{
		Model: "claude-sonnet-4-20250514[1m]",
		Input: 200_000,
	})
	if atThreshold.IsLongContextRequest {
		t.Fatal("totalInput == 200000 must use base prices, not long-context")
	}

	overThreshold := pricing.Calculate(cat, pricing.Usage{
		Model: "claude-sonnet-4-20250514[1m]",
		Input: 200_001,
	})
	if !overThreshold.IsLongContextRequest {
		t.Fatal("totalInput == 200001 must trigger long-context pricing")
	}
}

func TestCalculate_HeaderOnly_NoSuffix_StillTriggersLongContext(t *testing.T) {
	b := pricing.Calculate(testCatalog(), pricing.Usage{
		Model:             "claude-sonnet-4-20250514",
		RequestBetaHeader: "context-1m-2025-08-07",
		Input:             250_000,
	})
	if !b.IsLongContextRequest {
		t.Fatal("beta header alone (no [1m] suffix) must trigger long-context pricing")
	}
}

func TestCalculate_RealCostMicroRoundTrip(t *testing.T) {
	b := pricing.Calculate(testCatalog(), pricing.Usage{
		Model:  "claude-sonnet-4-20250514",
		Input:  123_456,
		Output: 7_890,
	})
	reconstructed := float64(b.RealCostMicro) / 1_000_000
	if math.Abs(reconstructed-b.TotalCost) > 1e-6 {
		t.Fatalf("round-trip law violated: micro=%d total=%v", b.RealCostMicro, b.TotalCost)
	}
}
