package servicerate_test

import (
	"testing"

	"github.com/nulpointcorp/relaycore/internal/servicerate"
)

func TestNew_RejectsNonPositiveDefaultRate(t *testing.T) {
	if _, err := servicerate.New(servicerate.Rates{}, 0); err == nil {
		t.Fatal("expected an error for a zero default rate")
	}
}

func TestNew_RejectsInvalidRate(t *testing.T) {
	_, err := servicerate.New(servicerate.Rates{Rates: map[string]float64{"openai": -1}}, 1.0)
	if err == nil {
		t.Fatal("expected an error for a negative rate")
	}
}

func TestConvertToCredits_UnitRateIsIdentity(t *testing.T) {
	reg, err := servicerate.New(servicerate.Rates{Rates: map[string]float64{"anthropic": 1.0}}, 1.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := reg.ConvertToCredits(4.2, "anthropic"); got != 4.2 {
		t.Fatalf("want 4.2 got %v", got)
	}
}

func TestConvertToCredits_UnknownProviderUsesDefault(t *testing.T) {
	reg, err := servicerate.New(servicerate.Rates{Rates: map[string]float64{"anthropic": 1.0}}, 2.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := reg.ConvertToCredits(1.0, "some-new-provider"); got != 2.0 {
		t.Fatalf("want 2.0 got %v", got)
	}
}

func TestUpdate_RejectsInvalidAndKeepsPriorSnapshot(t *testing.T) {
	reg, err := servicerate.New(servicerate.Rates{Rates: map[string]float64{"openai": 1.5}}, 1.0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := reg.Update(servicerate.Rates{Rates: map[string]float64{"openai": -5}}); err == nil {
		t.Fatal("expected rejection of an invalid update")
	}
	if got := reg.Rate("openai"); got != 1.5 {
		t.Fatalf("expected prior snapshot to survive a rejected update, got %v", got)
	}
}

func TestInferProvider_ExactAliasWins(t *testing.T) {
	if got := servicerate.InferProvider("gpt-4o"); got != "openai" {
		t.Fatalf("want openai got %v", got)
	}
}

func TestInferProvider_KeywordFallback(t *testing.T) {
	if got := servicerate.InferProvider("some-brand-new-claude-variant"); got != "anthropic" {
		t.Fatalf("want anthropic got %v", got)
	}
	if got := servicerate.InferProvider("totally-unknown-model-xyz"); got != "anthropic" {
		t.Fatalf("want default anthropic got %v", got)
	}
}
