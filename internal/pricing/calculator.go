package pricing

import (
	"math"
	"strings"
)

// Usage is the CC input: a usage record for one completed request.
type Usage struct {
	Input       int64
	Output      int64
	CacheCreate int64
	CacheRead   int64
	// Ephemeral5m/Ephemeral1h optionally break CacheCreate down by TTL tier.
	// If both are zero, the whole of CacheCreate is billed at the 5-minute
	// rate — the common case for providers that don't report the split.
	Ephemeral5m int64
	Ephemeral1h int64

	Model             string
	RequestBetaHeader string
	Speed             string // "fast" enables fast-mode pricing
}

// Resolved holds the per-token prices actually applied after long-context
// and fast-mode adjustments — useful for tests and for debugging bills.
type Resolved struct {
	Input         float64
	Output        float64
	CacheCreate5m float64
	CacheCreate1h float64
	CacheRead     float64
}

// Breakdown is the CC output.
type Breakdown struct {
	HasPricing           bool
	IsLongContextRequest bool
	IsFastMode           bool
	Pricing              Resolved

	InputCost       float64
	OutputCost      float64
	CacheCreateCost float64
	CacheReadCost   float64
	TotalCost       float64 // USD

	// RealCostMicro is TotalCost rounded to an int64 count of micro-dollars
	// (USD × 1_000_000), the fixed-point form persisted to SS.
	RealCostMicro int64
}

const longContextThreshold = 200_000

// Calculate implements spec.md §4.1 steps 1-6. It is a pure function: no I/O,
// no SS dependency, matching the "PR, SRR, CC be pure leaves" design note.
func Calculate(catalog Catalog, u Usage) Breakdown {
	base, ok := catalog.Lookup(u.Model)
	if !ok {
		return Breakdown{HasPricing: false}
	}

	totalInput := u.Input + u.CacheCreate + u.CacheRead

	longContext := isLongContextCandidate(u.Model, u.RequestBetaHeader) && totalInput > longContextThreshold
	resolved := Resolved{
		Input:         base.Input,
		Output:        base.Output,
		CacheCreate5m: base.CacheCreate5m,
		CacheCreate1h: base.CacheCreate1h,
		CacheRead:     base.CacheRead,
	}

	if longContext {
		if base.Above200K != nil {
			resolved = Resolved{
				Input:         base.Above200K.Input,
				Output:        base.Above200K.Output,
				CacheCreate5m: base.Above200K.CacheCreate5m,
				CacheCreate1h: base.Above200K.CacheCreate1h,
				CacheRead:     base.Above200K.CacheRead,
			}
		} else {
			resolved.Input = base.Input * 2
			resolved.Output = base.Output * 1.5
			resolved.CacheCreate5m = resolved.Input * 1.25
			resolved.CacheCreate1h = resolved.Input * 2
			resolved.CacheRead = resolved.Input * 0.1
		}
	}

	fastMode := strings.Contains(u.RequestBetaHeader, "fast-mode-") && u.Speed == "fast"
	if fastMode {
		mult := base.FastModeMultiplier
		if mult == 0 {
			mult = 6
		}
		resolved.Input *= mult
		resolved.Output *= mult
		resolved.CacheCreate5m = resolved.Input * 1.25
		resolved.CacheCreate1h = resolved.Input * 2
		resolved.CacheRead = resolved.Input * 0.1
	}

	cacheCreateCost := cacheCreateCost(u, resolved)
	inputCost := float64(u.Input) * resolved.Input
	outputCost := float64(u.Output) * resolved.Output
	cacheReadCost := float64(u.CacheRead) * resolved.CacheRead

	total := inputCost + outputCost + cacheCreateCost + cacheReadCost

	return Breakdown{
		HasPricing:           true,
		IsLongContextRequest: longContext,
		IsFastMode:           fastMode,
		Pricing:              resolved,
		InputCost:            inputCost,
		OutputCost:           outputCost,
		CacheCreateCost:      cacheCreateCost,
		CacheReadCost:        cacheReadCost,
		TotalCost:            total,
		RealCostMicro:        int64(math.Round(total * 1_000_000)),
	}
}

func cacheCreateCost(u Usage, r Resolved) float64 {
	if u.Ephemeral5m == 0 && u.Ephemeral1h == 0 {
		return float64(u.CacheCreate) * r.CacheCreate5m
	}
	remainder := u.CacheCreate - u.Ephemeral5m - u.Ephemeral1h
	if remainder < 0 {
		remainder = 0
	}
	return float64(u.Ephemeral5m)*r.CacheCreate5m +
		float64(u.Ephemeral1h)*r.CacheCreate1h +
		float64(remainder)*r.CacheCreate5m
}

func isLongContextCandidate(model, betaHeader string) bool {
	if strings.HasSuffix(model, "[1m]") {
		return true
	}
	return strings.Contains(betaHeader, "context-1m-")
}
