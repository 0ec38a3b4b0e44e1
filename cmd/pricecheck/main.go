// Command pricecheck loads a pricing.json catalog and prints the cost
// breakdown Calculate (internal/pricing) would produce for a sample usage
// record, without starting the gateway or touching Redis. Useful when
// editing a pricing catalog by hand before deploying it.
//
//	pricecheck -catalog pricing.json -model claude-opus-4-6 -input 1000 -output 500
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nulpointcorp/relaycore/internal/pricing"
)

func main() {
	catalogPath := flag.String("catalog", "pricing.json", "path to the pricing catalog")
	model := flag.String("model", "", "model name to price (required)")
	input := flag.Int64("input", 0, "input token count")
	output := flag.Int64("output", 0, "output token count")
	cacheCreate := flag.Int64("cache-create", 0, "cache-creation token count")
	cacheRead := flag.Int64("cache-read", 0, "cache-read token count")
	betaHeader := flag.String("beta-header", "", "request beta header, for long-context/fast-mode pricing")
	speed := flag.String("speed", "", "\"fast\" to enable fast-mode pricing")
	flag.Parse()

	if *model == "" {
		fmt.Fprintln(os.Stderr, "pricecheck: -model is required")
		flag.Usage()
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	reg, err := pricing.New(*catalogPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pricecheck: %v\n", err)
		os.Exit(1)
	}

	breakdown := pricing.Calculate(reg.Catalog(), pricing.Usage{
		Input:             *input,
		Output:            *output,
		CacheCreate:       *cacheCreate,
		CacheRead:         *cacheRead,
		Model:             *model,
		RequestBetaHeader: *betaHeader,
		Speed:             *speed,
	})

	if !breakdown.HasPricing {
		fmt.Fprintf(os.Stderr, "pricecheck: no pricing entry for model %q\n", *model)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(breakdown, "", "  ")
	fmt.Println(string(out))
}
