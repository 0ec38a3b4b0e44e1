package proxy

import (
	"testing"

	"github.com/nulpointcorp/relaycore/internal/providers"
)

func baseEngineRequest() Request {
	return Request{
		Model:       "gpt-4o",
		Temperature: 0.7,
		MaxTokens:   256,
		Messages:    []providers.Message{{Role: "user", Content: "hello"}},
	}
}

func TestBuildEngineCacheKey_Deterministic(t *testing.T) {
	req := baseEngineRequest()
	if buildEngineCacheKey(req) != buildEngineCacheKey(req) {
		t.Fatal("expected identical requests to produce identical cache keys")
	}
}

func TestBuildEngineCacheKey_DifferentModels(t *testing.T) {
	a := baseEngineRequest()
	b := baseEngineRequest()
	b.Model = "gpt-4o-mini"
	if buildEngineCacheKey(a) == buildEngineCacheKey(b) {
		t.Fatal("expected different models to produce different cache keys")
	}
}

func TestBuildEngineCacheKey_DifferentMessages(t *testing.T) {
	a := baseEngineRequest()
	b := baseEngineRequest()
	b.Messages = []providers.Message{{Role: "user", Content: "goodbye"}}
	if buildEngineCacheKey(a) == buildEngineCacheKey(b) {
		t.Fatal("expected different messages to produce different cache keys")
	}
}

func TestBuildEngineCacheKey_DifferentTemperatures(t *testing.T) {
	a := baseEngineRequest()
	b := baseEngineRequest()
	b.Temperature = 0.9
	if buildEngineCacheKey(a) == buildEngineCacheKey(b) {
		t.Fatal("expected different temperatures to produce different cache keys")
	}
}

func TestBuildEngineCacheKey_DifferentMaxTokens(t *testing.T) {
	a := baseEngineRequest()
	b := baseEngineRequest()
	b.MaxTokens = 512
	if buildEngineCacheKey(a) == buildEngineCacheKey(b) {
		t.Fatal("expected different max tokens to produce different cache keys")
	}
}

func TestBuildEngineCacheKey_IgnoresKeySecret(t *testing.T) {
	a := baseEngineRequest()
	a.KeySecret = "secret-a"
	b := baseEngineRequest()
	b.KeySecret = "secret-b"
	if buildEngineCacheKey(a) != buildEngineCacheKey(b) {
		t.Fatal("expected cache key to be independent of the caller's key secret")
	}
}

func TestBuildEngineCacheKey_DerivesProviderFromModel(t *testing.T) {
	a := baseEngineRequest()
	a.Model = "claude-opus-4-6"
	b := baseEngineRequest()
	b.Model = "gpt-4o"
	if buildEngineCacheKey(a) == buildEngineCacheKey(b) {
		t.Fatal("expected models resolving to different providers to produce different cache keys")
	}
}
