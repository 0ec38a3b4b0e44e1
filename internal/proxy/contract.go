package proxy

import (
	"net/http"

	"github.com/nulpointcorp/relaycore/internal/providers"
)

// Request is the internal request object an adapter hands to the Proxy
// Engine (spec.md §6 "Inbound request").
type Request struct {
	KeySecret         string
	Provider          string // requested provider family, resolved by the adapter
	EndpointType      string
	Model             string
	IsStreaming       bool
	ClientIdentifier  string
	SessionHash       string
	RequestBetaHeader string
	Messages          []providers.Message
	Temperature       float64
	MaxTokens         int
	Speed             string // "fast" when the request opts into fast-mode pricing
}

// Decision is the outbound scheduling decision (spec.md §6 "Outbound
// decision") — exposed for adapters that want to log or surface which
// account served a request.
type Decision struct {
	AccountID   string
	Provider    string
	IsDedicated bool
}

// StreamUsageEvent is the stream-end usage event (spec.md §6).
type StreamUsageEvent struct {
	Input        int64
	Output       int64
	CacheCreate  int64
	CacheRead    int64
	Ephemeral5m  int64
	Ephemeral1h  int64
	Speed        string
	StopReason   string
}

// ErrorEvent carries the information UHT needs to classify an upstream
// failure (spec.md §6).
type ErrorEvent struct {
	HTTPStatus      int
	ResponseHeaders http.Header
	BodySnippet     string
	NetworkTimeout  bool
}

// Response is what Dispatch returns to the adapter on success.
type Response struct {
	Decision  Decision
	KeyID     string // the validated ApiKey's id, needed by the adapter to call RecordCompletion for streams
	Content   string // populated for buffered (non-streaming) responses
	Stream    <-chan providers.StreamChunk
	Usage     providers.Usage
	Model     string
	RequestID string
}
