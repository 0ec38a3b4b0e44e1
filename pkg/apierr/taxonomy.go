package apierr

import "regexp"

// Code is one of the sanitized error codes surfaced to clients by the core
// (spec.md §7 "Error taxonomy"). Unlike the OpenAI-style Type/Code pair
// above (kept for the existing HTTP adapter's wire format), Code is the
// transport-agnostic classification the core itself reasons about.
type Code string

const (
	CodeServiceUnavailable Code = "service-unavailable"
	CodeNetworkFailure     Code = "network-failure"
	CodeAuthFailure        Code = "auth-failure"
	CodeRateLimited        Code = "rate-limit-exceeded"
	CodeInvalidBody        Code = "invalid-request"
	CodeModelUnavailable   Code = "model-unavailable"
	CodeUpstreamError      Code = "upstream-error"
	CodeTimeout            Code = "timeout"
	CodePermissionDenied   Code = "permission-denied"
	CodeNotFound           Code = "not-found"
	CodeAccountUnavailable Code = "account-unavailable"
	CodeOverloaded         Code = "overloaded"
	CodeInvalidKey         Code = "invalid-api-key"
	CodeQuotaExceeded      Code = "quota-exceeded"
	CodeInternal           Code = "internal-error"
)

// httpStatus is the fixed HTTP status mapping from spec.md §7's table.
var httpStatus = map[Code]int{
	CodeServiceUnavailable: 503,
	CodeNetworkFailure:     502,
	CodeAuthFailure:        401,
	CodeRateLimited:        429,
	CodeInvalidBody:        400,
	CodeModelUnavailable:   503,
	CodeUpstreamError:      502,
	CodeTimeout:            504,
	CodePermissionDenied:   403,
	CodeNotFound:           404,
	CodeAccountUnavailable: 503,
	CodeOverloaded:         529,
	CodeInvalidKey:         401,
	CodeQuotaExceeded:      429,
	CodeInternal:           500,
}

// HTTPStatus returns the fixed status code for a taxonomy Code, defaulting
// to 500 for an unrecognized code (should not happen for any Code defined
// in this package).
func HTTPStatus(c Code) int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return 500
}

// CoreError is a sanitized, typed error the Proxy Engine core returns to its
// adapters — deliberately stripped of upstream internals before it leaves
// the core (spec.md §7 "Propagation policy").
type CoreError struct {
	Code    Code
	Message string
}

func (e *CoreError) Error() string { return string(e.Code) + ": " + e.Message }

// New constructs a CoreError.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// routingTagPattern matches internal "[name/name]" routing tags (e.g.
// "[anthropic/acct-07]") that sometimes leak into upstream error bodies.
var routingTagPattern = regexp.MustCompile(`\[[\w.-]+/[\w.-]+\]`)

// Sanitize strips internal routing tags from an upstream error body before
// it is forwarded to a client, per spec.md §7 ("forwarded bodies are
// stripped of internal routing tags").
func Sanitize(body string) string {
	return routingTagPattern.ReplaceAllString(body, "")
}
