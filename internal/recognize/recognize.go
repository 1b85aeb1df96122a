// Package recognize defines the uniform contract over heterogeneous music
// recognition providers and the two concrete providers in scope: a
// fingerprint-lookup provider and a signal-matching provider.
package recognize

import (
	"context"
	"encoding/json"
	"time"
)

// Result is the uniform value returned by any recognizer: it encodes
// success, no-match, or error, never a Go error from Recognize itself.
//
// Invariants (per the specification):
//   - ErrorMessage non-empty  <=> the attempt failed.
//   - ProviderTrackID empty and ErrorMessage empty => no-match.
//   - ProviderTrackID non-empty and ErrorMessage empty => success.
type Result struct {
	Provider        string
	ProviderTrackID string
	Title           string
	Artist          string

	Album      *string
	ISRC       *string
	ArtworkURL *string

	Confidence *float64

	RecognizedAtUTC time.Time

	RawResponse json.RawMessage

	ErrorMessage string
}

// IsSuccess reports whether this result represents a successful
// identification.
func (r Result) IsSuccess() bool {
	return r.ErrorMessage == "" && r.ProviderTrackID != ""
}

// IsNoMatch reports whether this result represents a successful exchange
// that found no match, as distinct from an error.
func (r Result) IsNoMatch() bool {
	return r.ErrorMessage == "" && r.ProviderTrackID == ""
}

// IsError reports whether this attempt failed.
func (r Result) IsError() bool {
	return r.ErrorMessage != ""
}

// Recognizer is the capability every provider implements. It never raises:
// a timeout, transport error, provider-side error, or malformed response
// must be converted to a Result whose ErrorMessage is populated.
type Recognizer interface {
	// Name returns the provider tag used as Result.Provider and as the
	// per-provider capacity-gate key.
	Name() string
	Recognize(ctx context.Context, payload []byte) Result
}

func errorResult(provider string, now time.Time, msg string) Result {
	return Result{
		Provider:        provider,
		RecognizedAtUTC: now,
		ErrorMessage:    msg,
	}
}

func noMatchResult(provider string, now time.Time, raw json.RawMessage) Result {
	return Result{
		Provider:        provider,
		RecognizedAtUTC: now,
		RawResponse:     raw,
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
