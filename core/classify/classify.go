// Package classify turns provider-specific failures into the Failure
// Classification enumeration the rest of the Core reasons about. Adapters
// live closest to the wire and are the only code allowed to construct a
// Class directly from a status code or error string; everything downstream
// (breaker, capacity, executor) switches on Class alone.
package classify

import (
	"context"
	"errors"
	"strings"
)

// Class is the Failure Classification enumeration.
type Class int

const (
	// None means the call succeeded; it is never attached to an error.
	None Class = iota
	// RateLimit covers HTTP 429 and the 503/RESOURCE_EXHAUSTED family that
	// providers use to signal exhausted capacity rather than an outage.
	RateLimit
	// Format covers malformed responses and tool-call syntax violations.
	Format
	// Transport covers connection resets, DNS failures and timeouts.
	Transport
	// Auth covers 401/403 responses received against a credential the
	// Oracle believed valid.
	Auth
	// Fatal covers non-recoverable server errors once the per-endpoint
	// retry budget for Format failures is spent.
	Fatal
)

func (c Class) String() string {
	switch c {
	case RateLimit:
		return "RateLimit"
	case Format:
		return "Format"
	case Transport:
		return "Transport"
	case Auth:
		return "Auth"
	case Fatal:
		return "Fatal"
	default:
		return "None"
	}
}

// capacityMarkers are the known substrings providers embed in 503 bodies to
// mean "no capacity", not "server broken". Anthropic's MODEL_CAPACITY_EXHAUSTED
// and Gemini/Vertex's RESOURCE_EXHAUSTED are both observed in the wild.
var capacityMarkers = []string{
	"MODEL_CAPACITY_EXHAUSTED",
	"No capacity available",
	"RESOURCE_EXHAUSTED",
	"rate_limit",
	"quota",
}

// FromHTTP classifies a failure using only the HTTP status and response
// body, the shape every REST-speaking provider adapter has on hand.
func FromHTTP(status int, body string) Class {
	switch {
	case status == 429:
		return RateLimit
	case status == 401 || status == 403:
		return Auth
	case status == 503:
		if containsAny(body, capacityMarkers) {
			return RateLimit
		}
		return Transport
	case status == 502 || status == 504:
		return Transport
	case status >= 500:
		return Fatal
	case status == 400:
		if containsAny(body, []string{"quota", "credit", "RESOURCE_EXHAUSTED"}) {
			return RateLimit
		}
		return Format
	case status >= 400:
		return Format
	default:
		return None
	}
}

// FromError classifies a transport-level error: context deadlines and
// network errors become Transport, everything else becomes Fatal
// (typically FromHTTP has already run and this is just the context.Err
// fallback path the Executor uses when the upstream call never returns a
// status at all).
func FromError(err error) Class {
	if err == nil {
		return None
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transport
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "no such host", "i/o timeout", "eof", "broken pipe", "dial tcp"} {
		if strings.Contains(msg, s) {
			return Transport
		}
	}
	return Fatal
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// CountsTowardBreaker reports whether a failure of this class should
// increment the Circuit Breaker Set's consecutive-failure counter.
// RateLimit is explicitly excluded per the spec: the breaker guards
// reachability, capacity guards allowance, and mixing the two would trip
// the breaker on a healthy endpoint that is merely out of quota.
func (c Class) CountsTowardBreaker() bool {
	return c == Transport || c == Fatal
}
