package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures for the retry logic.
type ErrorKind int

const (
	// KindTransient covers timeouts, connection failures and 5xx answers.
	KindTransient ErrorKind = iota
	// KindRateLimited is the provider telling us to slow down.
	KindRateLimited
	// KindPermanent covers bad credentials, unknown symbols, malformed requests.
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrAllProvidersExhausted is reported when every provider in the chain failed
// for a symbol and the synthetic fallback had to be used.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// FetchError wraps a provider failure with its classification.
type FetchError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(name string, err error) error {
	return &FetchError{Provider: name, Kind: KindTransient, Err: err}
}

// RateLimited wraps err as a rate-limit signal.
func RateLimited(name string, err error) error {
	return &FetchError{Provider: name, Kind: KindRateLimited, Err: err}
}

// Permanent wraps err as a failure that must not be retried.
func Permanent(name string, err error) error {
	return &FetchError{Provider: name, Kind: KindPermanent, Err: err}
}

// KindOf returns the classification of err. Unclassified errors are treated
// as transient, which covers deadline overruns and network errors.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Retryable reports whether another attempt against the same provider
// may succeed.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimited
}

// StatusError classifies a non-2xx HTTP answer: 429 is rate limited, 5xx is
// transient and every other 4xx is permanent.
func StatusError(name string, status int, detail string) error {
	err := fmt.Errorf("unexpected status code: %d %s", status, detail)
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimited(name, fmt.Errorf("rate limited"))
	case status >= 500:
		return Transient(name, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Permanent(name, fmt.Errorf("unauthorized"))
	case status >= 400:
		return Permanent(name, err)
	default:
		return Transient(name, err)
	}
}
