package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

var (
	// ErrUnavailable marks transient failures: network errors, timeouts,
	// throttling and upstream 5xx. Callers may retry.
	ErrUnavailable = errors.New("llm: gateway unavailable")
	// ErrProtocol marks permanent failures: rejected requests and replies
	// that do not have the expected shape.
	ErrProtocol = errors.New("llm: gateway protocol error")
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	Provider   string
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d from %s: %s", e.Provider, e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Unwrap classifies the status so errors.Is works against the sentinels.
func (e *HTTPStatusError) Unwrap() error {
	return StatusClass(e.StatusCode)
}

// StatusClass returns ErrUnavailable for 408, 429 and 5xx and ErrProtocol for
// every other non-2xx status.
func StatusClass(status int) error {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		return ErrUnavailable
	}
	return ErrProtocol
}

// Unavailable wraps err as a transient gateway failure.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Protocol wraps err as a permanent gateway failure.
func Protocol(err error) error {
	return fmt.Errorf("%w: %w", ErrProtocol, err)
}

// ClassifyTransport wraps an error returned while performing an HTTP call.
// Transport failures and context expiry are transient; anything else, such as
// a body that fails to decode, is a protocol error.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrProtocol) {
		return err
	}
	var (
		urlErr *url.Error
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Unavailable(err)
	case errors.As(err, &urlErr), errors.As(err, &netErr):
		return Unavailable(err)
	default:
		return Protocol(err)
	}
}
