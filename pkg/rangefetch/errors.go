package rangefetch

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMaxRetriesReached means one range failed on every attempt. It is fatal
	// to the whole download.
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrNoURLs            = errors.New("rangefetch: resolver returned no URLs")

	ErrRangeNotSupported = errors.New("rangefetch: server does not support range requests")
	ErrNotFound          = errors.New("rangefetch: resource not found")
	ErrForbidden         = errors.New("rangefetch: access forbidden")
	ErrUnauthorized      = errors.New("rangefetch: unauthorized")
	ErrServerError       = errors.New("rangefetch: server error")
	ErrShortRange        = errors.New("rangefetch: range body length mismatch")
)

// RangeError reports the range that brought a download down.
type RangeError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *RangeError) Unwrap() error {
	return e.Err
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrRangeNotSupported),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrUnauthorized):
		return false
	}
	return true
}

// checkStatus maps a range response status to an error.
func checkStatus(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code == http.StatusPartialContent:
		return nil
	case code == http.StatusOK:
		// Some servers answer 200 but still honor the range.
		if resp.Header.Get("Content-Range") == "" {
			return ErrRangeNotSupported
		}
		return nil
	case code >= 500:
		return fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	case code == http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSupported
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}
