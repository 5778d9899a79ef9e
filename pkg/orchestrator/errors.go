package orchestrator

import (
	"context"
	"errors"

	"github.com/richardartoul/fetchcache/pkg/rangefetch"
	"github.com/richardartoul/fetchcache/pkg/relay"
)

// Error codes carried in ErrorPayload.Code. CodeAborted is reserved for
// cancellation by the caller; a save the endpoint gave up on is a delivery
// failure.
const (
	CodeAborted           = "aborted"
	CodeMaxRetries        = "max_retries"
	CodeNotFound          = "not_found"
	CodeForbidden         = "forbidden"
	CodeRangeNotSupported = "range_not_supported"
	CodeDelivery          = "delivery"
	CodeUnknown           = "unknown"
)

// ErrorPayload is what OnError receives. It serializes to JSON for consumers
// across a process or page boundary.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Aborted bool   `json:"aborted"`
}

func newErrorPayload(err error, aborted bool) ErrorPayload {
	p := ErrorPayload{
		Message: err.Error(),
		Code:    errorCode(err),
		Aborted: aborted,
	}
	if aborted {
		p.Code = CodeAborted
	}
	return p
}

func errorCode(err error) string {
	var chunkErr *relay.ChunkTypeError
	switch {
	case errors.Is(err, context.Canceled):
		return CodeAborted
	case errors.Is(err, rangefetch.ErrMaxRetriesReached):
		return CodeMaxRetries
	case errors.Is(err, rangefetch.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, rangefetch.ErrForbidden), errors.Is(err, rangefetch.ErrUnauthorized):
		return CodeForbidden
	case errors.Is(err, rangefetch.ErrRangeNotSupported):
		return CodeRangeNotSupported
	case errors.As(err, &chunkErr),
		errors.Is(err, relay.ErrAborted),
		errors.Is(err, relay.ErrClosed),
		errors.Is(err, relay.ErrTransportClosed),
		errors.Is(err, relay.ErrCloseTimeout):
		return CodeDelivery
	default:
		return CodeUnknown
	}
}
