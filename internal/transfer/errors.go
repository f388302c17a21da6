package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	rhttp "github.com/chrisdmacrae/romulator/internal/http"
)

// Common errors.
var (
	ErrCancelled         = errors.New("transfer: cancelled")
	ErrStalled           = errors.New("transfer: no data received within stall timeout")
	ErrMissingSource     = errors.New("transfer: source url is not set")
	ErrInsufficientSpace = errors.New("transfer: insufficient disk space")
	ErrTruncated         = errors.New("transfer: body length does not match Content-Length")
)

// Kind classifies a transfer failure.
type Kind int

const (
	KindNetwork Kind = iota
	KindHTTPStatus
	KindTooManyRedirects
	KindMissingSource
	KindCancelled
	KindIO
	KindTruncated
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindHTTPStatus:
		return "http status"
	case KindTooManyRedirects:
		return "too many redirects"
	case KindMissingSource:
		return "missing source"
	case KindCancelled:
		return "cancelled"
	case KindIO:
		return "io error"
	case KindTruncated:
		return "truncated"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error returned by Transfer.Run.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a transfer error, or false if err is not one.
func KindOf(err error) (Kind, bool) {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind, true
	}
	return 0, false
}

// classify wraps an error from the request or the body stream.
func classify(ctx context.Context, url string, err error) *Error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if cause == nil || errors.Is(cause, context.Canceled) {
			cause = ErrCancelled
		}
		return &Error{Kind: KindCancelled, URL: url, Err: cause}
	}

	var statusErr *rhttp.StatusError
	switch {
	case errors.Is(err, rhttp.ErrTooManyRedirects):
		return &Error{Kind: KindTooManyRedirects, URL: url, Err: err}
	case errors.As(err, &statusErr):
		return &Error{Kind: KindHTTPStatus, URL: url, Err: err}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return &Error{Kind: KindTruncated, URL: url, Err: fmt.Errorf("%w: %w", ErrTruncated, err)}
	default:
		return &Error{Kind: KindNetwork, URL: url, Err: err}
	}
}
