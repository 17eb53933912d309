package worker

import (
	"context"
	"errors"
	"reflect"
)

// Fetcher performs one blocking call against an exchange. The result is
// opaque to the worker except for the summary keys snapshot.Summarize knows.
type Fetcher interface {
	Fetch(ctx context.Context) (any, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context) (any, error)

// Fetch calls f(ctx).
func (f FetchFunc) Fetch(ctx context.Context) (any, error) { return f(ctx) }

// FetchError is a fetch failure with an explicit cause label. The cause ends
// up in the status item and the audit events.
type FetchError struct {
	Cause string
	Err   error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return e.Cause
	}
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error { return e.Err }

// Failure wraps err with the given cause.
func Failure(cause string, err error) error {
	return &FetchError{Cause: cause, Err: err}
}

// CauseOf returns the cause label for err: the FetchError cause when one is
// in the chain, otherwise the Go type name of err.
func CauseOf(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Cause != "" {
		return fe.Cause
	}
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "error"
	}
	return t.Name()
}
