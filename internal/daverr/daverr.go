// Package daverr defines the error taxonomy shared by the remote
// transport, the sync engine, and the scheduler. Errors are tagged with
// a Kind so callers can decide between retrying with backoff, surfacing
// to the auth collaborator, or recording a per-file failure and moving on.
package daverr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error for propagation policy decisions.
type Kind int

const (
	// KindUnknown is the zero value for errors that carry no tag.
	KindUnknown Kind = iota

	// KindTransient covers timeouts, refused connections, and 5xx
	// responses. Retried at the run level via scheduler backoff.
	KindTransient

	// KindAuth covers 401/403 responses. Never retried here; surfaced
	// as a run failure for the auth collaborator to handle.
	KindAuth

	// KindNotFound covers 404 responses and missing local files.
	KindNotFound

	// KindFile covers local read/write errors and partial transfers.
	// Recorded against the file record; folder sync continues.
	KindFile

	// KindDeferred means a run precondition (Wi-Fi only, network
	// connected) was unmet at execution time. Retry later, not a failure.
	KindDeferred
)

// Sentinel errors for run-level infrastructure failures.
var (
	ErrNoAccount    = errors.New("no active account configured")
	ErrOffline      = errors.New("network unavailable")
	ErrWifiRequired = errors.New("sync requires an unmetered connection")
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindFile:
		return "file"
	case KindDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error {
	return e.err
}

// Tag wraps err with a Kind. Returns nil if err is nil.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	return &kindError{kind: kind, err: err}
}

// KindOf walks the error chain and returns the first Kind tag found.
// Context cancellation and net timeouts classify as transient even when
// untagged, since they reach this package from deep inside stdlib I/O.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}

	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, ErrWifiRequired):
		return KindDeferred
	case errors.Is(err, ErrNoAccount):
		return KindAuth
	}

	return KindUnknown
}

// IsTransient reports whether the error should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsAuth reports whether the error requires re-authentication.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsNotFound reports whether the error represents a missing resource.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsDeferred reports whether the run should be rescheduled rather than
// treated as failed.
func IsDeferred(err error) bool {
	return KindOf(err) == KindDeferred
}
