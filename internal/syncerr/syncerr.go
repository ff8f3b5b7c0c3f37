// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Backends mark raw failures with one of the sentinels below using
// errors.Mark, so callers can classify with errors.Is while the original
// message and stack stay intact.
package syncerr

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTransient indicates a connectivity or server-side failure worth retrying.
	ErrTransient = errors.New("transient network error")

	// ErrAuth indicates a missing or invalid session.
	ErrAuth = errors.New("auth error")

	// ErrIntegrity indicates a malformed domain payload.
	ErrIntegrity = errors.New("integrity error")

	// ErrExhausted indicates a queued operation ran out of retries.
	ErrExhausted = errors.New("retries exhausted")

	// ErrAlreadySyncing is returned when a sync pass is already running.
	ErrAlreadySyncing = errors.New("already syncing")

	// ErrNotSignedIn is returned when an operation needs a user and none is set.
	ErrNotSignedIn = errors.New("not signed in")
)

// Kind is the wire name of an error class, used in event payloads.
type Kind string

const (
	KindNone      Kind = ""
	KindTransient Kind = "transient"
	KindAuth      Kind = "auth"
	KindIntegrity Kind = "integrity"
	KindExhausted Kind = "exhausted"
	KindBusy      Kind = "busy"
	KindUnknown   Kind = "unknown"
)

// Transient marks err as a TransientNetworkError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Auth marks err as an AuthError.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrAuth)
}

// Integrity marks err as an IntegrityError.
func Integrity(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrIntegrity)
}

// IsTransient reports whether err should be retried. Unmarked network and
// deadline errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify maps err onto its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuth), errors.Is(err, ErrNotSignedIn):
		return KindAuth
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrExhausted):
		return KindExhausted
	case errors.Is(err, ErrAlreadySyncing):
		return KindBusy
	case IsTransient(err):
		return KindTransient
	default:
		return KindUnknown
	}
}
