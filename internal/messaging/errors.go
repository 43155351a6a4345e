package messaging

import (
	"errors"

	"github.com/osanchez/medchat/internal/api"
)

// Standard engine errors.
var (
	// ErrMalformedRecord flags a server record with no usable id. The record
	// is dropped and logged; the surrounding batch keeps going.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrUnknownMessage is returned when an edit/delete/retry targets an id
	// the engine does not hold.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrUnknownThread is returned when an operation targets a thread the
	// engine has never seen.
	ErrUnknownThread = errors.New("unknown thread")

	// ErrEmptyBody is returned for sends and edits with nothing to say.
	ErrEmptyBody = errors.New("message body cannot be empty")

	// ErrNoActiveThread is returned when a timeline operation runs with no
	// active conversation selected.
	ErrNoActiveThread = errors.New("no active thread")
)

// IsRetryable reports whether a failed user action can be retried as-is.
// Background poll failures are always retried on the next tick regardless.
func IsRetryable(err error) bool {
	return api.IsTransient(err)
}

// IsPermanent reports whether retrying without changing the request is
// pointless.
func IsPermanent(err error) bool {
	return errors.Is(err, api.ErrBadRequest) ||
		errors.Is(err, api.ErrUnauthorized) ||
		errors.Is(err, api.ErrNotFound) ||
		errors.Is(err, ErrMalformedRecord) ||
		errors.Is(err, ErrEmptyBody)
}
