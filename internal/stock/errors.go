package stock

import (
	"errors"
	"fmt"
)

// TransientError marks a fetch failure worth retrying: timeouts, connection
// resets, 5xx responses, rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a combination the portal will never serve (404, a
// union/item pairing that does not exist). The unit is recorded as completed
// with an empty result and the note, never retried.
type PermanentError struct {
	Note string
	Err  error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("permanent: %s", e.Note)
	}
	return fmt.Sprintf("permanent: %s: %v", e.Note, e.Err)
}
func (e *PermanentError) Unwrap() error { return e.Err }

// ParseError marks a response that could not be turned into records after
// every fallback strategy was tried. Retryable up to the unit budget.
type ParseError struct {
	Strategy string
	Err      error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse (%s): %v", e.Strategy, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err identifies a known-absent combination.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// PermanentNote extracts the diagnostic note from a permanent error, or "".
func PermanentNote(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Note
	}
	return ""
}
