package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation error")
	ErrUnavailable = errors.New("service unavailable")
)

// Sentinels for dialer failures. Connection and auth failures are fatal to the
// campaign run; the others resolve into terminal call dispositions and the run
// continues.
var (
	ErrConnection    = errors.New("switch connection failed")
	ErrAuth          = errors.New("switch login rejected")
	ErrOrigination   = errors.New("call origination failed")
	ErrAnswerTimeout = errors.New("call answer timeout")
	ErrNoIdleAgent   = errors.New("no idle agent available")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
