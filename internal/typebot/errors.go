package typebot

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable marks a failed session creation
	ErrProviderUnavailable = errors.New("bot provider unavailable")
	// ErrNoReply marks a failed continuation other than an expired session
	ErrNoReply = errors.New("bot provider returned no reply")
)

// ProviderUnavailableError is returned when startChat fails on the network or
// with a non-2xx status.
type ProviderUnavailableError struct {
	StatusCode int
	err        error
}

func (e *ProviderUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", ErrProviderUnavailable, e.StatusCode, e.err)
	}
	return fmt.Sprintf("%s: %v", ErrProviderUnavailable, e.err)
}

func (e *ProviderUnavailableError) Unwrap() error {
	return e.err
}

func (e *ProviderUnavailableError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// NoReplyError is returned when continueChat fails for any reason other than
// a 404.
type NoReplyError struct {
	StatusCode int
	err        error
}

func (e *NoReplyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", ErrNoReply, e.StatusCode, e.err)
	}
	return fmt.Sprintf("%s: %v", ErrNoReply, e.err)
}

func (e *NoReplyError) Unwrap() error {
	return e.err
}

func (e *NoReplyError) Is(target error) bool {
	return target == ErrNoReply
}

// IsProviderUnavailable returns true if err is a session creation failure
func IsProviderUnavailable(err error) bool {
	var unavailable *ProviderUnavailableError
	return errors.As(err, &unavailable)
}

// IsNoReply returns true if err is a continuation failure
func IsNoReply(err error) bool {
	var noReply *NoReplyError
	return errors.As(err, &noReply)
}
