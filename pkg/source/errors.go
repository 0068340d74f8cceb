package source

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRef matches errors for a reference that does not exist in the
	// source. It signals bad user input; retrying will not help.
	ErrBadRef = errors.New("reference not found")

	// ErrBackend matches errors from the backend tool or transport itself:
	// network failures, permissions, corrupt repositories.
	ErrBackend = errors.New("backend failure")

	// ErrNoProvider is returned by Registry.Select when no provider
	// recognizes the source.
	ErrNoProvider = errors.New("no provider recognizes this source")

	// ErrFetchReused is yielded when a provider's fetch sequence is ranged
	// over a second time. Construct a new provider to retry.
	ErrFetchReused = errors.New("fetch already started on this provider")

	// ErrTargetNotEmpty is yielded when the output directory already has
	// content.
	ErrTargetNotEmpty = errors.New("target directory is not empty")

	// errStopped is returned internally when the consumer stops ranging.
	errStopped = errors.New("fetch abandoned by caller")
)

// RefError reports a reference that the backend could not resolve.
type RefError struct {
	Provider string
	Repo     string
	Ref      string
	Reason   string
	Err      error
}

func (e *RefError) Error() string {
	msg := fmt.Sprintf("%s: ref %q not found in %s", e.Provider, e.Ref, e.Repo)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *RefError) Is(target error) bool {
	return target == ErrBadRef
}

func (e *RefError) Unwrap() error {
	return e.Err
}

// BackendError reports a failure of the backend tool or transport.
type BackendError struct {
	Provider string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend failed: %v", e.Provider, e.Err)
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBadRef reports whether err is a bad-reference error.
func IsBadRef(err error) bool {
	return errors.Is(err, ErrBadRef)
}

// IsBackendFailure reports whether err is a backend tool or transport failure.
func IsBackendFailure(err error) bool {
	return errors.Is(err, ErrBackend)
}
