package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork covers connection failures, timeouts and unexpected statuses.
	ErrNetwork = errors.New("network failure")
	// ErrBlocked means the portal kept answering with a verification page.
	ErrBlocked = errors.New("blocked by anti-bot verification")
	// ErrAuthRequired means the session could not be renewed. It is fatal for
	// a crawl run and needs a manual login.
	ErrAuthRequired = errors.New("authentication required")
	ErrDisallowed   = errors.New("disallowed by robots.txt")
)

// Error is returned by Client.Do. Kind is one of the sentinel errors above.
type Error struct {
	Kind     error
	URL      string
	Attempts int
	Status   int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%v: %s", e.Kind, e.URL)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsFatal reports whether err must stop the whole crawl.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthRequired)
}
