package meal

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthError is a login or session failure. Msg carries the remote message verbatim.
type AuthError struct {
	Msg string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Msg, e.Err)
	}
	return "auth: " + e.Msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientRemoteError is any remote failure that is not a known terminal signal.
type TransientRemoteError struct {
	Op         string
	HTTPStatus int
	Msg        string
	Err        error
}

func (e *TransientRemoteError) Error() string {
	s := fmt.Sprintf("remote %s failed", e.Op)
	if e.HTTPStatus != 0 {
		s += fmt.Sprintf(" (status=%d)", e.HTTPStatus)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// FatalCycleError ends one reservation cycle without stopping the process.
type FatalCycleError struct {
	Reason    string
	LastError string
}

func (e *FatalCycleError) Error() string {
	if e.LastError != "" {
		return fmt.Sprintf("cycle failed: %s (last error: %s)", e.Reason, e.LastError)
	}
	return "cycle failed: " + e.Reason
}

// CalendarFetchError means the holiday source could not be reached or parsed.
type CalendarFetchError struct {
	Month string
	Err   error
}

func (e *CalendarFetchError) Error() string {
	return fmt.Sprintf("holiday fetch %s: %v", e.Month, e.Err)
}

func (e *CalendarFetchError) Unwrap() error { return e.Err }

// ConfigError reports missing or invalid user preferences.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
