package shield

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is the cause of every *AuthFailure.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrTampered is returned for signed tokens that fail verification.
	ErrTampered = errors.New("tampered signed text")
	// ErrAccessDenied is returned by the authorizer.
	ErrAccessDenied = errors.New("access denied")
	// ErrRealmNotFound is the per-node cache clear failure for unknown realm names.
	ErrRealmNotFound = errors.New("could not find active realm")
)

// ConfigError is fatal at startup: a chain or audit trail that produced one is
// never served.
type ConfigError struct {
	Realm   string
	Setting string
	Msg     string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Msg
	if e.Realm != "" {
		msg = fmt.Sprintf("realm [%s]: %s", e.Realm, msg)
	}
	if e.Setting != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Setting)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(realm, format string, args ...any) *ConfigError {
	return &ConfigError{Realm: realm, Msg: fmt.Sprintf(format, args...)}
}

// AuthFailure is the expected, recoverable result of a rejected credential.
type AuthFailure struct {
	Principal string
	Action    string
	Reason    string
}

func (e *AuthFailure) Error() string {
	if e.Principal == "" {
		return fmt.Sprintf("%v for action [%s]: %s", ErrAuthenticationFailed, e.Action, e.Reason)
	}
	return fmt.Sprintf("%v for user [%s] action [%s]: %s", ErrAuthenticationFailed, e.Principal, e.Action, e.Reason)
}

func (e *AuthFailure) Unwrap() error { return ErrAuthenticationFailed }

// TamperedError carries the reason a signed token was rejected. It is always
// audited before being returned to a caller.
type TamperedError struct {
	Reason string
}

func (e *TamperedError) Error() string {
	if e.Reason == "" {
		return ErrTampered.Error()
	}
	return fmt.Sprintf("%v: %s", ErrTampered, e.Reason)
}

func (e *TamperedError) Unwrap() error { return ErrTampered }

// AccessDeniedError names the identity and action that were refused.
type AccessDeniedError struct {
	Principal string
	Action    string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("action [%s] is unauthorized for user [%s]", e.Action, e.Principal)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// NodeFailure is a single node's failed share of a broadcast operation.
type NodeFailure struct {
	NodeID string
	Err    error
}

func (e *NodeFailure) Error() string { return fmt.Sprintf("node [%s]: %v", e.NodeID, e.Err) }

func (e *NodeFailure) Unwrap() error { return e.Err }
