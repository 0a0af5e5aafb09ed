// Package models defines the core data structures for CarePipe.
//
// This file defines the typed error codes delivered to session transports
// before a fatal closure, so clients can distinguish "your fault" from
// "try later".
package models

// ErrorCode is a wire-level error identifier sent to device/app clients.
type ErrorCode string

const (
	// ErrCodeBadCredential means the supplied credential matched no subject.
	ErrCodeBadCredential ErrorCode = "BAD_CRED"
	// ErrCodeBadLogin means a login was attempted in a state that forbids it,
	// or the session was preempted by a newer login for the same patient.
	ErrCodeBadLogin ErrorCode = "BAD_LOGIN"
	// ErrCodeNoLoginSupplied means the authentication deadline expired.
	ErrCodeNoLoginSupplied ErrorCode = "NO_LOGIN_SUPPLIED"
	// ErrCodeNotLoggedIn means an authenticated-only message arrived early.
	ErrCodeNotLoggedIn ErrorCode = "NOT_LOGGED_IN"
	// ErrCodeBadMessage means the message could not be parsed.
	ErrCodeBadMessage ErrorCode = "BAD_MSG"
	// ErrCodeBadMessageType means the message type is unknown.
	ErrCodeBadMessageType ErrorCode = "BAD_MSG_TYPE"
	// ErrCodeMissingField means a required message field was absent.
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"
	// ErrCodeServiceUnavailable means an external dependency failed; retry later.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Fatal reports whether the error code must close the connection.
// Every protocol violation is fatal; transient dependency failures are not.
func (c ErrorCode) Fatal() bool {
	return c != ErrCodeServiceUnavailable
}
