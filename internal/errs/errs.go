// Package errs defines the closed error taxonomy shared by the CRDT engine,
// the Document Repository, the Auth Service, and the Room/Session actors.
// Every error a client can observe ultimately maps to one of the wire codes
// in errs.Code, via ForRepository, ForAuth, or the Session's own mapping.
package errs

import "errors"

// Sentinel errors returned by the Document Repository (§4.B).
var (
	ErrNotFound    = errors.New("repository: document not found")
	ErrConflict    = errors.New("repository: optimistic write conflict")
	ErrUnavailable = errors.New("repository: transient backend failure")
)

// Sentinel errors returned by the Auth Service (§4.C).
var (
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Sentinel errors returned by the CRDT Engine (§4.A).
var (
	ErrMalformedUpdate = errors.New("crdt: malformed update")
)

// Sentinel errors returned by Room/Session logic.
var (
	ErrPermissionDenied = errors.New("room: permission denied")
	ErrRoomDestroyed    = errors.New("room: destroyed")
	ErrProtocolError    = errors.New("session: protocol error")
)

// Code is one of the closed-set wire error codes sent to clients in error
// frames.
type Code string

const (
	CodeAuthRequired           Code = "AUTH_REQUIRED"
	CodeAuthInvalid            Code = "AUTH_INVALID"
	CodeAuthExpired            Code = "AUTH_EXPIRED"
	CodeDocumentNotFound       Code = "DOCUMENT_NOT_FOUND"
	CodeInsufficientPermission Code = "INSUFFICIENT_PERMISSIONS"
	CodeJoinFailed             Code = "JOIN_FAILED"
	CodeInvalidUpdateData      Code = "INVALID_UPDATE_DATA"
	CodeUpdateProcessingError  Code = "UPDATE_PROCESSING_ERROR"
	CodeSlowConsumer           Code = "SLOW_CONSUMER"
	CodeProtocolError          Code = "PROTOCOL_ERROR"
	CodeUnavailable            Code = "UNAVAILABLE"
	CodeShuttingDown           Code = "SHUTTING_DOWN"
)

// ForRepository maps a Repository error to a wire code, defaulting to
// UNAVAILABLE for anything unrecognized (a Repository must never leak an
// internal error string to a client).
func ForRepository(err error) Code {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeDocumentNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeUnavailable
	}
}

// ForAuth maps an Auth Service error to a wire code.
func ForAuth(err error) Code {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return CodeAuthExpired
	case errors.Is(err, ErrTokenInvalid):
		return CodeAuthInvalid
	default:
		return CodeAuthInvalid
	}
}
