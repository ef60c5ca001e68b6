// Package errs defines the error kinds the controller uses to decide
// whether an Agent's status should regress to error, whether a webhook
// handler should retry, and how API handlers map failures to HTTP status
// codes. Every kind wraps an underlying cause with %w so callers can still
// unwrap to the original error from the database driver, go-ethereum, or
// the docker client.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the controller's error
// handling design: validation failures, decrypt failures, transient vs.
// fatal chain errors, workspace failures, supervisor failures, and
// not-found lookups.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindDecrypt          Kind = "decrypt"
	KindChainTransient   Kind = "chain_transient"
	KindChainError       Kind = "chain_error"
	KindChainUnavailable Kind = "chain_unavailable"
	KindWorkspace        Kind = "workspace"
	KindSupervisor       Kind = "supervisor"
	KindNotFound         Kind = "not_found"
)

// Error is the concrete error type produced by every component. Op
// identifies the operation that failed (e.g. "chain.registry_register",
// "workspace.sync.fetch", "supervisor.start") so logs and API responses
// can point at the failing step without leaking internal state.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error      { return New(KindValidation, op, err) }
func Decrypt(op string, err error) *Error          { return New(KindDecrypt, op, err) }
func ChainTransient(op string, err error) *Error   { return New(KindChainTransient, op, err) }
func ChainError(op string, err error) *Error       { return New(KindChainError, op, err) }
func ChainUnavailable(op string, err error) *Error { return New(KindChainUnavailable, op, err) }
func Workspace(op string, err error) *Error        { return New(KindWorkspace, op, err) }
func Supervisor(op string, err error) *Error       { return New(KindSupervisor, op, err) }
func NotFound(op string, err error) *Error         { return New(KindNotFound, op, err) }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// MarksAgentError reports whether an error of this kind should cause the
// controller to set the Agent's status to "error". Transient chain
// failures and validation errors never do: the next webhook or
// reconciliation pass is expected to retry without manual intervention.
func MarksAgentError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindChainError, KindWorkspace, KindSupervisor:
		return true
	default:
		return false
	}
}
