// Package apperr defines the error taxonomy shared by every component.
// Each error carries a Kind, the entity it concerns and the entity id(s), so
// callers can decide whether to retry without parsing messages.
package apperr

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind classifies an error by how a caller should react to it.
type Kind string

const (
	// KindValidation marks malformed input. Not retried.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing id. Not retried.
	KindNotFound Kind = "not_found"
	// KindConflict marks a uniqueness or optimistic-concurrency violation.
	// Retry with fresh state.
	KindConflict Kind = "conflict"
	// KindPrecondition marks an unmet state-machine precondition.
	KindPrecondition Kind = "precondition"
	// KindTransient marks a store or job-runner timeout. Safe to retry.
	KindTransient Kind = "transient"
)

// Error is a classified error naming the entity and id it concerns.
type Error struct {
	Kind   Kind
	Entity string
	ID     string
	Err    error
}

func (e *Error) Error() string {
	subject := e.Entity
	if e.ID != "" {
		subject = fmt.Sprintf("%s %s", e.Entity, e.ID)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, subject)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, subject, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New classifies err. A nil err is allowed; the message then only names the
// entity.
func New(kind Kind, entity, id string, err error) *Error {
	return &Error{Kind: kind, Entity: entity, ID: id, Err: err}
}

// Validationf builds a validation error with a formatted message.
func Validationf(entity, id, format string, args ...any) error {
	return New(KindValidation, entity, id, eris.Errorf(format, args...))
}

// NotFound reports that entity id does not exist.
func NotFound(entity, id string) error {
	return New(KindNotFound, entity, id, eris.New("not found"))
}

// Conflictf builds a conflict error with a formatted message.
func Conflictf(entity, id, format string, args ...any) error {
	return New(KindConflict, entity, id, eris.Errorf(format, args...))
}

// Preconditionf builds a precondition error with a formatted message.
func Preconditionf(entity, id, format string, args ...any) error {
	return New(KindPrecondition, entity, id, eris.Errorf(format, args...))
}

// Transient wraps err as retryable.
func Transient(entity, id string, err error) error {
	return New(KindTransient, entity, id, err)
}

// As returns the outermost classified error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is unclassified.
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
