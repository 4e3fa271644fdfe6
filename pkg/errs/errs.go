// ABOUTME: Typed error taxonomy shared by every repository component
// ABOUTME: Kinds match with errors.Is against the exported sentinels

package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a repository error
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindItemExists
	KindConstraintViolation
	KindValueFormat
	KindReferentialIntegrity
	KindInvalidDefinition
	KindNodeTypeExists
	KindVersionConflict
	KindIdentityCollision
	KindLockConflict
	KindUnsupported
	KindInvalidQuery
	KindInvalidState
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindNotFound:             "not found",
	KindItemExists:           "item exists",
	KindConstraintViolation:  "constraint violation",
	KindValueFormat:          "value format",
	KindReferentialIntegrity: "referential integrity",
	KindInvalidDefinition:    "invalid node type definition",
	KindNodeTypeExists:       "node type exists",
	KindVersionConflict:      "version conflict",
	KindIdentityCollision:    "identity collision",
	KindLockConflict:         "lock conflict",
	KindUnsupported:          "unsupported operation",
	KindInvalidQuery:         "invalid query",
	KindInvalidState:         "invalid item state",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is
var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrItemExists           = &Error{Kind: KindItemExists}
	ErrConstraintViolation  = &Error{Kind: KindConstraintViolation}
	ErrValueFormat          = &Error{Kind: KindValueFormat}
	ErrReferentialIntegrity = &Error{Kind: KindReferentialIntegrity}
	ErrInvalidDefinition    = &Error{Kind: KindInvalidDefinition}
	ErrNodeTypeExists       = &Error{Kind: KindNodeTypeExists}
	ErrVersionConflict      = &Error{Kind: KindVersionConflict}
	ErrIdentityCollision    = &Error{Kind: KindIdentityCollision}
	ErrLockConflict         = &Error{Kind: KindLockConflict}
	ErrUnsupported          = &Error{Kind: KindUnsupported}
	ErrInvalidQuery         = &Error{Kind: KindInvalidQuery}
	ErrInvalidState         = &Error{Kind: KindInvalidState}
)

// Error is a repository error with a kind, the failing operation and the
// item it concerns
type Error struct {
	Kind    Kind
	Op      string
	Subject string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind. A sentinel carries no operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Subject == "" && t.Msg == "" && t.Kind == e.Kind
}

// New builds an error of the given kind
func New(kind Kind, op, subject, format string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op, Subject: subject}
	if format != "" {
		e.Msg = fmt.Sprintf(format, args...)
	}
	return e
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// KindOf returns the kind of the first repository error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func NotFound(op, subject string) *Error {
	return New(KindNotFound, op, subject, "")
}

func ConstraintViolation(op, subject, format string, args ...any) *Error {
	return New(KindConstraintViolation, op, subject, format, args...)
}

func VersionConflict(op, subject, format string, args ...any) *Error {
	return New(KindVersionConflict, op, subject, format, args...)
}

func Unsupported(op, subject, format string, args ...any) *Error {
	return New(KindUnsupported, op, subject, format, args...)
}
