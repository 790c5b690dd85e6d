package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers should react to it.
type Kind string

const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown Kind = "unknown"

	// KindTransientExternal covers mailbox, API and network failures.
	// They are retried on the next poll cycle, never within the same batch.
	KindTransientExternal Kind = "transient_external"

	// KindContentParse covers malformed messages or pages.
	KindContentParse Kind = "content_parse"

	// KindModelInvalid covers language-model responses that fail their
	// schema or match rules. They are recorded and not retried.
	KindModelInvalid Kind = "model_invalid"

	// KindNotFound reports a referenced entity that does not exist.
	KindNotFound Kind = "not_found"

	// KindOwnership reports an entity that exists but belongs to
	// another user.
	KindOwnership Kind = "ownership"
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err (or any error in its chain) has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
