package dberrors

import (
	"errors"
	"fmt"
	"strings"

	"chronodb/pkg/types"
)

// Kind classifies every error the engine reports to its callers.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCommitConflict
	KindBlindOverwrite
	KindStorage
	KindIndexerConflict
	KindTransactionClosed
	KindInvalidArgument
	KindNotFound
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindCommitConflict:
		return "commit conflict"
	case KindBlindOverwrite:
		return "blind overwrite"
	case KindStorage:
		return "storage failure"
	case KindIndexerConflict:
		return "indexer conflict"
	case KindTransactionClosed:
		return "transaction closed"
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Retryable reports whether repeating the same operation may succeed.
func (k Kind) Retryable() bool {
	return k == KindCommitConflict || k == KindStorage
}

var (
	ErrCommitConflict    = &Error{Kind: KindCommitConflict}
	ErrBlindOverwrite    = &Error{Kind: KindBlindOverwrite}
	ErrStorage           = &Error{Kind: KindStorage}
	ErrIndexerConflict   = &Error{Kind: KindIndexerConflict}
	ErrTransactionClosed = &Error{Kind: KindTransactionClosed}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrClosed            = &Error{Kind: KindClosed}
)

// Error carries the kind plus whatever context the failing operation had.
type Error struct {
	Kind   Kind
	Op     string
	Branch string
	Keys   []types.QualifiedKey
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("chronodb: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Branch != "" {
		fmt.Fprintf(&b, " on branch %q", e.Branch)
	}
	if len(e.Keys) > 0 {
		b.WriteString(" for keys [")
		for i, k := range e.Keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k.String())
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Storage wraps an I/O failure unless it is already classified.
func Storage(op, branch string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Branch: branch, Err: err}
}
