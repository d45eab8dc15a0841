// Package coreerr defines the core error taxonomy named in spec.md §9
// ("Error surface: a single enum CoreError{Config, Signature, Codec,
// ClosedByPeer, MpsTimeout, Routing, App}") so callers can branch on
// error class with errors.As instead of string matching.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError for §7's propagation policy: Config is
// fatal at startup, ClosedByPeer/MpsTimeout are recoverable, Signature
// and Routing drop silently, App is logged but the connection survives.
type Kind int

const (
	Config Kind = iota
	Signature
	Codec
	ClosedByPeer
	MpsTimeout
	Routing
	App
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Signature:
		return "signature"
	case Codec:
		return "codec"
	case ClosedByPeer:
		return "closed_by_peer"
	case MpsTimeout:
		return "mps_timeout"
	case Routing:
		return "routing"
	case App:
		return "app"
	default:
		return "unknown"
	}
}

// Error is a CoreError: a classified failure plus the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a CoreError of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a CoreError of the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
