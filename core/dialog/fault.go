package dialog

import (
	"errors"
	"fmt"
)

// FaultKind classifies session reference problems and benign transport races.
type FaultKind int

const (
	FaultUnknown FaultKind = iota
	FaultUnknownSession
	FaultOutdatedSession
	FaultStackOverflow
	FaultStaleCallback
	FaultNotModified
)

func (k FaultKind) String() string {
	switch k {
	case FaultUnknownSession:
		return "unknown_session"
	case FaultOutdatedSession:
		return "outdated_session"
	case FaultStackOverflow:
		return "stack_overflow"
	case FaultStaleCallback:
		return "stale_callback"
	case FaultNotModified:
		return "not_modified"
	}
	return "unknown"
}

// Fault is the error value the engine returns instead of mutating a session
// it cannot address.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return "dialog fault: " + f.Kind.String()
	}
	return fmt.Sprintf("dialog fault: %s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func newFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// FaultOf extracts the fault kind carried by err, if any.
func FaultOf(err error) (FaultKind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return FaultUnknown, false
}
