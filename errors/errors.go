package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad     Phase = "load"     // engine loading and instantiation
	PhaseMemory   Phase = "memory"   // linear memory access
	PhaseCall     Phase = "call"     // binding to engine calls
	PhaseCallback Phase = "callback" // engine to binding callbacks
	PhaseStream   Phase = "stream"   // application-facing streams
	PhaseBind     Phase = "bind"     // hook and handle registration
	PhaseResolve  Phase = "resolve"  // hostname resolution
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindProtocol       Kind = "protocol"
	KindUnknownHandle  Kind = "unknown_handle"
	KindClosed         Kind = "closed"
	KindProgrammer     Kind = "programmer"
	KindNotReady       Kind = "not_ready"
	KindConnectFailed  Kind = "connect_failed"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindAllocation     Kind = "allocation"
	KindInvalidInput   Kind = "invalid_input"
	KindInstantiation  Kind = "instantiation"
	KindMissingExport  Kind = "missing_export"
	KindNotFound       Kind = "not_found"
	KindUnsupported    Kind = "unsupported"
	KindReentrantCall  Kind = "reentrant_call"
	KindInvalidAddress Kind = "invalid_address"
)

// Error is the structured error type used throughout the stack
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsClosed reports whether err signals a closed resource.
func IsClosed(err error) bool {
	return IsKind(err, KindClosed)
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the operation name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Protocol creates an error for a non-success engine status.
// The status is kept in Value.
func Protocol(op string, status any) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindProtocol,
		Op:     op,
		Detail: fmt.Sprintf("engine returned %v", status),
		Value:  status,
	}
}

// ProtocolFailure creates a protocol error for an engine call that reports
// failure without a status, such as a NULL handle.
func ProtocolFailure(op, detail string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindProtocol,
		Op:     op,
		Detail: detail,
	}
}

// UnknownHandle creates an error for a callback or call naming a handle
// that has no registered object.
func UnknownHandle(phase Phase, what string, handle uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnknownHandle,
		Detail: fmt.Sprintf("unknown %s handle %#x", what, handle),
		Value:  handle,
	}
}

// Closed creates the terminal error for a closed resource.
func Closed(what string) *Error {
	return &Error{
		Phase:  PhaseStream,
		Kind:   KindClosed,
		Detail: what + " closed",
	}
}

// Programmer creates an error signalling incorrect call sequencing.
func Programmer(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindProgrammer,
		Detail: detail,
	}
}

// NotReady creates an error for use before the engine exports are registered.
func NotReady(what string) *Error {
	return &Error{
		Phase:  PhaseBind,
		Kind:   KindNotReady,
		Detail: fmt.Sprintf("%s: exports were not registered", what),
	}
}

// ConnectFailed creates a connection failure error.
func ConnectFailed(target string, cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindConnectFailed,
		Op:     "connect",
		Detail: fmt.Sprintf("tcp failed to connect to %s", target),
		Cause:  cause,
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(size uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Value:  size,
	}
}

// OutOfBounds creates an out of bounds memory access error
func OutOfBounds(op string, offset, length uint32) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindOutOfBounds,
		Op:     op,
		Detail: fmt.Sprintf("offset=%d, length=%d", offset, length),
		Value:  offset,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidAddress creates an error for an address that cannot be used.
func InvalidAddress(phase Phase, addr string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidAddress,
		Detail: fmt.Sprintf("invalid address %q", addr),
		Value:  addr,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Reentrant creates an error for an engine call made while another
// engine call is still on the stack.
func Reentrant(op string) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindReentrantCall,
		Op:     op,
		Detail: "engine re-entered from its own callback",
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Detail: "instantiate engine module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingExportsError is returned when an engine module lacks exports the
// bindings require.
type MissingExportsError struct {
	Exports []string
}

// NewMissingExportsError creates an error from a list of export names
func NewMissingExportsError(names []string) *MissingExportsError {
	return &MissingExportsError{Exports: append([]string(nil), names...)}
}

func (e *MissingExportsError) Error() string {
	if len(e.Exports) == 0 {
		return "[load] missing_export: no exports specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("engine module is missing %d export(s):", len(e.Exports)))
	for _, name := range e.Exports {
		b.WriteString("\n  - ")
		b.WriteString(name)
	}
	return b.String()
}

// Is reports whether target matches this error type
func (e *MissingExportsError) Is(target error) bool {
	if _, ok := target.(*MissingExportsError); ok {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Phase == PhaseLoad && t.Kind == KindMissingExport
	}
	return false
}
