package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

// ErrorKind classifies runtime errors. An ErrorKind is itself an error so
// callers can test with errors.Is(err, vm.MatchError).
type ErrorKind int

const (
	ArithmeticError   ErrorKind = iota + 1 // integer division by zero
	LookupError                            // bad tuple index, missing record field, undefined local
	ArityError                             // argument count mismatch
	StackOverflow                          // call depth exceeded MaxFrameDepth
	MatchError                             // no pattern alternative matched
	InvalidFiberState                      // resume/yield protocol violation
	TypeError                              // operand kind mismatch, calling a non-callable
	BytecodeError                          // malformed instruction stream detected at run time
	HostError                              // a native function returned an error
)

var errorKindNames = map[ErrorKind]string{
	ArithmeticError:   "ArithmeticError",
	LookupError:       "LookupError",
	ArityError:        "ArityError",
	StackOverflow:     "StackOverflow",
	MatchError:        "MatchError",
	InvalidFiberState: "InvalidFiberState",
	TypeError:         "TypeError",
	BytecodeError:     "BytecodeError",
	HostError:         "HostError",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) Error() string {
	return k.String()
}

// Recoverable reports whether a failure of this kind is an ordinary,
// data-dependent condition. StackOverflow, InvalidFiberState and
// BytecodeError indicate exhausted resources or a defect in the code that
// produced the unit or drives the VM.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case StackOverflow, InvalidFiberState, BytecodeError:
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// RuntimeError
// ---------------------------------------------------------------------------

// Location is one entry of a traceback.
type Location struct {
	Function string
	Offset   int
	Line     int
	Column   int
}

func (l Location) String() string {
	name := l.Function
	if name == "" {
		name = "<anonymous>"
	}
	if l.Line == 0 {
		return fmt.Sprintf("In %s at offset %d", name, l.Offset)
	}
	return fmt.Sprintf("In %s at %d:%d", name, l.Line, l.Column)
}

// RuntimeError is an error raised while executing bytecode. It fails the
// fiber that raised it and is carried by that fiber until observed.
type RuntimeError struct {
	Kind    ErrorKind
	Message string
	Value   Value      // offending value (e.g. the unmatched value), Unit if none
	Trace   []Location // innermost call first
}

func newError(kind ErrorKind, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Value:   Unit,
	}
}

func newValueError(kind ErrorKind, v Value, format string, args ...any) *RuntimeError {
	e := newError(kind, format, args...)
	e.Value = v
	return e
}

func (e *RuntimeError) Error() string {
	return e.Kind.String() + ": " + e.Message
}

// Unwrap exposes the kind for errors.Is.
func (e *RuntimeError) Unwrap() error {
	return e.Kind
}

// Traceback renders the error with its call locations, outermost call
// first.
func (e *RuntimeError) Traceback() string {
	var sb strings.Builder
	sb.WriteString("Traceback, most recent call last:\n")
	for i := len(e.Trace) - 1; i >= 0; i-- {
		sb.WriteString("  ")
		sb.WriteString(e.Trace[i].String())
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "Runtime %s: %s", e.Kind, e.Message)
	return sb.String()
}

// ---------------------------------------------------------------------------
// VM-internal faults
// ---------------------------------------------------------------------------

// vmFault is panicked when the interpreter detects a broken invariant
// (stack underflow, bad operand). It is recovered at the fiber boundary
// and turned into a BytecodeError.
type vmFault struct {
	msg string
}

func (f vmFault) String() string {
	return f.msg
}

func fault(format string, args ...any) {
	panic(vmFault{msg: fmt.Sprintf(format, args...)})
}
