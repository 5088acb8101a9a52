package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var fiberLog = commonlog.GetLogger("passer.vm.fiber")

// ---------------------------------------------------------------------------
// Fiber status
// ---------------------------------------------------------------------------

// FiberStatus is the state of a fiber.
type FiberStatus uint8

const (
	FiberReady     FiberStatus = iota // created, never resumed
	FiberRunning                      // executing instructions
	FiberNormal                       // waiting on a fiber it resumed
	FiberSuspended                    // stopped at a yield
	FiberDone                         // outermost call returned
	FiberFailed                       // stopped by an error
)

var fiberStatusNames = [...]string{
	FiberReady:     "ready",
	FiberRunning:   "running",
	FiberNormal:    "normal",
	FiberSuspended: "suspended",
	FiberDone:      "done",
	FiberFailed:    "failed",
}

func (s FiberStatus) String() string {
	if int(s) < len(fiberStatusNames) {
		return fiberStatusNames[s]
	}
	return fmt.Sprintf("FiberStatus(%d)", s)
}

// Resumable reports whether a fiber in this status may be resumed.
func (s FiberStatus) Resumable() bool {
	return s == FiberReady || s == FiberSuspended
}

// Finished reports whether the fiber will never run again.
func (s FiberStatus) Finished() bool {
	return s == FiberDone || s == FiberFailed
}

// ---------------------------------------------------------------------------
// Fiber
// ---------------------------------------------------------------------------

// Fiber is an independent cooperative execution context: its own operand
// stack, its own frame chain and a status. Frames are plain data on the
// fiber, so switching fibers never touches the Go call stack.
type Fiber struct {
	id     uint64
	self   Value
	status FiberStatus

	entry Value // closure to call on first resume; Unit once started

	stack  []Value
	sp     int
	frames []Frame

	// resumer is the fiber control returns to on yield, return or failure;
	// nil when the host resumed this fiber.
	resumer *Fiber

	result Value
	err    *RuntimeError
}

func newFiber(id uint64, entry Value, stackSize int) *Fiber {
	if stackSize < 8 {
		stackSize = 8
	}
	return &Fiber{
		id:     id,
		entry:  entry,
		stack:  make([]Value, stackSize),
		frames: make([]Frame, 0, 8),
		result: Unit,
	}
}

func (f *Fiber) Kind() Kind { return KindFiber }

func (f *Fiber) trace(mark func(Value)) {
	mark(f.entry)
	mark(f.result)
	for _, v := range f.stack[:f.sp] {
		mark(v)
	}
	for i := range f.frames {
		mark(f.frames[i].Closure)
	}
	if f.resumer != nil {
		mark(f.resumer.self)
	}
	if f.err != nil {
		mark(f.err.Value)
	}
}

// ID returns the fiber's identifier, unique within its VM.
func (f *Fiber) ID() uint64 { return f.id }

// Ref returns the fiber as a Value.
func (f *Fiber) Ref() Value { return f.self }

// Status returns the fiber's current status.
func (f *Fiber) Status() FiberStatus { return f.status }

// Result returns the value a Done fiber returned, or the value a Suspended
// fiber last yielded.
func (f *Fiber) Result() Value { return f.result }

// Err returns the error a Failed fiber carries, or nil.
func (f *Fiber) Err() *RuntimeError { return f.err }

func (f *Fiber) String() string {
	return fmt.Sprintf("<fiber #%d %s>", f.id, f.status)
}

// setStatus records a transition.
func (f *Fiber) setStatus(s FiberStatus) {
	fiberLog.Debugf("fiber #%d: %s -> %s", f.id, f.status, s)
	f.status = s
}

// release drops the stack and frames of a finished fiber.
func (f *Fiber) release() {
	f.truncate(0)
	f.frames = f.frames[:0]
	f.entry = Unit
}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

// OutcomeStatus tells the resumer how a resumed fiber stopped.
type OutcomeStatus uint8

const (
	Yielded OutcomeStatus = iota + 1
	Completed
	Failed
)

var outcomeNames = map[OutcomeStatus]string{
	Yielded:   "Yielded",
	Completed: "Completed",
	Failed:    "Failed",
}

func (s OutcomeStatus) String() string {
	if name, ok := outcomeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OutcomeStatus(%d)", s)
}

// Outcome is the result of resuming a fiber.
type Outcome struct {
	Status OutcomeStatus
	Value  Value         // yielded or returned value; Unit on failure
	Err    *RuntimeError // set when Status is Failed
}

func (o Outcome) String() string {
	if o.Status == Failed && o.Err != nil {
		return fmt.Sprintf("Failed(%s)", o.Err.Kind)
	}
	return fmt.Sprintf("%s(%s)", o.Status, o.Value)
}
