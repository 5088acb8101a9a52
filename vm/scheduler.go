package vm

import (
	"context"
)

// ---------------------------------------------------------------------------
// Control transfer between fibers
// ---------------------------------------------------------------------------
//
// Exactly one fiber is Running. A fiber that resumes another becomes
// Normal and is recorded as the target's resumer; when the target yields,
// returns or fails, control and an outcome go back to that resumer. A
// fiber with no resumer was resumed by the host, so its outcome leaves the
// interpreter.

// enter makes target the running fiber and delivers v to it: as the
// result of the YIELD that suspended it, or as the entry closure's
// argument on first resume.
func (vm *VM) enter(target, resumer *Fiber, v Value) *RuntimeError {
	first := target.status == FiberReady
	target.resumer = resumer
	target.setStatus(FiberRunning)
	vm.current = target
	if !first {
		target.push(v)
		return nil
	}
	return vm.start(target, v)
}

// start calls a fiber's entry closure. A fiber takes at most one argument;
// an entry closure of arity zero ignores the resume value.
func (vm *VM) start(f *Fiber, arg Value) *RuntimeError {
	entry := f.entry
	f.entry = Unit
	c, ok := vm.heap.Closure(entry)
	if !ok {
		return newValueError(TypeError, entry, "fiber entry %s is not a closure", entry.Kind())
	}
	f.push(entry)
	switch c.Arity() {
	case 0:
		f.pushFrame(entry, c, 0)
	case 1:
		f.push(arg)
		f.pushFrame(entry, c, 1)
	default:
		return newValueError(ArityError, entry, "fiber entry %s expects %d arguments; a fiber starts with one",
			protoName(c.proto), c.Arity())
	}
	return nil
}

// run drives the interpreter from vm.current until an outcome has to be
// handed to the host. pending, when set, fails vm.current before any
// instruction runs.
func (vm *VM) run(pending *RuntimeError) Outcome {
	for {
		f := vm.current

		var (
			sig    signal
			value  Value
			target *Fiber
			err    *RuntimeError
		)
		if pending != nil {
			sig, err, pending = sigFail, pending, nil
		} else {
			sig, value, target, err = vm.execute(f)
		}

		switch sig {
		case sigResume:
			f.setStatus(FiberNormal)
			pending = vm.enter(target, f, value)

		case sigYield:
			f.setStatus(FiberSuspended)
			f.result = value
			if out, toHost := vm.transfer(f, Outcome{Status: Yielded, Value: value}); toHost {
				return out
			}

		case sigReturn:
			f.setStatus(FiberDone)
			f.result = value
			f.release()
			if out, toHost := vm.transfer(f, Outcome{Status: Completed, Value: value}); toHost {
				return out
			}

		case sigFail:
			f.setStatus(FiberFailed)
			f.err = err
			f.release()
			fiberLog.Debugf("fiber #%d failed: %s", f.id, err)
			if out, toHost := vm.transfer(f, Outcome{Status: Failed, Value: Unit, Err: err}); toHost {
				return out
			}
		}
	}
}

// transfer hands out to f's resumer. It reports true when the host is the
// resumer, in which case the outcome is returned instead of delivered.
func (vm *VM) transfer(f *Fiber, out Outcome) (Outcome, bool) {
	r := f.resumer
	f.resumer = nil
	if r == nil {
		vm.current = nil
		return out, true
	}
	r.push(vm.outcomeValue(out))
	r.setStatus(FiberRunning)
	vm.current = r
	return Outcome{}, false
}

// outcomeValue renders an outcome as the union a RESUME pushes:
// Yielded v, Completed v, or Failed {kind, message, value}.
func (vm *VM) outcomeValue(out Outcome) Value {
	if out.Status != Failed {
		return vm.heap.NewUnion(out.Status.String(), out.Value)
	}
	record, _ := vm.heap.NewRecord([]Field{
		{Name: "kind", Value: vm.heap.NewString(out.Err.Kind.String())},
		{Name: "message", Value: vm.heap.NewString(out.Err.Message)},
		{Name: "value", Value: out.Err.Value},
	})
	return vm.heap.NewUnion(Failed.String(), record)
}

// ---------------------------------------------------------------------------
// Scheduler: round-robin host driver
// ---------------------------------------------------------------------------

// YieldFunc receives each value a fiber yields to the host and returns the
// value to resume it with.
type YieldFunc func(f *Fiber, v Value) Value

// Scheduler resumes a set of host-owned fibers in turn until every one of
// them is Done or Failed. Switching happens only between resumes.
type Scheduler struct {
	vm *VM
}

// NewScheduler creates a scheduler for fibers of vm.
func NewScheduler(vm *VM) *Scheduler {
	return &Scheduler{vm: vm}
}

// RunAll resumes fibers round-robin and returns the final outcome of each,
// in the order given. ctx is checked between resumes; on cancellation the
// fibers stay where they stopped and ctx.Err() is returned. A nil onYield
// resumes with Unit.
func (s *Scheduler) RunAll(ctx context.Context, fibers []*Fiber, onYield YieldFunc) ([]Outcome, error) {
	for _, f := range fibers {
		s.vm.heap.Pin(f.self)
	}
	defer func() {
		for _, f := range fibers {
			s.vm.heap.Unpin(f.self)
		}
	}()

	outcomes := make([]Outcome, len(fibers))
	inputs := make([]Value, len(fibers))
	for i := range inputs {
		inputs[i] = Unit
	}

	for {
		live := 0
		for i, f := range fibers {
			switch {
			case f.status.Resumable():
			case f.status == FiberDone:
				outcomes[i] = Outcome{Status: Completed, Value: f.result}
				continue
			case f.status == FiberFailed:
				outcomes[i] = Outcome{Status: Failed, Value: Unit, Err: f.err}
				continue
			default:
				outcomes[i] = s.vm.Resume(f, Unit)
				continue
			}

			if err := ctx.Err(); err != nil {
				return outcomes, err
			}
			live++
			out := s.vm.Resume(f, inputs[i])
			outcomes[i] = out
			if out.Status == Yielded {
				inputs[i] = Unit
				if onYield != nil {
					inputs[i] = onYield(f, out.Value)
				}
			}
		}
		if live == 0 {
			return outcomes, nil
		}
	}
}
