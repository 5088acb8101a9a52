package vm

import (
	"errors"
	"testing"
)

// registerSelf registers a native returning the running fiber.
func registerSelf(vm *VM) {
	vm.RegisterNative("self", 0, func(vm *VM, args []Value) (Value, error) {
		return vm.current.Ref(), nil
	})
}

// ---------------------------------------------------------------------------
// Host-driven fibers
// ---------------------------------------------------------------------------

func TestHostResumeSequence(t *testing.T) {
	vm := newTestVM(t, Config{})
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		main := u.Function("main", 0)
		emitCounter(main)
		main.Finish()
		return main
	})
	f := loadUnit(t, vm, unit)

	steps := []struct {
		status OutcomeStatus
		value  int64
		fiber  FiberStatus
	}{
		{Yielded, 1, FiberSuspended},
		{Yielded, 2, FiberSuspended},
		{Completed, 3, FiberDone},
	}
	for i, step := range steps {
		out := vm.Resume(f, Unit)
		if out.Status != step.status || out.Value.Int() != step.value {
			t.Fatalf("resume %d = %v, want %s(%d)", i+1, out, step.status, step.value)
		}
		if f.Status() != step.fiber {
			t.Errorf("after resume %d status = %v, want %v", i+1, f.Status(), step.fiber)
		}
	}

	out := vm.Resume(f, Unit)
	err := expectFailed(t, out, InvalidFiberState)
	if err.Kind.Recoverable() {
		t.Error("InvalidFiberState should not be recoverable")
	}
	if f.Status() != FiberDone || f.Result().Int() != 3 {
		t.Errorf("invalid resume changed the fiber: %v result %v", f, f.Result())
	}
}

func TestHostSpawn(t *testing.T) {
	vm := newTestVM(t, Config{})
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		double := u.Function("double", 1)
		double.EmitByte(OpLoadLocal, 0)
		double.PushInt(2)
		double.Emit(OpMul)
		double.Emit(OpReturn)
		double.Finish()

		pair := u.Function("pair", 2)
		pair.EmitByte(OpLoadLocal, 0)
		pair.Emit(OpReturn)
		pair.Finish()

		main := u.Function("main", 0)
		main.Closure(double)
		main.Emit(OpYield)
		main.Emit(OpPop)
		main.Closure(pair)
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	root := loadUnit(t, vm, unit)

	out := vm.Resume(root, Unit)
	if out.Status != Yielded {
		t.Fatalf("first resume = %v, want a yielded closure", out)
	}
	f, err := vm.Spawn(out.Value)
	if err != nil {
		t.Fatal(err)
	}
	if f.Status() != FiberReady || f.ID() == root.ID() {
		t.Errorf("spawned %v, want a new ready fiber", f)
	}
	expectCompleted(t, vm, vm.Resume(f, FromInt(21)), "42")
	vm.Release(f)

	// An entry closure taking two arguments cannot start.
	out = vm.Resume(root, Unit)
	g, _ := vm.Spawn(out.Value)
	expectFailed(t, vm.Resume(g, Unit), ArityError)
	if g.Status() != FiberFailed {
		t.Errorf("status = %v, want failed", g.Status())
	}

	if _, err := vm.Spawn(FromInt(1)); err == nil {
		t.Error("spawning a fiber from an int should fail")
	}
}

// ---------------------------------------------------------------------------
// In-language fibers
// ---------------------------------------------------------------------------

func TestResumeOutcomes(t *testing.T) {
	vm := newTestVM(t, Config{})
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		gen := u.Function("gen", 0)
		emitCounter(gen)
		gen.Finish()

		main := u.Function("main", 0)
		child := main.Local()
		main.Closure(gen)
		main.Emit(OpSpawn)
		main.EmitByte(OpStoreLocal, child)
		for i := 0; i < 3; i++ {
			main.EmitByte(OpLoadLocal, child)
			main.Emit(OpPushUnit)
			main.Emit(OpResume)
		}
		main.EmitByte(OpMakeTuple, 3)
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	expectCompleted(t, vm, runUnit(t, vm, unit, Unit), "(Yielded 1, Yielded 2, Completed 3)")
}

func TestResumeByAnotherFiber(t *testing.T) {
	vm := newTestVM(t, Config{GCThreshold: 1})
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		gen := u.Function("gen", 0)
		emitCounter(gen)
		gen.Finish()

		main := u.Function("main", 0)
		g := main.Local()

		// relay resumes gen on main's behalf and returns the outcome.
		relay := u.Function("relay", 0)
		relay.CaptureLocal(g)
		relay.EmitByte(OpLoadCapture, 0)
		relay.Emit(OpPushUnit)
		relay.Emit(OpResume)
		relay.Emit(OpReturn)
		relay.Finish()

		main.Closure(gen)
		main.Emit(OpSpawn)
		main.EmitByte(OpStoreLocal, g)
		main.EmitByte(OpLoadLocal, g)
		main.Emit(OpPushUnit)
		main.Emit(OpResume)
		main.Closure(relay)
		main.Emit(OpSpawn)
		main.Emit(OpPushUnit)
		main.Emit(OpResume)
		main.EmitByte(OpLoadLocal, g)
		main.Emit(OpPushUnit)
		main.Emit(OpResume)
		main.EmitByte(OpMakeTuple, 3)
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	expectCompleted(t, vm, runUnit(t, vm, unit, Unit), "(Yielded 1, Completed (Yielded 2), Completed 3)")
}

func TestResumeValuePassing(t *testing.T) {
	vm := newTestVM(t, Config{})
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		// adder(x) = x + yield x
		adder := u.Function("adder", 1)
		adder.EmitByte(OpLoadLocal, 0)
		adder.EmitByte(OpLoadLocal, 0)
		adder.Emit(OpYield)
		adder.Emit(OpAdd)
		adder.Emit(OpReturn)
		adder.Finish()

		main := u.Function("main", 0)
		child := main.Local()
		main.Closure(adder)
		main.Emit(OpSpawn)
		main.EmitByte(OpStoreLocal, child)
		main.EmitByte(OpLoadLocal, child)
		main.PushInt(5)
		main.Emit(OpResume)
		main.Emit(OpUnwrap)
		main.EmitByte(OpLoadLocal, child)
		main.PushInt(7)
		main.Emit(OpResume)
		main.EmitByte(OpMakeTuple, 2)
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	expectCompleted(t, vm, runUnit(t, vm, unit, Unit), "(5, Completed 12)")
}

func TestChildFailureIsDelivered(t *testing.T) {
	vm := newTestVM(t, Config{})
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		bad := u.Function("bad", 0)
		bad.PushInt(1)
		bad.PushInt(0)
		bad.Emit(OpRem)
		bad.Emit(OpReturn)
		bad.Finish()

		main := u.Function("main", 0)
		main.Closure(bad)
		main.Emit(OpSpawn)
		main.Emit(OpPushUnit)
		main.Emit(OpResume)
		main.Emit(OpUnwrap)
		main.Emit(OpDup)
		main.RecordGet("kind")
		main.Emit(OpSwap)
		main.RecordGet("message")
		main.EmitByte(OpMakeTuple, 2)
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	expectCompleted(t, vm, runUnit(t, vm, unit, Unit),
		`("ArithmeticError", "integer remainder by zero")`)
}

// ---------------------------------------------------------------------------
// Invalid resumes
// ---------------------------------------------------------------------------

func TestResumeFinishedFiber(t *testing.T) {
	for _, failing := range []bool{false, true} {
		vm := newTestVM(t, Config{})
		unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
			child := u.Function("child", 0)
			if failing {
				child.Emit(OpPushUnit)
				child.Emit(OpMatchFail)
			} else {
				child.PushInt(1)
				child.Emit(OpReturn)
			}
			child.Finish()

			main := u.Function("main", 0)
			fiber := main.Local()
			main.Closure(child)
			main.Emit(OpSpawn)
			main.EmitByte(OpStoreLocal, fiber)
			for i := 0; i < 2; i++ {
				main.EmitByte(OpLoadLocal, fiber)
				main.Emit(OpPushUnit)
				main.Emit(OpResume)
				main.Emit(OpPop)
			}
			main.Emit(OpPushUnit)
			main.Emit(OpReturn)
			main.Finish()
			return main
		})
		err := expectFailed(t, runUnit(t, vm, unit, Unit), InvalidFiberState)
		want := "cannot resume done fiber #2"
		if failing {
			want = "cannot resume failed fiber #2"
		}
		if err.Message != want {
			t.Errorf("message = %q, want %q", err.Message, want)
		}
	}
}

func TestResumeRunningFiber(t *testing.T) {
	vm := newTestVM(t, Config{})
	registerSelf(vm)
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		main := u.Function("main", 0)
		main.PushNative("self")
		main.EmitByte(OpCall, 0)
		main.Emit(OpPushUnit)
		main.Emit(OpResume)
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	f := loadUnit(t, vm, unit)
	expectFailed(t, vm.Resume(f, Unit), InvalidFiberState)
	if f.Status() != FiberFailed {
		t.Errorf("status = %v, want failed", f.Status())
	}
}

func TestResumeNormalFiber(t *testing.T) {
	vm := newTestVM(t, Config{})
	registerSelf(vm)
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		// child(parent) resumes the fiber that is waiting on it.
		child := u.Function("child", 1)
		child.EmitByte(OpLoadLocal, 0)
		child.Emit(OpPushUnit)
		child.Emit(OpResume)
		child.Emit(OpReturn)
		child.Finish()

		main := u.Function("main", 0)
		main.Closure(child)
		main.Emit(OpSpawn)
		main.PushNative("self")
		main.EmitByte(OpCall, 0)
		main.Emit(OpResume)
		main.Emit(OpUnwrap)
		main.RecordGet("kind")
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	expectCompleted(t, vm, runUnit(t, vm, unit, Unit), "InvalidFiberState")
}

func TestHostResumeFromNative(t *testing.T) {
	vm := newTestVM(t, Config{})
	var root *Fiber
	var inner Outcome
	vm.RegisterNative("reenter", 0, func(vm *VM, args []Value) (Value, error) {
		inner = vm.Resume(root, Unit)
		return Unit, nil
	})
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		main := u.Function("main", 0)
		main.PushNative("reenter")
		main.EmitByte(OpCall, 0)
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	root = loadUnit(t, vm, unit)

	expectCompleted(t, vm, vm.Resume(root, Unit), "()")
	if inner.Status != Failed || !errors.Is(inner.Err, InvalidFiberState) {
		t.Errorf("re-entrant resume = %v, want Failed(InvalidFiberState)", inner)
	}
}

func TestSiblingSurvivesOverflow(t *testing.T) {
	vm := newTestVM(t, Config{MaxFrameDepth: 32})
	unit := buildUnit(t, func(u *UnitBuilder) *FunctionBuilder {
		main := u.Function("main", 0)
		self := main.Local()

		// loop() = loop() + 1, which never returns.
		loop := u.Function("loop", 0)
		env := loop.CaptureLocal(self)
		loop.EmitByte(OpLoadCapture, env)
		loop.EmitByte(OpCall, 0)
		loop.PushInt(1)
		loop.Emit(OpAdd)
		loop.Emit(OpReturn)
		loop.Finish()

		main.EmitByte(OpMakeCell, self)
		main.Closure(loop)
		main.EmitByte(OpStoreLocal, self)
		main.EmitByte(OpLoadLocal, self)
		main.Emit(OpSpawn)
		main.Emit(OpPushUnit)
		main.Emit(OpResume)
		main.Emit(OpUnwrap)
		main.RecordGet("kind")
		main.Emit(OpReturn)
		main.Finish()
		return main
	})
	expectCompleted(t, vm, runUnit(t, vm, unit, Unit), "StackOverflow")
}
