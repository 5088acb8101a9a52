package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("passer.vm")

// ---------------------------------------------------------------------------
// VM: loads a compiled unit and runs its fibers
// ---------------------------------------------------------------------------

// Config holds the VM's resource limits.
type Config struct {
	// MaxFrameDepth bounds each fiber's call depth; exceeding it fails the
	// fiber with StackOverflow.
	MaxFrameDepth int

	// InitialStack is the initial operand stack size of a fiber, in values.
	InitialStack int

	// GCThreshold is the number of allocations between automatic
	// collections. Zero disables automatic collection.
	GCThreshold int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxFrameDepth: 1024,
		InitialStack:  256,
		GCThreshold:   0,
	}
}

// VM executes one compiled unit. A VM is single-threaded: it must only be
// used from one goroutine at a time (see host.Worker).
type VM struct {
	config Config
	heap   *Heap

	natives map[string]*Native

	unit   *CompiledUnit
	consts []Value // pushable constants; Unit for the others

	current     *Fiber // running fiber, nil between resumes
	running     bool
	nextFiberID uint64
	lastOutcome Value
}

// New creates a VM. Zero fields of cfg take their defaults.
func New(cfg Config) *VM {
	defaults := DefaultConfig()
	if cfg.MaxFrameDepth <= 0 {
		cfg.MaxFrameDepth = defaults.MaxFrameDepth
	}
	if cfg.InitialStack <= 0 {
		cfg.InitialStack = defaults.InitialStack
	}
	if cfg.GCThreshold < 0 {
		cfg.GCThreshold = 0
	}
	heap := NewHeap()
	heap.SetThreshold(cfg.GCThreshold)
	return &VM{
		config:      cfg,
		heap:        heap,
		natives:     make(map[string]*Native),
		lastOutcome: Unit,
	}
}

// Config returns the VM's effective configuration.
func (vm *VM) Config() Config { return vm.config }

// Heap returns the VM's heap, for hosts and natives that build or read
// compound values.
func (vm *VM) Heap() *Heap { return vm.heap }

// Unit returns the loaded unit, or nil.
func (vm *VM) Unit() *CompiledUnit { return vm.unit }

// RegisterNative makes fn callable from units loaded afterwards under
// name. Arity -1 accepts any number of arguments.
func (vm *VM) RegisterNative(name string, arity int, fn NativeFunc) {
	vm.natives[name] = &Native{Name: name, Arity: arity, Fn: fn}
}

// Load verifies unit, materialises its constant pool and returns the root
// fiber, Ready to run the unit's main prototype. The root fiber stays
// pinned until Release.
func (vm *VM) Load(unit *CompiledUnit) (*Fiber, error) {
	if vm.unit != nil {
		return nil, fmt.Errorf("vm: load %s: unit %s is already loaded", unit.Name, vm.unit.Name)
	}
	if err := Verify(unit); err != nil {
		return nil, fmt.Errorf("vm: load %s: %w", unit.Name, err)
	}

	consts := make([]Value, len(unit.Constants))
	for i := range unit.Constants {
		c := &unit.Constants[i]
		switch c.Kind {
		case ConstBool:
			consts[i] = FromBool(c.Bool)
		case ConstInt:
			consts[i] = FromInt(c.Int)
		case ConstFloat:
			consts[i] = FromFloat64(c.Float)
		case ConstString:
			consts[i] = vm.heap.NewString(c.Str)
		case ConstNative:
			native, ok := vm.natives[c.Str]
			if !ok {
				return nil, fmt.Errorf("vm: load %s: native %q is not registered", unit.Name, c.Str)
			}
			consts[i] = vm.heap.NewNative(native)
		default:
			consts[i] = Unit
		}
	}
	vm.unit = unit
	vm.consts = consts

	main, _ := unit.MainProto()
	f := vm.newFiber(vm.heap.NewClosure(unit.Main, main, nil))
	vm.heap.Pin(f.self)

	log.Debugf("loaded unit %s: %d constants, %d bytes of code", unit.Name, len(unit.Constants), len(unit.Code))
	return f, nil
}

func (vm *VM) newFiber(entry Value) *Fiber {
	vm.nextFiberID++
	f := newFiber(vm.nextFiberID, entry, vm.config.InitialStack)
	f.self = vm.heap.Alloc(f)
	return f
}

// Spawn creates a Ready fiber that will call closure on first resume. The
// fiber stays pinned until Release.
func (vm *VM) Spawn(closure Value) (*Fiber, error) {
	if closure.Kind() != KindClosure {
		return nil, fmt.Errorf("vm: spawn: %s is not a closure", closure.Kind())
	}
	f := vm.newFiber(closure)
	vm.heap.Pin(f.self)
	return f, nil
}

// Release unpins a fiber returned by Load or Spawn.
func (vm *VM) Release(f *Fiber) {
	vm.heap.Unpin(f.self)
}

// Pin keeps v alive across collections until a matching Unpin. Values the
// host keeps beyond the next Resume must be pinned.
func (vm *VM) Pin(v Value) { vm.heap.Pin(v) }

// Unpin releases one Pin of v.
func (vm *VM) Unpin(v Value) { vm.heap.Unpin(v) }

// Resume runs f until it yields, completes or fails, delivering v as the
// result of its suspending yield or, on first resume, as its entry
// argument.
//
// Resuming a fiber that is not Ready or Suspended, or resuming from inside
// a running VM, is a protocol violation: the outcome is Failed with an
// InvalidFiberState error and f is left untouched.
func (vm *VM) Resume(f *Fiber, v Value) Outcome {
	if vm.running {
		log.Warningf("resume of fiber #%d while the VM is running", f.id)
		return Outcome{Status: Failed, Value: Unit,
			Err: newError(InvalidFiberState, "cannot resume fiber #%d from inside the VM", f.id)}
	}
	if !f.status.Resumable() {
		log.Warningf("resume of %s fiber #%d", f.status, f.id)
		return Outcome{Status: Failed, Value: Unit,
			Err: newError(InvalidFiberState, "cannot resume %s fiber #%d", f.status, f.id)}
	}

	vm.running = true
	defer func() { vm.running = false }()

	out := vm.run(vm.enter(f, nil, v))
	vm.lastOutcome = out.Value
	return out
}
