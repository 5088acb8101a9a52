// Package host runs a VM on behalf of multi-goroutine programs.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/passer/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("passer.host")

// ErrStopped is returned for requests made after Stop.
var ErrStopped = errors.New("host: worker stopped")

// request represents a unit of work to be executed on the VM goroutine.
type request struct {
	fn   func(*vm.VM) (any, error)
	done chan result
}

// result holds the return value from a VM operation.
type result struct {
	value any
	err   error
}

// Worker serializes all VM access through a single goroutine.
// The interpreter is single-threaded; every caller goes through the
// worker so the VM sees exactly one mutator.
type Worker struct {
	vm       *vm.VM
	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	stop     sync.Once
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(v *vm.VM) *Worker {
	w := &Worker{
		vm:       v,
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes VM requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the VM, recovering from panics.
func (w *Worker) execute(fn func(*vm.VM) (any, error)) (res result) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic on VM goroutine: %v", r)
			res = result{err: fmt.Errorf("host: panic: %v", r)}
		}
	}()
	value, err := fn(w.vm)
	return result{value: value, err: err}
}

// Do submits a function for execution on the VM goroutine and blocks
// until it completes or ctx is done. A request already running is not
// interrupted by ctx; the VM only switches between resumes.
func (w *Worker) Do(ctx context.Context, fn func(*vm.VM) (any, error)) (any, error) {
	req := request{
		fn:   fn,
		done: make(chan result, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Load loads unit on the VM goroutine and returns its root fiber.
func (w *Worker) Load(ctx context.Context, unit *vm.CompiledUnit) (*vm.Fiber, error) {
	v, err := w.Do(ctx, func(machine *vm.VM) (any, error) {
		return machine.Load(unit)
	})
	if err != nil {
		return nil, err
	}
	return v.(*vm.Fiber), nil
}

// Resume resumes f with arg on the VM goroutine. The outcome's value is
// rendered with Inspect there, since values must not be read elsewhere.
func (w *Worker) Resume(ctx context.Context, f *vm.Fiber, arg vm.Value) (vm.Outcome, string, error) {
	type resumed struct {
		out  vm.Outcome
		text string
	}
	v, err := w.Do(ctx, func(machine *vm.VM) (any, error) {
		out := machine.Resume(f, arg)
		return resumed{out: out, text: machine.Inspect(out.Value)}, nil
	})
	if err != nil {
		return vm.Outcome{}, "", err
	}
	r := v.(resumed)
	return r.out, r.text, nil
}

// Run drives f until it completes or fails, handing each yielded value's
// rendering to onYield and resuming with Unit. ctx is checked between
// resumes.
func (w *Worker) Run(ctx context.Context, f *vm.Fiber, onYield func(string)) (vm.Outcome, string, error) {
	for {
		out, text, err := w.Resume(ctx, f, vm.Unit)
		if err != nil {
			return out, "", err
		}
		if out.Status != vm.Yielded {
			return out, text, nil
		}
		if onYield != nil {
			onYield(text)
		}
	}
}

// Stop shuts down the worker goroutine and waits for it to exit.
func (w *Worker) Stop() {
	w.stop.Do(func() { close(w.quit) })
	<-w.stopped
}
