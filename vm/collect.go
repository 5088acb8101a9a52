package vm

// ---------------------------------------------------------------------------
// Garbage collection: mark/sweep over the handle table
// ---------------------------------------------------------------------------

// Collect frees every object not reachable from roots or a pin and returns
// the number of objects freed. Callers must pass every value they still
// hold; the VM only collects between instructions.
func (h *Heap) Collect(roots []Value) int {
	work := make([]Handle, 0, 64)
	mark := func(v Value) {
		if !v.IsHeap() {
			return
		}
		handle := v.Handle()
		if int(handle) >= len(h.slots) {
			return
		}
		slot := &h.slots[handle]
		if slot.obj == nil || slot.marked {
			return
		}
		slot.marked = true
		work = append(work, handle)
	}

	// Mark phase: roots, then pins, then everything they reach
	for _, v := range roots {
		mark(v)
	}
	for handle := range h.pins {
		if int(handle) < len(h.slots) && h.slots[handle].obj != nil {
			mark(FromHandle(h.slots[handle].obj.Kind(), handle))
		}
	}
	for len(work) > 0 {
		handle := work[len(work)-1]
		work = work[:len(work)-1]
		h.slots[handle].obj.trace(mark)
	}

	// Sweep phase
	freed := 0
	for i := 1; i < len(h.slots); i++ {
		slot := &h.slots[i]
		if slot.obj == nil {
			continue
		}
		if slot.marked {
			slot.marked = false
			continue
		}
		slot.obj = nil
		h.free = append(h.free, Handle(i))
		freed++
	}
	h.live -= freed
	h.allocsSinceGC = 0

	heapLog.Debugf("collected %d objects, %d live", freed, h.live)
	return freed
}

// collect runs a collection rooted at the constant pool, the last outcome
// handed to the host and the running fiber chain. Pinned values (host
// fibers among them) are roots as well.
func (vm *VM) collect() int {
	roots := make([]Value, 0, len(vm.consts)+2)
	roots = append(roots, vm.consts...)
	roots = append(roots, vm.lastOutcome)
	if vm.current != nil {
		// The running fiber traces its resumer, and so on up the chain.
		roots = append(roots, vm.current.self)
	}
	return vm.heap.Collect(roots)
}

// Collect runs a collection now. It does nothing while the VM is executing
// (for example when called from a native), since natives may hold values
// the collector cannot see.
func (vm *VM) Collect() int {
	if vm.running {
		log.Debug("collection requested while running; skipped")
		return 0
	}
	return vm.collect()
}
