package invoker

import (
	"go.uber.org/atomic"
)

// gate is the lock-free admission state shared by the invoker implementations.
//
// launched is incremented before it is compared with capacity; an increment
// that overshoots is rolled back. A concurrent capacity decrease can leave
// launched above capacity until enough results drain it.
type gate struct {
	launched atomic.Int64
	capacity atomic.Int64
	failed   atomic.Bool
	pending  atomic.Pointer[pendingRegistration]
}

type pendingRegistration struct {
	reg Registration
}

func (g *gate) admit() bool {
	if g.failed.Load() {
		return false
	}
	if g.launched.Inc() > g.capacity.Load() {
		g.launched.Dec()
		return false
	}
	return true
}

// unadmit rolls back an admit whose job was never taken on. No capacity was
// freed, so the pending registration stays put.
func (g *gate) unadmit() {
	g.launched.Dec()
}

// release frees one slot and wakes the pending registration, if any.
func (g *gate) release(inv Invoker) {
	g.launched.Dec()
	g.wake(inv)
}

func (g *gate) available() bool {
	return !g.failed.Load() && g.launched.Load() < g.capacity.Load()
}

// wake consumes the pending registration when capacity is free. Swap makes the
// consumption single-shot even when several goroutines observe free capacity.
func (g *gate) wake(inv Invoker) {
	if !g.available() {
		return
	}
	if p := g.pending.Swap(nil); p != nil {
		p.reg.RegisterInvoker(inv)
	}
}

// register stores reg and re-checks capacity, so a slot freed between the
// caller's last failed Invoke and this call is not missed.
func (g *gate) register(inv Invoker, reg Registration) {
	if reg == nil || g.failed.Load() {
		return
	}
	g.pending.Store(&pendingRegistration{reg: reg})
	g.wake(inv)
}

// setCapacity returns true when the stored capacity changed.
func (g *gate) setCapacity(inv Invoker, capacity int64) bool {
	if capacity < 0 {
		capacity = 0
	}
	changed := g.capacity.Swap(capacity) != capacity
	g.wake(inv)
	return changed
}

// fail marks the gate failed and drops the pending registration.
// It returns false if the gate had already failed.
func (g *gate) fail() bool {
	if g.failed.Swap(true) {
		return false
	}
	g.pending.Store(nil)
	return true
}
