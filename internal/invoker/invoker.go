// ============================================================================
// Invoker - 執行後端抽象
// ============================================================================
//
// Package: internal/invoker
// File: invoker.go
//
// An Invoker is the dispatcher-side face of one execution backend: an
// in-process worker pool (LocalInvoker) or one remote calculation node
// connection (RemoteInvoker).
//
// Contract:
//   CanInvoke            pure, non-blocking score; CannotInvoke means "never"
//   Invoke               lock-free admission; false is backpressure, not an error
//   NotifyWhenAvailable  single pending slot, fired once when capacity frees
//
// Once Invoke returns true the invoker owns the job: its ResultReceiver is
// called exactly once, either with the worker's result or with a synthetic
// cancellation result (see types.IsCancellation).
//
// ============================================================================

package invoker

import (
	"github.com/ChuLiYu/calcnode/pkg/types"
)

// CannotInvoke is the CanInvoke score of an invoker that can never run the job.
const CannotInvoke = 0

// Invoker is implemented by every execution backend.
type Invoker interface {
	// ID is stable for the lifetime of the invoker.
	ID() string

	// CanInvoke returns a positive score when the invoker is able to run the
	// job, higher meaning more eager. It has no side effects.
	CanInvoke(spec types.JobSpecification, items []types.JobItem) int

	// Invoke tries to admit the job. It never blocks on I/O. A false return
	// leaves no trace; a true return transfers ownership of receiver.
	Invoke(spec types.JobSpecification, items []types.JobItem, receiver ResultReceiver) bool

	// NotifyWhenAvailable stores reg and calls it once the invoker has free
	// capacity, immediately if it already has. A later call replaces an
	// unconsumed registration.
	NotifyWhenAvailable(reg Registration)
}

// ResultReceiver is called exactly once per admitted job, from an arbitrary
// goroutine.
type ResultReceiver interface {
	ResultReceived(result *types.JobResult)
}

// ResultReceiverFunc adapts a function to ResultReceiver.
type ResultReceiverFunc func(result *types.JobResult)

func (f ResultReceiverFunc) ResultReceived(result *types.JobResult) { f(result) }

// Registration is the dispatcher's "wake me up" callback.
type Registration interface {
	RegisterInvoker(inv Invoker)
}

// RegistrationFunc adapts a function to Registration.
type RegistrationFunc func(inv Invoker)

func (f RegistrationFunc) RegisterInvoker(inv Invoker) { f(inv) }

// Stats is a point-in-time view of an invoker's admission state.
type Stats struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	NodeID   string `json:"node_id,omitempty"`
	Launched int64  `json:"launched"`
	Capacity int64  `json:"capacity"`
	Failed   bool   `json:"failed"`
}

// Inspector is implemented by invokers that can report Stats.
type Inspector interface {
	Stats() Stats
}

// Holder is implemented by invokers that can tell whether a job is still in
// flight on them. Invoke rejects such a job regardless of free capacity.
type Holder interface {
	Holds(spec types.JobSpecification) bool
}
