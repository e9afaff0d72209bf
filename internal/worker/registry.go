package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/calcnode/pkg/types"
)

var (
	// ErrUnknownFunction is reported for items naming an unregistered function.
	ErrUnknownFunction = errors.New("unknown function")
	// ErrSuppressed is returned by a Function that declines to run, e.g. because
	// an input is missing. The item is reported as suppressed, not failed.
	ErrSuppressed = errors.New("execution suppressed")
)

// Function computes the desired outputs of one job item.
type Function func(ctx context.Context, item types.JobItem) ([]types.ComputedValue, error)

// Registry maps function identifiers to implementations.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Function
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Function)}
}

// DefaultRegistry returns a registry holding the built-in functions.
//
//	noop  succeeds without producing values
//	echo  produces every desired output, valued with the item's target ID
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("noop", func(context.Context, types.JobItem) ([]types.ComputedValue, error) {
		return nil, nil
	})
	r.Register("echo", func(_ context.Context, item types.JobItem) ([]types.ComputedValue, error) {
		values := make([]types.ComputedValue, 0, len(item.DesiredOutputs))
		for _, out := range item.DesiredOutputs {
			values = append(values, types.ComputedValue{Spec: out, Value: []byte(item.TargetID)})
		}
		return values, nil
	})
	return r
}

// Register adds or replaces fn under id.
func (r *Registry) Register(id string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[id] = fn
}

func (r *Registry) lookup(id string) (Function, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[id]
	return fn, ok
}

// Functions returns the registered identifiers in sorted order.
func (r *Registry) Functions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Supports reports whether every item names a registered function.
func (r *Registry) Supports(items []types.JobItem) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, item := range items {
		if _, ok := r.fns[item.FunctionID]; !ok {
			return false
		}
	}
	return true
}

// Execute runs one item and converts the outcome to a result item. Errors and
// panics of the function become failure items.
func (r *Registry) Execute(ctx context.Context, item types.JobItem) (out types.JobResultItem) {
	fn, ok := r.lookup(item.FunctionID)
	if !ok {
		return types.JobResultItem{
			Status:     types.ItemFailure,
			Diagnostic: fmt.Sprintf("%v: %q", ErrUnknownFunction, item.FunctionID),
		}
	}

	defer func() {
		if p := recover(); p != nil {
			out = types.JobResultItem{
				Status:     types.ItemFailure,
				Diagnostic: fmt.Sprintf("function %q panicked: %v", item.FunctionID, p),
			}
		}
	}()

	values, err := fn(ctx, item)
	switch {
	case err == nil:
		return types.JobResultItem{Status: types.ItemSuccess, Values: values}
	case errors.Is(err, ErrSuppressed):
		return types.JobResultItem{Status: types.ItemSuppressed, Diagnostic: err.Error()}
	default:
		return types.JobResultItem{Status: types.ItemFailure, Diagnostic: err.Error()}
	}
}
