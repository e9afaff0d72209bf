// Package types defines the core domain model shared by the dispatcher and the calculation nodes.
package types

import (
	"fmt"
	"strings"
	"time"
)

// JobSpecification identifies one calculation job: which graph, which execution
// cycle and the job sequence number inside that cycle. It is comparable and used
// as a map key throughout the dispatcher.
type JobSpecification struct {
	ViewProcessID string `json:"view_process_id"` // dependency graph / view process that produced the job
	CycleID       int64  `json:"cycle_id"`        // execution cycle of that view process
	JobID         int64  `json:"job_id"`          // sequence number within the cycle
}

func (s JobSpecification) String() string {
	return fmt.Sprintf("%s/%d/%d", s.ViewProcessID, s.CycleID, s.JobID)
}

// ValueSpecification names one value produced or consumed by a function.
type ValueSpecification struct {
	ValueName  string `json:"value_name"`
	TargetID   string `json:"target_id"`
	Properties string `json:"properties,omitempty"` // canonical encoded property set, opaque here
}

func (v ValueSpecification) String() string {
	if v.Properties == "" {
		return v.ValueName + "@" + v.TargetID
	}
	return v.ValueName + "@" + v.TargetID + "{" + v.Properties + "}"
}

// JobItem is one function invocation within a job.
type JobItem struct {
	TargetID       string               `json:"target_id"`
	FunctionID     string               `json:"function_id"`
	Inputs         []ValueSpecification `json:"inputs,omitempty"`
	DesiredOutputs []ValueSpecification `json:"desired_outputs,omitempty"`
}

// Job is the unit shipped to a calculation node. Item order is significant:
// result item i corresponds to job item i.
type Job struct {
	Spec  JobSpecification `json:"spec"`
	Items []JobItem        `json:"items"`
}

// ItemStatus is the outcome of one job item.
type ItemStatus string

const (
	ItemSuccess    ItemStatus = "success"    // function produced its outputs
	ItemFailure    ItemStatus = "failure"    // function raised an error, see Diagnostic
	ItemSuppressed ItemStatus = "suppressed" // function declined to run (e.g. missing inputs)
)

// ComputedValue is one output value. The payload is opaque to this subsystem.
type ComputedValue struct {
	Spec  ValueSpecification `json:"spec"`
	Value []byte             `json:"value,omitempty"`
}

// JobResultItem is the outcome of one JobItem.
type JobResultItem struct {
	Status     ItemStatus      `json:"status"`
	Values     []ComputedValue `json:"values,omitempty"`
	Diagnostic string          `json:"diagnostic,omitempty"`
}

// JobResult is produced once per dispatched job.
type JobResult struct {
	Spec     JobSpecification `json:"spec"`
	Duration time.Duration    `json:"duration"`
	Items    []JobResultItem  `json:"items"`
	NodeID   string           `json:"node_id"` // origin node, or a cancellation origin for synthetic results
}

// Origin prefixes used by results that were manufactured on the dispatcher side
// rather than relayed from a calculation node.
const (
	OriginConnectionFailed  = "connection-failed:"
	OriginTimeout           = "timeout:"
	OriginDispatcherStopped = "dispatcher-stopped:"
)

// CancelledResult builds a synthetic result with no items. origin must be one of
// the Origin prefixes; detail identifies the connection or reason.
func CancelledResult(spec JobSpecification, origin, detail string) *JobResult {
	return &JobResult{
		Spec:   spec,
		Items:  []JobResultItem{},
		NodeID: origin + detail,
	}
}

// ConnectionFailedResult is the result substituted for every in-flight job of a
// connection that failed.
func ConnectionFailedResult(spec JobSpecification, connID string) *JobResult {
	return CancelledResult(spec, OriginConnectionFailed, connID)
}

// IsCancellation reports whether the result was manufactured by the dispatcher
// side instead of returned by a worker. Such results carry no items and must be
// treated as a cancellation signal by the scheduling layer.
func (r *JobResult) IsCancellation() bool {
	if r == nil || len(r.Items) != 0 {
		return false
	}
	return strings.HasPrefix(r.NodeID, OriginConnectionFailed) ||
		strings.HasPrefix(r.NodeID, OriginTimeout) ||
		strings.HasPrefix(r.NodeID, OriginDispatcherStopped)
}

// Failed reports whether any item of the result did not succeed.
func (r *JobResult) Failed() bool {
	if r.IsCancellation() {
		return true
	}
	for _, item := range r.Items {
		if item.Status == ItemFailure {
			return true
		}
	}
	return false
}
