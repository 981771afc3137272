package graph

import (
	"errors"
	"fmt"
)

// Node failure kinds. A NodeError unwraps to one of them.
var (
	// ErrUnconfigured marks a node that lacks configuration.
	ErrUnconfigured = errors.New("graph: unconfigured")

	// ErrMisconfigured marks a node that cannot run with its
	// configuration.
	ErrMisconfigured = errors.New("graph: misconfigured")

	// ErrRebake marks a change that needs a new bake.
	ErrRebake = errors.New("graph: rebake required")

	// ErrPending marks a node waiting on background work.
	ErrPending = errors.New("graph: pending")
)

// NodeError attributes a failure to a node. errors.Is matches both Kind
// and Err.
type NodeError struct {
	Node string
	Kind error
	Err  error
}

func (e *NodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Node)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Node, e.Err)
}

func (e *NodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kind returns the failure kind of a stopping status, or nil.
func (s Status) kind() error {
	switch s {
	case StatusUnconfigured:
		return ErrUnconfigured
	case StatusError:
		return ErrMisconfigured
	case StatusRebake:
		return ErrRebake
	case StatusPending:
		return ErrPending
	default:
		return nil
	}
}

// Status is the outcome of a node update.
type Status uint8

const (
	// StatusClean means the node output is up to date.
	StatusClean Status = iota

	// StatusDirty means the node must execute this frame.
	StatusDirty

	// StatusUnconfigured means the node lacks configuration. The update
	// pass stops without an error; the node may configure itself later.
	StatusUnconfigured

	// StatusError means the node is misconfigured.
	StatusError

	// StatusRebake means topology or formats changed and the graph must be
	// baked again.
	StatusRebake

	// StatusPending means background work is in flight; retry next frame.
	StatusPending
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusClean:
		return "Clean"
	case StatusDirty:
		return "Dirty"
	case StatusUnconfigured:
		return "Unconfigured"
	case StatusError:
		return "Error"
	case StatusRebake:
		return "Rebake"
	case StatusPending:
		return "Pending"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Result is returned by EngineNode.Update and Graph.Update.
type Result struct {
	Status Status
	Err    error
}

// Clean returns a clean result.
func Clean() Result { return Result{Status: StatusClean} }

// Dirty returns a dirty result.
func Dirty() Result { return Result{Status: StatusDirty} }

// Unconfigured returns an unconfigured result with a reason.
func Unconfigured(err error) Result { return Result{Status: StatusUnconfigured, Err: err} }

// Failed returns an error result.
func Failed(err error) Result { return Result{Status: StatusError, Err: err} }

// Rebake returns a result asking for a new bake.
func Rebake(err error) Result { return Result{Status: StatusRebake, Err: err} }

// Pending returns a pending result.
func Pending() Result { return Result{Status: StatusPending} }

// DirtyIf returns Dirty when dirty is true and Clean otherwise.
func DirtyIf(dirty bool) Result {
	if dirty {
		return Dirty()
	}
	return Clean()
}

// Stopped reports whether the result ends an update pass.
func (r Result) Stopped() bool {
	return r.Status > StatusDirty
}

func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%v: %v", r.Status, r.Err)
	}
	return r.Status.String()
}
