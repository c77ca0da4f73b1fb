package graph

import (
	"context"
	"fmt"
)

// NodeID names a node. IDs are stable across runs so persisted state can be
// matched back to the node that produced it.
type NodeID string

// Outputs are the string facts a node exposes to its dependents and to the
// state store.
type Outputs map[string]string

// DepOutputs gives a running node read access to the outputs of every node
// that completed before it.
type DepOutputs map[NodeID]Outputs

// Get returns one output value of a completed node, or "".
func (d DepOutputs) Get(id NodeID, key string) string {
	if out, ok := d[id]; ok {
		return out[key]
	}
	return ""
}

// RunResult is what a node produces: outputs plus, for fan-out nodes, child
// nodes. Children are inserted between the producing node and its dependents,
// so a dependent only becomes runnable once every spawned child succeeded.
type RunResult struct {
	Outputs  Outputs
	Children []*Node
}

// Node is one unit of provisioning work.
type Node struct {
	ID        NodeID
	DependsOn []NodeID

	// Run converges the resource. It must be safe to call again on an
	// already-converged resource.
	Run func(ctx context.Context, deps DepOutputs) (*RunResult, error)

	// Verify, when set, lets the executor skip Run entirely when the
	// persisted prior result is still observably satisfied.
	Verify func(ctx context.Context, prior Outputs) (bool, error)

	// Destroy tears the resource down using the persisted outputs. It must
	// succeed when the resource was never created.
	Destroy func(ctx context.Context, prior Outputs) error
}

// NodeError names the node that failed an apply or destroy.
type NodeError struct {
	ID  NodeID
	Err error
}

func (e *NodeError) Error() string { return fmt.Sprintf("node %s: %v", e.ID, e.Err) }

func (e *NodeError) Unwrap() error { return e.Err }
