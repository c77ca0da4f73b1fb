package graph

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Executor runs a dependency graph of provisioning nodes: independent
// branches concurrently, dependents strictly after their dependencies, and
// the whole graph in reverse for teardown. Results are persisted per node so
// a re-run converges instead of duplicating work.
type Executor struct {
	log   *zap.Logger
	store *Store

	mu    sync.Mutex
	nodes map[NodeID]*Node
	order []NodeID // insertion order; drives deterministic scheduling and teardown
}

// NewExecutor returns an Executor persisting node results into store.
func NewExecutor(store *Store, log *zap.Logger) *Executor {
	return &Executor{
		log:   log.Named("graph"),
		store: store,
		nodes: map[NodeID]*Node{},
	}
}

// Add registers a node. Dependencies may be registered in any order; they
// are resolved when Apply or Destroy runs.
func (e *Executor) Add(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("node must have an ID")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.nodes[n.ID]; exists {
		return fmt.Errorf("duplicate node %s", n.ID)
	}
	e.nodes[n.ID] = n
	e.order = append(e.order, n.ID)
	return nil
}

// Has reports whether a node with the given ID is registered.
func (e *Executor) Has(id NodeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.nodes[id]
	return ok
}

// Outputs returns the persisted result of a node, if any.
func (e *Executor) Outputs(id NodeID) (Outputs, bool) {
	st, ok := e.store.Get(id)
	return st.Outputs, ok
}

type runState struct {
	node       *Node
	waiting    map[NodeID]struct{}
	dependents []NodeID
	started    bool
	done       bool
}

// Apply executes the graph. Nodes with no unmet dependency run concurrently;
// a node becomes runnable only when all its dependencies succeeded. On the
// first failure no dependent node is started, already-running branches
// finish, and the failure is reported as a NodeError naming the node.
func (e *Executor) Apply(ctx context.Context) error {
	e.mu.Lock()
	runs := make(map[NodeID]*runState, len(e.nodes))
	order := append([]NodeID(nil), e.order...)
	for id, n := range e.nodes {
		runs[id] = &runState{node: n, waiting: map[NodeID]struct{}{}}
	}
	e.mu.Unlock()

	for _, id := range order {
		r := runs[id]
		for _, dep := range r.node.DependsOn {
			dr, ok := runs[dep]
			if !ok {
				return fmt.Errorf("node %s depends on unknown node %s", id, dep)
			}
			r.waiting[dep] = struct{}{}
			dr.dependents = append(dr.dependents, id)
		}
	}

	type result struct {
		id  NodeID
		res *RunResult
		err error
	}
	results := make(chan result)
	completed := DepOutputs{}
	running := 0
	halted := false
	var firstErr *NodeError

	startReady := func() {
		if halted {
			return
		}
		for _, id := range order {
			r := runs[id]
			if r.started || len(r.waiting) > 0 {
				continue
			}
			r.started = true
			running++
			node := r.node
			deps := make(DepOutputs, len(completed))
			for k, v := range completed {
				deps[k] = v
			}
			go func() {
				res, err := e.runNode(ctx, node, deps)
				results <- result{id: node.ID, res: res, err: err}
			}()
		}
	}

	startReady()
	ctxDone := ctx.Done()
	for running > 0 {
		select {
		case <-ctxDone:
			// Stop scheduling; in-flight nodes observe ctx themselves.
			halted = true
			ctxDone = nil
		case r := <-results:
			running--
			if r.err != nil {
				halted = true
				if firstErr == nil {
					firstErr = &NodeError{ID: r.id, Err: r.err}
				}
				e.log.Error("node failed", zap.String("node", string(r.id)), zap.Error(r.err))
				continue
			}
			out, err := e.finishNode(runs, &order, r.id, r.res)
			if err != nil {
				halted = true
				if firstErr == nil {
					firstErr = &NodeError{ID: r.id, Err: err}
				}
				continue
			}
			completed[r.id] = out
			startReady()
		}
	}

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, id := range order {
		if !runs[id].done {
			return fmt.Errorf("node %s never became runnable; dependency cycle", id)
		}
	}
	return nil
}

// finishNode persists a node result, inserts any spawned children between
// the node and its dependents, and releases the dependents. A nil result is
// treated as empty outputs; the normalized outputs are returned.
func (e *Executor) finishNode(runs map[NodeID]*runState, order *[]NodeID, id NodeID, res *RunResult) (Outputs, error) {
	if res == nil {
		res = &RunResult{}
	}
	if err := e.store.Put(id, res.Outputs); err != nil {
		return nil, err
	}
	for _, child := range res.Children {
		if err := e.insertChild(runs, order, id, child); err != nil {
			return nil, err
		}
	}
	r := runs[id]
	r.done = true
	for _, dep := range r.dependents {
		delete(runs[dep].waiting, id)
	}
	return res.Outputs, nil
}

// insertChild wires a dynamically produced node into the running graph. The
// child depends on its producer, and every node that depends on the producer
// additionally waits for the child, so fan-out gates downstream work.
func (e *Executor) insertChild(runs map[NodeID]*runState, order *[]NodeID, producer NodeID, child *Node) error {
	if _, exists := runs[child.ID]; exists {
		// Same ID means the same semantic node; it was registered up front
		// (e.g. rebuilt from persisted state) and is already scheduled.
		e.log.Debug("spawned node already registered", zap.String("node", string(child.ID)))
		return nil
	}
	child.DependsOn = append(append([]NodeID(nil), child.DependsOn...), producer)

	r := &runState{node: child, waiting: map[NodeID]struct{}{}}
	for _, dep := range child.DependsOn {
		dr, ok := runs[dep]
		if !ok {
			return fmt.Errorf("node %s depends on unknown node %s", child.ID, dep)
		}
		if !dr.done {
			r.waiting[dep] = struct{}{}
			dr.dependents = append(dr.dependents, child.ID)
		}
	}
	for _, depID := range runs[producer].dependents {
		if depID == child.ID {
			continue
		}
		runs[depID].waiting[child.ID] = struct{}{}
		r.dependents = append(r.dependents, depID)
	}
	runs[child.ID] = r
	*order = append(*order, child.ID)

	e.mu.Lock()
	if _, ok := e.nodes[child.ID]; !ok {
		e.nodes[child.ID] = child
		e.order = append(e.order, child.ID)
	}
	e.mu.Unlock()
	return nil
}

func (e *Executor) runNode(ctx context.Context, n *Node, deps DepOutputs) (*RunResult, error) {
	if prior, ok := e.store.Get(n.ID); ok && n.Verify != nil {
		satisfied, err := n.Verify(ctx, prior.Outputs)
		if err == nil && satisfied {
			e.log.Info("node already satisfied", zap.String("node", string(n.ID)))
			return &RunResult{Outputs: prior.Outputs}, nil
		}
		if err != nil {
			e.log.Debug("verify failed; re-running node",
				zap.String("node", string(n.ID)), zap.Error(err))
		}
	}
	if n.Run == nil {
		// Destroy-only nodes have nothing to converge.
		return &RunResult{}, nil
	}
	e.log.Info("applying node", zap.String("node", string(n.ID)))
	return n.Run(ctx, deps)
}

// Destroy walks the graph in reverse dependency order, handing each node its
// persisted outputs. Nodes whose create step never ran are still visited;
// their Destroy implementations tolerate absent resources.
func (e *Executor) Destroy(ctx context.Context) error {
	topo, err := e.topoOrder()
	if err != nil {
		return err
	}
	for i := len(topo) - 1; i >= 0; i-- {
		id := topo[i]
		e.mu.Lock()
		n := e.nodes[id]
		e.mu.Unlock()

		if n.Destroy != nil {
			prior, _ := e.store.Get(id)
			e.log.Info("destroying node", zap.String("node", string(id)))
			if err := n.Destroy(ctx, prior.Outputs); err != nil {
				return &NodeError{ID: id, Err: err}
			}
		}
		if err := e.store.Delete(id); err != nil {
			return &NodeError{ID: id, Err: err}
		}
	}
	return nil
}

// topoOrder returns node IDs with every dependency before its dependents.
func (e *Executor) topoOrder() ([]NodeID, error) {
	e.mu.Lock()
	nodes := make(map[NodeID]*Node, len(e.nodes))
	order := append([]NodeID(nil), e.order...)
	for id, n := range e.nodes {
		nodes[id] = n
	}
	e.mu.Unlock()

	indegree := map[NodeID]int{}
	dependents := map[NodeID][]NodeID{}
	for _, id := range order {
		for _, dep := range nodes[id].DependsOn {
			if _, ok := nodes[dep]; !ok {
				return nil, fmt.Errorf("node %s depends on unknown node %s", id, dep)
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue, out []NodeID
	for _, id := range order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(out) != len(order) {
		return nil, fmt.Errorf("dependency cycle detected")
	}
	return out, nil
}
