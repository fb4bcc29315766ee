package maple

import (
	"fmt"
)

// step is one edge of a recorded trace: the identifier a handler
// tested and the concrete value it observed, at some point along the
// path that led to a Decision.
type step struct {
	id    FieldID
	value string
}

// traceNode is a node of the trie the runtime builds out of recorded
// traces. An interior node groups every trace that agrees on the path
// from the root down to it; a node becomes a leaf the moment a
// recorded trace ends there (a handler stopped reading fields and
// produced a decision).
type traceNode struct {
	children map[step]*traceNode
	flow     *Flow
	depth    uint16

	// priority and match record the last compiled state of the leaf,
	// so Update can tell whether a recomputed priority actually
	// changed and, if so, reinstall the flow rather than leaving a
	// stale entry behind in the table.
	priority uint16
	match    FullFieldSet
}

func newTraceNode(depth uint16) *traceNode {
	return &traceNode{children: make(map[step]*traceNode), depth: depth}
}

// Runtime drives packet processing through the trace tree: Run
// replays a packet against the tree built so far and returns the flow
// it matches, if the packet's relevant fields were all tested before;
// Augment grows the tree along the exact path a handler invocation
// took for a packet that fell through (or was not yet known).
//
// The tree's invariants:
//   - each edge records one tested field and its observed value, so a
//     root-to-leaf path is a conjunction of tests (T1); Augment does
//     not require the children of one node to test the same field;
//   - a node strictly below another in the tree is compiled at a
//     strictly higher OpenFlow priority, so more specific traces
//     always win ties over less specific ones (T2);
//   - no leaf is compiled above the configured budget: Priority
//     rejects a depth beyond Max or a result above 0xffff with
//     ErrPriorityExceeded (T3).
//
// Augment reuses the node already present for an identical path. The
// tree has no locking of its own.
type Runtime struct {
	root    *traceNode
	backend *Backend
	cfg     PriorityConfig
}

// NewRuntime creates a runtime that installs compiled traces through
// the given backend, using cfg to translate trace depth into
// OpenFlow priorities.
func NewRuntime(backend *Backend, cfg PriorityConfig) *Runtime {
	return &Runtime{
		root:    newTraceNode(0),
		backend: backend,
		cfg:     cfg,
	}
}

// Priority returns the OpenFlow priority assigned to a trace node at
// the given depth: deeper (more specific) nodes get a higher
// priority, since OpenFlow resolves overlapping entries by picking
// the highest-priority match.
func (rt *Runtime) Priority(depth uint16) (uint16, error) {
	if depth > rt.cfg.Max {
		return 0, ErrPriorityExceeded
	}
	p := uint32(rt.cfg.Base) + uint32(rt.cfg.Step)*uint32(depth)
	if p > 0xffff {
		return 0, ErrPriorityExceeded
	}
	return uint16(p), nil
}

// Run walks the tree for the given packet, following the edge
// matching each node's test field until it reaches a leaf. It returns
// the flow registered at that leaf, or nil if the packet diverges
// from every recorded trace (a true miss, requiring the handler
// pipeline to run and Augment the tree).
func (rt *Runtime) Run(pkt Packet) *Flow {
	node := rt.root

	for node.flow == nil && len(node.children) > 0 {
		next, ok := rt.descend(node, pkt)
		if !ok {
			return nil
		}
		node = next
	}

	return node.flow
}

// descend picks the child of node matching the packet, trying every
// field the node's children test (children of one node may test
// different fields, and the first edge whose field and value match is
// taken).
func (rt *Runtime) descend(node *traceNode, pkt Packet) (*traceNode, bool) {
	for edge, child := range node.children {
		val, ok := pkt.Read(edge.id)
		if !ok {
			continue
		}
		if fmt.Sprintf("%x", val) == edge.value {
			return child, true
		}
	}
	return nil, false
}

// Augment grows the tree with the path a handler invocation actually
// took for pkt, installing flow at the resulting leaf and compiling
// the corresponding flow entries through the backend. tested is the
// sequence of fields the handler pipeline read before settling on
// flow's decision, as reported by Packet.Tested after the pipeline
// ran; mods and scoping are taken from flow itself.
func (rt *Runtime) Augment(pkt Packet, tested []FieldID, flow *Flow) error {
	node := rt.root

	for _, id := range tested {
		val, ok := pkt.Read(id)
		key := step{id: id, value: fmt.Sprintf("%x", val)}
		if !ok {
			key.value = "<absent>"
		}

		child, ok := node.children[key]
		if !ok {
			child = newTraceNode(node.depth + 1)
			node.children[key] = child
		}
		node = child
	}

	if node.flow != nil && node.flow != flow {
		return fmt.Errorf("maple: trace already compiled for a different flow (cookie %#x)", node.flow.Cookie())
	}

	priority, err := rt.Priority(node.depth)
	if err != nil {
		return err
	}
	node.flow = flow

	match := rt.pathMatch(tested, pkt)
	match.IncludedSwitches = flow.Switches()

	node.priority = priority
	node.match = match

	flow.SetInstaller(func(f *Flow, dpid uint64) {
		if installErr := rt.backend.Install(priority, match, f, dpid); installErr != nil {
			Logger.Error("install flow", "cookie", fmt.Sprintf("%#x", f.Cookie()), "dpid", dpid, "err", installErr)
		}
	})
	flow.Activate()

	return nil
}

// Update recomputes the priority assigned to every leaf currently
// compiled into the tree, widening the per-depth budget so that a
// deeper trace that previously overflowed it has room to fit. A leaf
// whose priority actually changes is reinstalled: the stale entry is
// deleted by RemoveStrict at its old priority/match and replaced by a
// fresh Install at the new one, on every datapath the flow is active
// on.
//
// It does not touch depths or matches, only the Base/Step/Max used to
// translate a depth into a priority, so it never needs to re-walk or
// re-test any packet; it is purely a renumbering of what is already
// compiled.
func (rt *Runtime) Update() error {
	if rt.cfg.Step > 1 {
		rt.cfg.Step /= 2
	}
	rt.cfg.Max *= 2

	return rt.reinstall(rt.root)
}

func (rt *Runtime) reinstall(node *traceNode) error {
	if node.flow != nil {
		priority, err := rt.Priority(node.depth)
		if err != nil {
			return err
		}

		if priority != node.priority {
			if err := rt.backend.RemoveStrict(node.priority, node.match); err != nil {
				return err
			}

			for _, dpid := range node.flow.InstalledSwitches() {
				if err := rt.backend.Install(priority, node.match, node.flow, dpid); err != nil {
					return err
				}
			}

			node.priority = priority

			flow := node.flow
			match := node.match
			flow.SetInstaller(func(f *Flow, dpid uint64) {
				if installErr := rt.backend.Install(priority, match, f, dpid); installErr != nil {
					Logger.Error("install flow", "cookie", fmt.Sprintf("%#x", f.Cookie()), "dpid", dpid, "err", installErr)
				}
			})
		}
	}

	for _, child := range node.children {
		if err := rt.reinstall(child); err != nil {
			return err
		}
	}

	return nil
}

// pathMatch rebuilds the field set the trace tested along the path,
// so it can be compiled into an ofp.Match: a leaf's installed rule
// must match on precisely (and only) the fields the handler actually
// consulted to reach it.
func (rt *Runtime) pathMatch(tested []FieldID, pkt Packet) FullFieldSet {
	var fs FieldSet
	for _, id := range tested {
		if id == FieldSwitchID {
			continue
		}
		val, ok := pkt.Read(id)
		if !ok {
			continue
		}
		fs.Set(Field{ID: id, Value: val})
	}
	return FullFieldSet{FieldSet: fs}
}
