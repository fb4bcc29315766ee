// Package stp implements a minimal spanning-tree engine used to keep
// broadcast and flood decisions loop-free across a multi-switch
// topology discovered at runtime, rather than relying on a
// pre-configured tree.
package stp

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Link is a discovered bidirectional connection between two ports on
// two (possibly identical, for a loopback probe) switches.
type Link struct {
	SrcDPID uint64
	SrcPort uint32
	DstDPID uint64
	DstPort uint32
}

func (l Link) reverse() Link {
	return Link{SrcDPID: l.DstDPID, SrcPort: l.DstPort, DstDPID: l.SrcDPID, DstPort: l.SrcPort}
}

func (l Link) key() [4]uint64 {
	return [4]uint64{l.SrcDPID, uint64(l.SrcPort), l.DstDPID, uint64(l.DstPort)}
}

// bridgeID orders switches the way the spanning-tree algorithm breaks
// ties between them: lower priority wins, and DPID breaks ties
// between equal priorities.
type bridgeID struct {
	priority uint16
	dpid     uint64
}

func (b bridgeID) less(o bridgeID) bool {
	if b.priority != o.priority {
		return b.priority < o.priority
	}
	return b.dpid < o.dpid
}

// Engine recomputes, on every topology change, which ports of every
// known switch are forwarding (part of the spanning tree) versus
// blocking (would create a loop). It is safe for concurrent use; all
// mutating operations and recomputation are serialized by a single
// per-engine lock, in place of the module-global lock this logic was
// originally written against, since a controller may own more than
// one independent topology instance (e.g. in tests).
type Engine struct {
	mu sync.Mutex

	bridgePriority uint16
	links          map[[4]uint64]Link
	switches       map[uint64]bool

	forwarding map[uint64]map[uint32]bool

	onChange func()
}

// NewEngine creates an empty spanning-tree engine. bridgePriority
// configures this controller's contribution to bridge-id tie
// breaking, per STPConfig.
func NewEngine(bridgePriority uint16) *Engine {
	return &Engine{
		bridgePriority: bridgePriority,
		links:          make(map[[4]uint64]Link),
		switches:       make(map[uint64]bool),
		forwarding:     make(map[uint64]map[uint32]bool),
	}
}

// OnChange registers a callback invoked, outside the engine's lock,
// every time a recomputation changes the forwarding state of any
// port. Handlers typically use it to re-evaluate cached broadcast
// decisions.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// SwitchDiscovered registers a new switch with the topology.
func (e *Engine) SwitchDiscovered(dpid uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.switches[dpid] {
		return
	}
	e.switches[dpid] = true
	e.recompute()
}

// SwitchDown removes a switch and every link touching it from the
// topology.
func (e *Engine) SwitchDown(dpid uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.switches, dpid)
	delete(e.forwarding, dpid)

	for key, link := range e.links {
		if link.SrcDPID == dpid || link.DstDPID == dpid {
			delete(e.links, key)
		}
	}
	e.recompute()
}

// LinkDiscovered registers a bidirectional link between two switch
// ports.
func (e *Engine) LinkDiscovered(link Link) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.switches[link.SrcDPID] = true
	e.switches[link.DstDPID] = true
	e.links[link.key()] = link
	e.links[link.reverse().key()] = link.reverse()
	e.recompute()
}

// LinkBroken removes a link (in both directions) from the topology.
func (e *Engine) LinkBroken(link Link) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.links, link.key())
	delete(e.links, link.reverse().key())
	e.recompute()
}

// BroadcastPorts returns the ports of dpid that are currently part of
// the spanning tree (forwarding) and therefore safe to include in a
// flood/broadcast decision. A port with no recorded link (an edge
// port facing a host, not another switch) is always forwarding.
func (e *Engine) BroadcastPorts(dpid uint64, allPorts []uint32) []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	fwd, ok := e.forwarding[dpid]
	linked := make(map[uint32]bool)
	for _, link := range e.links {
		if link.SrcDPID == dpid {
			linked[link.SrcPort] = true
		}
	}
	out := make([]uint32, 0, len(allPorts))
	for _, port := range allPorts {
		if !ok || !linked[port] || fwd[port] {
			out = append(out, port)
		}
	}
	return out
}

// recompute rebuilds the forwarding set from scratch using a
// breadth-first spanning tree over the discovered link graph: the
// root is the switch with the lowest bridge id, and every other
// switch joins the tree over the first link that reaches it, with
// each switch's links visited in ascending (neighbour dpid, neighbour
// port) order. Must be called with e.mu held.
func (e *Engine) recompute() {
	changed := e.rebuildForwarding()
	cb := e.onChange
	if changed && cb != nil {
		go cb()
	}
}

func (e *Engine) rebuildForwarding() bool {
	adjacency := make(map[uint64][]Link)
	for _, link := range e.links {
		adjacency[link.SrcDPID] = append(adjacency[link.SrcDPID], link)
	}
	for dpid := range adjacency {
		sort.Slice(adjacency[dpid], func(i, j int) bool {
			a, b := adjacency[dpid][i], adjacency[dpid][j]
			if a.DstDPID != b.DstDPID {
				return a.DstDPID < b.DstDPID
			}
			return a.DstPort < b.DstPort
		})
	}

	root := e.root()

	treeEdges := make(map[[4]uint64]bool)
	if len(e.switches) > 0 {
		visited := map[uint64]bool{root: true}
		queue := []uint64{root}

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			for _, link := range adjacency[cur] {
				if visited[link.DstDPID] {
					continue
				}
				visited[link.DstDPID] = true
				treeEdges[link.key()] = true
				treeEdges[link.reverse().key()] = true
				queue = append(queue, link.DstDPID)
			}
		}
	}

	next := make(map[uint64]map[uint32]bool, len(e.switches))
	for dpid := range e.switches {
		next[dpid] = make(map[uint32]bool)
	}

	for key, link := range e.links {
		if treeEdges[key] {
			if next[link.SrcDPID] == nil {
				next[link.SrcDPID] = make(map[uint32]bool)
			}
			next[link.SrcDPID][link.SrcPort] = true
		}
	}

	changed := !equalForwarding(e.forwarding, next)
	e.forwarding = next
	return changed
}

// root returns the dpid of the known switch with the lowest bridge id
// (lowest priority, then lowest dpid); the spanning tree is rooted
// there.
func (e *Engine) root() uint64 {
	var best *bridgeID
	for dpid := range e.switches {
		cand := bridgeID{priority: e.bridgePriority, dpid: dpid}
		if best == nil || cand.less(*best) {
			c := cand
			best = &c
		}
	}
	if best == nil {
		return 0
	}
	return best.dpid
}

func equalForwarding(a, b map[uint64]map[uint32]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for dpid, ports := range a {
		other, ok := b[dpid]
		if !ok || len(ports) != len(other) {
			return false
		}
		for port := range ports {
			if !other[port] {
				return false
			}
		}
	}
	return true
}

// String renders the current forwarding set, useful for debug
// logging.
func (e *Engine) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	dpids := make([]uint64, 0, len(e.forwarding))
	for dpid := range e.forwarding {
		dpids = append(dpids, dpid)
	}
	sort.Slice(dpids, func(i, j int) bool { return dpids[i] < dpids[j] })

	out := ""
	for _, dpid := range dpids {
		ports := make([]uint32, 0, len(e.forwarding[dpid]))
		for port := range e.forwarding[dpid] {
			ports = append(ports, port)
		}
		sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
		out += fmt.Sprintf("%#x:%v ", dpid, ports)
	}
	return out
}

// RecomputeInterval is a default recomputation period. The engine does
// not use it: it recomputes on every topology change, runs no timer of
// its own and exports no method that triggers a recomputation.
const RecomputeInterval = 2 * time.Second
