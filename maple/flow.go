package maple

import (
	"fmt"
	"sync"

	"github.com/netrack/maple/ofp"
)

// State is a stage in a Flow's lifecycle.
type State int

const (
	// StateEgg is the initial state: a handler has been invoked for
	// this flow's representative packet, but no decision has been
	// reached yet.
	StateEgg State = iota

	// StateActive is reached once a decision is known and has been
	// compiled into flow entries on at least one switch.
	StateActive

	// StateIdle is reached when a switch reports the entry expired
	// from inactivity (FlowReasonIdleTimeout).
	StateIdle

	// StateEvicted is reached when a switch reports the entry was
	// explicitly removed (FlowReasonDelete, FlowReasonGroupDelete),
	// or when the decision was disposable and served via packet-out
	// rather than installed.
	StateEvicted

	// StateExpired is reached when a switch reports the entry
	// expired from its hard timeout (FlowReasonHardTimeout).
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateEgg:
		return "egg"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateEvicted:
		return "evicted"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SwitchContext tracks the packet-in that is pending a reply on one
// datapath: the buffered packet, if any, and the ingress port it
// arrived on, needed to emit a packet-out once the flow's decision
// resolves.
type SwitchContext struct {
	BufferID uint32
	InPort   ofp.PortNo
	XID      uint32
	Pending  bool
}

// Flow is the controller-side representative of every packet that
// shares the same trace: the same sequence of (field, value) tests
// led to it. A Flow starts in StateEgg, waiting on a handler to reach
// a Decision; once resolved it moves to StateActive and the decision
// is compiled into flow entries on every switch it applies to.
type Flow struct {
	mu sync.Mutex

	cookie uint64
	table  ofp.Table

	decision Decision
	mods     FieldSet

	state    State
	contexts map[uint64]*SwitchContext

	// installer, when set, is invoked every time the flow's decision
	// resolves or a switch reports a table-miss for an
	// already-active flow. It is how the backend is notified it
	// should (re)compile and push flow entries.
	installer func(f *Flow, dpid uint64)
}

// NewFlow creates a flow keyed by the given cookie, to be installed in
// the given table.
func NewFlow(cookie uint64, table ofp.Table) *Flow {
	return &Flow{
		cookie:   cookie,
		table:    table,
		state:    StateEgg,
		contexts: make(map[uint64]*SwitchContext),
	}
}

// Cookie returns the flow's cookie, used to correlate flow-removed
// and packet-in messages back to this Flow.
func (f *Flow) Cookie() uint64 {
	return f.cookie
}

// Table returns the table the flow is installed into.
func (f *Flow) Table() ofp.Table {
	return f.table
}

// State returns the flow's current lifecycle state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Decision returns the flow's resolved decision. It is the zero
// Undefined decision until SetDecision has been called.
func (f *Flow) Decision() Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decision
}

// Mods returns the field modifications staged for this flow.
func (f *Flow) Mods() FieldSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mods
}

// SetInstaller registers the callback invoked whenever the flow needs
// (re)installing on a datapath.
func (f *Flow) SetInstaller(fn func(f *Flow, dpid uint64)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installer = fn
}

// SetDecision records the outcome a handler produced for this flow. It
// refuses to change a decision that has already been compiled into
// standing flow entries, since switches have no notion of atomically
// replacing a live entry's actions mid-flight. No transition returns a
// flow to StateEgg, so a different decision needs a new Flow.
func (f *Flow) SetDecision(d Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateEgg {
		return fmt.Errorf("maple: flow %#x: decision is immutable once %s", f.cookie, f.state)
	}
	f.decision = d
	return nil
}

// SetMods records the field modifications a handler staged for this
// flow's representative packet. Like the decision, mods are immutable
// once the flow has left StateEgg.
func (f *Flow) SetMods(mods FieldSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateEgg {
		return fmt.Errorf("maple: flow %#x: mods are immutable once %s", f.cookie, f.state)
	}
	f.mods = mods
	return nil
}

// Switches reports the fixed set of datapaths the flow's decision
// restricts installation to, or nil for no restriction.
func (f *Flow) Switches() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decision.Switches()
}

// RecordMiss notes that a packet belonging to this flow arrived on
// dpid and is, if buffered, waiting on a packet-out once the
// decision resolves.
func (f *Flow) RecordMiss(dpid uint64, bufferID uint32, inPort ofp.PortNo, xid uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctx, ok := f.contexts[dpid]
	if !ok {
		ctx = &SwitchContext{}
		f.contexts[dpid] = ctx
	}
	ctx.BufferID, ctx.InPort, ctx.XID, ctx.Pending = bufferID, inPort, xid, true
}

// context returns the pending switch context for dpid, if any.
func (f *Flow) context(dpid uint64) (*SwitchContext, bool) {
	ctx, ok := f.contexts[dpid]
	return ctx, ok
}

// InstalledSwitches reports every datapath this flow has recorded a
// table miss for, i.e. every datapath Activate has pushed (or will
// push) the compiled decision to. Used to find every switch holding a
// copy of the flow entry when it needs reinstalling at a new
// priority.
func (f *Flow) InstalledSwitches() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	dpids := make([]uint64, 0, len(f.contexts))
	for dpid := range f.contexts {
		dpids = append(dpids, dpid)
	}
	return dpids
}

// clearPending marks the pending packet-in for dpid as served.
func (f *Flow) clearPending(dpid uint64) {
	if ctx, ok := f.contexts[dpid]; ok {
		ctx.Pending = false
	}
}

// Activate moves the flow out of StateEgg (or back out of StateIdle or
// StateEvicted) once a decision is known, and invokes the installer
// for every datapath with a pending miss. An expired flow keeps its
// state.
// A disposable decision (Decision.Disposable) never reaches
// StateActive: it is served once via packet-out and the flow goes
// straight to StateEvicted, since there will never be a flow entry to
// remove.
func (f *Flow) Activate() {
	f.mu.Lock()
	pending := make([]uint64, 0, len(f.contexts))
	for dpid, ctx := range f.contexts {
		if ctx.Pending {
			pending = append(pending, dpid)
		}
	}

	if f.decision.Disposable() {
		f.state = StateEvicted
	} else if f.state != StateExpired {
		f.state = StateActive
	}
	installer := f.installer
	f.mu.Unlock()

	if installer == nil {
		return
	}
	for _, dpid := range pending {
		installer(f, dpid)
	}
}

// HandleTableMiss processes a table-miss packet-in for a flow the
// trace tree already resolves. For a StateActive flow this can
// legitimately happen: the controller believes the entry is
// installed, but the switch's barrier for it has not landed yet (or
// was lost) and the packet fell through to the miss rule again. A
// StateIdle or StateEvicted flow has no entry left on the switch. In
// each of these cases the miss is treated exactly like a fresh
// activation: record the miss and re-run Activate, which re-sends the
// compiled entry (and, if buffered, a packet-out) under the same
// cookie without invoking the handler pipeline again. A StateExpired
// flow only records the miss.
func (f *Flow) HandleTableMiss(dpid uint64, bufferID uint32, inPort ofp.PortNo, xid uint32) {
	f.RecordMiss(dpid, bufferID, inPort, xid)
	switch f.State() {
	case StateActive, StateIdle, StateEvicted:
		f.Activate()
	}
}

// OnFlowRemoved applies the lifecycle transition for a flow-removed
// notification arriving from a datapath.
func (f *Flow) OnFlowRemoved(reason ofp.FlowRemovedReason) State {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch reason {
	case ofp.FlowReasonIdleTimeout:
		f.state = StateIdle
	case ofp.FlowReasonHardTimeout:
		f.state = StateExpired
	case ofp.FlowReasonDelete, ofp.FlowReasonGroupDelete:
		// OpenFlow 1.3 has no distinct "meter deleted" reason code;
		// group deletion cascades to the flows that reference the
		// group, and is treated the same as an explicit delete.
		f.state = StateEvicted
	}
	return f.state
}

// CompileActions resolves the flow's mods and decision into the
// OpenFlow action list to install on the given datapath: every staged
// modification becomes a set-field action, in the order it was
// applied, followed by the decision's own actions.
func (f *Flow) CompileActions(dpid uint64) ofp.Actions {
	f.mu.Lock()
	mods := f.mods
	decision := f.decision
	f.mu.Unlock()

	actions := make(ofp.Actions, 0, mods.Len()+1)
	for _, mod := range mods.Fields() {
		if mod.ID == FieldSwitchID {
			continue
		}
		xm := mod.XM()
		actions = append(actions, &ofp.ActionSetField{Field: xm})
	}

	return append(actions, decision.Actions(dpid)...)
}

// CompileInstructions wraps CompileActions into the apply-actions
// instruction a FlowMod carries.
func (f *Flow) CompileInstructions(dpid uint64) ofp.Instructions {
	return ofp.Instructions{
		&ofp.InstructionApplyActions{Actions: f.CompileActions(dpid)},
	}
}
