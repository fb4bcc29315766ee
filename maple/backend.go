package maple

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/netrack/maple/of"
	"github.com/netrack/maple/ofp"
)

// missRule tracks a table-miss entry the backend has installed to
// route unmatched packets to the controller, keyed by a
// backend-assigned identifier independent of any Flow's cookie: the
// miss rule's purpose is to exist before any Flow does.
type missRule struct {
	id       uuid.UUID
	priority uint16
	match    ofp.Match
}

// Backend pushes compiled flow entries down to connected switches. It
// owns the mapping from a logical install/remove request (a field set
// scoped to some set of switches) to the concrete per-connection
// OpenFlow messages that realize it, and keeps the bookkeeping needed
// to replace the per-switch table-miss entry when its priority
// changes.
type Backend struct {
	switches *SwitchSet
	table    ofp.Table

	missRules map[uint64]missRule
}

// NewBackend creates a backend that installs flows into the given
// table on every switch tracked by the given set.
func NewBackend(switches *SwitchSet, table ofp.Table) *Backend {
	return &Backend{
		switches:  switches,
		table:     table,
		missRules: make(map[uint64]missRule),
	}
}

// targets resolves which connected datapaths a field set's switch
// scoping applies to: (the flow's declared set, or every connected
// datapath if it declares none) intersected with the match's included
// switch tests (if any are present), minus its excluded ones.
func (b *Backend) targets(flow *Flow, match FullFieldSet) []uint64 {
	declared := flow.Switches()
	if declared == nil {
		declared = b.switches.All()
	}

	if match.IncludedSwitches != nil {
		included := make(map[uint64]bool, len(match.IncludedSwitches))
		for _, dpid := range match.IncludedSwitches {
			included[dpid] = true
		}

		narrowed := make([]uint64, 0, len(declared))
		for _, dpid := range declared {
			if included[dpid] {
				narrowed = append(narrowed, dpid)
			}
		}
		declared = narrowed
	}

	excluded := make(map[uint64]bool, len(match.ExcludedSwitches))
	for _, dpid := range match.ExcludedSwitches {
		excluded[dpid] = true
	}

	out := make([]uint64, 0, len(declared))
	for _, dpid := range declared {
		if !excluded[dpid] {
			out = append(out, dpid)
		}
	}
	return out
}

func containsDPID(dpids []uint64, dpid uint64) bool {
	for _, d := range dpids {
		if d == dpid {
			return true
		}
	}
	return false
}

// Install compiles a flow's decision and pushes it to dpid when dpid
// is among the datapaths the flow's switch-scoping resolves to;
// otherwise it does nothing. For a disposable decision it emits
// a packet-out against the buffered packet instead of a standing flow
// entry, consuming the datapath's pending miss context.
func (b *Backend) Install(priority uint16, match FullFieldSet, flow *Flow, dpid uint64) error {
	conn, ok := b.switches.Get(dpid)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownSwitch, dpid)
	}

	if !containsDPID(b.targets(flow, match), dpid) {
		return nil
	}

	ctx, hasCtx := flow.context(dpid)
	decision := flow.Decision()

	if decision.Disposable() {
		if !hasCtx || !ctx.Pending {
			return nil
		}
		if err := b.packetOut(conn, flow, ctx, dpid); err != nil {
			return err
		}
		flow.clearPending(dpid)
		return nil
	}

	wireMatch := match.FieldSet.Match()
	fmod := ofp.NewFlowMod(ofp.FlowAdd, nil)
	fmod.Cookie = flow.Cookie()
	fmod.Table = b.table
	fmod.Priority = priority
	fmod.Match = wireMatch
	fmod.Flags |= ofp.FlowFlagCheckOverlap
	fmod.IdleTimeout = uint16(decision.IdleTimeoutDuration().Seconds())
	fmod.HardTimeout = uint16(decision.HardTimeoutDuration().Seconds())
	fmod.Instructions = flow.CompileInstructions(dpid)

	if hasCtx && ctx.Pending {
		fmod.Buffer = ctx.BufferID
	} else {
		fmod.Buffer = ofp.NoBuffer
	}

	if err := b.send(conn, of.TypeFlowMod, fmod); err != nil {
		return err
	}

	if hasCtx && ctx.Pending && fmod.Buffer == ofp.NoBuffer {
		// The flow mod could not carry the buffered packet (it had
		// already been reassigned); fall back to an explicit
		// packet-out so the original packet is not silently lost.
		if err := b.packetOut(conn, flow, ctx, dpid); err != nil {
			return err
		}
	}
	if hasCtx {
		flow.clearPending(dpid)
	}

	return nil
}

func (b *Backend) packetOut(conn Connection, flow *Flow, ctx *SwitchContext, dpid uint64) error {
	out := &ofp.PacketOut{
		Buffer:  ctx.BufferID,
		InPort:  ctx.InPort,
		Actions: flow.CompileActions(dpid),
	}
	return b.send(conn, of.TypePacketOut, out)
}

// Remove deletes every flow entry matching the given field set across
// the datapaths it is scoped to. When match carries a single included
// switch and no exclusions, the delete is sent only there; otherwise
// it broadcasts to every matching target.
func (b *Backend) Remove(match FullFieldSet) error {
	wireMatch := match.FieldSet.Match()
	fmod := ofp.NewFlowMod(ofp.FlowDelete, nil)
	fmod.Table = b.table
	fmod.Match = wireMatch

	return b.broadcast(match, fmod)
}

// RemoveStrict deletes the single flow entry matching exactly the
// given priority and field set (FlowDeleteStrict semantics).
func (b *Backend) RemoveStrict(priority uint16, match FullFieldSet) error {
	wireMatch := match.FieldSet.Match()
	fmod := ofp.NewFlowMod(ofp.FlowDeleteStrict, nil)
	fmod.Table = b.table
	fmod.Priority = priority
	fmod.Match = wireMatch

	return b.broadcast(match, fmod)
}

// RemoveFlow deletes the flow entry installed for a specific Flow, by
// cookie, across every datapath it was (or could have been) installed
// on.
func (b *Backend) RemoveFlow(flow *Flow) error {
	fmod := ofp.NewFlowMod(ofp.FlowDelete, nil)
	fmod.Table = b.table
	fmod.Cookie = flow.Cookie()
	fmod.CookieMask = ^uint64(0)

	dpids := flow.Switches()
	if dpids == nil {
		dpids = b.switches.All()
	}

	for _, dpid := range dpids {
		conn, ok := b.switches.Get(dpid)
		if !ok {
			continue
		}
		if err := b.send(conn, of.TypeFlowMod, fmod); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) broadcast(match FullFieldSet, fmod *ofp.FlowMod) error {
	dpids := match.IncludedSwitches
	if dpids == nil {
		dpids = b.switches.All()
	}

	excluded := make(map[uint64]bool, len(match.ExcludedSwitches))
	for _, dpid := range match.ExcludedSwitches {
		excluded[dpid] = true
	}

	for _, dpid := range dpids {
		if excluded[dpid] {
			continue
		}
		conn, ok := b.switches.Get(dpid)
		if !ok {
			continue
		}
		if err := b.send(conn, of.TypeFlowMod, fmod); err != nil {
			return err
		}
	}
	return nil
}

// Barrier sends a barrier request to every connected datapath. Nothing
// in the runtime calls it: Augment and Update do not wait for a
// barrier reply.
func (b *Backend) Barrier() error {
	for _, dpid := range b.switches.All() {
		conn, ok := b.switches.Get(dpid)
		if !ok {
			continue
		}
		if err := b.send(conn, of.TypeBarrierRequest, &ofp.BarrierRequest{}); err != nil {
			return err
		}
	}
	return nil
}

// BarrierRule installs (or replaces) the table-miss entry on dpid
// that forwards every unmatched packet to the controller. Each
// datapath gets a single miss rule, identified internally by a random
// id; a later call for the same datapath with a different priority
// replaces the existing entry rather than leaving both installed.
func (b *Backend) BarrierRule(dpid uint64, priority uint16) error {
	conn, ok := b.switches.Get(dpid)
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownSwitch, dpid)
	}

	match := ofp.Match{Type: ofp.MatchTypeXM}

	if existing, ok := b.missRules[dpid]; ok {
		if existing.priority == priority {
			return nil
		}
		del := ofp.NewFlowMod(ofp.FlowDeleteStrict, nil)
		del.Table = b.table
		del.Priority = existing.priority
		del.Match = existing.match
		del.OutPort, del.OutGroup = ofp.PortAny, ofp.GroupAny
		if err := b.send(conn, of.TypeFlowMod, del); err != nil {
			return err
		}
	}

	fmod := ofp.NewFlowMod(ofp.FlowAdd, nil)
	fmod.Table = b.table
	fmod.Priority = priority
	fmod.Match = match
	fmod.Buffer = ofp.NoBuffer
	fmod.Instructions = ofp.Instructions{
		&ofp.InstructionApplyActions{
			Actions: ofp.Actions{
				&ofp.ActionOutput{Port: ofp.PortController, MaxLen: ofp.ContentLenNoBuffer},
			},
		},
	}

	if err := b.send(conn, of.TypeFlowMod, fmod); err != nil {
		return err
	}

	b.missRules[dpid] = missRule{id: uuid.New(), priority: priority, match: match}
	return nil
}

// send marshals an OpenFlow message body and pushes it to conn as a
// request of the given type.
func (b *Backend) send(conn Connection, t of.Type, msg io.WriterTo) error {
	body, err := of.NewReader(msg)
	if err != nil {
		return err
	}

	req, err := of.NewRequest(t, body)
	if err != nil {
		return err
	}

	return conn.Send(req)
}
