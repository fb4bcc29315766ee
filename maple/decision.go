package maple

import (
	"time"

	"github.com/netrack/maple/ofp"
)

// Tag discriminates the kind of outcome a Decision carries.
type Tag int

const (
	// TagUndefined marks a decision that has not been resolved by any
	// handler yet.
	TagUndefined Tag = iota

	// TagDrop instructs the datapath to discard the packet.
	TagDrop

	// TagUnicast instructs the datapath to output the packet to a
	// single port.
	TagUnicast

	// TagMulticast instructs the datapath to output the packet to a
	// fixed list of ports.
	TagMulticast

	// TagBroadcast instructs the datapath to flood the packet.
	TagBroadcast

	// TagInspect sends a prefix of the packet to the controller and
	// invokes a handler with the result, without installing a flow
	// entry for the decision itself.
	TagInspect

	// TagCustom carries an arbitrary, caller-supplied action/ switch
	// scoping, used for actions this package has no builder for
	// (e.g. group table references).
	TagCustom
)

// InspectFunc is called by the pipeline driver whenever a packet
// matched an inspect decision. It receives the packet view and the
// flow the decision belongs to, and returns a replacement decision
// to continue processing with.
type InspectFunc func(pkt Packet, flow *Flow) Decision

// Custom is implemented by callers that need a decision whose wire
// representation this package does not know how to build directly
// (e.g. a reference to a pre-provisioned group).
type Custom interface {
	// Actions returns the OpenFlow action list to compile for the
	// given datapath.
	Actions(dpid uint64) ofp.Actions

	// Switches restricts the decision to a fixed set of datapaths. A
	// nil result means "no restriction", deferring to the
	// handler's own Included/Excluded scoping.
	Switches() []uint64
}

// Decision is an immutable description of what should happen to a
// packet (and to the flow of packets it represents). Handlers build
// decisions with the constructors and builder methods below; every
// method returns a new value, leaving the receiver untouched.
type Decision struct {
	tag Tag

	port  ofp.PortNo
	ports []ofp.PortNo

	inspectLen uint16
	inspect    InspectFunc

	custom Custom

	idleTimeout time.Duration
	hardTimeout time.Duration

	isReturn bool
}

// Undefined is the zero Decision: the decision the handler chain starts
// from, and the one left when no handler produced an outcome. A handler
// that returns Undefined replaces the decision it was passed; to keep a
// previous handler's decision, a handler returns the one it received.
var Undefined = Decision{tag: TagUndefined}

// Drop builds a decision that discards the packet.
func Drop() Decision {
	return Decision{tag: TagDrop}
}

// Unicast builds a decision that outputs the packet to a single port.
func Unicast(port ofp.PortNo) Decision {
	return Decision{tag: TagUnicast, port: port}
}

// Multicast builds a decision that outputs the packet to the given
// ports.
func Multicast(ports ...ofp.PortNo) Decision {
	cp := make([]ofp.PortNo, len(ports))
	copy(cp, ports)
	return Decision{tag: TagMulticast, ports: cp}
}

// Broadcast builds a decision that floods the packet out every port.
func Broadcast() Decision {
	return Decision{tag: TagBroadcast}
}

// Inspect builds a decision that sends up to n bytes of the packet to
// the controller and resumes processing in fn.
func Inspect(n uint16, fn InspectFunc) Decision {
	return Decision{tag: TagInspect, inspectLen: n, inspect: fn}
}

// CustomDecision builds a decision out of a caller-supplied Custom
// action.
func CustomDecision(c Custom) Decision {
	return Decision{tag: TagCustom, custom: c}
}

// Tag reports the kind of outcome this decision carries.
func (d Decision) Tag() Tag { return d.tag }

// Port returns the output port of a unicast decision.
func (d Decision) Port() ofp.PortNo { return d.port }

// Ports returns the output ports of a multicast decision.
func (d Decision) Ports() []ofp.PortNo { return d.ports }

// InspectLen returns the number of bytes to send to the controller
// for an inspect decision.
func (d Decision) InspectLen() uint16 { return d.inspectLen }

// InspectFunc returns the continuation of an inspect decision.
func (d Decision) InspectFunc() InspectFunc { return d.inspect }

// CustomAction returns the custom action carried by the decision.
func (d Decision) CustomAction() Custom { return d.custom }

// IdleTimeoutDuration returns the decision's configured idle timeout.
func (d Decision) IdleTimeoutDuration() time.Duration { return d.idleTimeout }

// HardTimeoutDuration returns the decision's configured hard timeout.
func (d Decision) HardTimeoutDuration() time.Duration { return d.hardTimeout }

// IdleTimeout returns a copy of the decision with the idle timeout
// set. A zero or negative duration (zero is the default) makes the
// decision disposable: it is served by packet-out and never installed
// as a flow entry (see Disposable).
func (d Decision) IdleTimeout(dur time.Duration) Decision {
	d.idleTimeout = dur
	return d
}

// HardTimeout returns a copy of the decision with the hard timeout
// set. A zero duration (the default) means the installed entry never
// expires.
func (d Decision) HardTimeout(dur time.Duration) Decision {
	d.hardTimeout = dur
	return d
}

// Return marks the decision as stopping the handler chain: no handler
// registered after the one that returns this decision runs for the
// packet. It has no bearing on whether the decision is installed as a
// standing flow entry; see Disposable for that.
func (d Decision) Return() Decision {
	d.isReturn = true
	return d
}

// IsReturn reports whether the decision was marked via Return.
func (d Decision) IsReturn() bool { return d.isReturn }

// Disposable reports whether the decision should never be installed
// as a standing flow entry: either its idle timeout is zero or
// negative (no timeout set, the default), or it is an inspect or
// undefined decision, which always need to keep routing packets to
// the controller rather than being compiled into the table.
func (d Decision) Disposable() bool {
	return d.idleTimeout <= 0 || d.tag == TagInspect || d.tag == TagUndefined
}

// Switches reports the fixed set of datapaths the decision is scoped
// to, or nil when the decision carries no such restriction of its
// own.
func (d Decision) Switches() []uint64 {
	if d.tag == TagCustom && d.custom != nil {
		return d.custom.Switches()
	}
	return nil
}

// Merge combines the receiver with a decision produced by a nested
// handler. A TagUndefined operand yields the other operand unchanged;
// otherwise the later (non-undefined) decision wins, but the timeouts
// already set on the receiver are kept unless overridden.
func (d Decision) Merge(other Decision) Decision {
	if other.tag == TagUndefined {
		return d
	}
	if d.tag == TagUndefined {
		return other
	}

	merged := other
	if merged.idleTimeout == 0 {
		merged.idleTimeout = d.idleTimeout
	}
	if merged.hardTimeout == 0 {
		merged.hardTimeout = d.hardTimeout
	}
	return merged
}

// Actions compiles the decision into the OpenFlow action list to
// apply on the given datapath.
func (d Decision) Actions(dpid uint64) ofp.Actions {
	switch d.tag {
	case TagDrop, TagUndefined:
		return ofp.Actions{}
	case TagUnicast:
		return ofp.Actions{&ofp.ActionOutput{Port: d.port, MaxLen: ofp.ContentLenNoBuffer}}
	case TagMulticast:
		actions := make(ofp.Actions, 0, len(d.ports))
		for _, port := range d.ports {
			actions = append(actions, &ofp.ActionOutput{Port: port, MaxLen: ofp.ContentLenNoBuffer})
		}
		return actions
	case TagBroadcast:
		return ofp.Actions{&ofp.ActionOutput{Port: ofp.PortFlood, MaxLen: ofp.ContentLenNoBuffer}}
	case TagInspect:
		maxLen := d.inspectLen
		if maxLen == 0 {
			maxLen = ofp.ContentLenNoBuffer
		}
		return ofp.Actions{&ofp.ActionOutput{Port: ofp.PortController, MaxLen: maxLen}}
	case TagCustom:
		if d.custom == nil {
			return ofp.Actions{}
		}
		return d.custom.Actions(dpid)
	default:
		return ofp.Actions{}
	}
}
