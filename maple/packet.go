package maple

import (
	"github.com/netrack/maple/ofp"
)

// Packet is the view of an arriving frame exposed to handlers. It
// lets a handler read any header field by identifier and stage field
// modifications; reads are recorded so the runtime can later learn,
// from what was actually read, the minimal set of tests that decide
// the handler's outcome for this packet.
type Packet interface {
	// Read returns the value of the given field and whether it is
	// present on the packet. Every read is recorded.
	Read(id FieldID) ([]byte, bool)

	// Modify stages a field modification. It does not mutate the
	// wire packet; Mods reports the accumulated modifications.
	Modify(f Field)

	// Mods returns the fields staged by Modify, in the order they
	// were applied. The view built by NewPacket does not track
	// modifications and returns an empty set; the view built by
	// NewTrackedPacket does.
	Mods() FieldSet

	// Tested returns the identifiers read via Read, in the order of
	// their first read.
	Tested() []FieldID

	// SwitchID returns the identifier of the datapath the packet
	// arrived on.
	SwitchID() uint64

	// Raw returns the original ethernet frame carried by the
	// packet-in message.
	Raw() []byte
}

// packet is the base, read-tracking implementation of Packet.
type packet struct {
	dpid   uint64
	fields FieldSet
	raw    []byte

	tested    []FieldID
	testedSet map[FieldID]bool
}

// NewPacket builds a Packet view out of a packet-in message received
// from the given datapath.
func NewPacket(dpid uint64, in *ofp.PacketIn) Packet {
	fields := NewFieldSet(Field{ID: FieldSwitchID, Value: uint64Bytes(dpid)})
	for _, xm := range in.Match.Fields {
		fields.Set(FromXM(xm))
	}

	return &packet{
		dpid:      dpid,
		fields:    fields,
		raw:       in.Data,
		testedSet: make(map[FieldID]bool),
	}
}

func (p *packet) Read(id FieldID) ([]byte, bool) {
	if !p.testedSet[id] {
		p.testedSet[id] = true
		p.tested = append(p.tested, id)
	}

	f, ok := p.fields.Get(id)
	if !ok {
		return nil, false
	}
	return f.Value, true
}

func (p *packet) Modify(f Field) {
	p.fields.Set(f)
}

func (p *packet) Mods() FieldSet {
	return FieldSet{}
}

func (p *packet) Tested() []FieldID {
	out := make([]FieldID, len(p.tested))
	copy(out, p.tested)
	return out
}

func (p *packet) SwitchID() uint64 {
	return p.dpid
}

func (p *packet) Raw() []byte {
	return p.raw
}

// modTrackingPacket decorates a packet, recording every field passed
// to Modify into a dedicated field set, separate from the base
// packet's own fields. This is the view handed to handlers: the
// runtime needs to know which modifications a handler asked for
// without perturbing the identifiers the handler reads afterwards.
type modTrackingPacket struct {
	*packet
	mods FieldSet
}

// NewTrackedPacket wraps a packet-in message from the given datapath
// into a Packet view that records modifications separately from
// reads.
func NewTrackedPacket(dpid uint64, in *ofp.PacketIn) Packet {
	base := NewPacket(dpid, in).(*packet)
	return &modTrackingPacket{packet: base}
}

func (p *modTrackingPacket) Modify(f Field) {
	p.packet.Modify(f)
	p.mods.Set(f)
}

func (p *modTrackingPacket) Mods() FieldSet {
	return p.mods
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
