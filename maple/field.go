// Package maple implements a reactive controller runtime modeled after
// the "Maple" programming model: packet handlers are plain functions
// that read and modify header fields, and the runtime discovers, from
// the fields actually touched, how to compile the handler into flow
// table entries.
package maple

import (
	"bytes"
	"fmt"

	"github.com/netrack/maple/ofp"
)

// FieldID identifies a header field a handler can read or modify.
//
// Most field identifiers are plain OpenFlow extensible match types
// (ofp.XMType). FieldSwitchID is a synthetic identifier, local to this
// package, that names the datapath a packet arrived on; it never
// appears on the wire and is never carried on an ofp.Match.
type FieldID uint32

// FieldIDFromXM converts a wire match field type into a FieldID.
func FieldIDFromXM(t ofp.XMType) FieldID {
	return FieldID(t)
}

// XMType reports the underlying wire match type. It panics when called
// on the synthetic FieldSwitchID, which has no wire representation.
func (id FieldID) XMType() ofp.XMType {
	if id == FieldSwitchID {
		panic("maple: FieldSwitchID has no wire representation")
	}
	return ofp.XMType(id)
}

// FieldSwitchID is the reserved identifier of the field carrying the
// datapath identifier a packet was received on. It is kept outside of
// the ofp.XMType byte range (0-255) so it can never collide with a
// wire field.
const FieldSwitchID FieldID = 1 << 16

func (id FieldID) String() string {
	if id == FieldSwitchID {
		return "FieldSwitchID"
	}
	return ofp.XMType(id).String()
}

// Field is a single (identifier, value) pair, with an optional mask
// for a wildcarded match. A nil Mask means an exact match.
type Field struct {
	ID    FieldID
	Value []byte
	Mask  []byte
}

// Equal reports whether two fields carry the same identifier, value
// and mask.
func (f Field) Equal(o Field) bool {
	return f.ID == o.ID && bytes.Equal(f.Value, o.Value) && bytes.Equal(f.Mask, o.Mask)
}

func (f Field) String() string {
	if f.Mask != nil {
		return fmt.Sprintf("%s=%x/%x", f.ID, f.Value, f.Mask)
	}
	return fmt.Sprintf("%s=%x", f.ID, f.Value)
}

// FromXM builds a Field out of a wire extensible match entry.
func FromXM(xm ofp.XM) Field {
	return Field{
		ID:    FieldIDFromXM(xm.Type),
		Value: []byte(xm.Value),
		Mask:  []byte(xm.Mask),
	}
}

// XM converts the field back into a wire extensible match entry. It
// panics for the synthetic FieldSwitchID, which callers must strip
// out of a FieldSet before handing it to the wire format.
func (f Field) XM() ofp.XM {
	return ofp.XM{
		Class: ofp.XMClassOpenflowBasic,
		Type:  f.ID.XMType(),
		Value: ofp.XMValue(f.Value),
		Mask:  ofp.XMValue(f.Mask),
	}
}

// FieldSet is an ordered collection of fields with distinct
// identifiers. Insertion order of distinct identifiers is preserved;
// setting a field that is already present keeps its original position
// but replaces its value (last write wins per identifier).
type FieldSet struct {
	order []FieldID
	byID  map[FieldID]Field
}

// NewFieldSet builds a field set out of the given fields, applied in
// order.
func NewFieldSet(fields ...Field) FieldSet {
	var fs FieldSet
	for _, f := range fields {
		fs.Set(f)
	}
	return fs
}

// Set inserts or overwrites the field for its identifier.
func (fs *FieldSet) Set(f Field) {
	if fs.byID == nil {
		fs.byID = make(map[FieldID]Field)
	}
	if _, ok := fs.byID[f.ID]; !ok {
		fs.order = append(fs.order, f.ID)
	}
	fs.byID[f.ID] = f
}

// Get returns the field registered for the given identifier.
func (fs FieldSet) Get(id FieldID) (Field, bool) {
	f, ok := fs.byID[id]
	return f, ok
}

// Has reports whether the set carries a field for the given
// identifier.
func (fs FieldSet) Has(id FieldID) bool {
	_, ok := fs.byID[id]
	return ok
}

// Fields returns the fields of the set in insertion order.
func (fs FieldSet) Fields() []Field {
	out := make([]Field, 0, len(fs.order))
	for _, id := range fs.order {
		out = append(out, fs.byID[id])
	}
	return out
}

// Len returns the number of distinct fields in the set.
func (fs FieldSet) Len() int {
	return len(fs.order)
}

// Merge returns a new set obtained by applying every field of other on
// top of fs, in the order they were recorded in other.
func (fs FieldSet) Merge(other FieldSet) FieldSet {
	out := NewFieldSet(fs.Fields()...)
	for _, f := range other.Fields() {
		out.Set(f)
	}
	return out
}

// Match builds a wire ofp.Match out of the set, skipping the
// synthetic FieldSwitchID entry, which has no wire representation.
func (fs FieldSet) Match() ofp.Match {
	var m ofp.Match
	m.Type = ofp.MatchTypeXM

	for _, f := range fs.Fields() {
		if f.ID == FieldSwitchID {
			continue
		}
		m.Fields = append(m.Fields, f.XM())
	}
	return m
}

// FullFieldSet augments a field set with the switch-scoping predicate
// computed for a decision: the set of datapaths the entry must be
// installed on (Included) and must not be installed on (Excluded).
//
// A nil Included means "every known switch"; Excluded is subtracted
// from whatever Included resolves to.
type FullFieldSet struct {
	FieldSet

	IncludedSwitches []uint64
	ExcludedSwitches []uint64
}
