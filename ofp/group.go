package ofp

// Group identifies a group table entry.
//
// Groups are referenced only from action and flow-deletion scope in
// this subset of the protocol; group table management itself is a
// switch-side concern outside the reactive flow installer.
type Group uint32

const (
	// GroupMax is the last usable group number.
	GroupMax Group = 0xffffff00

	// GroupAll represents all groups for group delete commands.
	GroupAll Group = 0xfffffffc

	// GroupAny is a wildcard group used only for flow stats and flow
	// deletion requests, indicating no restriction by group.
	GroupAny Group = 0xffffffff
)

// Queue identifies a queue attached to a port, referenced by the
// set-queue action. Queue configuration itself is a switch-side concern.
type Queue uint32

// Meter identifies a meter, referenced by the meter instruction. Meter
// configuration itself is a switch-side concern.
type Meter uint32

