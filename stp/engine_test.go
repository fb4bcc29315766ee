package stp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineSingleSwitchAllPortsForward(t *testing.T) {
	e := NewEngine(0)
	e.SwitchDiscovered(0x1)

	ports := e.BroadcastPorts(0x1, []uint32{1, 2, 3})
	assert.ElementsMatch(t, []uint32{1, 2, 3}, ports)
}

func TestEngineBlocksRedundantLinkInLoop(t *testing.T) {
	e := NewEngine(0)
	e.SwitchDiscovered(0x1)
	e.SwitchDiscovered(0x2)
	e.SwitchDiscovered(0x3)

	// A triangle: 1-2, 2-3, 3-1. One of the three links must end up
	// blocked on each side to break the loop.
	e.LinkDiscovered(Link{SrcDPID: 0x1, SrcPort: 1, DstDPID: 0x2, DstPort: 1})
	e.LinkDiscovered(Link{SrcDPID: 0x2, SrcPort: 2, DstDPID: 0x3, DstPort: 1})
	e.LinkDiscovered(Link{SrcDPID: 0x3, SrcPort: 2, DstDPID: 0x1, DstPort: 2})

	total := 0
	for _, dpid := range []uint64{0x1, 0x2, 0x3} {
		total += len(e.BroadcastPorts(dpid, []uint32{1, 2}))
	}

	// A spanning tree over 3 switches has exactly 2 edges, i.e. 4
	// forwarding directed port entries; the third link's two ports
	// must be blocking.
	assert.Equal(t, 4, total)
}

func TestEngineRootIsLowestBridgeID(t *testing.T) {
	e := NewEngine(10)
	e.SwitchDiscovered(0x2)
	e.SwitchDiscovered(0x1)

	require.Equal(t, uint64(0x1), e.root())
}

func TestEngineSwitchDownPrunesLinks(t *testing.T) {
	e := NewEngine(0)
	e.SwitchDiscovered(0x1)
	e.SwitchDiscovered(0x2)
	e.LinkDiscovered(Link{SrcDPID: 0x1, SrcPort: 1, DstDPID: 0x2, DstPort: 1})

	e.SwitchDown(0x2)

	ports := e.BroadcastPorts(0x1, []uint32{1})
	assert.Equal(t, []uint32{1}, ports)
}

func TestEngineOnChangeFiresOnTopologyUpdate(t *testing.T) {
	e := NewEngine(0)

	fired := make(chan struct{}, 1)
	e.OnChange(func() { fired <- struct{}{} })

	e.SwitchDiscovered(0x1)
	e.SwitchDiscovered(0x2)
	e.LinkDiscovered(Link{SrcDPID: 0x1, SrcPort: 1, DstDPID: 0x2, DstPort: 1})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected OnChange callback to fire")
	}
}
