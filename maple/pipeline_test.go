package maple

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrack/maple/ofp"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	backend, _, _ := newTestBackend(t, 0x1)
	rt := NewRuntime(backend, PriorityConfig{Base: 1000, Step: 10, Max: 100})
	return NewPipeline(NewSwitchSet(), backend, rt, ofp.Table(0))
}

func TestPipelineProcessChainsHandlersInOrder(t *testing.T) {
	p := testPipeline(t)

	var order []string
	require.NoError(t, p.RegisterHandler("first", func(pkt Packet, flow *Flow, d Decision) Decision {
		order = append(order, "first")
		return Inspect(64, nil)
	}))
	require.NoError(t, p.RegisterHandler("second", func(pkt Packet, flow *Flow, d Decision) Decision {
		order = append(order, "second")
		return Unicast(ofp.PortNo(2))
	}))
	p.Start([]string{"first", "second"})

	decision, err := p.process(NewPacket(0x1, testPacketIn(1)), NewFlow(1, ofp.Table(0)))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, TagUnicast, decision.Tag())
}

func TestPipelineProcessStopsOnReturn(t *testing.T) {
	p := testPipeline(t)

	var ran bool
	require.NoError(t, p.RegisterHandler("first", func(pkt Packet, flow *Flow, d Decision) Decision {
		return Drop().Return()
	}))
	require.NoError(t, p.RegisterHandler("second", func(pkt Packet, flow *Flow, d Decision) Decision {
		ran = true
		return d
	}))
	p.Start([]string{"first", "second"})

	decision, err := p.process(NewPacket(0x1, testPacketIn(1)), NewFlow(1, ofp.Table(0)))
	require.NoError(t, err)
	assert.False(t, ran, "handler after a return_ decision must not run")
	assert.Equal(t, TagDrop, decision.Tag())
	assert.True(t, decision.IsReturn())
}

func TestPipelineRegisterHandlerRejectedAfterStart(t *testing.T) {
	p := testPipeline(t)
	p.Start(nil)

	err := p.RegisterHandler("late", func(pkt Packet, flow *Flow, d Decision) Decision { return d })
	assert.ErrorIs(t, err, ErrReregistration)
}

func TestPipelineProcessWithoutHandlersYieldsUndefined(t *testing.T) {
	p := testPipeline(t)
	p.Start(nil)

	decision, err := p.process(NewPacket(0x1, testPacketIn(1)), NewFlow(1, ofp.Table(0)))
	require.NoError(t, err)
	assert.Equal(t, TagUndefined, decision.Tag())
}

func TestPipelineProcessWrapsHandlerPanic(t *testing.T) {
	p := testPipeline(t)

	require.NoError(t, p.RegisterHandler("boom", func(pkt Packet, flow *Flow, d Decision) Decision {
		panic(errors.New("handler exploded"))
	}))
	p.Start([]string{"boom"})

	_, err := p.process(NewPacket(0x1, testPacketIn(1)), NewFlow(1, ofp.Table(0)))
	require.Error(t, err)

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "boom", herr.Handler)
}
