package maple

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrack/maple/of"
	"github.com/netrack/maple/ofp"
)

type fakeConn struct {
	dpid uint64
	sent []*of.Request
}

func (c *fakeConn) DPID() uint64 { return c.dpid }

func (c *fakeConn) Send(r *of.Request) error {
	c.sent = append(c.sent, r)
	return nil
}

func newTestBackend(t *testing.T, dpids ...uint64) (*Backend, *SwitchSet, map[uint64]*fakeConn) {
	t.Helper()

	switches := NewSwitchSet()
	conns := make(map[uint64]*fakeConn)

	for _, dpid := range dpids {
		c := &fakeConn{dpid: dpid}
		conns[dpid] = c
		switches.Put(c)
	}

	return NewBackend(switches, ofp.Table(0)), switches, conns
}

func TestBackendInstallSendsFlowMod(t *testing.T) {
	backend, _, conns := newTestBackend(t, 0x1)

	flow := NewFlow(10, ofp.Table(0))
	require.NoError(t, flow.SetDecision(Unicast(ofp.PortNo(2)).IdleTimeout(30*time.Second)))
	flow.Activate()

	match := FullFieldSet{FieldSet: NewFieldSet(Field{ID: FieldIDFromXM(ofp.XMTypeInPort), Value: []byte{0, 0, 0, 1}})}

	require.NoError(t, backend.Install(1000, match, flow, 0x1))
	require.Len(t, conns[0x1].sent, 1)
	assert.Equal(t, of.TypeFlowMod, conns[0x1].sent[0].Header.Type)
}

func TestBackendInstallUnknownSwitch(t *testing.T) {
	backend, _, _ := newTestBackend(t)

	flow := NewFlow(11, ofp.Table(0))
	require.NoError(t, flow.SetDecision(Drop()))

	err := backend.Install(1000, FullFieldSet{}, flow, 0xdead)
	assert.ErrorIs(t, err, ErrUnknownSwitch)
}

func TestBackendInstallDisposableSendsPacketOut(t *testing.T) {
	backend, _, conns := newTestBackend(t, 0x1)

	flow := NewFlow(12, ofp.Table(0))
	flow.RecordMiss(0x1, 99, ofp.PortNo(3), 1)
	require.NoError(t, flow.SetDecision(Drop()))
	flow.Activate()

	require.NoError(t, backend.Install(1000, FullFieldSet{}, flow, 0x1))
	require.Len(t, conns[0x1].sent, 1)
	assert.Equal(t, of.TypePacketOut, conns[0x1].sent[0].Header.Type)
}

func TestBackendInstallNonDisposableSetsCheckOverlapAndSendFlowRem(t *testing.T) {
	backend, _, conns := newTestBackend(t, 0x1)

	flow := NewFlow(13, ofp.Table(0))
	require.NoError(t, flow.SetDecision(Unicast(ofp.PortNo(2)).IdleTimeout(30 * time.Second)))
	flow.Activate()

	require.NoError(t, backend.Install(1000, FullFieldSet{}, flow, 0x1))
	require.Len(t, conns[0x1].sent, 1)

	var fmod ofp.FlowMod
	_, err := fmod.ReadFrom(bytes.NewReader(conns[0x1].sent[0].Body.(*bytes.Buffer).Bytes()))
	require.NoError(t, err)
	assert.True(t, fmod.Flags&ofp.FlowFlagCheckOverlap != 0)
	assert.True(t, fmod.Flags&ofp.FlowFlagSendFlowRem != 0)
}

func TestBackendTargetsNarrowsToIncludedSwitches(t *testing.T) {
	backend, _, _ := newTestBackend(t, 0x1, 0x2, 0x3)

	flow := NewFlow(13, ofp.Table(0))
	match := FullFieldSet{IncludedSwitches: []uint64{0x1, 0x2}, ExcludedSwitches: []uint64{0x2}}

	got := backend.targets(flow, match)
	assert.Equal(t, []uint64{0x1}, got)
}

func TestBackendBarrierRuleReplacesOnPriorityChange(t *testing.T) {
	backend, _, conns := newTestBackend(t, 0x1)

	require.NoError(t, backend.BarrierRule(0x1, 0))
	require.Len(t, conns[0x1].sent, 1)

	require.NoError(t, backend.BarrierRule(0x1, 0))
	assert.Len(t, conns[0x1].sent, 1, "unchanged priority should not re-send")

	require.NoError(t, backend.BarrierRule(0x1, 5))
	assert.Len(t, conns[0x1].sent, 3, "changed priority deletes old rule, installs new one")
}
