package maple

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netrack/maple/ofp"
)

func TestFlowActivateInstallsOnPendingSwitches(t *testing.T) {
	flow := NewFlow(1, ofp.Table(0))

	var installed []uint64
	flow.SetInstaller(func(f *Flow, dpid uint64) {
		installed = append(installed, dpid)
	})

	flow.RecordMiss(0x1, 7, ofp.PortNo(1), 42)
	require.NoError(t, flow.SetDecision(Unicast(ofp.PortNo(2)).IdleTimeout(30*time.Second)))

	flow.Activate()

	assert.Equal(t, StateActive, flow.State())
	assert.Equal(t, []uint64{0x1}, installed)
}

func TestFlowDisposableDecisionNeverActivates(t *testing.T) {
	flow := NewFlow(2, ofp.Table(0))
	flow.RecordMiss(0x1, 7, ofp.PortNo(1), 42)

	require.NoError(t, flow.SetDecision(Drop().Return()))
	flow.Activate()

	assert.Equal(t, StateEvicted, flow.State())
}

func TestFlowSetDecisionRefusedAfterActivation(t *testing.T) {
	flow := NewFlow(3, ofp.Table(0))
	require.NoError(t, flow.SetDecision(Broadcast()))
	flow.Activate()

	err := flow.SetDecision(Drop())
	assert.Error(t, err)
}

func TestFlowOnFlowRemovedTransitions(t *testing.T) {
	cases := []struct {
		reason ofp.FlowRemovedReason
		want   State
	}{
		{ofp.FlowReasonIdleTimeout, StateIdle},
		{ofp.FlowReasonHardTimeout, StateExpired},
		{ofp.FlowReasonDelete, StateEvicted},
		{ofp.FlowReasonGroupDelete, StateEvicted},
	}

	for _, c := range cases {
		flow := NewFlow(4, ofp.Table(0))
		got := flow.OnFlowRemoved(c.reason)
		assert.Equal(t, c.want, got)
		assert.Equal(t, c.want, flow.State())
	}
}

func TestFlowCompileActionsAppliesModsThenDecision(t *testing.T) {
	cases := []struct {
		name string
		ids  []FieldID
	}{
		{"single mod", []FieldID{FieldIDFromXM(ofp.XMTypeEthDst)}},
		{"two mods in insertion order", []FieldID{FieldIDFromXM(ofp.XMTypeEthDst), FieldIDFromXM(ofp.XMTypeEthSrc)}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			flow := NewFlow(5, ofp.Table(0))

			fields := make([]Field, len(c.ids))
			for i, id := range c.ids {
				fields[i] = Field{ID: id, Value: []byte{1, 2, 3, 4, 5, 6}}
			}
			mods := NewFieldSet(fields...)

			require.NoError(t, flow.SetMods(mods))
			require.NoError(t, flow.SetDecision(Unicast(ofp.PortNo(3))))

			actions := flow.CompileActions(0x1)
			require.Len(t, actions, len(c.ids)+1)

			for i, id := range c.ids {
				sf, isSetField := actions[i].(*ofp.ActionSetField)
				require.True(t, isSetField)
				assert.Equal(t, id.XMType(), sf.Field.Type)
			}

			out, isOutput := actions[len(c.ids)].(*ofp.ActionOutput)
			require.True(t, isOutput)
			assert.Equal(t, ofp.PortNo(3), out.Port)
		})
	}
}

func TestFlowHandleTableMissReactivatesWithoutHandler(t *testing.T) {
	flow := NewFlow(6, ofp.Table(0))
	require.NoError(t, flow.SetDecision(Unicast(ofp.PortNo(2)).IdleTimeout(30*time.Second)))
	flow.RecordMiss(0x1, ofp.NoBuffer, ofp.PortNo(1), 1)
	flow.Activate()
	require.Equal(t, StateActive, flow.State())

	var reinstalled int
	flow.SetInstaller(func(f *Flow, dpid uint64) { reinstalled++ })

	flow.HandleTableMiss(0x1, ofp.NoBuffer, ofp.PortNo(1), 2)
	assert.Equal(t, 1, reinstalled)
	assert.Equal(t, StateActive, flow.State())
}
