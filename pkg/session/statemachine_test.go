package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineReachesConnectedOnlyThroughEncrypted(t *testing.T) {
	ctx := context.Background()
	var seen []State
	sm := newStateMachine(func(s State) { seen = append(seen, s) })

	require.NoError(t, sm.Event(ctx, evStart))
	require.NoError(t, sm.Event(ctx, evPairSuccess))
	require.NoError(t, sm.Event(ctx, evSetupOK))
	require.NoError(t, sm.Event(ctx, evRecordOK))

	assert.Equal(t, []State{StateInfo, StateEncrypted, StateSetup, StateConnected}, seen)
}

func TestStateMachineRejectsRecordOKWithoutEncryption(t *testing.T) {
	ctx := context.Background()
	sm := newStateMachine(nil)

	require.NoError(t, sm.Event(ctx, evStart))
	// setup_ok is only reachable from ENCRYPTED, never directly from INFO.
	assert.Error(t, sm.Event(ctx, evSetupOK))
	assert.Error(t, sm.Event(ctx, evRecordOK))
}

func TestStateMachineFailIsUnreachableFromAuth(t *testing.T) {
	ctx := context.Background()
	sm := newStateMachine(nil)

	require.NoError(t, sm.Event(ctx, evStart))
	require.NoError(t, sm.Event(ctx, evAuthRequired))
	assert.Equal(t, StateAuth.String(), sm.Current())

	// AUTH ends via pair_success (a completed PIN pairing) or stop;
	// fail has no edge out of AUTH.
	assert.Error(t, sm.Event(ctx, evFail))
}

func TestStateMachineStopUnreachableFromStoppedAndTeardown(t *testing.T) {
	ctx := context.Background()
	sm := newStateMachine(nil)

	assert.Equal(t, StateStopped.String(), sm.Current())
	assert.Error(t, sm.Event(ctx, evStop))

	require.NoError(t, sm.Event(ctx, evStart))
	require.NoError(t, sm.Event(ctx, evPairSuccess))
	require.NoError(t, sm.Event(ctx, evSetupOK))
	require.NoError(t, sm.Event(ctx, evRecordOK))
	require.NoError(t, sm.Event(ctx, evStop))
	assert.Equal(t, StateTeardown.String(), sm.Current())

	// A second stop while already tearing down has no edge either.
	assert.Error(t, sm.Event(ctx, evStop))
}

func TestStateMachineFlushReturnsToConnected(t *testing.T) {
	ctx := context.Background()
	sm := newStateMachine(nil)

	require.NoError(t, sm.Event(ctx, evStart))
	require.NoError(t, sm.Event(ctx, evPairSuccess))
	require.NoError(t, sm.Event(ctx, evSetupOK))
	require.NoError(t, sm.Event(ctx, evRecordOK))
	require.NoError(t, sm.Event(ctx, evStream))
	assert.Equal(t, StateStreaming.String(), sm.Current())

	require.NoError(t, sm.Event(ctx, evFlush))
	assert.Equal(t, StateConnected.String(), sm.Current())
}

func TestToPublicCollapsesStartupStates(t *testing.T) {
	for _, s := range []State{StateInfo, StateEncrypted, StateSetup, StateRecord} {
		assert.Equal(t, PublicStartup, ToPublic(s))
	}
	assert.Equal(t, PublicConnected, ToPublic(StateConnected))
	assert.Equal(t, PublicStreaming, ToPublic(StateStreaming))
	assert.Equal(t, PublicPassword, ToPublic(StateAuth))
	assert.Equal(t, PublicStopped, ToPublic(StateStopped))
	assert.Equal(t, PublicStopped, ToPublic(StateTeardown))
	assert.Equal(t, PublicFailed, ToPublic(StateFailed))
}

func TestParseStateRoundTrips(t *testing.T) {
	for st := StateStopped; st <= StateAuth; st++ {
		assert.Equal(t, st, parseState(st.String()))
	}
	assert.Equal(t, StateFailed, parseState("not-a-real-state"))
}
