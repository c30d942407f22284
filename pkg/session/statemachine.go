package session

import (
	"context"

	"github.com/looplab/fsm"
)

// Event names mirror the arrows in the protocol state diagram.
const (
	evStart        = "start"
	evPairSuccess  = "pair_success"
	evSetupOK      = "setup_ok"
	evRecordOK     = "record_ok"
	evStream       = "stream"
	evFlush        = "flush"
	evFail         = "fail"
	evAuthRequired = "auth_required"
	evStop         = "stop"
	evTeardownDone = "teardown_done"
)

// newStateMachine builds the looplab/fsm graph enforcing invariant 6
// ("no session ever enters CONNECTED without passing through
// ENCRYPTED"): record_ok is only reachable from SETUP, which is only
// reachable from ENCRYPTED, which is only reachable from pair_success.
// onChange fires after every transition with the new State.
func newStateMachine(onChange func(State)) *fsm.FSM {
	startupFailSrc := []string{
		StateInfo.String(), StateEncrypted.String(), StateSetup.String(),
		StateRecord.String(), StateConnected.String(), StateStreaming.String(),
	}

	return fsm.NewFSM(
		StateStopped.String(),
		fsm.Events{
			{Name: evStart, Src: []string{StateStopped.String()}, Dst: StateInfo.String()},
			{Name: evPairSuccess, Src: []string{StateInfo.String(), StateAuth.String()}, Dst: StateEncrypted.String()},
			{Name: evSetupOK, Src: []string{StateEncrypted.String()}, Dst: StateSetup.String()},
			{Name: evRecordOK, Src: []string{StateSetup.String()}, Dst: StateConnected.String()},
			{Name: evStream, Src: []string{StateConnected.String()}, Dst: StateStreaming.String()},
			{Name: evFlush, Src: []string{StateStreaming.String()}, Dst: StateConnected.String()},
			{Name: evFail, Src: startupFailSrc, Dst: StateFailed.String()},
			{Name: evAuthRequired, Src: []string{StateInfo.String(), StateEncrypted.String()}, Dst: StateAuth.String()},
			{Name: evStop, Src: []string{
				StateConnected.String(), StateStreaming.String(), StateFailed.String(), StateAuth.String(),
			}, Dst: StateTeardown.String()},
			{Name: evTeardownDone, Src: []string{StateTeardown.String()}, Dst: StateStopped.String()},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if onChange != nil {
					onChange(parseState(e.Dst))
				}
			},
		},
	)
}

func parseState(s string) State {
	for st := StateStopped; st <= StateAuth; st++ {
		if st.String() == s {
			return st
		}
	}
	return StateFailed
}
