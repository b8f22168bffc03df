package usbms

import (
	"slices"
	"testing"
)

func TestTransition(t *testing.T) {
	for _, tc := range []struct {
		from    State
		outcome Outcome
		to      State
		actions []Action
	}{
		{StateInit, OutcomeOK, StateCommandTransport, nil},
		{StateInit, OutcomeTransferFailed, StateCommandTransport, nil},

		{StateCommandTransport, OutcomeNoData, StateStatusTransport1st, nil},
		{StateCommandTransport, OutcomeDataIn, StateDataIn, nil},
		{StateCommandTransport, OutcomeDataOut, StateDataOut, nil},
		{StateCommandTransport, OutcomeTransferFailed, StateResetRecovery, nil},

		{StateDataIn, OutcomeOK, StateStatusTransport1st, nil},
		{StateDataIn, OutcomeTransferFailed, StateStatusTransport1st, []Action{ActionClearHaltIn}},
		{StateDataOut, OutcomeOK, StateStatusTransport1st, nil},
		{StateDataOut, OutcomeTransferFailed, StateStatusTransport1st, []Action{ActionClearHaltOut}},

		{StateStatusTransport1st, OutcomeOK, StateDone, nil},
		{StateStatusTransport1st, OutcomeTransferFailed, StateStatusTransport2nd, []Action{ActionClearHaltIn}},
		{StateStatusTransport1st, OutcomeInvalidCSW, StateResetRecovery, nil},
		{StateStatusTransport1st, OutcomePhaseError, StateResetRecovery, nil},

		{StateStatusTransport2nd, OutcomeOK, StateDone, nil},
		{StateStatusTransport2nd, OutcomeTransferFailed, StateResetRecovery, nil},
		{StateStatusTransport2nd, OutcomeInvalidCSW, StateResetRecovery, nil},
		{StateStatusTransport2nd, OutcomePhaseError, StateResetRecovery, nil},

		{StateDone, OutcomeOK, StateCommandTransport, []Action{ActionPublish}},
		{StateResetRecovery, OutcomeOK, StateCommandTransport, []Action{
			ActionMassStorageReset, ActionClearHaltIn, ActionClearHaltOut, ActionPublish,
		}},
	} {
		to, actions := Transition(tc.from, tc.outcome)
		if to != tc.to {
			t.Errorf("%s + %s: got %s, want %s", tc.from, tc.outcome, to, tc.to)
		}
		if !slices.Equal(actions, tc.actions) {
			t.Errorf("%s + %s: actions %v, want %v", tc.from, tc.outcome, actions, tc.actions)
		}
	}
}

// Every state must lead somewhere for every outcome, and only reset
// recovery and done may publish.
func TestTransitionTotal(t *testing.T) {
	for s := StateInit; s <= StateResetRecovery; s++ {
		for o := OutcomeOK; o <= OutcomePhaseError; o++ {
			to, actions := Transition(s, o)
			if to < StateInit || to > StateResetRecovery {
				t.Errorf("%s + %s: invalid target %s", s, o, to)
			}
			if slices.Contains(actions, ActionPublish) && s != StateDone && s != StateResetRecovery {
				t.Errorf("%s + %s publishes", s, o)
			}
		}
	}
}
