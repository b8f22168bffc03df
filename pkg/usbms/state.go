package usbms

import "fmt"

// State is a Bulk-Only Transport protocol state.
type State int

const (
	StateInit State = iota
	StateCommandTransport
	StateDataIn
	StateDataOut
	StateStatusTransport1st
	StateStatusTransport2nd
	StateDone
	StateResetRecovery
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateCommandTransport:
		return "COMMAND_TRANSPORT"
	case StateDataIn:
		return "DATA_IN"
	case StateDataOut:
		return "DATA_OUT"
	case StateStatusTransport1st:
		return "STATUS_TRANSPORT_1ST"
	case StateStatusTransport2nd:
		return "STATUS_TRANSPORT_2ND"
	case StateDone:
		return "DONE"
	case StateResetRecovery:
		return "RESET_RECOVERY"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is what the work of a state produced.
type Outcome int

const (
	// OutcomeOK: the state's transfer (if any) succeeded.
	OutcomeOK Outcome = iota
	// OutcomeTransferFailed: the transport failed the transfer.
	OutcomeTransferFailed
	// OutcomeNoData, OutcomeDataIn, OutcomeDataOut: the CBW went out and
	// announces the given data phase.
	OutcomeNoData
	OutcomeDataIn
	OutcomeDataOut
	// OutcomeInvalidCSW: a CSW arrived with a bad signature or tag.
	OutcomeInvalidCSW
	// OutcomePhaseError: a valid CSW reported a phase error.
	OutcomePhaseError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransferFailed:
		return "transfer failed"
	case OutcomeNoData:
		return "no data"
	case OutcomeDataIn:
		return "data in"
	case OutcomeDataOut:
		return "data out"
	case OutcomeInvalidCSW:
		return "invalid csw"
	case OutcomePhaseError:
		return "phase error"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Action is a side effect to run, in order, when taking a transition.
type Action int

const (
	ActionClearHaltIn Action = iota
	ActionClearHaltOut
	ActionMassStorageReset
	ActionPublish
)

func (a Action) String() string {
	switch a {
	case ActionClearHaltIn:
		return "clear-halt-in"
	case ActionClearHaltOut:
		return "clear-halt-out"
	case ActionMassStorageReset:
		return "mass-storage-reset"
	case ActionPublish:
		return "publish"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Transition returns the state following s given outcome o, and the
// actions to perform on the way. It has no side effects.
//
// Pairs that cannot occur in a well-behaved engine lead to
// StateResetRecovery, which always brings the device and the waiting
// caller back to a known point.
func Transition(s State, o Outcome) (State, []Action) {
	switch s {
	case StateInit:
		// A failed GET MAX LUN is not fatal: the device is treated as
		// having a single LUN.
		return StateCommandTransport, nil

	case StateCommandTransport:
		switch o {
		case OutcomeNoData:
			return StateStatusTransport1st, nil
		case OutcomeDataIn:
			return StateDataIn, nil
		case OutcomeDataOut:
			return StateDataOut, nil
		}

	case StateDataIn:
		switch o {
		case OutcomeOK:
			return StateStatusTransport1st, nil
		case OutcomeTransferFailed:
			return StateStatusTransport1st, []Action{ActionClearHaltIn}
		}

	case StateDataOut:
		switch o {
		case OutcomeOK:
			return StateStatusTransport1st, nil
		case OutcomeTransferFailed:
			return StateStatusTransport1st, []Action{ActionClearHaltOut}
		}

	case StateStatusTransport1st:
		switch o {
		case OutcomeOK:
			return StateDone, nil
		case OutcomeTransferFailed:
			// Only bulk-IN is cleared before the retry, whatever made the
			// first attempt fail.
			return StateStatusTransport2nd, []Action{ActionClearHaltIn}
		}

	case StateStatusTransport2nd:
		if o == OutcomeOK {
			return StateDone, nil
		}

	case StateDone:
		return StateCommandTransport, []Action{ActionPublish}

	case StateResetRecovery:
		return StateCommandTransport, []Action{
			ActionMassStorageReset,
			ActionClearHaltIn,
			ActionClearHaltOut,
			ActionPublish,
		}
	}
	return StateResetRecovery, nil
}
