package coordinator

import "strconv"

// Phase is the coordinator's operation-phase indicator, meant for UI
// feedback. It is single-writer: only the coordinator mutates it, around
// its own device calls.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpening
	PhaseClosing
	PhaseVerifying
	PhaseConfirmed
	PhaseError
	PhaseScanning
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseConnecting:
		return "Connecting"
	case PhaseOpening:
		return "Opening"
	case PhaseClosing:
		return "Closing"
	case PhaseVerifying:
		return "Verifying"
	case PhaseConfirmed:
		return "Confirmed"
	case PhaseError:
		return "Error"
	case PhaseScanning:
		return "Scanning"
	default:
		panic("unknown Phase value: " + strconv.Itoa(int(p)))
	}
}
