package bridge

// State is a ProtocolStateMachine position. States only move forward.
type State int

const (
	StateInit State = iota
	StateSetupSent
	StateDataRequested
	StateAwaitingSaleData
	StateAwaitingTerminal
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSetupSent:
		return "SETUP_SENT"
	case StateDataRequested:
		return "DATA_REQUESTED"
	case StateAwaitingSaleData:
		return "AWAITING_SALE_DATA"
	case StateAwaitingTerminal:
		return "AWAITING_TERMINAL"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// acceptsSaleData reports whether a DATA reply is expected in this state
func (s State) acceptsSaleData() bool {
	return s == StateDataRequested || s == StateAwaitingSaleData
}

// Result tags how a CLOSING machine ends
type Result int

const (
	ResultNone Result = iota
	ResultAccepted
	ResultExited
)

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "ACCEPTED"
	case ResultExited:
		return "EXITED"
	default:
		return "NONE"
	}
}
