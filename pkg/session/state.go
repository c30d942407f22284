package session

// State is a device session's internal protocol state: the STARTUP
// phase (INFO→ENCRYPTED→SETUP→RECORD), the CONNECTED phase
// (CONNECTED/STREAMING/TEARDOWN), the FAILED phase (FAILED/AUTH), and
// the initial/terminal STOPPED state.
type State int

const (
	StateStopped State = iota
	StateInfo
	StateEncrypted
	StateSetup
	StateRecord
	StateConnected
	StateStreaming
	StateTeardown
	StateFailed
	StateAuth
)

var stateNames = [...]string{
	"STOPPED", "INFO", "ENCRYPTED", "SETUP", "RECORD",
	"CONNECTED", "STREAMING", "TEARDOWN", "FAILED", "AUTH",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Public is the coarse state reported to the player façade. Many
// internal States collapse onto the same Public value, e.g. every
// STARTUP state reports PublicStartup — the player never sees partial
// progress through the handshake.
type Public int

const (
	PublicStopped Public = iota
	PublicStartup
	PublicConnected
	PublicStreaming
	PublicPassword
	PublicFailed
)

var publicNames = [...]string{
	"STOPPED", "STARTUP", "CONNECTED", "STREAMING", "PASSWORD", "FAILED",
}

func (p Public) String() string {
	if p < 0 || int(p) >= len(publicNames) {
		return "UNKNOWN"
	}
	return publicNames[p]
}

// ToPublic collapses an internal State into the coarse Public state
// the callback surface reports.
func ToPublic(s State) Public {
	switch s {
	case StateStopped, StateTeardown:
		return PublicStopped
	case StateInfo, StateEncrypted, StateSetup, StateRecord:
		return PublicStartup
	case StateConnected:
		return PublicConnected
	case StateStreaming:
		return PublicStreaming
	case StateAuth:
		return PublicPassword
	default:
		return PublicFailed
	}
}
