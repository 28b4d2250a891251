package turn

// State is a session's position in the turn state machine.
//
//	Idle → Capturing → Transcribing → Routing → [Executing] → Generating → [Synthesizing] → Delivered → Idle
//
// Text turns enter at Routing and speak requests at Synthesizing. Every
// failure returns to Idle.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateTranscribing
	StateRouting
	StateExecuting
	StateGenerating
	StateSynthesizing
	StateDelivered
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateTranscribing:
		return "transcribing"
	case StateRouting:
		return "routing"
	case StateExecuting:
		return "executing"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
