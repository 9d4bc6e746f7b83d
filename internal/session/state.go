package session

// State is the session lifecycle state.
type State string

const (
	// StateConnecting is the initial state before the handshake completes.
	StateConnecting State = "connecting"

	// StateAwaitingConfigure follows a successful authenticate frame.
	StateAwaitingConfigure State = "awaiting-configure"

	// StateConfigured means the agent is built and links are up.
	StateConfigured State = "configured"

	// StateListening means mic audio flows to STT and no turn is in flight.
	StateListening State = "listening"

	// StateThinking means a turn is in flight and the LLM is working.
	StateThinking State = "thinking"

	// StateSpeaking means synthesized audio is streaming to the browser.
	StateSpeaking State = "speaking"

	// StateClosed is terminal: the session is torn down.
	StateClosed State = "closed"

	// StateError is terminal: the session died on a fatal upstream error.
	StateError State = "error"
)

// legalTransitions enumerates the expected state machine edges. Transitions
// outside this set are coerced anyway; the map only drives a warning log.
var legalTransitions = map[State][]State{
	StateConnecting:        {StateAwaitingConfigure, StateClosed, StateError},
	StateAwaitingConfigure: {StateConfigured, StateClosed, StateError},
	StateConfigured:        {StateSpeaking, StateListening, StateClosed, StateError},
	StateListening:         {StateThinking, StateListening, StateClosed, StateError},
	StateThinking:          {StateSpeaking, StateListening, StateClosed, StateError},
	StateSpeaking:          {StateListening, StateClosed, StateError},
	StateClosed:            {},
	StateError:             {},
}

// canTransition reports whether from → to is an expected edge.
func canTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
