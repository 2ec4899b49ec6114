package conversation

import "time"

// State is the engine's current conversational mode. Exactly one state is
// active at a time, and only the engine's owning task mutates it.
type State string

const (
	StateIdle              State = "idle"
	StateUserSpeaking      State = "user-speaking"
	StateAwaitingResponse  State = "awaiting-response"
	StateAssistantSpeaking State = "assistant-speaking"
	StateInterrupted       State = "interrupted"
	StateReconnecting      State = "reconnecting"
	StateTerminated        State = "terminated"
)

type UtteranceSource string

const (
	UtteranceSourceUser      UtteranceSource = "user"
	UtteranceSourceAssistant UtteranceSource = "assistant"
)

// Utterance is one continuous span of speech from a single source. At most
// one utterance per source may be open at any time; the session state
// determines which.
type Utterance struct {
	ID     string
	Source UtteranceSource
	// Seq increases monotonically across both sources for the lifetime of
	// the conversation.
	Seq       uint64
	StartedAt time.Time
	// EndedAt is nil while the utterance is in progress.
	EndedAt *time.Time
	// Interrupted marks an assistant utterance cut short by barge-in.
	Interrupted bool
}
