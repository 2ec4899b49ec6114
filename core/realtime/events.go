// Package realtime defines the contract between the conversation engine and
// a remote speech-to-speech service: a dialable duplex session, a closed set
// of inbound events, and the out-of-band controls the engine sends. Concrete
// backends live in subpackages.
package realtime

import "time"

type EventKind string

const (
	// KindSessionConfigured confirms the remote accepted the session
	// configuration, persona included.
	KindSessionConfigured EventKind = "session-configured"
	// KindSpeechStarted and KindSpeechStopped relay the remote's own
	// speech detection over the user's input audio.
	KindSpeechStarted EventKind = "speech-started"
	KindSpeechStopped EventKind = "speech-stopped"
	// KindResponseStarted opens an assistant response. Every subsequent
	// audio delta for that response carries the same response id.
	KindResponseStarted EventKind = "response-started"
	// KindResponseAudioDelta carries one chunk of synthesized assistant
	// audio, already decoded to raw PCM.
	KindResponseAudioDelta EventKind = "response-audio-delta"
	// KindResponseTextDelta carries the transcript of the assistant audio as
	// it is synthesized.
	KindResponseTextDelta EventKind = "response-text-delta"
	// KindResponseCompleted closes an assistant response, whether it played
	// out fully or was cancelled.
	KindResponseCompleted EventKind = "response-completed"
	// KindError relays a service error. Errors tagged with a cancelled
	// response id act as cancel acknowledgments, not failures.
	KindError EventKind = "error"
)

// Event is one inbound message from the remote service. Events are consumed
// immediately by the engine and never persisted.
type Event struct {
	Kind       EventKind
	ResponseID string
	Audio      []byte
	Text       string
	Err        *ServiceError
	At         time.Time
}

// ServiceError is an error reported by the remote service inside the
// session, as opposed to a transport failure.
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

type ControlKind string

const (
	// ControlCommitInput marks the end of the user's turn; the accumulated
	// input audio becomes the prompt.
	ControlCommitInput ControlKind = "commit-input"
	// ControlCreateResponse asks the remote to start responding to the
	// committed input.
	ControlCreateResponse ControlKind = "create-response"
	// ControlCancelResponse cancels an in-flight response on barge-in. Best
	// effort: the local playback flush happens first, this only reconciles
	// the remote's bookkeeping.
	ControlCancelResponse ControlKind = "cancel-response"
)

type Control struct {
	Kind       ControlKind
	ResponseID string
}
