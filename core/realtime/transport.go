package realtime

import (
	"context"

	"github.com/tucavoice/tuca-core/core/audio"
)

// PersonaConfig is the session configuration sent to the remote service on
// every open. It is immutable for the lifetime of a conversation: a
// reconnected session must carry the exact same persona, or the assistant
// silently changes character mid-conversation.
type PersonaConfig struct {
	// Instructions is the opaque system prompt defining the assistant.
	Instructions string
	// Voice selects the synthesized voice, interpreted by the backend.
	Voice string
	// Encoding is the PCM format for both input and output audio.
	Encoding audio.EncodingInfo
}

// Dialer establishes sessions against one remote conversational service.
// Each successful Dial yields an independent live session; reconnecting
// means dialing again with the same persona.
type Dialer interface {
	Dial(ctx context.Context, persona PersonaConfig) (Session, error)
}

// Session is one live duplex connection.
//
// SendAudio never blocks on network stalls: outbound frames are buffered up
// to a bounded queue and the oldest frame is dropped when it overflows,
// counted by DroppedFrames. Events terminates when the connection drops or
// the session is closed. Close is idempotent and releases the underlying
// connection on every path.
type Session interface {
	SendAudio(audio []byte) error
	SendControl(control Control) error
	Events() <-chan Event
	DroppedFrames() uint64
	Close() error
}
