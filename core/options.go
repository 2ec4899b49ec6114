package conversation

import (
	"time"

	"github.com/tucavoice/tuca-core/core/realtime"
	"github.com/tucavoice/tuca-core/core/vad"
)

const (
	defaultEventQueueSize       = 64
	defaultAwaitResponseTimeout = 30 * time.Second
)

type engineOptions struct {
	gateOptions          []vad.GateOption
	eventQueueSize       int
	awaitResponseTimeout time.Duration

	callbacks engineCallbacks
}

type engineCallbacks struct {
	stateChanged     func(from State, to State)
	utteranceStarted func(utterance Utterance)
	utteranceEnded   func(utterance Utterance)
	responseText     func(delta string)
	assistantAudio   func(pcm []byte)
	serviceError     func(serviceErr realtime.ServiceError)
}

func defaultEngineOptions() engineOptions {
	return engineOptions{
		eventQueueSize:       defaultEventQueueSize,
		awaitResponseTimeout: defaultAwaitResponseTimeout,
	}
}

type Option func(*engineOptions)

// WithGateOptions configures the voice activity gate in front of capture.
func WithGateOptions(opts ...vad.GateOption) Option {
	return func(o *engineOptions) { o.gateOptions = append(o.gateOptions, opts...) }
}

// WithAwaitResponseTimeout bounds the wait between committing user input and
// the first sign of a response. Expiry is treated as a connection drop.
func WithAwaitResponseTimeout(timeout time.Duration) Option {
	return func(o *engineOptions) { o.awaitResponseTimeout = timeout }
}

func WithStateChangedCallback(callback func(from State, to State)) Option {
	return func(o *engineOptions) { o.callbacks.stateChanged = callback }
}

func WithUtteranceStartedCallback(callback func(utterance Utterance)) Option {
	return func(o *engineOptions) { o.callbacks.utteranceStarted = callback }
}

func WithUtteranceEndedCallback(callback func(utterance Utterance)) Option {
	return func(o *engineOptions) { o.callbacks.utteranceEnded = callback }
}

// WithResponseTextCallback receives assistant transcript deltas for the
// response currently playing. Stale deltas from cancelled responses are
// filtered out before this is called.
func WithResponseTextCallback(callback func(delta string)) Option {
	return func(o *engineOptions) { o.callbacks.responseText = callback }
}

// WithAssistantAudioCallback observes assistant audio as it is queued for
// playback, e.g. for recording. The engine plays the audio regardless.
func WithAssistantAudioCallback(callback func(pcm []byte)) Option {
	return func(o *engineOptions) { o.callbacks.assistantAudio = callback }
}

// WithServiceErrorCallback receives non-fatal errors reported by the remote
// service. Fatal errors terminate the conversation instead.
func WithServiceErrorCallback(callback func(serviceErr realtime.ServiceError)) Option {
	return func(o *engineOptions) { o.callbacks.serviceError = callback }
}
