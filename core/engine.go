// Package conversation runs a full-duplex voice conversation: microphone
// capture gated by local voice activity detection, a remote speech-to-speech
// session, and speaker playback, with barge-in interruption in between.
//
// All conversational state lives in a single event loop. Capture callbacks
// and transport reads never touch it directly; they funnel events through a
// bounded queue that one goroutine consumes.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tucavoice/tuca-core/core/audio"
	"github.com/tucavoice/tuca-core/core/realtime"
	"github.com/tucavoice/tuca-core/core/vad"
)

var errConnectionDropped = errors.New("connection dropped")

// engineEvent is one item on the engine's queue: a gate transition or a
// failure that must unwind the running session. Transport events arrive on
// the session's own channel.
type engineEvent struct {
	gate *vad.Event
	err  error
}

// sessionBox wraps the live session so the capture thread can swap it
// atomically during reconnects.
type sessionBox struct {
	session realtime.Session
}

// Engine owns the conversation state machine. It is driven by a Supervisor,
// which dials sessions and calls run once per connection.
type Engine struct {
	options engineOptions

	source audio.Source
	sink   audio.Sink
	gate   *vad.Gate

	playback *playbackPump
	queue    chan engineEvent

	// sessionRef is read by the capture thread to forward utterance frames;
	// it holds an empty box while no session is live.
	sessionRef atomic.Pointer[sessionBox]

	stateMu sync.Mutex
	state   State

	// Everything below is owned by the loop goroutine.
	utteranceSeq        uint64
	userUtterance       *Utterance
	assistantUtterance  *Utterance
	activeResponseID    string
	cancelledResponseID string
	staleAudioDropped   uint64

	awaitTimer   *time.Timer
	awaitExpired <-chan time.Time

	captureEncoding audio.EncodingInfo
	captureSeq      uint64
	captureOffset   time.Duration

	// gateReset asks the capture callback to reset the gate before the next
	// frame. The gate is owned by the capture thread; nothing else may touch
	// it directly.
	gateReset atomic.Bool

	pumpsStarted bool
	shutdownOnce sync.Once
	queueDropped atomic.Uint64
}

func NewEngine(source audio.Source, sink audio.Sink, opts ...Option) *Engine {
	options := defaultEngineOptions()
	for _, opt := range opts {
		opt(&options)
	}

	e := &Engine{
		options: options,
		source:  source,
		sink:    sink,
		gate:    vad.NewGate(options.gateOptions...),
		queue:   make(chan engineEvent, options.eventQueueSize),
		state:   StateIdle,
	}
	e.playback = newPlaybackPump(sink, func(err error) {
		e.enqueue(engineEvent{err: err})
	})
	e.sessionRef.Store(&sessionBox{})
	return e
}

// State reports the current conversational state. Safe to call from any
// goroutine.
func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) setState(to State) {
	e.stateMu.Lock()
	from := e.state
	e.state = to
	e.stateMu.Unlock()

	if from == to {
		return
	}
	stateTransitions.Add(context.Background(), 1)
	logger.Debug("Conversation state changed", "from", string(from), "to", string(to))
	if e.options.callbacks.stateChanged != nil {
		e.options.callbacks.stateChanged(from, to)
	}
}

// startPumps launches capture and playback. Capture failures unwind through
// the event queue; the devices stay up across reconnects.
func (e *Engine) startPumps(ctx context.Context) {
	if e.pumpsStarted {
		return
	}
	e.pumpsStarted = true

	e.captureEncoding = e.source.EncodingInfo()

	go e.playback.Run()
	go func() {
		err := e.source.Stream(ctx, e.handleCapturedAudio)
		if err != nil && ctx.Err() == nil {
			e.enqueue(engineEvent{err: &audio.DeviceError{Device: "capture", Err: err}})
		}
	}()
}

// handleCapturedAudio runs on the device's capture schedule. Utterance frames
// go straight to the live session, which never blocks; gate transitions go
// through the queue to the loop.
func (e *Engine) handleCapturedAudio(chunk []byte) {
	if e.gateReset.CompareAndSwap(true, false) {
		e.gate.Reset()
	}

	data := make([]byte, len(chunk))
	copy(data, chunk)

	frame := audio.Frame{
		Data:     data,
		Time:     e.captureOffset,
		Seq:      e.captureSeq,
		Encoding: e.captureEncoding,
	}
	e.captureSeq++
	e.captureOffset += frame.Duration()

	for _, event := range e.gate.Push(frame) {
		switch event.Kind {
		case vad.KindFrame:
			if session := e.sessionRef.Load().session; session != nil {
				if err := session.SendAudio(event.Frame.Data); err != nil &&
					!errors.Is(err, realtime.ErrSessionClosed) {
					logger.Warn("Failed to forward capture frame", "error", err)
				}
			}
		default:
			event := event
			e.enqueue(engineEvent{gate: &event})
		}
	}
}

// enqueue never blocks: a full queue drops its oldest item to make room, so a
// stalled loop cannot back-pressure the capture thread.
func (e *Engine) enqueue(item engineEvent) {
	for {
		select {
		case e.queue <- item:
			return
		default:
		}

		select {
		case <-e.queue:
			e.queueDropped.Add(1)
			queueDroppedEvents.Add(context.Background(), 1)
		default:
		}
	}
}

// run drives the state machine over one live session. It returns nil when the
// context ends, a retryable error when the connection drops or a response
// times out, and a fatal error otherwise.
func (e *Engine) run(ctx context.Context, session realtime.Session) error {
	e.sessionRef.Store(&sessionBox{session: session})
	defer e.sessionRef.Store(&sessionBox{})
	defer e.disarmAwait()

	events := session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-e.awaitExpired:
			return &realtime.TimeoutError{Op: "awaiting response", After: e.options.awaitResponseTimeout}

		case item := <-e.queue:
			if item.err != nil {
				return item.err
			}
			if item.gate != nil {
				if err := e.handleGateEvent(session, *item.gate); err != nil {
					return err
				}
			}

		case event, ok := <-events:
			if !ok {
				return &realtime.ConnectError{Err: errConnectionDropped}
			}
			if err := e.handleTransportEvent(session, event); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleGateEvent(session realtime.Session, event vad.Event) error {
	switch event.Kind {
	case vad.KindSpeechStart:
		return e.handleSpeechStart(session)
	case vad.KindSpeechStop:
		return e.handleSpeechStop(session)
	}
	return nil
}

func (e *Engine) handleSpeechStart(session realtime.Session) error {
	switch e.State() {
	case StateIdle:
		e.userUtterance = e.startUtterance(UtteranceSourceUser)
		e.setState(StateUserSpeaking)

	case StateAwaitingResponse:
		// The user resumed before the response arrived; the committed input
		// is superseded. The response gets cancelled the moment it starts.
		e.disarmAwait()
		e.userUtterance = e.startUtterance(UtteranceSourceUser)
		e.setState(StateUserSpeaking)

	case StateAssistantSpeaking:
		// Barge-in. Local playback stops before anything crosses the network.
		e.playback.Flush()
		e.cancelledResponseID = e.activeResponseID
		e.activeResponseID = ""
		e.endUtterance(&e.assistantUtterance, true)

		cancel := realtime.Control{Kind: realtime.ControlCancelResponse, ResponseID: e.cancelledResponseID}
		if err := session.SendControl(cancel); err != nil {
			// Best effort: id filtering discards whatever keeps streaming.
			logger.Warn("Failed to cancel response", "responseID", e.cancelledResponseID, "error", err)
		}

		e.userUtterance = e.startUtterance(UtteranceSourceUser)
		e.setState(StateInterrupted)
	}
	return nil
}

func (e *Engine) handleSpeechStop(session realtime.Session) error {
	switch e.State() {
	case StateUserSpeaking, StateInterrupted:
		e.endUtterance(&e.userUtterance, false)

		if err := session.SendControl(realtime.Control{Kind: realtime.ControlCommitInput}); err != nil {
			return &realtime.ConnectError{Err: fmt.Errorf("failed to commit input: %w", err)}
		}
		if err := session.SendControl(realtime.Control{Kind: realtime.ControlCreateResponse}); err != nil {
			return &realtime.ConnectError{Err: fmt.Errorf("failed to request response: %w", err)}
		}

		e.armAwait()
		e.setState(StateAwaitingResponse)
	}
	return nil
}

func (e *Engine) handleTransportEvent(session realtime.Session, event realtime.Event) error {
	switch event.Kind {
	case realtime.KindSessionConfigured:
		logger.Debug("Session configured")

	case realtime.KindResponseStarted:
		e.handleResponseStarted(session, event.ResponseID)

	case realtime.KindResponseAudioDelta:
		if event.ResponseID != "" && event.ResponseID == e.activeResponseID {
			e.playback.Push(event.Audio)
			if e.options.callbacks.assistantAudio != nil {
				e.options.callbacks.assistantAudio(event.Audio)
			}
		} else {
			e.staleAudioDropped++
			staleAudioDeltas.Add(context.Background(), 1)
		}

	case realtime.KindResponseTextDelta:
		if event.ResponseID != "" && event.ResponseID == e.activeResponseID {
			if e.options.callbacks.responseText != nil {
				e.options.callbacks.responseText(event.Text)
			}
		}

	case realtime.KindResponseCompleted:
		e.handleResponseCompleted(event.ResponseID)

	case realtime.KindSpeechStarted, realtime.KindSpeechStopped:
		// Remote voice activity hints; turn-taking is decided locally.

	case realtime.KindError:
		return e.handleServiceError(event)
	}
	return nil
}

func (e *Engine) handleResponseStarted(session realtime.Session, responseID string) {
	if responseID == e.cancelledResponseID {
		return
	}

	switch e.State() {
	case StateAwaitingResponse:
		e.disarmAwait()
		e.activeResponseID = responseID
		e.assistantUtterance = e.startUtterance(UtteranceSourceAssistant)
		e.setState(StateAssistantSpeaking)

	case StateUserSpeaking, StateInterrupted:
		// A response for input the user has already superseded.
		e.cancelledResponseID = responseID
		cancel := realtime.Control{Kind: realtime.ControlCancelResponse, ResponseID: responseID}
		if err := session.SendControl(cancel); err != nil {
			logger.Warn("Failed to cancel superseded response", "responseID", responseID, "error", err)
		}

	case StateIdle:
		// Service-initiated response, e.g. a greeting.
		e.activeResponseID = responseID
		e.assistantUtterance = e.startUtterance(UtteranceSourceAssistant)
		e.setState(StateAssistantSpeaking)
	}
}

func (e *Engine) handleResponseCompleted(responseID string) {
	if responseID != "" && responseID == e.cancelledResponseID {
		// Cancel acknowledged; stale deltas can no longer arrive for this id.
		e.cancelledResponseID = ""
		if e.State() == StateInterrupted {
			e.setState(StateUserSpeaking)
		}
		return
	}

	if responseID != "" && responseID == e.activeResponseID {
		e.endUtterance(&e.assistantUtterance, false)
		e.activeResponseID = ""
		if e.State() == StateAssistantSpeaking {
			e.setState(StateIdle)
		}
	}
}

func (e *Engine) handleServiceError(event realtime.Event) error {
	if event.Err == nil {
		return nil
	}

	if event.Err.Code == "protocol" {
		return &realtime.ProtocolError{Code: event.Err.Code, Message: event.Err.Message}
	}

	// Cancelling a response that already finished is reported as an error;
	// treat it as the acknowledgment.
	if event.ResponseID != "" && event.ResponseID == e.cancelledResponseID {
		e.handleResponseCompleted(event.ResponseID)
		return nil
	}

	logger.Warn("Service reported error", "code", event.Err.Code, "message", event.Err.Message)
	if e.options.callbacks.serviceError != nil {
		e.options.callbacks.serviceError(*event.Err)
	}
	return nil
}

// noteDisconnected clears per-connection state after a retryable drop. Open
// utterances are discarded as incomplete; queued playback from the dead
// session is flushed.
func (e *Engine) noteDisconnected() {
	e.disarmAwait()
	e.playback.Flush()
	e.gateReset.Store(true)
	e.userUtterance = nil
	e.assistantUtterance = nil
	e.activeResponseID = ""
	e.cancelledResponseID = ""
	e.setState(StateReconnecting)
}

// shutdown stops the pumps. The devices themselves belong to the caller that
// opened them. Idempotent.
func (e *Engine) shutdown() {
	e.shutdownOnce.Do(func() {
		e.playback.Flush()
		e.playback.Stop()
		e.setState(StateTerminated)
	})
}

func (e *Engine) armAwait() {
	e.disarmAwait()
	e.awaitTimer = time.NewTimer(e.options.awaitResponseTimeout)
	e.awaitExpired = e.awaitTimer.C
}

func (e *Engine) disarmAwait() {
	if e.awaitTimer != nil {
		e.awaitTimer.Stop()
		e.awaitTimer = nil
		e.awaitExpired = nil
	}
}

func (e *Engine) startUtterance(source UtteranceSource) *Utterance {
	e.utteranceSeq++
	utterance := &Utterance{
		ID:        uuid.NewString(),
		Source:    source,
		Seq:       e.utteranceSeq,
		StartedAt: time.Now(),
	}
	if e.options.callbacks.utteranceStarted != nil {
		e.options.callbacks.utteranceStarted(*utterance)
	}
	return utterance
}

func (e *Engine) endUtterance(utterance **Utterance, interrupted bool) {
	if *utterance == nil {
		return
	}
	now := time.Now()
	(*utterance).EndedAt = &now
	(*utterance).Interrupted = interrupted
	if e.options.callbacks.utteranceEnded != nil {
		e.options.callbacks.utteranceEnded(**utterance)
	}
	*utterance = nil
}
