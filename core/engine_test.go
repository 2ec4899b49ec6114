package conversation

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tucavoice/tuca-core/core/audio"
	"github.com/tucavoice/tuca-core/core/realtime"
	"github.com/tucavoice/tuca-core/core/vad"
)

type fakeSource struct{}

func (s *fakeSource) EncodingInfo() audio.EncodingInfo { return audio.GetDefaultEncodingInfo() }

func (s *fakeSource) Stream(ctx context.Context, onAudio func(audio []byte)) error {
	<-ctx.Done()
	return nil
}

func (s *fakeSource) Close() {}

type fakeSink struct {
	mu      sync.Mutex
	chunks  [][]byte
	cleared int
}

func (s *fakeSink) EncodingInfo() audio.EncodingInfo { return audio.GetDefaultEncodingInfo() }

func (s *fakeSink) SendAudio(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, audio)
	return nil
}

func (s *fakeSink) ClearBuffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
}

func (s *fakeSink) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *fakeSink) clearedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

type fakeSession struct {
	mu       sync.Mutex
	audio    [][]byte
	controls []realtime.Control

	events chan realtime.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan realtime.Event, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, pcm)
	return nil
}

func (s *fakeSession) SendControl(control realtime.Control) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, control)
	return nil
}

func (s *fakeSession) Events() <-chan realtime.Event { return s.events }

func (s *fakeSession) DroppedFrames() uint64 { return 0 }

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) emit(event realtime.Event) { s.events <- event }

func (s *fakeSession) dropConnection() { close(s.events) }

func (s *fakeSession) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func (s *fakeSession) recordedControls() []realtime.Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.Control(nil), s.controls...)
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// loudChunk builds 20 ms of a constant-amplitude signal, well above any
// reasonable activity threshold.
func loudChunk() []byte {
	encoding := audio.GetDefaultEncodingInfo()
	samples := encoding.SampleRate / 50
	chunk := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(int16(8000)))
	}
	return chunk
}

func startEngine(t *testing.T, opts ...Option) (*Engine, *fakeSession, *fakeSink, func() error) {
	t.Helper()

	sink := &fakeSink{}
	engine := NewEngine(&fakeSource{}, sink, opts...)
	session := newFakeSession()

	ctx, cancel := context.WithCancel(context.Background())
	engine.startPumps(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- engine.run(ctx, session) }()

	stop := func() error {
		cancel()
		err := <-runErr
		return err
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-runErr:
		case <-time.After(time.Second):
		}
		engine.shutdown()
	})

	return engine, session, sink, stop
}

func speechStart() engineEvent {
	return engineEvent{gate: &vad.Event{Kind: vad.KindSpeechStart}}
}

func speechStop() engineEvent {
	return engineEvent{gate: &vad.Event{Kind: vad.KindSpeechStop}}
}

func TestUserTurnCommitsInputAndRequestsResponse(t *testing.T) {
	engine, session, _, _ := startEngine(t)

	engine.enqueue(speechStart())
	waitFor(t, time.Second, func() bool { return engine.State() == StateUserSpeaking })

	engine.enqueue(speechStop())
	waitFor(t, time.Second, func() bool { return engine.State() == StateAwaitingResponse })

	controls := session.recordedControls()
	if len(controls) != 2 {
		t.Fatalf("expected commit and create controls, got %+v", controls)
	}
	if controls[0].Kind != realtime.ControlCommitInput {
		t.Fatalf("expected commit first, got %s", controls[0].Kind)
	}
	if controls[1].Kind != realtime.ControlCreateResponse {
		t.Fatalf("expected create second, got %s", controls[1].Kind)
	}

	session.emit(realtime.Event{Kind: realtime.KindResponseStarted, ResponseID: "r1"})
	waitFor(t, time.Second, func() bool { return engine.State() == StateAssistantSpeaking })

	session.emit(realtime.Event{Kind: realtime.KindResponseCompleted, ResponseID: "r1"})
	waitFor(t, time.Second, func() bool { return engine.State() == StateIdle })
}

func TestBargeInFlushesPlaybackAndCancelsResponse(t *testing.T) {
	engine, session, sink, stop := startEngine(t)

	session.emit(realtime.Event{Kind: realtime.KindResponseStarted, ResponseID: "r1"})
	session.emit(realtime.Event{Kind: realtime.KindResponseAudioDelta, ResponseID: "r1", Audio: []byte{1, 2}})
	waitFor(t, time.Second, func() bool { return sink.chunkCount() == 1 })

	engine.enqueue(speechStart())
	waitFor(t, time.Second, func() bool { return engine.State() == StateInterrupted })

	if sink.clearedCount() == 0 {
		t.Fatalf("expected playback buffer to be cleared on barge-in")
	}

	var cancelled []realtime.Control
	for _, control := range session.recordedControls() {
		if control.Kind == realtime.ControlCancelResponse {
			cancelled = append(cancelled, control)
		}
	}
	if len(cancelled) != 1 || cancelled[0].ResponseID != "r1" {
		t.Fatalf("expected one cancel for r1, got %+v", cancelled)
	}

	// Stale audio for the cancelled response must not reach the speaker.
	session.emit(realtime.Event{Kind: realtime.KindResponseAudioDelta, ResponseID: "r1", Audio: []byte{3, 4}})
	session.emit(realtime.Event{Kind: realtime.KindResponseCompleted, ResponseID: "r1"})
	waitFor(t, time.Second, func() bool { return engine.State() == StateUserSpeaking })

	if err := stop(); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if engine.staleAudioDropped != 1 {
		t.Fatalf("expected one stale audio delta dropped, got %d", engine.staleAudioDropped)
	}
	if sink.chunkCount() != 1 {
		t.Fatalf("expected no audio past the barge-in, got %d chunks", sink.chunkCount())
	}
}

func TestUtteranceFramesForwardToSessionDuringInterruption(t *testing.T) {
	engine, session, _, _ := startEngine(t,
		WithGateOptions(
			vad.WithActivityThreshold(0.01),
			vad.WithMinUtterance(40*time.Millisecond),
			vad.WithHangover(100*time.Millisecond),
		),
	)

	session.emit(realtime.Event{Kind: realtime.KindResponseStarted, ResponseID: "r1"})
	waitFor(t, time.Second, func() bool { return engine.State() == StateAssistantSpeaking })

	// The user talks over the assistant; the frames must keep flowing to the
	// service while the cancel is still in flight.
	for i := 0; i < 5; i++ {
		engine.handleCapturedAudio(loudChunk())
	}

	waitFor(t, time.Second, func() bool { return engine.State() == StateInterrupted })
	waitFor(t, time.Second, func() bool { return session.audioCount() >= 3 })
}

func TestResponseStartedForSupersededInputIsCancelled(t *testing.T) {
	engine, session, _, _ := startEngine(t)

	engine.enqueue(speechStart())
	engine.enqueue(speechStop())
	waitFor(t, time.Second, func() bool { return engine.State() == StateAwaitingResponse })

	// The user resumes before the response arrives.
	engine.enqueue(speechStart())
	waitFor(t, time.Second, func() bool { return engine.State() == StateUserSpeaking })

	session.emit(realtime.Event{Kind: realtime.KindResponseStarted, ResponseID: "r2"})
	waitFor(t, time.Second, func() bool {
		for _, control := range session.recordedControls() {
			if control.Kind == realtime.ControlCancelResponse && control.ResponseID == "r2" {
				return true
			}
		}
		return false
	})

	if engine.State() != StateUserSpeaking {
		t.Fatalf("expected to stay in user-speaking, got %s", engine.State())
	}
}

func TestConnectionDropUnwindsRun(t *testing.T) {
	sink := &fakeSink{}
	engine := NewEngine(&fakeSource{}, sink)
	session := newFakeSession()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.startPumps(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- engine.run(ctx, session) }()

	session.dropConnection()

	select {
	case err := <-runErr:
		if !realtime.IsRetryable(err) {
			t.Fatalf("expected a retryable error on connection drop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after connection drop")
	}

	engine.noteDisconnected()
	if engine.State() != StateReconnecting {
		t.Fatalf("expected reconnecting state, got %s", engine.State())
	}
	engine.shutdown()
}

func TestAwaitTimeoutReturnsTimeoutError(t *testing.T) {
	sink := &fakeSink{}
	engine := NewEngine(&fakeSource{}, sink, WithAwaitResponseTimeout(20*time.Millisecond))
	session := newFakeSession()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.startPumps(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- engine.run(ctx, session) }()

	engine.enqueue(speechStart())
	engine.enqueue(speechStop())

	select {
	case err := <-runErr:
		var timeoutErr *realtime.TimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("expected timeout error, got %v", err)
		}
		if !realtime.IsRetryable(err) {
			t.Fatalf("expected timeout to be retryable")
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after await timeout")
	}
	engine.shutdown()
}

func TestGateResetAfterDisconnectHappensOnCaptureSchedule(t *testing.T) {
	engine := NewEngine(&fakeSource{}, &fakeSink{},
		WithGateOptions(
			vad.WithActivityThreshold(0.01),
			vad.WithMinUtterance(40*time.Millisecond),
			vad.WithHangover(100*time.Millisecond),
		),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.startPumps(ctx)
	defer engine.shutdown()

	// Capture keeps running while a drop is handled; the reset request must
	// never touch the gate from outside the capture callback.
	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		for i := 0; i < 500; i++ {
			engine.handleCapturedAudio(loudChunk())
		}
	}()
	for i := 0; i < 100; i++ {
		engine.noteDisconnected()
	}
	<-captureDone

	// A pending reset is applied by the next capture callback.
	engine.gateReset.Store(true)
	engine.handleCapturedAudio(loudChunk())
	if engine.gateReset.Load() {
		t.Fatalf("expected the capture callback to apply the pending gate reset")
	}
}

func TestServiceErrorForCancelledResponseActsAsAcknowledgment(t *testing.T) {
	engine, session, _, _ := startEngine(t)

	session.emit(realtime.Event{Kind: realtime.KindResponseStarted, ResponseID: "r1"})
	waitFor(t, time.Second, func() bool { return engine.State() == StateAssistantSpeaking })

	engine.enqueue(speechStart())
	waitFor(t, time.Second, func() bool { return engine.State() == StateInterrupted })

	// Cancelling an already-finished response comes back as an error; it must
	// settle the interruption the same way a completion would.
	session.emit(realtime.Event{
		Kind:       realtime.KindError,
		ResponseID: "r1",
		Err:        &realtime.ServiceError{Code: "response_cancel_not_active", Message: "no active response"},
	})
	waitFor(t, time.Second, func() bool { return engine.State() == StateUserSpeaking })
}
