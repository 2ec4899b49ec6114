// Package vad implements an energy-based voice activity gate. The gate is a
// pure transform: it consumes capture frames and emits tagged events that
// tell the conversation engine when user speech starts, which frames belong
// to the utterance, and when trailing silence ends it.
package vad

import (
	"math"
	"time"

	"github.com/tucavoice/tuca-core/core/audio"
)

type EventKind string

const (
	// KindFrame passes an utterance frame through to downstream consumers.
	// Frames outside an utterance produce no events at all.
	KindFrame EventKind = "frame"
	// KindSpeechStart marks the confirmed beginning of a user utterance. It
	// carries the timestamp of the first voiced frame, which precedes the
	// moment of confirmation by up to the minimum utterance length.
	KindSpeechStart EventKind = "speech-start"
	// KindSpeechStop marks the end of an utterance after the hangover window
	// elapsed with no qualifying frame.
	KindSpeechStop EventKind = "speech-stop"
)

type Event struct {
	Kind  EventKind
	Frame audio.Frame
	At    time.Duration
}

type gateState string

const (
	stateSilence   gateState = "silence"
	stateCandidate gateState = "candidate"
	stateSpeech    gateState = "speech"
)

// Gate classifies frames as speech or silence. Not safe for concurrent use;
// a gate belongs to a single capture stream.
type Gate struct {
	options GateOptions

	state gateState

	// pending buffers candidate frames until the utterance reaches the
	// minimum length; shorter bursts are discarded as noise.
	pending        []audio.Frame
	candidateStart time.Duration

	lastVoicedEnd time.Duration

	calibrationSamples []float64
}

func NewGate(opts ...GateOption) *Gate {
	options := defaultGateOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Gate{options: options, state: stateSilence}
}

// Push feeds one frame through the gate and returns the events it produced,
// in order. The returned slice is only valid until the next call.
func (g *Gate) Push(frame audio.Frame) []Event {
	rms := frame.RMS()

	if g.calibrating() {
		g.calibrate(rms)
		return nil
	}

	voiced := rms >= g.options.ActivityThreshold

	switch g.state {
	case stateSilence:
		if !voiced {
			return nil
		}

		g.state = stateCandidate
		g.candidateStart = frame.Time
		g.pending = append(g.pending[:0], frame)
		g.lastVoicedEnd = frame.End()
		return g.confirmIfLongEnough(frame)

	case stateCandidate:
		if !voiced {
			// A pause before the utterance was confirmed: too short, noise.
			g.state = stateSilence
			g.pending = g.pending[:0]
			return nil
		}

		g.pending = append(g.pending, frame)
		g.lastVoicedEnd = frame.End()
		return g.confirmIfLongEnough(frame)

	case stateSpeech:
		events := []Event{{Kind: KindFrame, Frame: frame, At: frame.Time}}
		if voiced {
			g.lastVoicedEnd = frame.End()
			return events
		}

		if frame.End()-g.lastVoicedEnd >= g.options.Hangover {
			g.state = stateSilence
			events = append(events, Event{Kind: KindSpeechStop, At: g.lastVoicedEnd + g.options.Hangover})
		}
		return events
	}

	return nil
}

// Reset clears utterance state, e.g. when capture restarts.
func (g *Gate) Reset() {
	g.state = stateSilence
	g.pending = g.pending[:0]
	g.lastVoicedEnd = 0
}

func (g *Gate) confirmIfLongEnough(frame audio.Frame) []Event {
	if frame.End()-g.candidateStart < g.options.MinUtterance {
		return nil
	}

	g.state = stateSpeech
	events := make([]Event, 0, len(g.pending)+1)
	events = append(events, Event{Kind: KindSpeechStart, At: g.candidateStart})
	for _, pending := range g.pending {
		events = append(events, Event{Kind: KindFrame, Frame: pending, At: pending.Time})
	}
	g.pending = g.pending[:0]
	return events
}

func (g *Gate) calibrating() bool {
	return g.options.CalibrationFrames > 0 && len(g.calibrationSamples) < g.options.CalibrationFrames
}

// calibrate measures ambient noise over the first frames and lifts the
// activity threshold to mean + 3 standard deviations when the ambient floor
// is louder than the configured threshold.
func (g *Gate) calibrate(rms float64) {
	g.calibrationSamples = append(g.calibrationSamples, rms)
	if len(g.calibrationSamples) < g.options.CalibrationFrames {
		return
	}

	var sum float64
	for _, sample := range g.calibrationSamples {
		sum += sample
	}
	mean := sum / float64(len(g.calibrationSamples))

	var variance float64
	for _, sample := range g.calibrationSamples {
		variance += (sample - mean) * (sample - mean)
	}
	deviation := math.Sqrt(variance / float64(len(g.calibrationSamples)))

	g.options.ActivityThreshold = math.Max(g.options.ActivityThreshold, mean+3*deviation)
}
