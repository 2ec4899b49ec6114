package vad

import "time"

type GateOptions struct {
	// ActivityThreshold is the normalized RMS level a frame must reach to
	// count as speech.
	ActivityThreshold float64
	// Hangover is the trailing-silence duration required before an utterance
	// is declared finished, so natural pauses do not end it early.
	Hangover time.Duration
	// MinUtterance discards voiced runs shorter than this as noise.
	MinUtterance time.Duration
	// CalibrationFrames, when non-zero, measures ambient noise over that many
	// initial frames and raises the threshold above the measured floor. No
	// speech is detected while calibrating.
	CalibrationFrames int
}

func defaultGateOptions() GateOptions {
	return GateOptions{
		ActivityThreshold: 0.015,
		Hangover:          600 * time.Millisecond,
		MinUtterance:      200 * time.Millisecond,
	}
}

type GateOption func(*GateOptions)

func WithActivityThreshold(threshold float64) GateOption {
	return func(o *GateOptions) { o.ActivityThreshold = threshold }
}

func WithHangover(hangover time.Duration) GateOption {
	return func(o *GateOptions) { o.Hangover = hangover }
}

func WithMinUtterance(minUtterance time.Duration) GateOption {
	return func(o *GateOptions) { o.MinUtterance = minUtterance }
}

func WithNoiseCalibration(frames int) GateOption {
	return func(o *GateOptions) { o.CalibrationFrames = frames }
}
