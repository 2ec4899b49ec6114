package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is a fixed-duration block of PCM samples captured from or destined
// for an audio device. Frames are immutable once produced; whoever dequeues
// a frame owns it.
type Frame struct {
	// Data holds the raw encoded samples.
	Data []byte
	// Time is the capture offset of the first sample, relative to the start
	// of the stream.
	Time time.Duration
	// Seq is a monotonically increasing frame counter within the stream.
	Seq uint64

	Encoding EncodingInfo
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	return f.Encoding.BytesDuration(len(f.Data))
}

// End returns the capture offset just past the last sample.
func (f Frame) End() time.Duration {
	return f.Time + f.Duration()
}

// RMS returns the normalized root-mean-square energy of the frame in [0, 1].
// Only linear16 frames carry a meaningful energy reading; other encodings
// report zero.
func (f Frame) RMS() float64 {
	if f.Encoding.Format != EncodingLinear16 || len(f.Data) < 2 {
		return 0
	}

	var sum float64
	samples := len(f.Data) / 2
	for i := 0; i < samples; i++ {
		sample := int16(binary.LittleEndian.Uint16(f.Data[i*2:]))
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}
