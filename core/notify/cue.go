// Package notify plays short audio cues through the conversation's output
// device, e.g. a chime when the session connects or drops, so connection
// changes are audible without watching a log.
package notify

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/tucavoice/tuca-core/core/audio"
)

// Cue is a short clip of PCM ready to be pushed to a sink.
type Cue struct {
	pcm      []byte
	encoding audio.EncodingInfo
}

// LoadCueFile reads a 16-bit WAV file into a cue. The file's sample rate is
// kept as-is; pick files matching the conversation's output encoding.
func LoadCueFile(path string) (*Cue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cue file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode cue file: %w", err)
	}

	pcm := make([]byte, len(buffer.Data)*2)
	for i, sample := range buffer.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}

	return &Cue{
		pcm: pcm,
		encoding: audio.EncodingInfo{
			SampleRate: buffer.Format.SampleRate,
			Channels:   buffer.Format.NumChannels,
			Format:     audio.EncodingLinear16,
		},
	}, nil
}

// Chime synthesizes a sine tone with a short fade on both ends to avoid
// clicks at the buffer edges.
func Chime(frequency float64, duration time.Duration, encoding audio.EncodingInfo) *Cue {
	samples := int(float64(encoding.SampleRate) * duration.Seconds())
	fade := encoding.SampleRate / 100 // 10ms
	if fade*2 > samples {
		fade = samples / 2
	}

	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		amplitude := 0.3
		if i < fade {
			amplitude *= float64(i) / float64(fade)
		} else if samples-i <= fade {
			amplitude *= float64(samples-i) / float64(fade)
		}

		value := amplitude * math.Sin(2*math.Pi*frequency*float64(i)/float64(encoding.SampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(value*32767)))
	}

	return &Cue{pcm: pcm, encoding: encoding}
}

func (c *Cue) Play(sink audio.Sink) error {
	return sink.SendAudio(c.pcm)
}

func (c *Cue) Duration() time.Duration {
	return c.encoding.BytesDuration(len(c.pcm))
}

func (c *Cue) Encoding() audio.EncodingInfo { return c.encoding }
