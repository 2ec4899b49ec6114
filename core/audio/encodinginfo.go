package audio

import "time"

const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultFrameMs    = 20
	DefaultFormat     = "linear16"
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Channels: DefaultChannels, Format: encodingFormat(DefaultFormat)}
}

type EncodingInfo struct {
	SampleRate int
	Channels   int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

func (e EncodingInfo) SilenceValue() byte {
	switch e.Format {
	case encodingFormat("alaw"):
		return 0x55
	case encodingFormat("mulaw"):
		return 0xFF
	case encodingFormat("linear16"):
		return 0
	}

	return 0
}

// BytesPerSecond returns the wire rate of the encoding across all channels.
func (e EncodingInfo) BytesPerSecond() int {
	channels := e.Channels
	if channels == 0 {
		channels = 1
	}
	return e.SampleRate * e.Format.ByteSize() * channels
}

// FrameBytes returns the byte length of a frame of the given duration.
func (e EncodingInfo) FrameBytes(duration time.Duration) int {
	return int(float64(e.BytesPerSecond()) * duration.Seconds())
}

// BytesDuration returns the playback duration of n encoded bytes.
func (e EncodingInfo) BytesDuration(n int) time.Duration {
	perSecond := e.BytesPerSecond()
	if perSecond == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(perSecond) * float64(time.Second))
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case encodingFormat("mulaw"), encodingFormat("alaw"):
		return 1
	case encodingFormat("linear16"):
		return 2
	}
	return -1
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
