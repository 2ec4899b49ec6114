package audio

import (
	"context"
	"fmt"
)

// Source pulls fixed-size PCM chunks from an input device. Stream blocks
// until the context is cancelled or the device fails; onAudio runs on the
// device's capture schedule and must not block.
type Source interface {
	EncodingInfo() EncodingInfo
	Stream(ctx context.Context, onAudio func(audio []byte)) error
	Close()
}

// Sink pushes PCM chunks to an output device. ClearBuffer drops any audio
// not yet played, taking effect immediately.
type Sink interface {
	EncodingInfo() EncodingInfo
	SendAudio(audio []byte) error
	ClearBuffer()
}

// DeviceError marks a microphone or speaker failure. Device failures are
// fatal for a conversation; there is no degraded mode without a working
// device on both ends.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s failed: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
