// Package portaudio is an alternative device backend built on PortAudio's
// blocking stream API. Capture runs a read loop instead of a device callback,
// which makes it the simpler backend on hosts where miniaudio misbehaves.
package portaudio

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/tucavoice/tuca-core/core/audio"
)

type Client struct {
	bufferSize int
	stream     *portaudio.Stream

	playbackMu    sync.Mutex
	leftoverAudio []byte

	in  []int16
	out []int16
}

var (
	_ audio.Source = (*Client)(nil)
	_ audio.Sink   = (*Client)(nil)
)

// NewClient opens one full-duplex stream. The buffer size is in samples; the
// default frame length keeps capture chunks aligned with the voice gate.
func NewClient(bufferSize int) (*Client, error) {
	if bufferSize <= 0 {
		bufferSize = audio.DefaultSampleRate * audio.DefaultFrameMs / 1000
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Device: "context", Err: err}
	}

	in := make([]int16, bufferSize)
	out := make([]int16, bufferSize)
	stream, err := portaudio.OpenDefaultStream(
		audio.DefaultChannels, audio.DefaultChannels,
		audio.DefaultSampleRate, bufferSize, in, out,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, &audio.DeviceError{Device: "duplex stream", Err: err}
	}

	return &Client{
		bufferSize: bufferSize,
		stream:     stream,
		in:         in,
		out:        out,
	}, nil
}

// Stream reads capture buffers until the context ends. Read errors are fatal
// for the device; overflows are not retried.
func (c *Client) Stream(ctx context.Context, onAudio func(audio []byte)) error {
	if err := c.stream.Start(); err != nil {
		return &audio.DeviceError{Device: "capture", Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.stream.Read(); err != nil {
				return &audio.DeviceError{Device: "capture", Err: err}
			}

			audioBuffer := bytes.Buffer{}
			binary.Write(&audioBuffer, binary.LittleEndian, c.in)
			onAudio(audioBuffer.Bytes())
		}
	}
}

func (c *Client) Close() {
	c.stream.Close()
	portaudio.Terminate()
}

// SendAudio writes whole output buffers to the stream and keeps the trailing
// partial buffer for the next call.
func (c *Client) SendAudio(pcm []byte) error {
	c.playbackMu.Lock()
	defer c.playbackMu.Unlock()

	bufferSize := c.bufferSize * 2

	pcm = append(c.leftoverAudio, pcm...)
	for i := 0; ; i++ {
		if (i+1)*bufferSize > len(pcm) {
			c.leftoverAudio = make([]byte, len(pcm)-i*bufferSize)
			copy(c.leftoverAudio, pcm[i*bufferSize:])
			break
		}

		binary.Read(bytes.NewBuffer(pcm[i*bufferSize:(i+1)*bufferSize]), binary.LittleEndian, c.out)
		if err := c.stream.Write(); err != nil {
			return &audio.DeviceError{Device: "playback", Err: err}
		}
	}

	return nil
}

func (c *Client) ClearBuffer() {
	c.playbackMu.Lock()
	defer c.playbackMu.Unlock()
	c.leftoverAudio = c.leftoverAudio[:0]
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}
