// Package miniaudio backs the audio device contracts with miniaudio through
// malgo: one capture and one playback device sharing a single context, so a
// conversation needs exactly one Client for both directions.
package miniaudio

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/tucavoice/tuca-core/core/audio"
)

type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	playbackClient
	captureClient
}

var (
	_ audio.Source = (*Client)(nil)
	_ audio.Sink   = (*Client)(nil)
)

func NewClient() (*Client, error) {
	audioCtx, err := malgo.InitContext(
		nil,
		malgo.ContextConfig{},
		func(message string) {},
	)
	if err != nil {
		return nil, &audio.DeviceError{Device: "context", Err: err}
	}

	client := Client{
		audioContext: audioCtx,
	}

	if err := client.playbackClient.Init(audioCtx); err != nil {
		client.Close()
		return nil, &audio.DeviceError{Device: "playback", Err: err}
	}

	if err := client.playbackClient.Start(); err != nil {
		client.Close()
		return nil, &audio.DeviceError{Device: "playback", Err: err}
	}

	if err := client.captureClient.Init(audioCtx); err != nil {
		client.Close()
		return nil, &audio.DeviceError{Device: "capture", Err: err}
	}

	return &client, nil
}

// Stream starts the capture device and blocks until the context ends. The
// onAudio callback runs on the device's schedule with fixed-size chunks.
func (c *Client) Stream(ctx context.Context, onAudio func(audio []byte)) error {
	if err := c.captureClient.Start(onAudio); err != nil {
		return &audio.DeviceError{Device: "capture", Err: err}
	}

	<-ctx.Done()

	if err := c.captureClient.Stop(); err != nil {
		return &audio.DeviceError{Device: "capture", Err: err}
	}
	return nil
}

func (c *Client) Close() {
	_ = c.captureClient.Uninit()
	_ = c.playbackClient.Uninit()
	_ = c.audioContext.Uninit()
	c.audioContext.Free()
}

func (c *Client) SendAudio(pcm []byte) error {
	if err := c.playbackClient.SendAudio(pcm); err != nil {
		return &audio.DeviceError{Device: "playback", Err: err}
	}
	return nil
}

func (c *Client) ClearBuffer() {
	c.playbackClient.ClearBuffer()
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}

func boundChunkSize(sampleRate int) uint32 {
	return uint32(sampleRate * audio.DefaultFrameMs / 1000)
}

var errDeviceNotInitialized = fmt.Errorf("device not initialized")
