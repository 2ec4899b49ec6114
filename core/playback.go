package conversation

import (
	"context"
	"sync"

	"github.com/tucavoice/tuca-core/core/audio"
)

const defaultPlaybackQueueSize = 256

// playbackPump feeds assistant audio to the output device from its own
// goroutine, so the engine loop never blocks on the speaker. Flush takes
// effect immediately: it drops everything queued here and everything already
// handed to the device.
type playbackPump struct {
	sink audio.Sink

	mu            sync.Mutex
	queue         [][]byte
	maxChunks     int
	droppedChunks uint64
	stopped       bool

	updateSignal chan struct{}
	done         chan struct{}

	onDeviceError func(err error)
}

func newPlaybackPump(sink audio.Sink, onDeviceError func(err error)) *playbackPump {
	return &playbackPump{
		sink:          sink,
		maxChunks:     defaultPlaybackQueueSize,
		updateSignal:  make(chan struct{}, 1),
		done:          make(chan struct{}),
		onDeviceError: onDeviceError,
	}
}

func (p *playbackPump) Run() {
	defer close(p.done)

	for {
		chunk, ok, stopped := p.next()
		if stopped {
			return
		}
		if !ok {
			<-p.updateSignal
			continue
		}

		if err := p.sink.SendAudio(chunk); err != nil {
			if p.onDeviceError != nil {
				p.onDeviceError(&audio.DeviceError{Device: "playback", Err: err})
			}
			return
		}
	}
}

// Push enqueues one chunk of assistant audio. Never blocks: when the queue is
// full the oldest chunk is dropped and counted.
func (p *playbackPump) Push(chunk []byte) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if len(p.queue) >= p.maxChunks {
		p.queue = p.queue[1:]
		p.droppedChunks++
		playbackDroppedChunks.Add(context.Background(), 1)
	}
	p.queue = append(p.queue, chunk)
	p.mu.Unlock()

	p.signalUpdate()
}

// Flush drops all pending audio, both queued here and buffered in the device.
func (p *playbackPump) Flush() {
	p.mu.Lock()
	p.queue = p.queue[:0]
	p.mu.Unlock()

	p.sink.ClearBuffer()
}

// Stop ends the pump after the chunk currently being written, if any. Pending
// audio is discarded.
func (p *playbackPump) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.stopped = true
	p.queue = nil
	p.mu.Unlock()

	p.signalUpdate()
	<-p.done
}

func (p *playbackPump) DroppedChunks() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.droppedChunks
}

func (p *playbackPump) next() (chunk []byte, ok bool, stopped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, false, true
	}
	if len(p.queue) == 0 {
		return nil, false, false
	}

	chunk = p.queue[0]
	p.queue = p.queue[1:]
	return chunk, true, false
}

func (p *playbackPump) signalUpdate() {
	select {
	case p.updateSignal <- struct{}{}:
	default:
	}
}
