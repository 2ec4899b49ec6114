package conversation

import (
	"testing"
	"time"
)

func TestPlaybackFlushDropsQueuedAndDeviceAudio(t *testing.T) {
	sink := &fakeSink{}
	pump := newPlaybackPump(sink, nil)

	pump.Push([]byte{1})
	pump.Push([]byte{2})
	pump.Flush()

	if sink.clearedCount() != 1 {
		t.Fatalf("expected device buffer cleared once, got %d", sink.clearedCount())
	}

	go pump.Run()
	defer pump.Stop()

	pump.Push([]byte{3})
	waitFor(t, time.Second, func() bool { return sink.chunkCount() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.chunks[0][0] != 3 {
		t.Fatalf("expected only the post-flush chunk to play, got %v", sink.chunks)
	}
}

func TestPlaybackDropsOldestWhenFull(t *testing.T) {
	sink := &fakeSink{}
	pump := newPlaybackPump(sink, nil)
	pump.maxChunks = 2

	pump.Push([]byte{1})
	pump.Push([]byte{2})
	pump.Push([]byte{3})

	if pump.DroppedChunks() != 1 {
		t.Fatalf("expected one dropped chunk, got %d", pump.DroppedChunks())
	}

	go pump.Run()
	pump.Stop()
}

func TestPlaybackStopIsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	pump := newPlaybackPump(sink, nil)

	go pump.Run()
	pump.Stop()
	pump.Stop()
}
