package conversation

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
)

const scopeName = "github.com/tucavoice/tuca-core/core"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var (
	stateTransitions, _      = meter.Int64Counter("conversation.state.transitions")
	queueDroppedEvents, _    = meter.Int64Counter("conversation.queue.dropped_events")
	playbackDroppedChunks, _ = meter.Int64Counter("conversation.playback.dropped_chunks")
	staleAudioDeltas, _      = meter.Int64Counter("conversation.response.stale_audio_deltas")
)
