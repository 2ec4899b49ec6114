// Package gemini provides a Gemini Live API backend for the conversation
// engine. The Live API has no response ids or explicit cancel control, so
// this backend mints an id per assistant turn and maps interruption and
// turn-completion signals onto the shared event taxonomy.
package gemini

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tucavoice/tuca-core/core/realtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/genai"
)

const (
	defaultModel         = "models/gemini-2.5-flash-native-audio-preview-12-2025"
	defaultSendQueueSize = 64
)

type Dialer struct {
	options dialerOptions
}

type dialerOptions struct {
	apiKey        string
	model         string
	sendQueueSize int
}

type DialerOption func(*dialerOptions)

// WithAPIKey overrides the GEMINI_API_KEY environment lookup.
func WithAPIKey(apiKey string) DialerOption {
	return func(o *dialerOptions) { o.apiKey = apiKey }
}

func WithModel(model string) DialerOption {
	return func(o *dialerOptions) { o.model = model }
}

func WithSendQueueSize(size int) DialerOption {
	return func(o *dialerOptions) { o.sendQueueSize = size }
}

func NewDialer(opts ...DialerOption) *Dialer {
	options := dialerOptions{model: defaultModel, sendQueueSize: defaultSendQueueSize}
	for _, opt := range opts {
		opt(&options)
	}

	return &Dialer{options: options}
}

var _ realtime.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, persona realtime.PersonaConfig) (realtime.Session, error) {
	apiKey := d.options.apiKey
	if apiKey == "" {
		var ok bool
		if apiKey, ok = os.LookupEnv("GEMINI_API_KEY"); !ok {
			return nil, &realtime.ConnectError{Err: fmt.Errorf("gemini api key not found")}
		}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})
	if err != nil {
		return nil, &realtime.ConnectError{Err: fmt.Errorf("failed to create client: %w", err)}
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{"AUDIO"},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: persona.Instructions}},
		},
	}
	if persona.Voice != "" {
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: persona.Voice},
			},
		}
	}

	live, err := client.Live.Connect(ctx, d.options.model, config)
	if err != nil {
		return nil, &realtime.ConnectError{Err: fmt.Errorf("failed to connect live session: %w", err)}
	}

	s := &session{
		live:      live,
		mimeType:  fmt.Sprintf("audio/pcm;rate=%d", persona.Encoding.SampleRate),
		events:    make(chan realtime.Event, 64),
		sendQueue: make(chan []byte, d.options.sendQueueSize),
		closed:    make(chan struct{}),
	}
	go s.receiveMessages()
	go s.drainSendQueue()

	// The Live API has no configuration acknowledgment; a successful connect
	// is the confirmation.
	s.events <- realtime.Event{Kind: realtime.KindSessionConfigured, At: time.Now()}

	return s, nil
}

type session struct {
	live     *genai.Session
	mimeType string

	events    chan realtime.Event
	sendQueue chan []byte
	dropped   atomic.Uint64

	// activeResponseID is the minted id of the assistant turn currently
	// streaming, empty between turns. Only touched by receiveMessages.
	activeResponseID string

	closeOnce sync.Once
	closed    chan struct{}
}

var _ realtime.Session = (*session)(nil)

func (s *session) Events() <-chan realtime.Event { return s.events }

func (s *session) DroppedFrames() uint64 { return s.dropped.Load() }

func (s *session) SendAudio(pcm []byte) error {
	select {
	case <-s.closed:
		return realtime.ErrSessionClosed
	default:
	}

	for {
		select {
		case s.sendQueue <- pcm:
			return nil
		default:
		}

		select {
		case <-s.sendQueue:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *session) SendControl(control realtime.Control) error {
	select {
	case <-s.closed:
		return realtime.ErrSessionClosed
	default:
	}

	switch control.Kind {
	case realtime.ControlCommitInput:
		if err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{AudioStreamEnd: true}); err != nil {
			return fmt.Errorf("failed to commit input audio: %w", err)
		}
		return nil
	case realtime.ControlCreateResponse:
		// The Live API responds on its own once the audio stream ends.
		return nil
	case realtime.ControlCancelResponse:
		// No cancel control on the wire; stale audio is discarded by the
		// engine's response-id filtering.
		return nil
	}
	return fmt.Errorf("unsupported control kind %q", control.Kind)
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.live.Close(); err != nil {
			log.Printf("Failed to close live session: %v", err)
		}
	})
	return nil
}

func (s *session) drainSendQueue() {
	for {
		select {
		case <-s.closed:
			return
		case pcm := <-s.sendQueue:
			err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
				Media: &genai.Blob{MIMEType: s.mimeType, Data: pcm},
			})
			if err != nil {
				select {
				case <-s.closed:
				default:
					log.Printf("Failed to send audio chunk: %v", err)
				}
				return
			}
		}
	}
}

func (s *session) receiveMessages() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			select {
			case <-s.closed:
			default:
				log.Printf("Live session receive error: %v", err)
				s.Close()
			}
			return
		}

		for _, event := range s.translate(msg) {
			select {
			case s.events <- event:
			case <-s.closed:
				return
			}
		}
	}
}

func (s *session) translate(msg *genai.LiveServerMessage) []realtime.Event {
	if msg.ServerContent == nil {
		return nil
	}

	now := time.Now()
	var events []realtime.Event

	if msg.ServerContent.ModelTurn != nil {
		for _, part := range msg.ServerContent.ModelTurn.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				if s.activeResponseID == "" {
					s.activeResponseID = uuid.NewString()
					events = append(events, realtime.Event{
						Kind:       realtime.KindResponseStarted,
						ResponseID: s.activeResponseID,
						At:         now,
					})
				}
				events = append(events, realtime.Event{
					Kind:       realtime.KindResponseAudioDelta,
					ResponseID: s.activeResponseID,
					Audio:      part.InlineData.Data,
					At:         now,
				})
			}
			if part.Text != "" && s.activeResponseID != "" {
				events = append(events, realtime.Event{
					Kind:       realtime.KindResponseTextDelta,
					ResponseID: s.activeResponseID,
					Text:       part.Text,
					At:         now,
				})
			}
		}
	}

	// Both a completed turn and a barge-in interruption close the current
	// response; the engine treats the completion of a cancelled id as the
	// cancel acknowledgment.
	if (msg.ServerContent.TurnComplete || msg.ServerContent.Interrupted) && s.activeResponseID != "" {
		events = append(events, realtime.Event{
			Kind:       realtime.KindResponseCompleted,
			ResponseID: s.activeResponseID,
			At:         now,
		})
		s.activeResponseID = ""
	}

	return events
}
