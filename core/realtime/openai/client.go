// Package openai provides the OpenAI Realtime API backend for the
// conversation engine: one websocket connection per session, audio in both
// directions, persona carried in the session configuration.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tucavoice/tuca-core/core/realtime"
)

const (
	defaultBaseURL          = "wss://api.openai.com/v1/realtime"
	defaultModel            = "gpt-4o-realtime-preview"
	defaultSendQueueSize    = 64
	defaultHandshakeTimeout = 10 * time.Second
)

type Dialer struct {
	options dialerOptions
}

type dialerOptions struct {
	apiKey           string
	model            string
	baseURL          string
	sendQueueSize    int
	handshakeTimeout time.Duration
}

type DialerOption func(*dialerOptions)

// WithAPIKey overrides the OPENAI_API_KEY environment lookup.
func WithAPIKey(apiKey string) DialerOption {
	return func(o *dialerOptions) { o.apiKey = apiKey }
}

func WithModel(model string) DialerOption {
	return func(o *dialerOptions) { o.model = model }
}

func WithBaseURL(baseURL string) DialerOption {
	return func(o *dialerOptions) { o.baseURL = baseURL }
}

// WithSendQueueSize bounds the outbound audio queue. When the network stalls
// and the queue fills, the oldest frame is dropped so capture never blocks.
func WithSendQueueSize(size int) DialerOption {
	return func(o *dialerOptions) { o.sendQueueSize = size }
}

// WithHandshakeTimeout bounds the wait for the remote to accept the session
// configuration during Dial.
func WithHandshakeTimeout(timeout time.Duration) DialerOption {
	return func(o *dialerOptions) { o.handshakeTimeout = timeout }
}

func NewDialer(opts ...DialerOption) *Dialer {
	options := dialerOptions{
		model:            defaultModel,
		baseURL:          defaultBaseURL,
		sendQueueSize:    defaultSendQueueSize,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Dialer{options: options}
}

var _ realtime.Dialer = (*Dialer)(nil)

// Dial opens the websocket, sends the session configuration, and waits for
// the remote to confirm it before handing the session over.
func (d *Dialer) Dial(ctx context.Context, persona realtime.PersonaConfig) (realtime.Session, error) {
	apiKey := d.options.apiKey
	if apiKey == "" {
		var ok bool
		if apiKey, ok = os.LookupEnv("OPENAI_API_KEY"); !ok {
			return nil, &realtime.ConnectError{Err: fmt.Errorf("openai api key not found")}
		}
	}

	realtimeURL, err := url.Parse(d.options.baseURL)
	if err != nil {
		return nil, &realtime.ConnectError{Err: fmt.Errorf("invalid base url: %w", err)}
	}
	queryParams := realtimeURL.Query()
	queryParams.Set("model", d.options.model)
	realtimeURL.RawQuery = queryParams.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, realtimeURL.String(), http.Header{
		"Authorization": {"Bearer " + apiKey},
		"OpenAI-Beta":   {"realtime=v1"},
	})
	if err != nil {
		return nil, &realtime.ConnectError{Err: fmt.Errorf("failed to open socket connection: %w", err)}
	}

	configure, err := sessionUpdateMessage(persona)
	if err != nil {
		conn.Close()
		return nil, &realtime.ProtocolError{Message: err.Error()}
	}
	if err := conn.WriteJSON(configure); err != nil {
		conn.Close()
		return nil, &realtime.ConnectError{Err: fmt.Errorf("failed to send session configuration: %w", err)}
	}

	if err := awaitConfigured(conn, d.options.handshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	s := &session{
		conn:      conn,
		events:    make(chan realtime.Event, 64),
		sendQueue: make(chan []byte, d.options.sendQueueSize),
		closed:    make(chan struct{}),
	}
	go s.readAndProcessMessages()
	go s.drainSendQueue()

	return s, nil
}

// awaitConfigured reads until the remote confirms the session configuration.
// A service error during the handshake means the configuration was rejected.
func awaitConfigured(conn *websocket.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return &realtime.ConnectError{Err: err}
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if time.Now().After(deadline) {
				return &realtime.TimeoutError{Op: "session configuration", After: timeout}
			}
			return &realtime.ConnectError{Err: fmt.Errorf("failed to read session confirmation: %w", err)}
		}

		var msg struct {
			Type  string        `json:"type"`
			Error *errorPayload `json:"error"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return &realtime.ProtocolError{Message: fmt.Sprintf("malformed handshake message: %v", err)}
		}

		switch msg.Type {
		case "session.updated":
			return nil
		case "error":
			protocolErr := &realtime.ProtocolError{Message: "session configuration rejected"}
			if msg.Error != nil {
				protocolErr.Code = msg.Error.Code
				protocolErr.Message = msg.Error.Message
			}
			return protocolErr
		default:
			// session.created and other preamble messages.
		}
	}
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	events    chan realtime.Event
	sendQueue chan []byte
	dropped   atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

var _ realtime.Session = (*session)(nil)

func (s *session) Events() <-chan realtime.Event { return s.events }

func (s *session) DroppedFrames() uint64 { return s.dropped.Load() }

// SendAudio enqueues one outbound audio chunk. Never blocks: when the queue
// is full the oldest chunk is dropped and counted.
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

	msg, err := controlMessage(control)
	if err != nil {
		return err
	}
	return s.writeJSON(msg)
}

// Close tears the connection down. Idempotent; safe to call concurrently
// with in-flight sends.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		s.conn.Close()
	})
	return nil
}

func (s *session) writeJSON(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}

func (s *session) drainSendQueue() {
	for {
		select {
		case <-s.closed:
			return
		case pcm := <-s.sendQueue:
			if err := s.writeJSON(appendAudioMessage(pcm)); err != nil {
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

func (s *session) readAndProcessMessages() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				if err.Error() != "websocket: close 1000 (normal)" {
					log.Printf("Websocket read error: %v", err)
				}
				s.Close()
			}
			return
		}

		event, ok, err := decodeServerEvent(data)
		if err != nil {
			event = realtime.Event{
				Kind: realtime.KindError,
				Err:  &realtime.ServiceError{Code: "protocol", Message: err.Error()},
				At:   time.Now(),
			}
		} else if !ok {
			continue
		}

		select {
		case s.events <- event:
		case <-s.closed:
			return
		}
	}
}
