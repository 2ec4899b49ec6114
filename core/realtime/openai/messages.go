package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tucavoice/tuca-core/core/audio"
	"github.com/tucavoice/tuca-core/core/realtime"
)

// clientMessage is the outbound wire envelope. Only the fields relevant to
// the message type are set.
type clientMessage struct {
	Type       string          `json:"type"`
	Audio      string          `json:"audio,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	Session    *sessionPayload `json:"session,omitempty"`
}

type sessionPayload struct {
	Modalities        []string `json:"modalities,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`
	// TurnDetection stays null: speech boundaries are detected client-side
	// and the remote must not cut turns on its own.
	TurnDetection any `json:"turn_detection"`
}

type serverMessage struct {
	Type       string           `json:"type"`
	Delta      string           `json:"delta,omitempty"`
	ResponseID string           `json:"response_id,omitempty"`
	Response   *responsePayload `json:"response,omitempty"`
	Error      *errorPayload    `json:"error,omitempty"`
}

type responsePayload struct {
	ID string `json:"id"`
}

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sessionUpdateMessage(persona realtime.PersonaConfig) (clientMessage, error) {
	format, err := wireAudioFormat(persona.Encoding)
	if err != nil {
		return clientMessage{}, err
	}

	return clientMessage{
		Type: "session.update",
		Session: &sessionPayload{
			Modalities:        []string{"audio", "text"},
			Instructions:      persona.Instructions,
			Voice:             persona.Voice,
			InputAudioFormat:  format,
			OutputAudioFormat: format,
		},
	}, nil
}

func appendAudioMessage(pcm []byte) clientMessage {
	return clientMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
}

func controlMessage(control realtime.Control) (clientMessage, error) {
	switch control.Kind {
	case realtime.ControlCommitInput:
		return clientMessage{Type: "input_audio_buffer.commit"}, nil
	case realtime.ControlCreateResponse:
		return clientMessage{Type: "response.create"}, nil
	case realtime.ControlCancelResponse:
		return clientMessage{Type: "response.cancel", ResponseID: control.ResponseID}, nil
	}
	return clientMessage{}, fmt.Errorf("unsupported control kind %q", control.Kind)
}

func wireAudioFormat(encoding audio.EncodingInfo) (string, error) {
	switch encoding.Format {
	case audio.EncodingLinear16:
		return "pcm16", nil
	case audio.EncodingMulaw:
		return "g711_ulaw", nil
	case audio.EncodingALaw:
		return "g711_alaw", nil
	}
	return "", fmt.Errorf("encoding %q has no wire format", encoding.Format.Name())
}

// auxiliaryMessageTypes are protocol messages the engine has no use for;
// they are dropped without being treated as protocol violations.
var auxiliaryMessageTypes = map[string]struct{}{
	"session.created":                        {},
	"input_audio_buffer.committed":           {},
	"input_audio_buffer.cleared":             {},
	"conversation.item.created":              {},
	"response.output_item.added":             {},
	"response.output_item.done":              {},
	"response.content_part.added":            {},
	"response.content_part.done":             {},
	"response.audio.done":                    {},
	"response.audio_transcript.done":         {},
	"response.text.delta":                    {},
	"response.text.done":                     {},
	"rate_limits.updated":                    {},
	"conversation.item.truncated":            {},
	"conversation.item.deleted":              {},
	"response.function_call_arguments.delta": {},
	"response.function_call_arguments.done":  {},
}

// decodeServerEvent translates one wire message into a transport event.
// ok is false for auxiliary messages that carry nothing the engine needs.
// Message types outside the protocol's taxonomy are a ProtocolError.
func decodeServerEvent(data []byte) (event realtime.Event, ok bool, err error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return realtime.Event{}, false, &realtime.ProtocolError{Message: fmt.Sprintf("malformed event: %v", err)}
	}

	now := time.Now()
	switch msg.Type {
	case "session.updated":
		return realtime.Event{Kind: realtime.KindSessionConfigured, At: now}, true, nil

	case "input_audio_buffer.speech_started":
		return realtime.Event{Kind: realtime.KindSpeechStarted, At: now}, true, nil

	case "input_audio_buffer.speech_stopped":
		return realtime.Event{Kind: realtime.KindSpeechStopped, At: now}, true, nil

	case "response.created":
		if msg.Response == nil || msg.Response.ID == "" {
			return realtime.Event{}, false, &realtime.ProtocolError{Message: "response.created without response id"}
		}
		return realtime.Event{Kind: realtime.KindResponseStarted, ResponseID: msg.Response.ID, At: now}, true, nil

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return realtime.Event{}, false, &realtime.ProtocolError{Message: fmt.Sprintf("undecodable audio delta: %v", err)}
		}
		return realtime.Event{Kind: realtime.KindResponseAudioDelta, ResponseID: msg.ResponseID, Audio: pcm, At: now}, true, nil

	case "response.audio_transcript.delta":
		return realtime.Event{Kind: realtime.KindResponseTextDelta, ResponseID: msg.ResponseID, Text: msg.Delta, At: now}, true, nil

	case "response.done":
		responseID := msg.ResponseID
		if msg.Response != nil {
			responseID = msg.Response.ID
		}
		return realtime.Event{Kind: realtime.KindResponseCompleted, ResponseID: responseID, At: now}, true, nil

	case "error":
		serviceErr := &realtime.ServiceError{}
		if msg.Error != nil {
			serviceErr.Code = msg.Error.Code
			serviceErr.Message = msg.Error.Message
		}
		return realtime.Event{Kind: realtime.KindError, ResponseID: msg.ResponseID, Err: serviceErr, At: now}, true, nil
	}

	if _, auxiliary := auxiliaryMessageTypes[msg.Type]; auxiliary {
		return realtime.Event{}, false, nil
	}

	return realtime.Event{}, false, &realtime.ProtocolError{Message: fmt.Sprintf("unknown event type %q", msg.Type)}
}
