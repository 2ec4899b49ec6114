package openai

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tucavoice/tuca-core/core/audio"
	"github.com/tucavoice/tuca-core/core/realtime"
)

func TestSessionUpdateCarriesPersonaAndDisablesServerTurnDetection(t *testing.T) {
	persona := realtime.PersonaConfig{
		Instructions: "You are a stubborn assistant.",
		Voice:        "alloy",
		Encoding:     audio.GetDefaultEncodingInfo(),
	}

	msg, err := sessionUpdateMessage(persona)
	if err != nil {
		t.Fatalf("expected session update to build, got error: %v", err)
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal session update: %v", err)
	}

	if !strings.Contains(string(encoded), `"instructions":"You are a stubborn assistant."`) {
		t.Fatalf("expected instructions in payload, got %s", encoded)
	}
	if !strings.Contains(string(encoded), `"turn_detection":null`) {
		t.Fatalf("expected turn_detection to be null, got %s", encoded)
	}
	if !strings.Contains(string(encoded), `"input_audio_format":"pcm16"`) {
		t.Fatalf("expected pcm16 input format, got %s", encoded)
	}
}

func TestControlMessagesMapToWireTypes(t *testing.T) {
	commit, err := controlMessage(realtime.Control{Kind: realtime.ControlCommitInput})
	if err != nil || commit.Type != "input_audio_buffer.commit" {
		t.Fatalf("expected input_audio_buffer.commit, got %q (err=%v)", commit.Type, err)
	}

	create, err := controlMessage(realtime.Control{Kind: realtime.ControlCreateResponse})
	if err != nil || create.Type != "response.create" {
		t.Fatalf("expected response.create, got %q (err=%v)", create.Type, err)
	}

	cancel, err := controlMessage(realtime.Control{Kind: realtime.ControlCancelResponse, ResponseID: "r1"})
	if err != nil || cancel.Type != "response.cancel" || cancel.ResponseID != "r1" {
		t.Fatalf("expected response.cancel for r1, got %q/%q (err=%v)", cancel.Type, cancel.ResponseID, err)
	}
}

func TestDecodeAudioDeltaDecodesBase64Payload(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	raw := `{"type":"response.audio.delta","response_id":"r1","delta":"` +
		base64.StdEncoding.EncodeToString(pcm) + `"}`

	event, ok, err := decodeServerEvent([]byte(raw))
	if err != nil || !ok {
		t.Fatalf("expected audio delta to decode, got ok=%t err=%v", ok, err)
	}
	if event.Kind != realtime.KindResponseAudioDelta {
		t.Fatalf("expected audio delta kind, got %s", event.Kind)
	}
	if event.ResponseID != "r1" {
		t.Fatalf("expected response id r1, got %q", event.ResponseID)
	}
	if !bytes.Equal(event.Audio, pcm) {
		t.Fatalf("expected decoded pcm %v, got %v", pcm, event.Audio)
	}
}

func TestDecodeResponseLifecycleEvents(t *testing.T) {
	started, ok, err := decodeServerEvent([]byte(`{"type":"response.created","response":{"id":"r7"}}`))
	if err != nil || !ok || started.Kind != realtime.KindResponseStarted || started.ResponseID != "r7" {
		t.Fatalf("expected response-started for r7, got %+v (ok=%t err=%v)", started, ok, err)
	}

	done, ok, err := decodeServerEvent([]byte(`{"type":"response.done","response":{"id":"r7"}}`))
	if err != nil || !ok || done.Kind != realtime.KindResponseCompleted || done.ResponseID != "r7" {
		t.Fatalf("expected response-completed for r7, got %+v (ok=%t err=%v)", done, ok, err)
	}
}

func TestDecodeSkipsAuxiliaryMessages(t *testing.T) {
	_, ok, err := decodeServerEvent([]byte(`{"type":"rate_limits.updated"}`))
	if err != nil {
		t.Fatalf("expected auxiliary message to be skipped silently, got %v", err)
	}
	if ok {
		t.Fatalf("expected auxiliary message to produce no event")
	}
}

func TestDecodeRejectsUnknownMessageType(t *testing.T) {
	_, _, err := decodeServerEvent([]byte(`{"type":"something.new"}`))

	var protocolErr *realtime.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("expected protocol error for unknown message type, got %v", err)
	}
}

func TestDecodeErrorEventCarriesCodeAndMessage(t *testing.T) {
	event, ok, err := decodeServerEvent([]byte(
		`{"type":"error","error":{"type":"invalid_request_error","code":"bad_voice","message":"unknown voice"}}`))
	if err != nil || !ok {
		t.Fatalf("expected error event to decode, got ok=%t err=%v", ok, err)
	}
	if event.Err == nil || event.Err.Code != "bad_voice" || event.Err.Message != "unknown voice" {
		t.Fatalf("expected service error details, got %+v", event.Err)
	}
}
