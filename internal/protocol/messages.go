package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeStatusEvent      MessageType = "status_event"
	TypeTranscript       MessageType = "transcript_update"
	TypeAssistantAudio   MessageType = "assistant_audio_chunk"
	TypeAssistantTurnEnd MessageType = "assistant_turn_end"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions sent by the browser.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries microphone PCM16LE mono audio from the browser.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type StatusEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Connected bool        `json:"connected"`
	Transport string      `json:"transport,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// TranscriptUpdate is one parsed transcript item. Model replies carry the
// explanation and call to action sections when the tutor used them.
type TranscriptUpdate struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	ItemID       string      `json:"item_id"`
	Text         string      `json:"text"`
	Explanation  string      `json:"explanation,omitempty"`
	CallToAction string      `json:"call_to_action,omitempty"`
	IsModel      bool        `json:"is_model"`
	TSMs         int64       `json:"ts_ms"`
}

// AssistantAudioChunk is model speech for the browser to start at StartAtMS
// on the session's playback clock.
type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio_base64"`
	StartAtMS   float64     `json:"start_at_ms"`
	DurationMS  float64     `json:"duration_ms"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionStart, ActionStop:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
