package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/reliability"
)

const (
	DefaultGeminiWSBaseURL = "wss://generativelanguage.googleapis.com"
	geminiLivePath         = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

var errSessionClosed = errors.New("live session closed")

type GeminiConfig struct {
	APIKey           string
	WSBaseURL        string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// GeminiTransport speaks the Gemini Live BidiGenerateContent protocol over a
// plain websocket.
type GeminiTransport struct {
	cfg    GeminiConfig
	dialer *websocket.Dialer
}

func NewGeminiTransport(cfg GeminiConfig) *GeminiTransport {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = DefaultGeminiWSBaseURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.HandshakeTimeout
	return &GeminiTransport{cfg: cfg, dialer: &dialer}
}

func (t *GeminiTransport) Name() string { return "websocket" }

func (t *GeminiTransport) Open(ctx context.Context, cfg SessionConfig) (LiveSession, error) {
	if strings.TrimSpace(t.cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	u, err := url.Parse(strings.TrimRight(t.cfg.WSBaseURL, "/") + geminiLivePath)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("key", t.cfg.APIKey)
	u.RawQuery = q.Encode()

	conn, res, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial live websocket: HTTP %d: %w", res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial live websocket: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	if err := t.handshake(conn, cfg); err != nil {
		stop()
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if !stop() {
		return nil, ctx.Err()
	}

	s := &geminiSession{
		conn:         conn,
		events:       make(chan ServerEvent, 256),
		done:         make(chan struct{}),
		writeTimeout: t.cfg.WriteTimeout,
	}
	go s.readLoop()
	return s, nil
}

func (t *GeminiTransport) handshake(conn *websocket.Conn, cfg SessionConfig) error {
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteJSON(newGeminiSetup(cfg)); err != nil {
		return fmt.Errorf("send live setup: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("live setup rejected: code %d: %s", ce.Code, ce.Text)
			}
			return fmt.Errorf("await setupComplete: %w", err)
		}
		_, setupDone, err := decodeGeminiMessage(data)
		if err != nil {
			continue
		}
		if setupDone {
			_ = conn.SetReadDeadline(time.Time{})
			return nil
		}
	}
}

type geminiSession struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	closeOnce    sync.Once
	events       chan ServerEvent
	done         chan struct{}
	writeTimeout time.Duration
}

func (s *geminiSession) SendAudio(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var msg geminiRealtimeInput
	msg.RealtimeInput.Audio = geminiBlob{MIMEType: frame.MIMEType(), Data: frame.Base64()}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *geminiSession) Events() <-chan ServerEvent { return s.events }

func (s *geminiSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *geminiSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if evt, ok := closeEvent(err); ok {
					s.emit(evt)
				}
				_ = s.conn.Close()
			}
			return
		}
		events, _, err := decodeGeminiMessage(data)
		if err != nil {
			continue
		}
		for _, evt := range events {
			if !s.emit(evt) {
				return
			}
		}
	}
}

func (s *geminiSession) emit(evt ServerEvent) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.done:
		return false
	}
}

func closeEvent(err error) (ServerEvent, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return ServerEvent{}, false
		}
		return ServerEvent{
			Type:      EventError,
			Code:      fmt.Sprintf("close_%d", ce.Code),
			Detail:    ce.Text,
			Retryable: reliability.IsRetryableCloseCode(ce.Code),
		}, true
	}
	return ServerEvent{
		Type:      EventError,
		Code:      "transport_error",
		Detail:    err.Error(),
		Retryable: true,
	}, true
}

type geminiSetupMessage struct {
	Setup geminiSetup `json:"setup"`
}

type geminiSetup struct {
	Model                    string                 `json:"model"`
	GenerationConfig         geminiGenerationConfig `json:"generationConfig"`
	SystemInstruction        *geminiContent         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}              `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}              `json:"outputAudioTranscription,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string            `json:"responseModalities"`
	SpeechConfig       *geminiSpeechConfig `json:"speechConfig,omitempty"`
}

type geminiSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiRealtimeInput struct {
	RealtimeInput struct {
		Audio geminiBlob `json:"audio"`
	} `json:"realtimeInput"`
}

type geminiTranscription struct {
	Text string `json:"text"`
}

type geminiServerMessage struct {
	SetupComplete *struct{} `json:"setupComplete"`
	ServerContent *struct {
		ModelTurn           *geminiContent       `json:"modelTurn"`
		TurnComplete        bool                 `json:"turnComplete"`
		Interrupted         bool                 `json:"interrupted"`
		InputTranscription  *geminiTranscription `json:"inputTranscription"`
		OutputTranscription *geminiTranscription `json:"outputTranscription"`
	} `json:"serverContent"`
	GoAway *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway"`
}

func newGeminiSetup(cfg SessionConfig) geminiSetupMessage {
	model := strings.TrimSpace(cfg.Model)
	if model != "" && !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	setup := geminiSetup{
		Model: model,
		GenerationConfig: geminiGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	if voice := strings.TrimSpace(cfg.Voice); voice != "" {
		sc := &geminiSpeechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
		setup.GenerationConfig.SpeechConfig = sc
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		setup.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		setup.OutputAudioTranscription = &struct{}{}
	}
	return geminiSetupMessage{Setup: setup}
}

// decodeGeminiMessage maps one server frame to events in delivery order.
// Frames may arrive as text or binary; both carry the same JSON.
func decodeGeminiMessage(data []byte) ([]ServerEvent, bool, error) {
	var msg geminiServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, err
	}
	var events []ServerEvent
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			// Text parts of one message form a single fragment.
			var text strings.Builder
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && part.InlineData.Data != "" {
					events = append(events, ServerEvent{
						Type:        EventAudio,
						AudioBase64: part.InlineData.Data,
						MIMEType:    part.InlineData.MIMEType,
					})
				}
				text.WriteString(part.Text)
			}
			if text.Len() > 0 {
				events = append(events, ServerEvent{Type: EventModelText, Text: text.String()})
			}
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, ServerEvent{Type: EventInputTranscript, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, ServerEvent{Type: EventOutputTranscript, Text: sc.OutputTranscription.Text})
		}
		if sc.Interrupted {
			events = append(events, ServerEvent{Type: EventInterrupted})
		}
		if sc.TurnComplete {
			events = append(events, ServerEvent{Type: EventTurnComplete})
		}
	}
	if msg.GoAway != nil {
		events = append(events, ServerEvent{Type: EventGoAway, Detail: msg.GoAway.TimeLeft})
	}
	return events, msg.SetupComplete != nil, nil
}
