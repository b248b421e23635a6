package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/ent0n29/cumeo/internal/audio"
)

// GenAITransport opens live sessions through the Google Gen AI SDK.
type GenAITransport struct {
	client *genai.Client
}

func NewGenAITransport(client *genai.Client) *GenAITransport {
	return &GenAITransport{client: client}
}

func (t *GenAITransport) Name() string { return "genai" }

func (t *GenAITransport) Open(ctx context.Context, cfg SessionConfig) (LiveSession, error) {
	if t.client == nil {
		return nil, fmt.Errorf("genai client is not configured")
	}
	session, err := t.client.Live.Connect(ctx, cfg.Model, liveConnectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai live connect: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	first, err := session.Receive()
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("await setupComplete: %w", err)
	}

	s := &genaiSession{
		session: session,
		events:  make(chan ServerEvent, 256),
		done:    make(chan struct{}),
	}
	if first.SetupComplete == nil {
		s.pending = genaiEvents(first)
	}
	go s.readLoop()
	return s, nil
}

func liveConnectConfig(cfg SessionConfig) *genai.LiveConnectConfig {
	conf := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		conf.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		conf.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.InputTranscription {
		conf.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		conf.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return conf
}

type genaiSession struct {
	session   *genai.Session
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan ServerEvent
	done      chan struct{}
	pending   []ServerEvent
}

func (s *genaiSession) SendAudio(ctx context.Context, frame audio.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.PCM16, MIMEType: frame.MIMEType()},
	})
}

func (s *genaiSession) Events() <-chan ServerEvent { return s.events }

func (s *genaiSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.session.Close()
	})
	return retErr
}

func (s *genaiSession) readLoop() {
	defer close(s.events)
	for _, evt := range s.pending {
		if !s.emit(evt) {
			return
		}
	}
	for {
		msg, err := s.session.Receive()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.emit(ServerEvent{Type: EventError, Code: "genai_receive", Detail: err.Error(), Retryable: true})
				_ = s.session.Close()
			}
			return
		}
		for _, evt := range genaiEvents(msg) {
			if !s.emit(evt) {
				return
			}
		}
	}
}

func (s *genaiSession) emit(evt ServerEvent) bool {
	select {
	case s.events <- evt:
		return true
	case <-s.done:
		return false
	}
}

// genaiEvents maps an SDK server message to events in the same order as the
// websocket transport.
func genaiEvents(msg *genai.LiveServerMessage) []ServerEvent {
	if msg == nil {
		return nil
	}
	var events []ServerEvent
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			var text strings.Builder
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					events = append(events, ServerEvent{
						Type:        EventAudio,
						AudioBase64: base64.StdEncoding.EncodeToString(part.InlineData.Data),
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
		events = append(events, ServerEvent{Type: EventGoAway, Detail: fmt.Sprint(msg.GoAway.TimeLeft)})
	}
	return events
}
