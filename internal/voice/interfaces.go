package voice

import (
	"context"

	"github.com/ent0n29/cumeo/internal/audio"
)

type ServerEventType string

const (
	EventAudio            ServerEventType = "audio"
	EventInputTranscript  ServerEventType = "input_transcript"
	EventModelText        ServerEventType = "model_text"
	EventOutputTranscript ServerEventType = "output_transcript"
	EventTurnComplete     ServerEventType = "turn_complete"
	EventInterrupted      ServerEventType = "interrupted"
	EventGoAway           ServerEventType = "go_away"
	EventError            ServerEventType = "error"
)

// ServerEvent is one decoded message from the live session. Audio payloads
// stay base64 encoded so decoding happens in the playback path.
type ServerEvent struct {
	Type        ServerEventType
	Text        string
	AudioBase64 string
	MIMEType    string
	Code        string
	Detail      string
	Retryable   bool
}

// SessionConfig is sent to the remote model when the session opens.
type SessionConfig struct {
	Model               string
	Voice               string
	SystemInstruction   string
	InputSampleRate     int
	OutputSampleRate    int
	InputTranscription  bool
	OutputTranscription bool
}

// LiveSession is an open bidirectional session. Events is closed when the
// session ends, whether by Close, remote close or transport error.
type LiveSession interface {
	SendAudio(ctx context.Context, frame audio.Frame) error
	Events() <-chan ServerEvent
	Close() error
}

// Transport opens live sessions. Open returns only after the remote side has
// acknowledged the session configuration.
type Transport interface {
	Name() string
	Open(ctx context.Context, cfg SessionConfig) (LiveSession, error)
}

// FrameSink receives captured float samples in [-1, 1] at the capture rate.
// Slices may be reused by the caller after the sink returns.
type FrameSink func(samples []float32)

// CaptureDevice is an acquired microphone. Close releases it; no sink calls
// are made after Close returns.
type CaptureDevice interface {
	Start(sink FrameSink) error
	Close() error
}

// PlaybackDevice plays float buffers against its own audio clock.
type PlaybackDevice interface {
	// Now returns the current audio clock time in seconds.
	Now() float64
	// Play schedules samples to start at the given clock time.
	Play(samples []float32, at float64) error
	Close() error
}

// AudioIO acquires the devices a client needs for one session.
type AudioIO interface {
	OpenCapture(sampleRate int) (CaptureDevice, error)
	OpenPlayback(sampleRate int) (PlaybackDevice, error)
}
