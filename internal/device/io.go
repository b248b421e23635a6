package device

import (
	"fmt"

	"github.com/ent0n29/cumeo/internal/voice"
)

type CaptureOpener interface {
	OpenCapture(sampleRate int) (voice.CaptureDevice, error)
}

type PlaybackOpener interface {
	OpenPlayback(sampleRate int) (voice.PlaybackDevice, error)
}

// IO pairs a capture source with a playback sink, e.g. a WAV file with the
// speaker or the microphone with a recorder.
type IO struct {
	Capture  CaptureOpener
	Playback PlaybackOpener
}

func (d IO) OpenCapture(sampleRate int) (voice.CaptureDevice, error) {
	if d.Capture == nil {
		return nil, fmt.Errorf("no capture device configured")
	}
	return d.Capture.OpenCapture(sampleRate)
}

func (d IO) OpenPlayback(sampleRate int) (voice.PlaybackDevice, error) {
	if d.Playback == nil {
		return nil, fmt.Errorf("no playback device configured")
	}
	return d.Playback.OpenPlayback(sampleRate)
}
