package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// InputSampleRate is the microphone rate expected by the live model.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of synthesized speech returned by the live model.
	OutputSampleRate = 24000
	// FrameSamples is the number of samples per outbound frame.
	FrameSamples = 4096
)

var ErrOddPCMLength = errors.New("pcm16 payload has odd byte length")

// Frame is one encoded block of microphone audio ready to be sent upstream.
type Frame struct {
	Seq        int
	PCM16      []byte
	SampleRate int
}

// Samples reports the number of PCM16 samples carried by the frame.
func (f Frame) Samples() int { return len(f.PCM16) / 2 }

// Base64 returns the standard base64 encoding of the PCM16LE payload.
func (f Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.PCM16)
}

// MIMEType tags the payload as raw PCM at the frame's rate.
func (f Frame) MIMEType() string {
	return PCMMIMEType(f.SampleRate)
}

func PCMMIMEType(sampleRate int) string {
	if sampleRate <= 0 {
		sampleRate = InputSampleRate
	}
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Chunk is one decoded block of model speech.
type Chunk struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the chunk in seconds.
func (c Chunk) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

func (c Chunk) DurationTime() time.Duration {
	return time.Duration(c.Duration() * float64(time.Second))
}

// FloatToPCM16 scales a [-1, 1] sample by 32768 and truncates toward zero.
// Out-of-range input saturates at the int16 limits.
func FloatToPCM16(s float32) int16 {
	v := float64(s) * 32768
	if v >= 32767 {
		return 32767
	}
	if v <= -32768 {
		return -32768
	}
	return int16(v)
}

func PCM16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// EncodePCM16 converts float samples to little-endian PCM16 bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s)))
	}
	return out
}

// DecodePCM16 converts little-endian PCM16 bytes to float samples in [-1, 1).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out, nil
}

// EncodeFrame builds an outbound frame from captured float samples.
func EncodeFrame(seq int, samples []float32, sampleRate int) Frame {
	if sampleRate <= 0 {
		sampleRate = InputSampleRate
	}
	return Frame{Seq: seq, PCM16: EncodePCM16(samples), SampleRate: sampleRate}
}

// DecodeChunk decodes a base64 PCM16LE payload into a playable chunk.
func DecodeChunk(b64 string, sampleRate int) (Chunk, error) {
	if sampleRate <= 0 {
		sampleRate = OutputSampleRate
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Chunk{}, fmt.Errorf("decode base64 audio: %w", err)
	}
	samples, err := DecodePCM16(raw)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Samples: samples, SampleRate: sampleRate}, nil
}

// Resample converts mono float samples between rates with linear interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-frac) + samples[lo+1]*frac
	}
	return out
}
