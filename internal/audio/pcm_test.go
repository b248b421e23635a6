package audio

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameHalfScale(t *testing.T) {
	samples := make([]float32, FrameSamples)
	for i := range samples {
		samples[i] = 0.5
	}

	frame := EncodeFrame(1, samples, InputSampleRate)
	require.Equal(t, FrameSamples, frame.Samples())
	assert.Equal(t, "audio/pcm;rate=16000", frame.MIMEType())

	raw, err := base64.StdEncoding.DecodeString(frame.Base64())
	require.NoError(t, err)
	require.Len(t, raw, FrameSamples*2)
	for i := 0; i < FrameSamples; i++ {
		got := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		if got != 16384 {
			t.Fatalf("sample %d = %d, want 16384", i, got)
		}
	}
}

func TestFloatToPCM16TruncatesAndSaturates(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{0.5, 16384},
		{-0.5, -16384},
		{1, 32767},
		{-1, -32768},
		{1.5, 32767},
		{-2, -32768},
		{0.00003, 0},
		{-0.00003, 0},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, FloatToPCM16(tc.in), "FloatToPCM16(%v)", tc.in)
	}
}

func TestPCMRoundTripWithinOneStep(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	samples := make([]float32, 3*FrameSamples)
	for i := range samples {
		samples[i] = rng.Float32()*2 - 1
	}

	decoded, err := DecodePCM16(EncodePCM16(samples))
	require.NoError(t, err)
	require.Len(t, decoded, len(samples))
	for i := range samples {
		if diff := math.Abs(float64(decoded[i] - samples[i])); diff > 1.0/32768 {
			t.Fatalf("sample %d diff = %g, exceeds one PCM16 step", i, diff)
		}
	}
}

func TestDecodeChunk(t *testing.T) {
	pcm := make([]byte, 4)
	binary.LittleEndian.PutUint16(pcm[0:], 0x4000)
	binary.LittleEndian.PutUint16(pcm[2:], 0x8000)

	chunk, err := DecodeChunk(base64.StdEncoding.EncodeToString(pcm), OutputSampleRate)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1}, chunk.Samples)
	assert.InDelta(t, 2.0/24000, chunk.Duration(), 1e-12)

	_, err = DecodeChunk("!!not-base64!!", OutputSampleRate)
	assert.Error(t, err)

	_, err = DecodeChunk(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), OutputSampleRate)
	assert.ErrorIs(t, err, ErrOddPCMLength)
}

func TestFramerEmitsFixedFrames(t *testing.T) {
	f := NewFramer(FrameSamples)
	total := 3 * FrameSamples
	input := make([]float32, total)
	for i := range input {
		input[i] = float32(i)
	}

	var frames [][]float32
	emit := func(frame []float32) {
		frames = append(frames, append([]float32(nil), frame...))
	}
	for off, step := 0, 1000; off < total; off += step {
		end := off + step
		if end > total {
			end = total
		}
		f.Push(input[off:end], emit)
	}

	require.Len(t, frames, 3)
	assert.Equal(t, 0, f.Pending())
	for i, frame := range frames {
		require.Len(t, frame, FrameSamples)
		assert.Equal(t, float32(i*FrameSamples), frame[0])
		assert.Equal(t, float32((i+1)*FrameSamples-1), frame[FrameSamples-1])
	}
}

func TestFramerFlushPadsRemainder(t *testing.T) {
	f := NewFramer(4)
	var frames [][]float32
	emit := func(frame []float32) {
		frames = append(frames, append([]float32(nil), frame...))
	}
	f.Push([]float32{1, 2, 3, 4, 5, 6}, emit)
	require.Len(t, frames, 1)
	assert.Equal(t, 2, f.Pending())

	f.Flush(emit)
	require.Len(t, frames, 2)
	assert.Equal(t, []float32{5, 6, 0, 0}, frames[1])
	assert.Equal(t, 0, f.Pending())
}

func TestResampleLength(t *testing.T) {
	in := make([]float32, 48000)
	out := Resample(in, 48000, InputSampleRate)
	assert.Len(t, out, InputSampleRate)
	assert.Equal(t, in, Resample(in, 16000, 16000))
}
