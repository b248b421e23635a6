package main

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/config"
	"github.com/ent0n29/cumeo/internal/tutor"
)

func writeToneWAV(t *testing.T, path string, sampleRate int, seconds float64) {
	t.Helper()
	samples := make([]float32, int(float64(sampleRate)*seconds))
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*330*float64(i)/float64(sampleRate)))
	}
	require.NoError(t, audio.WriteWAVPCM16LEFile(path, audio.EncodePCM16(samples), sampleRate))
}

func TestRunReplaysWAVThroughMockTutor(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "input.wav")
	dump := filepath.Join(dir, "tutor.wav")
	writeToneWAV(t, input, 16000, 0.3)

	cfg := config.Config{
		LiveTransport:    "mock",
		LiveModel:        "test-model",
		LiveVoice:        "Kore",
		LiveFrameSamples: 1024,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		SendQueue:        64,
		Backpressure:     "drop",
		SendBlockTimeout: 100 * time.Millisecond,
	}
	opts := options{
		inputWAV: input,
		dumpWAV:  dump,
		retries:  1,
		pace:     0,
		tail:     500 * time.Millisecond,
	}

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	require.NoError(t, run(context.Background(), opts, cfg, logger, &out))

	text := out.String()
	assert.Contains(t, text, "Thầy Cú: "+tutor.DefaultGreeting)
	assert.Contains(t, text, "Bé: simulated voice input")
	assert.Contains(t, text, "* đã ngắt kết nối")
	assert.Contains(t, text, "* đã lưu giọng thầy vào "+dump)

	samples, rate, err := audio.ReadWAVFile(dump)
	require.NoError(t, err)
	assert.Equal(t, 24000, rate)
	assert.NotEmpty(t, samples)
}

func TestRunRejectsUnknownTransport(t *testing.T) {
	err := run(context.Background(), options{retries: 1}, config.Config{LiveTransport: "carrier-pigeon"}, slog.Default(), &bytes.Buffer{})
	require.Error(t, err)
}

func TestPrintItemShowsSections(t *testing.T) {
	var out bytes.Buffer
	printItem(&out, tutor.Item{
		Reply:   tutor.ParseReply("Câu hay | Em đi học. | Kể tiếp nhé?", true),
		IsModel: true,
	})
	assert.Equal(t, "Thầy Cú: (Câu hay)\nThầy Cú: Em đi học.\nThầy Cú: Kể tiếp nhé?\n", out.String())

	out.Reset()
	printItem(&out, tutor.Item{Reply: tutor.Reply{Text: "Em chào thầy"}})
	assert.Equal(t, "Bé: Em chào thầy\n", out.String())
}
