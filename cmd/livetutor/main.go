package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/cumeo/internal/app"
	"github.com/ent0n29/cumeo/internal/config"
	"github.com/ent0n29/cumeo/internal/device"
	"github.com/ent0n29/cumeo/internal/reliability"
	"github.com/ent0n29/cumeo/internal/tutor"
	"github.com/ent0n29/cumeo/internal/voice"
)

var errRemoteClosed = errors.New("live session closed by the tutor")

type options struct {
	inputWAV  string
	dumpWAV   string
	retries   int
	transport string
	pace      float64
	tail      time.Duration
	verbose   bool
}

func main() {
	opts := parseFlags()

	if err := config.LoadEnvFile(); err != nil {
		log.Fatalf("env file error: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if opts.transport != "" {
		cfg.LiveTransport = strings.ToLower(strings.TrimSpace(opts.transport))
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, cfg, logger, os.Stdout); err != nil {
		log.Fatalf("livetutor: %v", err)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.inputWAV, "input-wav", "", "replay this WAV file as the microphone")
	flag.StringVar(&opts.dumpWAV, "dump-wav", "", "record the tutor's speech to this WAV file instead of the speaker")
	flag.IntVar(&opts.retries, "retries", 3, "connect attempts before giving up")
	flag.StringVar(&opts.transport, "transport", "", "override LIVE_TRANSPORT (auto|websocket|genai|mock)")
	flag.Float64Var(&opts.pace, "pace", 1.0, "WAV input pacing (1.0=realtime, 0=as fast as possible)")
	flag.DurationVar(&opts.tail, "tail", 5*time.Second, "how long to keep listening after WAV input ends")
	flag.BoolVar(&opts.verbose, "verbose", false, "debug logging")
	flag.Parse()
	return opts
}

// audioSetup picks the microphone or a WAV file as input and the speaker or a
// recorder as output. The audio backend is only started when a real device
// is needed.
type audioSetup struct {
	io       device.IO
	input    <-chan struct{}
	recorder *device.Recorder
	close    func() error
}

func newAudioSetup(opts options, logger *slog.Logger) (audioSetup, error) {
	setup := audioSetup{close: func() error { return nil }}

	var hw *device.Malgo
	hardware := func() (*device.Malgo, error) {
		if hw != nil {
			return hw, nil
		}
		m, err := device.NewMalgo(logger)
		if err != nil {
			return nil, err
		}
		hw = m
		setup.close = m.Close
		return m, nil
	}

	if opts.inputWAV != "" {
		src, err := device.NewWAVSource(opts.inputWAV)
		if err != nil {
			return setup, err
		}
		src.Pace = opts.pace
		setup.io.Capture = src
		setup.input = src.Done()
	} else {
		m, err := hardware()
		if err != nil {
			return setup, err
		}
		setup.io.Capture = m
	}

	if opts.dumpWAV != "" {
		setup.recorder = device.NewRecorder()
		setup.io.Playback = setup.recorder
	} else {
		m, err := hardware()
		if err != nil {
			_ = setup.close()
			return setup, err
		}
		setup.io.Playback = m
	}
	return setup, nil
}

func run(ctx context.Context, opts options, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	live, err := app.ResolveLive(ctx, cfg)
	if err != nil {
		return err
	}
	audioDevices, err := newAudioSetup(opts, logger)
	if err != nil {
		return err
	}
	defer audioDevices.close()

	transcript := tutor.NewTranscript(tutor.DefaultGreeting)
	for _, item := range transcript.Items() {
		printItem(out, item)
	}

	disconnected := make(chan struct{})
	var disconnectOnce sync.Once
	client := voice.NewClient(voice.Config{
		Session:      app.SessionConfig(cfg),
		Transport:    live.Transport,
		Audio:        audioDevices.io,
		FrameSamples: cfg.LiveFrameSamples,
		SendQueue:    cfg.SendQueue,
		Backpressure: voice.BackpressureMode(cfg.Backpressure),
		BlockTimeout: cfg.SendBlockTimeout,
		Logger:       logger,
	}, func(text string, isModel bool) {
		if item, ok := transcript.Add(text, isModel); ok {
			printItem(out, item)
		}
	}, func(connected bool) {
		if connected {
			fmt.Fprintf(out, "* đã kết nối (%s)\n", live.Detail)
			return
		}
		fmt.Fprintln(out, "* đã ngắt kết nối")
		disconnectOnce.Do(func() { close(disconnected) })
	})

	err = reliability.Retry(ctx, opts.retries, 500*time.Millisecond, 8*time.Second,
		func(err error) bool { return errors.Is(err, voice.ErrSessionOpen) },
		func(attempt int) error {
			if attempt > 0 {
				logger.Warn("retrying live connect", "attempt", attempt+1)
			}
			return client.Connect(ctx)
		})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-disconnected:
			return errRemoteClosed
		case <-audioDevices.input:
		}
		// Give the tutor time to answer the last utterance.
		timer := time.NewTimer(opts.tail)
		defer timer.Stop()
		select {
		case <-gctx.Done():
			return nil
		case <-disconnected:
			return errRemoteClosed
		case <-timer.C:
		}
		client.Disconnect()
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-disconnected:
				return nil
			case <-ticker.C:
				logger.Debug("live client stats", "stats", client.Stats())
			}
		}
	})
	err = g.Wait()
	client.Disconnect()

	if audioDevices.recorder != nil {
		if werr := audioDevices.recorder.WriteWAV(opts.dumpWAV); werr != nil {
			return fmt.Errorf("write %s: %w", opts.dumpWAV, werr)
		}
		fmt.Fprintf(out, "* đã lưu giọng thầy vào %s\n", opts.dumpWAV)
	}
	stats := client.Stats()
	fmt.Fprintf(out, "* frames sent=%d dropped=%d chunks=%d transcript=%d\n",
		stats.FramesSent, stats.FramesDropped, stats.ChunksScheduled, stats.TranscriptItems)
	if errors.Is(err, errRemoteClosed) && audioDevices.input == nil {
		return err
	}
	return nil
}

func printItem(out io.Writer, item tutor.Item) {
	if !item.IsModel {
		fmt.Fprintf(out, "Bé: %s\n", item.Text)
		return
	}
	if item.Explanation != "" {
		fmt.Fprintf(out, "Thầy Cú: (%s)\n", item.Explanation)
	}
	fmt.Fprintf(out, "Thầy Cú: %s\n", item.Text)
	if item.CallToAction != "" {
		fmt.Fprintf(out, "Thầy Cú: %s\n", item.CallToAction)
	}
}
