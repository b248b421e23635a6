package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/cumeo/internal/audio"
	"github.com/ent0n29/cumeo/internal/protocol"
)

type options struct {
	baseURL     string
	userID      string
	grade       int
	inputWAV    string
	turns       int
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	verbose     bool
}

type createSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
	Grade  int    `json:"grade,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Text      string `json:"text,omitempty"`
	IsModel   bool   `json:"is_model,omitempty"`
}

type receivedEvent struct {
	env wsEnvelope
	at  time.Time
}

// clip is mono PCM16LE audio replayed as one pupil utterance.
type clip struct {
	PCM16LE    []byte
	SampleRate int
}

type turnResult struct {
	FirstAudio time.Duration
	TurnEnd    time.Duration
}

type report struct {
	SessionID string
	Turns     []turnResult
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayreplay: %v\n", err)
		os.Exit(2)
	}
	c, err := loadClip(cfg.inputWAV)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayreplay: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()
	rep, err := run(ctx, cfg, c, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayreplay: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, rep)
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "tutor server base URL")
	flag.StringVar(&cfg.userID, "user-id", "relay-replay", "user_id used for the synthetic session")
	flag.IntVar(&cfg.grade, "grade", 0, "optional pupil grade (1-5)")
	flag.StringVar(&cfg.inputWAV, "input-wav", "", "utterance to replay (default: one second tone)")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for assistant_turn_end per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.grade < 0 || cfg.grade > 5 {
		return options{}, fmt.Errorf("grade must be in [1,5]")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func loadClip(path string) (clip, error) {
	if strings.TrimSpace(path) == "" {
		return toneClip(audio.InputSampleRate, time.Second), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return clip{}, err
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return clip{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return clip{PCM16LE: pcm, SampleRate: sampleRate}, nil
}

func toneClip(sampleRate int, d time.Duration) clip {
	n := int(float64(sampleRate) * d.Seconds())
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	return clip{PCM16LE: audio.EncodePCM16(samples), SampleRate: sampleRate}
}

func run(ctx context.Context, cfg options, c clip, out io.Writer) (report, error) {
	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return report{}, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()
	rep := report{SessionID: sessionID}
	if cfg.verbose {
		fmt.Fprintf(out, "relayreplay: session=%s turns=%d chunk_ms=%d realtime=%.2f\n", sessionID, cfg.turns, cfg.chunkMS, cfg.realtime)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return rep, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return rep, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan receivedEvent, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, events, readErrCh)

	if err := sendControl(conn, sessionID, protocol.ActionStart); err != nil {
		return rep, fmt.Errorf("send start: %w", err)
	}
	if err := awaitConnected(events, readErrCh, cfg.turnTimeout); err != nil {
		return rep, fmt.Errorf("await connected: %w", err)
	}

	seq := 0
	for i := 0; i < cfg.turns; i++ {
		sentAt, err := sendTurnAudio(conn, sessionID, c, cfg.chunkMS, cfg.realtime, &seq)
		if err != nil {
			return rep, fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		result, err := awaitTurnEnd(events, readErrCh, sentAt, cfg.turnTimeout, out, cfg.verbose)
		if err != nil {
			return rep, fmt.Errorf("turn %d await assistant_turn_end: %w", i+1, err)
		}
		rep.Turns = append(rep.Turns, result)
		if cfg.verbose {
			fmt.Fprintf(out, "relayreplay: turn %d/%d first_audio=%s turn_end=%s\n", i+1, cfg.turns,
				result.FirstAudio.Round(time.Millisecond), result.TurnEnd.Round(time.Millisecond))
		}
	}

	_ = sendControl(conn, sessionID, protocol.ActionStop)
	return rep, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{UserID: cfg.userID, Grade: cfg.grade})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/live/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var created createSessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return created.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/live/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/live/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- receivedEvent, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case events <- receivedEvent{env: env, at: time.Now()}:
		default:
		}
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
		TSMs:      time.Now().UnixMilli(),
	})
}

// chunkBytes returns the PCM16 byte length of chunkMS of audio, kept even.
func chunkBytes(sampleRate, chunkMS int) int {
	n := sampleRate * 2 * chunkMS / 1000
	if n < 2 {
		n = 2
	}
	if n%2 != 0 {
		n++
	}
	return n
}

// sendTurnAudio paces the clip out in chunks and returns when the last chunk
// was written.
func sendTurnAudio(conn *websocket.Conn, sessionID string, c clip, chunkMS int, realtime float64, seq *int) (time.Time, error) {
	sampleRate := c.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.InputSampleRate
	}
	size := chunkBytes(sampleRate, chunkMS)
	var lastSent time.Time
	for off := 0; off < len(c.PCM16LE); off += size {
		end := min(off+size, len(c.PCM16LE))
		end -= (end - off) % 2
		if end <= off {
			break
		}
		*seq = *seq + 1
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(c.PCM16LE[off:end]),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		lastSent = time.Now()
		if err := conn.WriteJSON(msg); err != nil {
			return lastSent, err
		}
		pause := time.Duration(float64(time.Duration(end-off)*time.Second/time.Duration(sampleRate*2)) / realtime)
		if pause > 0 {
			time.Sleep(pause)
		}
	}
	return lastSent, nil
}

func awaitConnected(events <-chan receivedEvent, readErrCh <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case evt := <-events:
			switch evt.env.Type {
			case string(protocol.TypeStatusEvent):
				if evt.env.Connected {
					return nil
				}
			case string(protocol.TypeErrorEvent):
				return fmt.Errorf("error_event code=%s detail=%s", evt.env.Code, evt.env.Detail)
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func awaitTurnEnd(events <-chan receivedEvent, readErrCh <-chan error, sentAt time.Time, timeout time.Duration, out io.Writer, verbose bool) (turnResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var result turnResult
	for {
		select {
		case evt := <-events:
			switch evt.env.Type {
			case string(protocol.TypeAssistantAudio):
				if result.FirstAudio == 0 {
					result.FirstAudio = evt.at.Sub(sentAt)
				}
			case string(protocol.TypeTranscript):
				if verbose {
					speaker := "hoc sinh"
					if evt.env.IsModel {
						speaker = "thay cu"
					}
					fmt.Fprintf(out, "relayreplay: [%s] %s\n", speaker, evt.env.Text)
				}
			case string(protocol.TypeAssistantTurnEnd):
				result.TurnEnd = evt.at.Sub(sentAt)
				return result, nil
			case string(protocol.TypeStatusEvent):
				if !evt.env.Connected {
					return result, fmt.Errorf("live session disconnected")
				}
			case string(protocol.TypeErrorEvent):
				if verbose {
					fmt.Fprintf(out, "relayreplay: error_event code=%s detail=%s\n", evt.env.Code, evt.env.Detail)
				}
			}
		case err := <-readErrCh:
			return result, err
		case <-timer.C:
			return result, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func printSummary(out io.Writer, rep report) {
	if len(rep.Turns) == 0 {
		fmt.Fprintln(out, "relayreplay: no turns completed")
		return
	}
	firstAudio := make([]time.Duration, 0, len(rep.Turns))
	for _, t := range rep.Turns {
		firstAudio = append(firstAudio, t.FirstAudio)
	}
	sort.Slice(firstAudio, func(i, j int) bool { return firstAudio[i] < firstAudio[j] })
	fmt.Fprintf(out, "relayreplay: %d turns first_audio p50=%s max=%s\n",
		len(rep.Turns),
		firstAudio[len(firstAudio)/2].Round(time.Millisecond),
		firstAudio[len(firstAudio)-1].Round(time.Millisecond),
	)
}
