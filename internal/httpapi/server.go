package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/cumeo/internal/config"
	"github.com/ent0n29/cumeo/internal/observability"
	"github.com/ent0n29/cumeo/internal/protocol"
	"github.com/ent0n29/cumeo/internal/session"
	"github.com/ent0n29/cumeo/internal/tutor"
	"github.com/ent0n29/cumeo/internal/voice"
)

// LiveSettings configures the voice client each relay connection runs.
type LiveSettings struct {
	Transport    voice.Transport
	Session      voice.SessionConfig
	FrameSamples int
	SendQueue    int
	Backpressure voice.BackpressureMode
	BlockTimeout time.Duration
	// InboundFPS caps client_audio_chunk messages per second; 0 disables it.
	InboundFPS int
	Greeting   string
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	live     LiveSettings
	tutor    *tutor.Service
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	relays map[string]*relay
}

func New(cfg config.Config, sessions *session.Manager, live LiveSettings, tutorService *tutor.Service, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if live.Greeting == "" {
		live.Greeting = tutor.DefaultGreeting
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		live:     live,
		tutor:    tutorService,
		metrics:  metrics,
		logger:   logger.With("component", "httpapi"),
		relays:   make(map[string]*relay),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only the page served from this host may drive a pupil's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	sessions.SetExpireHook(func(sess *session.Session) {
		s.metrics.ObserveSessionEvent("expired")
		s.closeRelay(sess.ID)
		s.updateActiveSessions()
	})
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/live/session", s.handleCreateSession)
	r.Get("/v1/live/session/{id}", s.handleGetSession)
	r.Post("/v1/live/session/{id}/end", s.handleEndSession)
	r.Get("/v1/live/session/ws", s.handleSessionWS)

	r.Route("/v1/tutor", func(r chi.Router) {
		r.Post("/questions", s.handleGameQuestions)
		r.Post("/writing", s.handleAnalyzeWriting)
		r.Post("/mindmap", s.handleMindMap)
		r.Post("/reply", s.handleTeacherReply)
		r.Post("/vocabulary", s.handleVocabulary)
		r.Post("/illustration", s.handleIllustration)
		r.Post("/image-ideas", s.handleImageIdeas)
		r.Post("/challenge", s.handleGameChallenge)
		r.Post("/forest-session", s.handleForestSession)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"live_transport": s.transportName(),
		"tutor_enabled":  s.tutor != nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.live.Transport == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "live transport not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"live_transport":  s.transportName(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.live.Session.Voice
	}
	if req.Grade < 0 || req.Grade > 5 {
		respondError(w, http.StatusBadRequest, "invalid_grade", "grade must be between 1 and 5")
		return
	}

	sess, replaced := s.sessions.Create(req.UserID, req.VoiceID, req.Grade)
	if replaced != nil {
		s.closeRelay(replaced.ID)
		s.metrics.ObserveSessionEvent("replaced")
	}
	s.updateActiveSessions()
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		VoiceID:         sess.VoiceID,
		Grade:           sess.Grade,
		Model:           s.live.Session.Model,
		Greeting:        s.live.Greeting,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.closeRelay(id)
	s.updateActiveSessions()
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.live.Transport == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "live transport not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session has ended")
		return
	}
	s.mu.Lock()
	_, busy := s.relays[sessionID]
	s.mu.Unlock()
	if busy {
		respondError(w, http.StatusConflict, "session_in_use", "session already has a live connection")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	rl := newRelay(s, sess, conn)
	if !s.attachRelay(rl) {
		return
	}
	defer s.detachRelay(rl)

	s.metrics.ObserveSessionEvent("ws_connected")
	if err := rl.run(r.Context()); err != nil {
		s.logger.Debug("relay closed", "session_id", sessionID, "error", err)
	}
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotLatency())
}

func (s *Server) attachRelay(rl *relay) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.relays[rl.sessionID]; ok {
		return false
	}
	s.relays[rl.sessionID] = rl
	return true
}

func (s *Server) detachRelay(rl *relay) {
	s.mu.Lock()
	if s.relays[rl.sessionID] == rl {
		delete(s.relays, rl.sessionID)
	}
	s.mu.Unlock()
}

// closeRelay stops the live connection of a session, if any.
func (s *Server) closeRelay(sessionID string) {
	s.mu.Lock()
	rl := s.relays[sessionID]
	s.mu.Unlock()
	if rl != nil {
		rl.close()
	}
}

func (s *Server) updateActiveSessions() {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

func (s *Server) transportName() string {
	if s.live.Transport == nil {
		return ""
	}
	return s.live.Transport.Name()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.TranscriptUpdate:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// liveSessionConfig adds the pupil's grade to the tutor instruction.
func liveSessionConfig(base voice.SessionConfig, sess *session.Session) voice.SessionConfig {
	cfg := base
	if sess.VoiceID != "" {
		cfg.Voice = sess.VoiceID
	}
	if sess.Grade > 0 {
		cfg.SystemInstruction = strings.TrimSpace(cfg.SystemInstruction) +
			fmt.Sprintf("\n\nHọc sinh đang học lớp %d.", sess.Grade)
	}
	return cfg
}
