package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/cumeo/internal/tutor"
)

const (
	defaultQuestionCount = 5
	maxQuestionCount     = 20
)

type gameQuestionsRequest struct {
	Grade int `json:"grade"`
	Count int `json:"count"`
}

type imageRequest struct {
	// ImageBase64 is a JPEG, either bare base64 or a data URL.
	ImageBase64 string `json:"image_base64"`
}

type mindMapRequest struct {
	Subject   string                `json:"subject"`
	Structure []tutor.MindMapBranch `json:"structure"`
}

type teacherReplyRequest struct {
	Input       string `json:"input"`
	TaskContext string `json:"task_context"`
}

type topicRequest struct {
	Topic string `json:"topic"`
}

type illustrationRequest struct {
	Prompt string `json:"prompt"`
}

type challengeRequest struct {
	Type        string `json:"type"`
	MonsterName string `json:"monster_name"`
}

// requireTutor reports whether the helpers are configured and answers 501
// when they are not.
func (s *Server) requireTutor(w http.ResponseWriter) bool {
	if s.tutor == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "tutor helpers not configured")
		return false
	}
	return true
}

func (s *Server) handleGameQuestions(w http.ResponseWriter, r *http.Request) {
	if !s.requireTutor(w) {
		return
	}
	var req gameQuestionsRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Grade < 1 || req.Grade > 5 {
		respondError(w, http.StatusBadRequest, "invalid_grade", "grade must be between 1 and 5")
		return
	}
	if req.Count <= 0 {
		req.Count = defaultQuestionCount
	}
	if req.Count > maxQuestionCount {
		req.Count = maxQuestionCount
	}
	questions := s.tutor.GameQuestions(r.Context(), req.Grade, req.Count)
	respondJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

func (s *Server) handleAnalyzeWriting(w http.ResponseWriter, r *http.Request) {
	if !s.requireTutor(w) {
		return
	}
	img, ok := decodeImageRequest(w, r)
	if !ok {
		return
	}
	analysis := s.tutor.AnalyzeWriting(r.Context(), img)
	if analysis == nil {
		respondError(w, http.StatusBadGateway, "tutor_unavailable", "writing analysis failed")
		return
	}
	respondJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleMindMap(w http.ResponseWriter, r *http.Request) {
	if !s.requireTutor(w) {
		return
	}
	var req mindMapRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		respondError(w, http.StatusBadRequest, "invalid_subject", "subject is required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"image_url": s.tutor.MindMap(r.Context(), req.Subject, req.Structure),
	})
}

func (s *Server) handleTeacherReply(w http.ResponseWriter, r *http.Request) {
	if !s.requireTutor(w) {
		return
	}
	var req teacherReplyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "input is required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"reply": s.tutor.TeacherReply(r.Context(), req.Input, req.TaskContext),
	})
}

func (s *Server) handleVocabulary(w http.ResponseWriter, r *http.Request) {
	if !s.requireTutor(w) {
		return
	}
	var req topicRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		respondError(w, http.StatusBadRequest, "invalid_topic", "topic is required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cards": s.tutor.VocabularyCards(r.Context(), req.Topic),
	})
}

func (s *Server) handleIllustration(w http.ResponseWriter, r *http.Request) {
	if !s.requireTutor(w) {
		return
	}
	var req illustrationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_prompt", "prompt is required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"image_url": s.tutor.Illustration(r.Context(), req.Prompt),
	})
}

func (s *Server) handleImageIdeas(w http.ResponseWriter, r *http.Request) {
	if !s.requireTutor(w) {
		return
	}
	img, ok := decodeImageRequest(w, r)
	if !ok {
		return
	}
	ideas := s.tutor.ImageIdeas(r.Context(), img)
	if ideas == nil {
		respondError(w, http.StatusBadGateway, "tutor_unavailable", "image analysis failed")
		return
	}
	respondJSON(w, http.StatusOK, ideas)
}

func (s *Server) handleGameChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.requireTutor(w) {
		return
	}
	var req challengeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.MonsterName) == "" {
		respondError(w, http.StatusBadRequest, "invalid_challenge", "type and monster_name are required")
		return
	}
	challenge := s.tutor.GameChallenge(r.Context(), req.Type, req.MonsterName)
	if challenge == nil {
		respondError(w, http.StatusBadGateway, "tutor_unavailable", "challenge generation failed")
		return
	}
	respondJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleForestSession(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusCreated, tutor.NewForestGameSession())
}

func decodeImageRequest(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var req imageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return nil, false
	}
	payload := strings.TrimSpace(req.ImageBase64)
	if i := strings.Index(payload, ","); strings.HasPrefix(payload, "data:") && i >= 0 {
		payload = payload[i+1:]
	}
	img, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(img) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_image", "image_base64 must be base64 encoded JPEG")
		return nil, false
	}
	return img, true
}
