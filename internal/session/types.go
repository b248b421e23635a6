package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID  string `json:"user_id"`
	VoiceID string `json:"voice_id"`
	// Grade is the pupil's school year, 1 to 5; 0 leaves it unspecified.
	Grade int `json:"grade"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	VoiceID         string    `json:"voice_id"`
	Grade           int       `json:"grade,omitempty"`
	Model           string    `json:"model"`
	Greeting        string    `json:"greeting"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
