package audit

import (
	"context"
	"time"
)

type Kind string

const (
	KindSessionCreated    Kind = "session_created"
	KindSessionEnded      Kind = "session_ended"
	KindSessionExpired    Kind = "session_expired"
	KindTranscriptPurged  Kind = "transcript_purged"
	KindTranslationFailed Kind = "translation_failed"
	KindRecognitionError  Kind = "recognition_error"
)

// Event is one session lifecycle record. It never carries transcript or
// translation text.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and lists audit events.
type Store interface {
	Record(ctx context.Context, ev Event) error
	ListSession(ctx context.Context, sessionID string, limit int) ([]Event, error)
	Close() error
}
