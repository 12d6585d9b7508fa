package session

import (
	"time"

	"github.com/ent0n29/medtranslate/internal/language"
	"github.com/ent0n29/medtranslate/internal/pipeline"
)

// Capabilities reports what the client device can do for this session.
type Capabilities struct {
	SpeechCapture   bool `json:"speech_capture"`
	SpeechSynthesis bool `json:"speech_synthesis"`
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	InputLanguage  string        `json:"input_language"`
	OutputLanguage string        `json:"output_language"`
	Capabilities   *Capabilities `json:"capabilities,omitempty"`
}

// Languages resolves the requested pair against the catalog defaults.
func (r CreateRequest) Languages() (language.Config, error) {
	cfg := language.Config{Input: r.InputLanguage, Output: r.OutputLanguage}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return language.Config{}, err
	}
	return cfg, nil
}

// DeviceCapabilities defaults to a fully capable device when the client sent nothing.
func (r CreateRequest) DeviceCapabilities() Capabilities {
	if r.Capabilities == nil {
		return Capabilities{SpeechCapture: true, SpeechSynthesis: true}
	}
	return *r.Capabilities
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string          `json:"session_id"`
	Status          Status          `json:"status"`
	Languages       language.Config `json:"languages"`
	Capabilities    Capabilities    `json:"capabilities"`
	StartedAt       time.Time       `json:"started_at"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	InactivityTTLMS int64           `json:"inactivity_ttl_ms"`
}

// View is a session plus the live pipeline state when a connection is attached.
type View struct {
	*Session
	Live *pipeline.State `json:"live,omitempty"`
}
