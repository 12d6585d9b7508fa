package pipeline

import (
	"time"

	"github.com/ent0n29/medtranslate/internal/language"
)

// State is the session view exposed to the UI.
type State struct {
	InputText      string          `json:"input_text"`
	TranslatedText string          `json:"translated_text"`
	IsRecording    bool            `json:"is_recording"`
	Translating    bool            `json:"translating"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	Languages      language.Config `json:"languages"`
}

type NoticeCode string

const (
	NoticeCapabilityUnavailable NoticeCode = "capability_unavailable"
	NoticeRecognitionError      NoticeCode = "recognition_error"
	NoticeSessionExpired        NoticeCode = "session_expired"
	NoticeTranslationFailed     NoticeCode = "translation_failed"
)

// Notice is a non-fatal message for the user.
type Notice struct {
	Code   NoticeCode
	Detail string
}

// Observer receives state changes and notices on the coordinator goroutine.
// Implementations must not block.
type Observer interface {
	StateChanged(State)
	Notify(Notice)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State) {}
func (nopObserver) Notify(Notice)      {}
