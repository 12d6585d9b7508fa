package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/medtranslate/internal/transcript"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl           MessageType = "client_control"
	TypeClientRecognitionResult MessageType = "client_recognition_result"
	TypeClientRecognitionError  MessageType = "client_recognition_error"

	TypeStateSnapshot      MessageType = "state_snapshot"
	TypeRecognitionControl MessageType = "recognition_control"
	TypeSpeakRequest       MessageType = "speak_request"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

// Client control actions.
const (
	ActionStartRecording    = "start_recording"
	ActionStopRecording     = "stop_recording"
	ActionSetInputLanguage  = "set_input_language"
	ActionSetOutputLanguage = "set_output_language"
	ActionEditInputText     = "edit_input_text"
	ActionSpeakTranslation  = "speak_translation"
	ActionClear             = "clear"
	ActionActivity          = "activity"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Language  string      `json:"language,omitempty"`
	// Text is a pointer so an explicit empty edit can be told apart from a missing field.
	Text *string `json:"text,omitempty"`
}

type ClientRecognitionResult struct {
	Type      MessageType          `json:"type"`
	SessionID string               `json:"session_id"`
	Results   []transcript.Segment `json:"results"`
}

type ClientRecognitionError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Error     string      `json:"error"`
}

type StateSnapshot struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	InputText      string      `json:"input_text"`
	TranslatedText string      `json:"translated_text"`
	IsRecording    bool        `json:"is_recording"`
	Translating    bool        `json:"translating"`
	InputLanguage  string      `json:"input_language"`
	OutputLanguage string      `json:"output_language"`
	LastActivityAt time.Time   `json:"last_activity_at"`
}

type RecognitionControl struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	Action         string      `json:"action"`
	Language       string      `json:"language,omitempty"`
	Continuous     bool        `json:"continuous,omitempty"`
	InterimResults bool        `json:"interim_results,omitempty"`
}

type SpeakRequest struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Language  string      `json:"language"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if err := validateControl(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientRecognitionResult:
		var msg ClientRecognitionResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_recognition_result")
		}
		return msg, nil
	case TypeClientRecognitionError:
		var msg ClientRecognitionError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_recognition_error")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func validateControl(msg ClientControl) error {
	switch msg.Action {
	case ActionStartRecording, ActionStopRecording, ActionSpeakTranslation, ActionClear, ActionActivity:
		return nil
	case ActionSetInputLanguage, ActionSetOutputLanguage:
		if strings.TrimSpace(msg.Language) == "" {
			return fmt.Errorf("client_control %s requires language", msg.Action)
		}
		return nil
	case ActionEditInputText:
		if msg.Text == nil {
			return fmt.Errorf("client_control %s requires text", msg.Action)
		}
		return nil
	default:
		return fmt.Errorf("client_control: unknown action %q", msg.Action)
	}
}

// TypeOf reports the message type of any protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientControl:
		return m.Type, true
	case ClientRecognitionResult:
		return m.Type, true
	case ClientRecognitionError:
		return m.Type, true
	case StateSnapshot:
		return m.Type, true
	case RecognitionControl:
		return m.Type, true
	case SpeakRequest:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
