// Package capture models the host speech-recognition capability as a
// continuous stream of transcript batches.
package capture

import (
	"context"
	"errors"

	"github.com/ent0n29/medtranslate/internal/transcript"
)

var (
	ErrCapabilityUnavailable = errors.New("speech capture capability unavailable")
	ErrAlreadyActive         = errors.New("capture stream already active")
)

// Options mirror the host recognizer flags.
type Options struct {
	Language       string `json:"language"`
	Continuous     bool   `json:"continuous"`
	InterimResults bool   `json:"interim_results"`
}

// RecognitionError is a stream-level failure reported by the host
// recognizer (for example "not-allowed" or "network").
type RecognitionError struct {
	Code string
}

func (e *RecognitionError) Error() string {
	if e.Code == "" {
		return "speech recognition error"
	}
	return "speech recognition error: " + e.Code
}

// Event is one delivery from a stream: either a result batch or a terminal error.
type Event struct {
	Batch []transcript.Segment
	Err   *RecognitionError
}

// Stream is a single, non-restartable recognition session. Events is closed
// once the stream ends.
type Stream interface {
	Events() <-chan Event
	Stop() error
	Abort() error
}

// Recognizer is the host capture capability. Each Start yields a new Stream.
type Recognizer interface {
	Start(ctx context.Context, opts Options) (Stream, error)
}

// Unavailable is the recognizer for hosts without speech capture.
type Unavailable struct{}

func (Unavailable) Start(context.Context, Options) (Stream, error) {
	return nil, ErrCapabilityUnavailable
}
