// Package speech turns translated text into audible output through a host
// synthesis capability.
package speech

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var ErrCapabilityUnavailable = errors.New("speech synthesis capability unavailable")

type Utterance struct {
	Text     string
	Language string
}

// Synthesizer is the host synthesis capability.
type Synthesizer interface {
	Speak(ctx context.Context, u Utterance) error
}

// Unavailable is the synthesizer for hosts without speech output.
type Unavailable struct{}

func (Unavailable) Speak(context.Context, Utterance) error { return ErrCapabilityUnavailable }

const defaultSpeakTimeout = 30 * time.Second

// Sink dispatches utterances without waiting for them.
type Sink struct {
	synth   Synthesizer
	logger  *log.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewSink(synth Synthesizer, logger *log.Logger) *Sink {
	if synth == nil {
		synth = Unavailable{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Sink{synth: synth, logger: logger, timeout: defaultSpeakTimeout}
}

// Speak hands text to the synthesizer on its own goroutine. Empty text is a
// no-op. It reports whether a synthesis call was dispatched.
func (s *Sink) Speak(text, language string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	u := Utterance{Text: text, Language: language}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.synth.Speak(ctx, u); err != nil {
			if errors.Is(err, ErrCapabilityUnavailable) {
				s.logger.Warn("speech synthesis unavailable", "language", u.Language)
				return
			}
			s.logger.Error("speech synthesis failed", "language", u.Language, "err", err)
		}
	}()
	return true
}

// Wait blocks until dispatched utterances have been handed off.
func (s *Sink) Wait() { s.wg.Wait() }
