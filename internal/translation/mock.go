package translation

import (
	"context"
	"time"
)

// Mock returns deterministic "[target] text" translations for local runs.
type Mock struct {
	Delay time.Duration
}

func NewMock(delay time.Duration) *Mock { return &Mock{Delay: delay} }

func (m *Mock) Translate(ctx context.Context, req Request) (Response, error) {
	if req.SourceText == "" {
		return Response{}, ErrEmptyText
	}
	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Response{}, failed("%v", ctx.Err())
		case <-timer.C:
		}
	}
	return Response{TranslatedText: "[" + req.TargetLanguage + "] " + req.SourceText}, nil
}
