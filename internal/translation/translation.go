// Package translation sends accumulated transcript text to a remote
// clinical translation service.
package translation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/medtranslate/internal/language"
)

// FailureSentinel replaces the translated text whenever a translation fails.
const FailureSentinel = "Translation failed."

var (
	ErrTranslationFailed = errors.New("translation failed")
	ErrEmptyText         = errors.New("translation: empty source text")
)

type Request struct {
	SourceText     string
	SourceLanguage string
	TargetLanguage string
}

type Response struct {
	TranslatedText string
}

// Translator performs one remote translation call.
type Translator interface {
	Translate(ctx context.Context, req Request) (Response, error)
}

// SystemPrompt is the fixed clinical instruction sent with every request.
func SystemPrompt(source, target string) string {
	return fmt.Sprintf(
		"You are a professional healthcare translation assistant. Translate the following text from %s to %s, "+
			"ensuring medical terms, abbreviations, and context are accurately translated. "+
			"Expand all medical abbreviations into their full forms while keeping the translation medically precise "+
			"and contextually appropriate. Avoid literal translations that would change the clinical meaning. "+
			"Reply with the translation only.",
		describe(source), describe(target),
	)
}

func describe(code string) string {
	if l, ok := language.Lookup(code); ok {
		return fmt.Sprintf("%s (%s)", l.DisplayName, l.Code)
	}
	return code
}

func failed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTranslationFailed, fmt.Sprintf(format, args...))
}
