package app

import (
	"fmt"
	"time"

	"github.com/ent0n29/medtranslate/internal/config"
	"github.com/ent0n29/medtranslate/internal/translation"
)

type translatorSetup struct {
	translator       translation.Translator
	resolvedProvider string
	detail           string
}

func resolveTranslator(cfg config.Config) (translatorSetup, error) {
	switch cfg.TranslationProvider {
	case "openai":
		if cfg.TranslationAPIKey == "" {
			return translatorSetup{}, fmt.Errorf("%w: TRANSLATION_API_KEY is not set", config.ErrConfiguration)
		}
		detail := cfg.TranslationModel
		if cfg.TranslationBaseURL != "" {
			detail += " via " + cfg.TranslationBaseURL
		}
		return translatorSetup{
			translator: translation.NewOpenAIClient(translation.OpenAIConfig{
				APIKey:      cfg.TranslationAPIKey,
				BaseURL:     cfg.TranslationBaseURL,
				Model:       cfg.TranslationModel,
				Temperature: float32(cfg.TranslationTemperature),
				Timeout:     cfg.TranslationTimeout,
				MaxRetries:  cfg.TranslationMaxRetries,
			}),
			resolvedProvider: "openai",
			detail:           detail,
		}, nil
	case "mock":
		return translatorSetup{
			translator:       translation.NewMock(150 * time.Millisecond),
			resolvedProvider: "mock",
			detail:           "deterministic mock",
		}, nil
	default:
		return translatorSetup{}, fmt.Errorf("%w: invalid TRANSLATION_PROVIDER %q (expected openai|mock)", config.ErrConfiguration, cfg.TranslationProvider)
	}
}
