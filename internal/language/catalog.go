package language

import (
	"errors"
	"fmt"
	"strings"
)

// Language is one selectable locale in the catalog.
type Language struct {
	Code        string `json:"code"`
	DisplayName string `json:"name"`
}

const (
	DefaultInput  = "en-US"
	DefaultOutput = "es"
)

var ErrUnsupported = errors.New("unsupported language")

var catalog = []Language{
	{Code: "en-US", DisplayName: "English"},
	{Code: "es", DisplayName: "Spanish"},
	{Code: "fr", DisplayName: "French"},
	{Code: "de", DisplayName: "German"},
	{Code: "zh-CN", DisplayName: "Chinese"},
}

// Catalog returns the supported languages in display order.
func Catalog() []Language {
	out := make([]Language, len(catalog))
	copy(out, catalog)
	return out
}

func Lookup(code string) (Language, bool) {
	code = strings.TrimSpace(code)
	for _, l := range catalog {
		if l.Code == code {
			return l, true
		}
	}
	return Language{}, false
}

func IsSupported(code string) bool {
	_, ok := Lookup(code)
	return ok
}

// Config holds the selected input and output language codes.
type Config struct {
	Input  string `json:"input_language"`
	Output string `json:"output_language"`
}

func DefaultConfig() Config {
	return Config{Input: DefaultInput, Output: DefaultOutput}
}

func (c Config) Validate() error {
	if !IsSupported(c.Input) {
		return fmt.Errorf("input language %q: %w", c.Input, ErrUnsupported)
	}
	if !IsSupported(c.Output) {
		return fmt.Errorf("output language %q: %w", c.Output, ErrUnsupported)
	}
	return nil
}

// WithDefaults fills empty codes with the catalog defaults.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Input) == "" {
		c.Input = DefaultInput
	}
	if strings.TrimSpace(c.Output) == "" {
		c.Output = DefaultOutput
	}
	return c
}
