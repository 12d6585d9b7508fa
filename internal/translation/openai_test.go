package translation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Temperature float64 `json:"temperature"`
}

func newTestClient(url string, retries int) *OpenAIClient {
	return NewOpenAIClient(OpenAIConfig{
		APIKey:      "test-key",
		BaseURL:     url + "/v1",
		Model:       "gpt-4-turbo",
		Temperature: 0.3,
		Timeout:     2 * time.Second,
		MaxRetries:  retries,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
	})
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
}

func TestOpenAIClientTranslate(t *testing.T) {
	var got chatRequest
	var auth, path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeCompletion(w, "el paciente tiene hipertensión")
	}))
	defer ts.Close()

	res, err := newTestClient(ts.URL, 0).Translate(context.Background(), Request{
		SourceText:     " patient has HTN",
		SourceLanguage: "en-US",
		TargetLanguage: "es",
	})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if res.TranslatedText != "el paciente tiene hipertensión" {
		t.Fatalf("TranslatedText = %q", res.TranslatedText)
	}
	if auth != "Bearer test-key" {
		t.Fatalf("Authorization = %q", auth)
	}
	if path != "/v1/chat/completions" {
		t.Fatalf("path = %q", path)
	}
	if got.Model != "gpt-4-turbo" || got.Temperature < 0.29 || got.Temperature > 0.31 {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Messages[1].Content != " patient has HTN" {
		t.Fatalf("user content = %q", got.Messages[1].Content)
	}
	sys := got.Messages[0].Content
	for _, want := range []string{"en-US", "es", "abbreviations", "clinical meaning"} {
		if !strings.Contains(sys, want) {
			t.Fatalf("system prompt missing %q: %q", want, sys)
		}
	}
}

func TestOpenAIClientFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			},
		},
		{
			name: "missing choices",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion"}`))
			},
		},
		{
			name: "empty content",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeCompletion(w, "")
			},
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>gateway</html>"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()
			_, err := newTestClient(ts.URL, 0).Translate(context.Background(), Request{
				SourceText: "chest pain", SourceLanguage: "en-US", TargetLanguage: "de",
			})
			if !errors.Is(err, ErrTranslationFailed) {
				t.Fatalf("Translate() error = %v, want ErrTranslationFailed", err)
			}
		})
	}
}

func TestOpenAIClientNetworkFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := newTestClient(url, 0).Translate(context.Background(), Request{SourceText: "fever", TargetLanguage: "fr"})
	if !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("Translate() error = %v, want ErrTranslationFailed", err)
	}
}

func TestOpenAIClientRetriesRetryableStatus(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
	}{
		{name: "json 503", status: http.StatusServiceUnavailable, contentType: "application/json", body: `{"error":{"message":"busy","type":"server_error"}}`},
		{name: "untyped 503", status: http.StatusServiceUnavailable, body: `{"error":{"message":"busy","type":"server_error"}}`},
		{name: "html 502", status: http.StatusBadGateway, contentType: "text/html", body: "<html><body>502 Bad Gateway</body></html>"},
		{name: "plain 429", status: http.StatusTooManyRequests, contentType: "text/plain", body: "slow down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if calls.Add(1) == 1 {
					if tt.contentType != "" {
						w.Header().Set("Content-Type", tt.contentType)
					}
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(tt.body))
					return
				}
				writeCompletion(w, "fièvre")
			}))
			defer ts.Close()

			res, err := newTestClient(ts.URL, 1).Translate(context.Background(), Request{SourceText: "fever", TargetLanguage: "fr"})
			if err != nil {
				t.Fatalf("Translate() error = %v", err)
			}
			if res.TranslatedText != "fièvre" || calls.Load() != 2 {
				t.Fatalf("text = %q calls = %d", res.TranslatedText, calls.Load())
			}
		})
	}
}

func TestOpenAIClientDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("<html>bad request</html>"))
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL, 2).Translate(context.Background(), Request{SourceText: "fever", TargetLanguage: "fr"})
	if !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("Translate() error = %v, want ErrTranslationFailed", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("remote calls = %d, want 1", calls.Load())
	}
}

func TestOpenAIClientEmptyTextMakesNoCall(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeCompletion(w, "x")
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL, 0).Translate(context.Background(), Request{TargetLanguage: "es"})
	if !errors.Is(err, ErrEmptyText) {
		t.Fatalf("Translate() error = %v, want ErrEmptyText", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("remote calls = %d, want 0", calls.Load())
	}
}

func TestMockTranslate(t *testing.T) {
	res, err := NewMock(0).Translate(context.Background(), Request{SourceText: "cough", TargetLanguage: "es"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if res.TranslatedText != "[es] cough" {
		t.Fatalf("TranslatedText = %q", res.TranslatedText)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMock(time.Second).Translate(ctx, Request{SourceText: "cough"}); !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("cancelled Translate() error = %v, want ErrTranslationFailed", err)
	}
}
