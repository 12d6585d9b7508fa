package translation

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/medtranslate/internal/reliability"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
	MaxRetries  int
	RetryBase   time.Duration
	RetryCap    time.Duration
}

// OpenAIClient translates through a chat-completion endpoint.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4-turbo"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 2 * time.Second
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		oc.BaseURL = strings.TrimRight(base, "/")
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout, Transport: statusTransport{next: http.DefaultTransport}}

	return &OpenAIClient{client: openai.NewClientWithConfig(oc), cfg: cfg}
}

func (c *OpenAIClient) Translate(ctx context.Context, req Request) (Response, error) {
	if req.SourceText == "" {
		return Response{}, ErrEmptyText
	}

	chatReq := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt(req.SourceLanguage, req.TargetLanguage)},
			{Role: openai.ChatMessageRoleUser, Content: req.SourceText},
		},
		Temperature: c.cfg.Temperature,
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.cfg.RetryBase, c.cfg.RetryCap)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{}, failed("%v", ctx.Err())
			case <-timer.C:
			}
		}

		var status statusRecorder
		resp, err := c.client.CreateChatCompletion(withStatusRecorder(ctx, &status), chatReq)
		if err != nil {
			lastErr = err
			if ctx.Err() == nil && retryable(err, status.code) {
				continue
			}
			return Response{}, failed("%v", err)
		}
		if len(resp.Choices) == 0 {
			return Response{}, failed("response has no choices")
		}
		text := resp.Choices[0].Message.Content
		if strings.TrimSpace(text) == "" {
			return Response{}, failed("response has no message content")
		}
		return Response{TranslatedText: text}, nil
	}
	return Response{}, failed("retries exhausted: %v", lastErr)
}

// retryable classifies a failed attempt. status is the HTTP status seen on the
// wire, or 0 when no response arrived; go-openai only types the error when the
// body is JSON, so the recorded status is checked first.
func retryable(err error, status int) bool {
	if status != 0 {
		return reliability.IsRetryableHTTPStatus(status)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode)
	}
	return reliability.IsRetryableNetworkError(err)
}

type statusRecorder struct {
	code int
}

type statusRecorderKey struct{}

func withStatusRecorder(ctx context.Context, rec *statusRecorder) context.Context {
	return context.WithValue(ctx, statusRecorderKey{}, rec)
}

// statusTransport records the response status of each round trip into the
// statusRecorder carried by the request context.
type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if resp != nil {
		if rec, ok := req.Context().Value(statusRecorderKey{}).(*statusRecorder); ok {
			rec.code = resp.StatusCode
		}
	}
	return resp, err
}
