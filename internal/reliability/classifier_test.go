package reliability

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

func TestIsRetryableNetworkError(t *testing.T) {
	if !IsRetryableNetworkError(fmt.Errorf("post: %w", timeoutErr{timeout: true})) {
		t.Fatalf("wrapped timeout should be retryable")
	}
	if IsRetryableNetworkError(timeoutErr{}) {
		t.Fatalf("non-timeout net error should not be retryable")
	}
	if IsRetryableNetworkError(errors.New("boom")) {
		t.Fatalf("plain error should not be retryable")
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, base},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, capDur},
		{10, capDur},
	}
	for _, tc := range cases {
		if got := ExponentialBackoff(tc.attempt, base, capDur); got != tc.want {
			t.Fatalf("ExponentialBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
