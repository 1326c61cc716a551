package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limit", err: &goopenai.APIError{HTTPStatusCode: 429}, want: true},
		{name: "server error", err: fmt.Errorf("openai: %w", &goopenai.APIError{HTTPStatusCode: 503}), want: true},
		{name: "bad request", err: &goopenai.APIError{HTTPStatusCode: 400}, want: false},
		{name: "unauthorized", err: &goopenai.RequestError{HTTPStatusCode: 401}, want: false},
		{name: "gateway", err: &goopenai.RequestError{HTTPStatusCode: 502}, want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "network", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
