// Package ai provides a provider-agnostic AI gateway and the parse, grade and
// analysis calls the grading pipeline makes through it.
package ai

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// TaskType defines the kind of AI task for routing and logging.
type TaskType int

const (
	TaskParse TaskType = iota
	TaskGrading
	TaskAnalysis
)

func (t TaskType) String() string {
	switch t {
	case TaskParse:
		return "parse"
	case TaskGrading:
		return "grading"
	case TaskAnalysis:
		return "analysis"
	default:
		return "unknown"
	}
}

// Image is an inline image attached to a message.
type Image struct {
	MediaType string `json:"media_type"`
	Base64    string `json:"base64"`
}

// DataURL renders the image as a data: URL.
func (i Image) DataURL() string {
	mt := i.MediaType
	if mt == "" {
		mt = "image/jpeg"
	}
	return "data:" + mt + ";base64," + i.Base64
}

// Message represents a chat message.
type Message struct {
	Role    string  `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
}

// CompletionRequest is the input to an AI completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	JSON        bool      `json:"json,omitempty"` // ask for a JSON object response
	Task        TaskType  `json:"task,omitempty"`
}

// CompletionResponse is the output from an AI completion.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// TotalTokens returns the sum of input and output tokens.
func (r CompletionResponse) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// ModelInfo describes an available model.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MaxTokens   int    `json:"max_tokens"`
	Vision      bool   `json:"vision"`
	Description string `json:"description"`
}

// Provider is the interface all AI providers must implement.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	Models() []ModelInfo
	HealthCheck(ctx context.Context) error
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus exposes the status code for error classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryAfterDelay exposes the server-requested delay, if any.
func (e *APIError) RetryAfterDelay() time.Duration { return e.RetryAfter }

func newAPIError(provider string, resp *http.Response, body []byte) *APIError {
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
