package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomreach/loomreach/internal/routing"
)

// OpenAI calls an OpenAI-compatible chat-completions endpoint. The bearer
// credential arrives through process configuration; managing it is not this
// component's job.
type OpenAI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAI creates an invoker for the given endpoint.
func NewOpenAI(baseURL, apiKey string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke implements Invoker. Non-2xx statuses classify as: 429 rate_limited,
// 402 quota_exhausted, anything else transport_error. A 2xx with no usable
// text is empty_response.
func (o *OpenAI) Invoke(ctx context.Context, route routing.Route, systemText, userText string) Result {
	reqBody, err := json.Marshal(chatRequest{
		Model: route.ModelIdentifier,
		Messages: []chatMessage{
			{Role: "system", Content: systemText},
			{Role: "user", Content: userText},
		},
		Temperature: route.Temperature,
		MaxTokens:   route.MaxOutputTokens,
	})
	if err != nil {
		return Result{Failure: FailureTransport, Err: fmt.Errorf("invoker: marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Result{Failure: FailureTransport, Err: fmt.Errorf("invoker: create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Result{Failure: FailureTransport, Err: fmt.Errorf("invoker: send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("invoker: status %d: %s", resp.StatusCode, string(body))
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return Result{Failure: FailureRateLimited, Err: err}
		case http.StatusPaymentRequired:
			return Result{Failure: FailureQuotaExhausted, Err: err}
		default:
			return Result{Failure: FailureTransport, Err: err}
		}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{Failure: FailureTransport, Err: fmt.Errorf("invoker: decode response: %w", err)}
	}

	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return Result{
			Failure:   FailureEmptyResponse,
			Err:       fmt.Errorf("invoker: empty completion"),
			TokensIn:  decoded.Usage.PromptTokens,
			TokensOut: decoded.Usage.CompletionTokens,
		}
	}

	return Result{
		RawText:   decoded.Choices[0].Message.Content,
		TokensIn:  decoded.Usage.PromptTokens,
		TokensOut: decoded.Usage.CompletionTokens,
	}
}
