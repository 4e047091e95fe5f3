package openai_provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/mohammad-safakhou/opentask/provider"
	"github.com/sashabaranov/go-openai"
)

// client implements provider.Client on the OpenAI chat completions API.
type client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIClient returns provider.Unconfigured when apiKey is empty.
// baseURL may point at any OpenAI-compatible endpoint (it must include the /v1 suffix).
func NewOpenAIClient(apiKey, baseURL, model string, timeout time.Duration) provider.Client {
	if strings.TrimSpace(apiKey) == "" {
		return provider.Unconfigured{}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &client{api: openai.NewClientWithConfig(cfg), model: model, timeout: timeout}
}

func (c *client) Configured() bool { return true }

func (c *client) request(req provider.Request) openai.ChatCompletionRequest {
	temp := req.Temperature
	if temp == 0 {
		// a zero temperature would be dropped by omitempty
		temp = math.SmallestNonzeroFloat32
	}
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: temp,
		MaxTokens:   req.MaxTokens,
	}
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// Complete sends a non-streaming chat request.
func (c *client) Complete(ctx context.Context, req provider.Request) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.api.CreateChatCompletion(ctx, c.request(req))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends a streaming chat request, forwarding each delta to onToken.
func (c *client) Stream(ctx context.Context, req provider.Request, onToken func(string)) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	r := c.request(req)
	r.Stream = true
	stream, err := c.api.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return "", fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return b.String(), fmt.Errorf("chat completion stream: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			b.WriteString(choice.Delta.Content)
			if onToken != nil {
				onToken(choice.Delta.Content)
			}
		}
	}
	return b.String(), nil
}
