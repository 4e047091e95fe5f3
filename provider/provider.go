// Package provider defines the language service contract used for summaries and file identification.
package provider

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by every call when no API key is configured.
var ErrNotConfigured = errors.New("language service not configured")

// Request is one chat turn: a system instruction and a user message.
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Client completes chat requests, optionally streaming tokens as they arrive.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	// Stream calls onToken for every received fragment and returns the concatenated text.
	Stream(ctx context.Context, req Request, onToken func(string)) (string, error)
	Configured() bool
}

// Unconfigured is the Client used when no credentials are available.
type Unconfigured struct{}

func (Unconfigured) Complete(context.Context, Request) (string, error) { return "", ErrNotConfigured }

func (Unconfigured) Stream(context.Context, Request, func(string)) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) Configured() bool { return false }
