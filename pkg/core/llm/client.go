// Package llm provides response-generation clients for the call pipeline.
package llm

import (
	"context"
	"io"
)

// Message is a single conversation message sent to a generation provider.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// Request describes a generation request.
type Request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Stream is an iterator over incremental text deltas from a provider.
type Stream interface {
	// Next returns the next text delta. Returns "", io.EOF when the
	// stream is complete.
	Next() (string, error)

	// Close releases resources. Safe to call multiple times.
	Close() error
}

// Client is the interface for response-generation providers.
type Client interface {
	// Name returns the provider identifier.
	Name() string

	// Complete sends a non-streaming request and returns the full text.
	Complete(ctx context.Context, req *Request) (string, error)

	// StreamCompletion sends a streaming request.
	StreamCompletion(ctx context.Context, req *Request) (Stream, error)
}

// textStream adapts a channel of deltas into a Stream.
type textStream struct {
	deltas <-chan string
	errFn  func() error
	closed chan struct{}
	once   func()
}

func (s *textStream) Next() (string, error) {
	select {
	case <-s.closed:
		return "", io.EOF
	case delta, ok := <-s.deltas:
		if !ok {
			if err := s.errFn(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return delta, nil
	}
}

func (s *textStream) Close() error {
	s.once()
	return nil
}
