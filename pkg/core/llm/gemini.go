package llm

import (
	"context"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/voxwire/voxwire/pkg/core"
)

// GeminiClient implements Client using the Google GenAI API.
type GeminiClient struct {
	client *genai.Client
}

// NewGemini creates a Gemini generation client.
func NewGemini(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, core.NewConnectionError("gemini", err)
	}
	return &GeminiClient{client: client}, nil
}

// Name returns the provider identifier.
func (c *GeminiClient) Name() string { return "gemini" }

func buildGeminiContents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	return contents, cfg
}

// Complete sends a non-streaming request.
func (c *GeminiClient) Complete(ctx context.Context, req *Request) (string, error) {
	contents, cfg := buildGeminiContents(req)
	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", core.NewGenerationError("gemini", err)
	}

	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

// StreamCompletion sends a streaming request.
func (c *GeminiClient) StreamCompletion(ctx context.Context, req *Request) (Stream, error) {
	contents, cfg := buildGeminiContents(req)

	deltas := make(chan string, 32)
	closed := make(chan struct{})
	var closeOnce sync.Once

	var errMu sync.Mutex
	var streamErr error
	setErr := func(err error) {
		errMu.Lock()
		if streamErr == nil && err != nil {
			streamErr = core.NewGenerationError("gemini", err)
		}
		errMu.Unlock()
	}
	getErr := func() error {
		errMu.Lock()
		defer errMu.Unlock()
		return streamErr
	}

	go func() {
		defer close(deltas)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				setErr(err)
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case deltas <- part.Text:
				case <-closed:
					return
				case <-ctx.Done():
					setErr(ctx.Err())
					return
				}
			}
		}
	}()

	return &textStream{
		deltas: deltas,
		errFn:  getErr,
		closed: closed,
		once: func() {
			closeOnce.Do(func() { close(closed) })
		},
	}, nil
}
