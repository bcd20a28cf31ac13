package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxwire/voxwire/pkg/core"
)

// OpenAIClient implements Client using the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI generation client.
func NewOpenAI(apiKey string, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIClient{client: &client}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string { return "openai" }

func buildOpenAIParams(req *Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

// Complete sends a non-streaming request.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, buildOpenAIParams(req))
	if err != nil {
		return "", core.NewGenerationError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return "", core.NewGenerationError("openai", fmt.Errorf("empty response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamCompletion sends a streaming request.
func (c *OpenAIClient) StreamCompletion(ctx context.Context, req *Request) (Stream, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, buildOpenAIParams(req))

	deltas := make(chan string, 32)
	closed := make(chan struct{})
	var closeOnce sync.Once

	var errMu sync.Mutex
	var streamErr error
	setErr := func(err error) {
		errMu.Lock()
		if streamErr == nil && err != nil {
			streamErr = core.NewGenerationError("openai", err)
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
		defer stream.Close()
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case deltas <- delta:
			case <-closed:
				return
			case <-ctx.Done():
				setErr(ctx.Err())
				return
			}
		}
		setErr(stream.Err())
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
