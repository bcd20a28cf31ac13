package voice

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/voxwire/voxwire/pkg/core"
	"github.com/voxwire/voxwire/pkg/core/llm"
)

// GenerationStage streams a language model response and emits it sentence
// by sentence so synthesis can start before the response finishes.
type GenerationStage struct {
	client llm.Client
}

// NewGenerationStage creates a generation stage.
func NewGenerationStage(client llm.Client) *GenerationStage {
	return &GenerationStage{client: client}
}

// Generate streams the model response for req. Each completed sentence is
// passed to emit in order; a non-nil error from emit aborts the stream.
// Returns the full response text, including any partial trailing sentence.
//
// If the context is cancelled mid-stream (barge-in), Generate returns what
// was accumulated so far along with ctx.Err; sentences already emitted are
// the caller's to discard.
func (g *GenerationStage) Generate(ctx context.Context, req *llm.Request, emit func(sentence string) error) (string, error) {
	stream, err := g.client.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	buf := NewSentenceBuffer()
	var full strings.Builder

	for {
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return full.String(), ctx.Err()
			}
			return full.String(), err
		}

		full.WriteString(delta)
		for _, sentence := range buf.Add(delta) {
			if err := emit(sentence); err != nil {
				return full.String(), err
			}
		}

		if ctx.Err() != nil {
			return full.String(), ctx.Err()
		}
	}

	if rest := buf.Flush(); rest != "" {
		if err := emit(rest); err != nil {
			return full.String(), err
		}
	}

	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", core.NewGenerationError(g.client.Name(), errors.New("empty response"))
	}
	return text, nil
}

// Complete returns the full response without streaming. Used for
// transition selection and variable extraction prompts.
func (g *GenerationStage) Complete(ctx context.Context, req *llm.Request) (string, error) {
	return g.client.Complete(ctx, req)
}
