package llm

import (
	"context"
	"io"
)

// FallbackClient tries a primary client and retries once against a fallback
// when the primary fails. The fallback may target a different provider or a
// different model on the same provider (FallbackModel overrides the request
// model for the retry).
type FallbackClient struct {
	Primary       Client
	Fallback      Client
	FallbackModel string
}

// NewFallback wraps primary with an optional fallback client.
func NewFallback(primary, fallback Client, fallbackModel string) *FallbackClient {
	return &FallbackClient{Primary: primary, Fallback: fallback, FallbackModel: fallbackModel}
}

// Name returns the primary provider identifier.
func (c *FallbackClient) Name() string { return c.Primary.Name() }

func (c *FallbackClient) fallbackRequest(req *Request) *Request {
	if c.FallbackModel == "" {
		return req
	}
	clone := *req
	clone.Model = c.FallbackModel
	return &clone
}

// Complete sends a non-streaming request, retrying on the fallback.
func (c *FallbackClient) Complete(ctx context.Context, req *Request) (string, error) {
	text, err := c.Primary.Complete(ctx, req)
	if err == nil || c.Fallback == nil || ctx.Err() != nil {
		return text, err
	}
	return c.Fallback.Complete(ctx, c.fallbackRequest(req))
}

// StreamCompletion opens a stream, retrying on the fallback if the primary
// fails to open. Providers report most failures from Next rather than from
// opening the stream, so the returned stream also fails over: a primary
// error before the first delta switches to the fallback transparently.
// After a delta has been delivered the error surfaces instead, since
// restarting generation would repeat text already spoken.
func (c *FallbackClient) StreamCompletion(ctx context.Context, req *Request) (Stream, error) {
	stream, err := c.Primary.StreamCompletion(ctx, req)
	if err == nil {
		if c.Fallback == nil {
			return stream, nil
		}
		fbReq := c.fallbackRequest(req)
		return &failoverStream{
			ctx: ctx,
			cur: stream,
			open: func() (Stream, error) {
				return c.Fallback.StreamCompletion(ctx, fbReq)
			},
		}, nil
	}
	if c.Fallback == nil || ctx.Err() != nil {
		return stream, err
	}
	return c.Fallback.StreamCompletion(ctx, c.fallbackRequest(req))
}

// failoverStream reads from a primary stream and switches to a lazily
// opened fallback stream if the primary fails before producing anything.
type failoverStream struct {
	ctx  context.Context
	cur  Stream
	open func() (Stream, error)

	delivered bool
	switched  bool
}

func (s *failoverStream) Next() (string, error) {
	delta, err := s.cur.Next()
	if err == nil {
		s.delivered = true
		return delta, nil
	}
	if err == io.EOF || s.delivered || s.switched || s.ctx.Err() != nil {
		return "", err
	}

	s.cur.Close()
	s.switched = true
	next, openErr := s.open()
	if openErr != nil {
		// Surface the primary's failure; the fallback's open error adds
		// nothing the caller can act on.
		return "", err
	}
	s.cur = next
	delta, err = s.cur.Next()
	if err == nil {
		s.delivered = true
	}
	return delta, err
}

func (s *failoverStream) Close() error {
	return s.cur.Close()
}
