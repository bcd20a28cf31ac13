package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/pkg/core"
)

const (
	deepgramWSURL     = "wss://api.deepgram.com/v1/listen"
	deepgramKeepAlive = 5 * time.Second
)

// DeepgramProvider implements Provider using Deepgram's live transcription API.
type DeepgramProvider struct {
	apiKey string
	model  string
	wsURL  string
}

// DeepgramOption configures the provider.
type DeepgramOption func(*DeepgramProvider)

// WithDeepgramModel overrides the default recognition model.
func WithDeepgramModel(model string) DeepgramOption {
	return func(p *DeepgramProvider) { p.model = model }
}

// WithDeepgramURL overrides the websocket endpoint, mainly for tests.
func WithDeepgramURL(wsURL string) DeepgramOption {
	return func(p *DeepgramProvider) { p.wsURL = wsURL }
}

// NewDeepgram creates a Deepgram streaming STT provider.
func NewDeepgram(apiKey string, opts ...DeepgramOption) *DeepgramProvider {
	p := &DeepgramProvider{
		apiKey: apiKey,
		model:  "nova-2",
		wsURL:  deepgramWSURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// OpenStream establishes a live transcription session over WebSocket.
func (p *DeepgramProvider) OpenStream(ctx context.Context, cfg StreamConfig) (Recognizer, error) {
	u, err := url.Parse(p.wsURL)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("parse websocket URL: %v", err))
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	q.Set("encoding", encoding)

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))

	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	q.Set("channels", fmt.Sprintf("%d", channels))

	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw)
	}

	if cfg.EndpointDetect {
		// endpointing closes a segment after trailing silence (speech_final);
		// utterance_end_ms emits UtteranceEnd when no new words arrive, which
		// catches turns whose last segment never got speech_final.
		silence := cfg.EndpointSilence
		if silence == 0 {
			silence = 300
		}
		q.Set("endpointing", fmt.Sprintf("%d", silence))
		q.Set("utterance_end_ms", "1000")
		q.Set("vad_events", "true")
	}

	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				err = fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			}
		}
		return nil, core.NewConnectionError("deepgram", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:   conn,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	go s.readLoop()
	go s.keepAliveLoop()

	return s, nil
}

// deepgramStream is a live transcription session.
type deepgramStream struct {
	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	errMu sync.Mutex
	err   error
}

type deepgramMessage struct {
	Type        string `json:"type"` // "Results", "UtteranceEnd", "Metadata", "SpeechStarted"
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(core.NewConnectionError("deepgram", err))
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Results":
			text := ""
			if len(msg.Channel.Alternatives) > 0 {
				text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
			}
			if text != "" {
				typ := EventPartial
				if msg.IsFinal {
					typ = EventFinal
				}
				if !s.emit(Event{Type: typ, Text: text}) {
					return
				}
			}
			// speech_final means the segment ended at a silence boundary,
			// which is the end-of-turn signal.
			if msg.SpeechFinal {
				if !s.emit(Event{Type: EventEndOfTurn}) {
					return
				}
			}

		case "UtteranceEnd":
			// Fallback end-of-turn for segments that finalized without
			// speech_final (e.g. background noise kept the VAD open).
			if !s.emit(Event{Type: EventEndOfTurn}) {
				return
			}
		}
	}
}

func (s *deepgramStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepAliveLoop pings the provider so it does not close the socket during
// long silences.
func (s *deepgramStream) keepAliveLoop() {
	ticker := time.NewTicker(deepgramKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// SendAudio forwards raw audio to the provider.
func (s *deepgramStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return core.NewConnectionError("deepgram", fmt.Errorf("session closed"))
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return core.NewConnectionError("deepgram", err)
	}
	return nil
}

// Events returns the channel of recognition events.
func (s *deepgramStream) Events() <-chan Event {
	return s.events
}

// Err returns the terminal error, if any.
func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the session.
func (s *deepgramStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	s.cancel()
	return s.conn.Close()
}
