package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxwire/voxwire/pkg/core"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
	cartesiaModel   = "sonic-2"
)

// CartesiaProvider implements Provider using Cartesia's API. Streaming
// synthesis multiplexes utterance contexts over one persistent websocket
// connection; each context is identified by a context_id and audio frames
// are routed back to the owning Utterance.
type CartesiaProvider struct {
	apiKey     string
	wsURL      string
	httpClient *http.Client

	connMu     sync.Mutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	utterances map[string]*Utterance
	uttMu      sync.Mutex
}

// CartesiaOption configures the provider.
type CartesiaOption func(*CartesiaProvider)

// WithCartesiaURL overrides the websocket endpoint, mainly for tests.
func WithCartesiaURL(wsURL string) CartesiaOption {
	return func(p *CartesiaProvider) { p.wsURL = wsURL }
}

// NewCartesia creates a Cartesia TTS provider.
func NewCartesia(apiKey string, opts ...CartesiaOption) *CartesiaProvider {
	p := &CartesiaProvider{
		apiKey:     apiKey,
		wsURL:      cartesiaWSURL,
		httpClient: &http.Client{},
		utterances: make(map[string]*Utterance),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *CartesiaProvider) Name() string {
	return "cartesia"
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

func buildOutputFormat(opts Options) cartesiaOutputFormat {
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	switch opts.Format {
	case "mulaw":
		return cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_mulaw",
			SampleRate: sampleRate,
		}
	case "wav":
		return cartesiaOutputFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		}
	default: // pcm
		return cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		}
	}
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaSynthesizeRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoiceSpec    `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     *string              `json:"language,omitempty"`
	Speed        float64              `json:"speed,omitempty"`
}

// Synthesize converts a complete text to audio via the HTTP bytes endpoint.
func (p *CartesiaProvider) Synthesize(ctx context.Context, text string, opts Options) (*Synthesis, error) {
	reqBody := cartesiaSynthesizeRequest{
		ModelID:      cartesiaModel,
		Transcript:   text,
		Voice:        cartesiaVoiceSpec{Mode: "id", ID: opts.Voice},
		OutputFormat: buildOutputFormat(opts),
		Speed:        opts.Speed,
	}
	if opts.Language != "" {
		reqBody.Language = &opts.Language
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, core.NewSynthesisError("cartesia", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", cartesiaBaseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewSynthesisError("cartesia", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, core.NewConnectionError("cartesia", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, core.NewSynthesisError("cartesia",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(errBody)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewSynthesisError("cartesia", err)
	}

	format := opts.Format
	if format == "" {
		format = "pcm"
	}
	return &Synthesis{Audio: audio, Format: format}, nil
}

// dial establishes the shared websocket connection if not already open.
// Callers must hold connMu.
func (p *CartesiaProvider) dial(ctx context.Context) error {
	if p.conn != nil {
		return nil
	}

	u, err := url.Parse(p.wsURL)
	if err != nil {
		return core.NewConfigurationError(fmt.Sprintf("parse websocket URL: %v", err))
	}
	q := u.Query()
	q.Set("api_key", p.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return core.NewConnectionError("cartesia", err)
	}
	p.conn = conn
	go p.readLoop(conn)
	return nil
}

type cartesiaWSMessage struct {
	Type      string `json:"type"` // "chunk", "done", "error", "flush_done"
	ContextID string `json:"context_id"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// readLoop demultiplexes incoming audio frames to the owning utterance.
// A read error fails every open utterance and drops the connection so the
// next OpenUtterance redials.
func (p *CartesiaProvider) readLoop(conn *websocket.Conn) {
	for {
		var msg cartesiaWSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			p.dropConn(conn, err)
			return
		}

		switch msg.Type {
		case "chunk":
			u := p.lookupUtterance(msg.ContextID)
			if u == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				u.SetError(core.NewSynthesisError("cartesia", err))
				p.finishUtterance(msg.ContextID)
				continue
			}
			u.PushAudio(audio)

		case "done":
			p.finishUtterance(msg.ContextID)

		case "error":
			if u := p.lookupUtterance(msg.ContextID); u != nil {
				u.SetError(core.NewSynthesisError("cartesia", fmt.Errorf("%s", msg.Error)))
			}
			p.finishUtterance(msg.ContextID)
		}
	}
}

func (p *CartesiaProvider) lookupUtterance(id string) *Utterance {
	p.uttMu.Lock()
	defer p.uttMu.Unlock()
	return p.utterances[id]
}

func (p *CartesiaProvider) finishUtterance(id string) {
	p.uttMu.Lock()
	u, ok := p.utterances[id]
	if ok {
		delete(p.utterances, id)
	}
	p.uttMu.Unlock()
	if ok {
		u.FinishAudio()
	}
}

// dropConn fails all open utterances and clears the shared connection.
func (p *CartesiaProvider) dropConn(conn *websocket.Conn, cause error) {
	p.connMu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.connMu.Unlock()
	conn.Close()

	p.uttMu.Lock()
	open := p.utterances
	p.utterances = make(map[string]*Utterance)
	p.uttMu.Unlock()

	abnormal := !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	for _, u := range open {
		if abnormal {
			u.SetError(core.NewConnectionError("cartesia", cause))
		}
		u.FinishAudio()
	}
}

type cartesiaStreamRequest struct {
	ModelID      string                `json:"model_id,omitempty"`
	Transcript   string                `json:"transcript"`
	Voice        *cartesiaVoiceSpec    `json:"voice,omitempty"`
	OutputFormat *cartesiaOutputFormat `json:"output_format,omitempty"`
	ContextID    string                `json:"context_id"`
	Continue     bool                  `json:"continue"`
	Cancel       bool                  `json:"cancel,omitempty"`
	Language     *string               `json:"language,omitempty"`
	Speed        float64               `json:"speed,omitempty"`
}

// OpenUtterance starts an incremental synthesis context on the shared
// connection, dialing it first if needed.
func (p *CartesiaProvider) OpenUtterance(ctx context.Context, opts Options) (*Utterance, error) {
	p.connMu.Lock()
	if err := p.dial(ctx); err != nil {
		p.connMu.Unlock()
		return nil, err
	}
	conn := p.conn
	p.connMu.Unlock()

	contextID := uuid.NewString()
	u := NewUtterance(contextID)

	outputFormat := buildOutputFormat(opts)
	voice := cartesiaVoiceSpec{Mode: "id", ID: opts.Voice}
	var language *string
	if opts.Language != "" {
		language = &opts.Language
	}

	first := true
	u.SendFunc = func(text string, isFinal bool) error {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()

		req := cartesiaStreamRequest{
			Transcript: text,
			ContextID:  contextID,
			Continue:   !isFinal,
			Speed:      opts.Speed,
		}
		// The first message on a context carries the full generation
		// config; continuations only need transcript and continue.
		if first {
			req.ModelID = cartesiaModel
			req.Voice = &voice
			req.OutputFormat = &outputFormat
			req.Language = language
			first = false
		}
		if err := conn.WriteJSON(req); err != nil {
			return core.NewConnectionError("cartesia", err)
		}
		return nil
	}

	u.CancelFunc = func() error {
		p.uttMu.Lock()
		_, open := p.utterances[contextID]
		delete(p.utterances, contextID)
		p.uttMu.Unlock()
		if !open {
			return nil
		}

		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		req := cartesiaStreamRequest{ContextID: contextID, Cancel: true}
		if err := conn.WriteJSON(req); err != nil {
			return core.NewConnectionError("cartesia", err)
		}
		return nil
	}

	p.uttMu.Lock()
	p.utterances[contextID] = u
	p.uttMu.Unlock()

	return u, nil
}

// Close shuts down the shared connection.
func (p *CartesiaProvider) Close() error {
	p.connMu.Lock()
	conn := p.conn
	p.conn = nil
	p.connMu.Unlock()
	if conn == nil {
		return nil
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
