// Package config loads and validates the YAML agent configuration: the
// dialog graph, provider settings, voice options, and silence thresholds.
// A config is parsed once per call setup; a malformed config rejects the
// call before any provider connection is opened.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/voxwire/voxwire/pkg/core"
	"github.com/voxwire/voxwire/pkg/core/call"
	"github.com/voxwire/voxwire/pkg/core/dialog"
	"github.com/voxwire/voxwire/pkg/core/voice/stt"
	"github.com/voxwire/voxwire/pkg/core/voice/tts"
)

// Duration wraps time.Duration so YAML values like "7s" or "500ms" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"'`)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LLMConfig selects the generation provider and model.
type LLMConfig struct {
	Provider         string   `yaml:"provider"` // "openai" or "gemini"
	Model            string   `yaml:"model"`
	FallbackProvider string   `yaml:"fallback_provider,omitempty"`
	FallbackModel    string   `yaml:"fallback_model,omitempty"`
	MaxTokens        int      `yaml:"max_tokens,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
}

// SelectorConfig picks the transition selector.
type SelectorConfig struct {
	Kind  string `yaml:"kind"` // "llm" or "rule"
	Model string `yaml:"model,omitempty"`
}

// STTConfig configures the recognition stream.
type STTConfig struct {
	Model             string   `yaml:"model,omitempty"`
	Language          string   `yaml:"language,omitempty"`
	Keywords          []string `yaml:"keywords,omitempty"`
	EndpointSilenceMS int      `yaml:"endpoint_silence_ms,omitempty"`
}

// TTSConfig configures synthesis voice and output format.
type TTSConfig struct {
	Voice      string  `yaml:"voice"`
	Speed      float64 `yaml:"speed,omitempty"`
	Language   string  `yaml:"language,omitempty"`
	Format     string  `yaml:"format,omitempty"` // "mulaw", "pcm", or "wav"
	SampleRate int     `yaml:"sample_rate,omitempty"`
}

// SilenceConfig sets the dead-air thresholds. Zero values fall back to the
// production defaults.
type SilenceConfig struct {
	Normal          Duration `yaml:"normal,omitempty"`
	Hold            Duration `yaml:"hold,omitempty"`
	MaxCheckins     int      `yaml:"max_checkins,omitempty"`
	Poll            Duration `yaml:"poll,omitempty"`
	MaxCallDuration Duration `yaml:"max_call_duration,omitempty"`
}

// TransitionConfig is one outgoing edge in YAML form.
type TransitionConfig struct {
	Target    string `yaml:"target"`
	Condition string `yaml:"condition"`
}

// ExtractionConfig is one variable extraction rule in YAML form.
type ExtractionConfig struct {
	Variable string   `yaml:"variable"`
	Pattern  string   `yaml:"pattern,omitempty"`
	Keywords []string `yaml:"keywords,omitempty"`
	Value    string   `yaml:"value,omitempty"`
}

// NodeConfig is one dialog node in YAML form.
type NodeConfig struct {
	ID          string             `yaml:"id"`
	Mode        string             `yaml:"mode"` // "script" or "prompt"
	Content     string             `yaml:"content"`
	Goal        string             `yaml:"goal,omitempty"`
	Terminal    bool               `yaml:"terminal,omitempty"`
	Transitions []TransitionConfig `yaml:"transitions,omitempty"`
	Extract     []ExtractionConfig `yaml:"extract,omitempty"`
}

// GraphConfig is the dialog graph in YAML form.
type GraphConfig struct {
	Start           string       `yaml:"start"`
	Escalation      string       `yaml:"escalation,omitempty"`
	LoopBound       int          `yaml:"loop_bound,omitempty"`
	StrictTemplates bool         `yaml:"strict_templates,omitempty"`
	Nodes           []NodeConfig `yaml:"nodes"`
}

// AgentConfig is the full per-agent configuration document.
type AgentConfig struct {
	Name          string            `yaml:"name"`
	Policy        string            `yaml:"policy,omitempty"`
	HistoryWindow int               `yaml:"history_window,omitempty"`
	LLM           LLMConfig         `yaml:"llm"`
	Selector      SelectorConfig    `yaml:"selector,omitempty"`
	STT           STTConfig         `yaml:"stt,omitempty"`
	TTS           TTSConfig         `yaml:"tts"`
	Silence       SilenceConfig     `yaml:"silence,omitempty"`
	CheckinText   string            `yaml:"checkin_text,omitempty"`
	ApologyText   string            `yaml:"apology_text,omitempty"`
	Variables     map[string]string `yaml:"variables,omitempty"`
	Graph         GraphConfig       `yaml:"graph"`
}

// Load reads and parses an agent configuration file.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("read %s: %v", path, err))
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates a configuration document.
func Parse(data []byte) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, core.NewConfigurationError(fmt.Sprintf("parse agent config: %v", err))
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 8
	}
	if c.Selector.Kind == "" {
		c.Selector.Kind = "llm"
	}
	if c.Selector.Model == "" {
		c.Selector.Model = c.LLM.Model
	}
	if c.STT.Language == "" {
		c.STT.Language = "en"
	}
	if c.TTS.Speed == 0 {
		c.TTS.Speed = 1.0
	}
	if c.TTS.Language == "" {
		c.TTS.Language = "en"
	}
	if c.TTS.Format == "" {
		c.TTS.Format = "mulaw"
	}
	if c.TTS.SampleRate == 0 {
		c.TTS.SampleRate = 8000
	}

	def := call.DefaultSilenceConfig()
	if c.Silence.Normal == 0 {
		c.Silence.Normal = Duration(def.Normal)
	}
	if c.Silence.Hold == 0 {
		c.Silence.Hold = Duration(def.Hold)
	}
	if c.Silence.MaxCheckins == 0 {
		c.Silence.MaxCheckins = def.MaxCheckins
	}
	if c.Silence.Poll == 0 {
		c.Silence.Poll = Duration(def.Poll)
	}
	if c.Silence.MaxCallDuration == 0 {
		c.Silence.MaxCallDuration = Duration(def.MaxCallDuration)
	}
}

func (c *AgentConfig) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return core.NewConfigurationError("agent name is required")
	}

	switch c.LLM.Provider {
	case "openai", "gemini":
	case "":
		return core.NewConfigurationError("llm.provider is required")
	default:
		return core.NewConfigurationError(fmt.Sprintf("unknown llm provider %q", c.LLM.Provider))
	}
	if c.LLM.Model == "" {
		return core.NewConfigurationError("llm.model is required")
	}
	switch c.LLM.FallbackProvider {
	case "", "openai", "gemini":
	default:
		return core.NewConfigurationError(fmt.Sprintf("unknown fallback llm provider %q", c.LLM.FallbackProvider))
	}
	if c.LLM.FallbackProvider != "" && c.LLM.FallbackModel == "" {
		return core.NewConfigurationError("llm.fallback_model is required when llm.fallback_provider is set")
	}

	switch c.Selector.Kind {
	case "llm", "rule":
	default:
		return core.NewConfigurationError(fmt.Sprintf("unknown selector kind %q", c.Selector.Kind))
	}

	if c.TTS.Voice == "" {
		return core.NewConfigurationError("tts.voice is required")
	}
	switch c.TTS.Format {
	case "mulaw", "pcm", "wav":
	default:
		return core.NewConfigurationError(fmt.Sprintf("unknown tts format %q", c.TTS.Format))
	}

	if c.Silence.Normal <= 0 || c.Silence.Hold <= 0 || c.Silence.Poll <= 0 {
		return core.NewConfigurationError("silence thresholds must be positive")
	}
	if c.Silence.MaxCheckins < 1 {
		return core.NewConfigurationError("silence.max_checkins must be >= 1")
	}

	// Graph structure is validated by BuildGraph; run it here so a bad
	// config fails at load time.
	if _, err := c.BuildGraph(); err != nil {
		return err
	}
	return nil
}

// BuildGraph converts the YAML graph into the immutable dialog graph.
func (c *AgentConfig) BuildGraph() (*dialog.Graph, error) {
	if len(c.Graph.Nodes) == 0 {
		return nil, core.NewConfigurationError("graph.nodes is empty")
	}

	nodes := make([]*dialog.Node, 0, len(c.Graph.Nodes))
	for _, nc := range c.Graph.Nodes {
		mode, err := dialog.ParseNodeMode(nc.Mode)
		if err != nil {
			return nil, core.NewConfigurationError(fmt.Sprintf("node %q: %v", nc.ID, err))
		}
		node := &dialog.Node{
			ID:       nc.ID,
			Mode:     mode,
			Content:  nc.Content,
			Goal:     nc.Goal,
			Terminal: nc.Terminal,
		}
		for _, tc := range nc.Transitions {
			node.Transitions = append(node.Transitions, dialog.Transition{
				Target:    tc.Target,
				Condition: tc.Condition,
			})
		}
		for _, ec := range nc.Extract {
			node.Extract = append(node.Extract, dialog.ExtractionRule{
				Variable: ec.Variable,
				Pattern:  ec.Pattern,
				Keywords: ec.Keywords,
				Value:    ec.Value,
			})
		}
		nodes = append(nodes, node)
	}

	return dialog.NewGraph(nodes, c.Graph.Start, c.Graph.Escalation,
		c.Graph.LoopBound, c.Graph.StrictTemplates)
}

// SilenceThresholds maps the YAML silence block to the monitor's config.
func (c *AgentConfig) SilenceThresholds() call.SilenceConfig {
	return call.SilenceConfig{
		Normal:          c.Silence.Normal.Std(),
		Hold:            c.Silence.Hold.Std(),
		MaxCheckins:     c.Silence.MaxCheckins,
		Poll:            c.Silence.Poll.Std(),
		MaxCallDuration: c.Silence.MaxCallDuration.Std(),
	}
}

// StreamConfig maps the YAML stt block to the recognition stream config.
// Telephony audio is 8 kHz mono mu-law; end-of-turn detection is always on.
func (c *AgentConfig) StreamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:      8000,
		Encoding:        "mulaw",
		Channels:        1,
		Language:        c.STT.Language,
		Keywords:        c.STT.Keywords,
		EndpointDetect:  true,
		EndpointSilence: c.STT.EndpointSilenceMS,
	}
}

// SynthesisOptions maps the YAML tts block to synthesis options.
func (c *AgentConfig) SynthesisOptions() tts.Options {
	return tts.Options{
		Voice:      c.TTS.Voice,
		Speed:      c.TTS.Speed,
		Language:   c.TTS.Language,
		Format:     c.TTS.Format,
		SampleRate: c.TTS.SampleRate,
	}
}
