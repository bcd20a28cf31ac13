package config

import (
	"strings"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/core"
)

const sampleConfig = `
name: lead-qualifier
policy: |
  You are a polite phone agent for Acme Roofing.
history_window: 6
llm:
  provider: openai
  model: gpt-4o-mini
  fallback_provider: gemini
  fallback_model: gemini-2.0-flash
  max_tokens: 200
selector:
  kind: llm
stt:
  model: nova-2
  language: en
  keywords: [Acme, roofing]
  endpoint_silence_ms: 800
tts:
  voice: neutral-american
  speed: 1.05
silence:
  normal: 5s
  hold: 45s
  max_checkins: 3
  poll: 250ms
  max_call_duration: 10m
checkin_text: "Hello, are you still with me?"
variables:
  company: Acme Roofing
graph:
  start: greet
  escalation: human
  loop_bound: 2
  nodes:
    - id: greet
      mode: script
      content: "Hi, this is {{company}}. Am I speaking with the homeowner?"
      transitions:
        - target: qualify
          condition: caller confirms they are the homeowner
        - target: wrap
          condition: caller denies or wrong number
      extract:
        - variable: homeowner
          keywords: [yes, speaking]
    - id: qualify
      mode: prompt
      content: "Ask about the roof's age and any leaks."
      goal: collect roof details
      transitions:
        - target: wrap
          condition: caller wants to end the call
    - id: human
      mode: script
      content: "Let me connect you with a specialist."
      terminal: true
    - id: wrap
      mode: script
      content: "Thanks for your time. Goodbye."
      terminal: true
`

func TestParse_FullDocument(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Name != "lead-qualifier" {
		t.Fatalf("name = %q", cfg.Name)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.FallbackProvider != "gemini" {
		t.Fatalf("llm providers = %q / %q", cfg.LLM.Provider, cfg.LLM.FallbackProvider)
	}
	if got := cfg.Silence.Normal.Std(); got != 5*time.Second {
		t.Fatalf("silence.normal = %v", got)
	}
	if got := cfg.Silence.Poll.Std(); got != 250*time.Millisecond {
		t.Fatalf("silence.poll = %v", got)
	}
	if cfg.Variables["company"] != "Acme Roofing" {
		t.Fatalf("variables = %v", cfg.Variables)
	}

	graph, err := cfg.BuildGraph()
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if graph.Start != "greet" || graph.Escalation != "human" {
		t.Fatalf("graph start/escalation = %q / %q", graph.Start, graph.Escalation)
	}
	if graph.Len() != 4 {
		t.Fatalf("graph nodes = %d, want 4", graph.Len())
	}
	wrap, ok := graph.Node("wrap")
	if !ok || !wrap.Terminal {
		t.Fatal("wrap node missing or not terminal")
	}
}

func TestParse_Defaults(t *testing.T) {
	minimal := `
name: minimal
llm:
  provider: gemini
  model: gemini-2.0-flash
tts:
  voice: plain
graph:
  start: only
  nodes:
    - id: only
      mode: script
      content: "Hello."
      terminal: true
`
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.HistoryWindow != 8 {
		t.Fatalf("history window = %d, want 8", cfg.HistoryWindow)
	}
	if cfg.Selector.Kind != "llm" || cfg.Selector.Model != "gemini-2.0-flash" {
		t.Fatalf("selector = %+v", cfg.Selector)
	}
	if cfg.TTS.Format != "mulaw" || cfg.TTS.SampleRate != 8000 {
		t.Fatalf("tts defaults = %+v", cfg.TTS)
	}

	sil := cfg.SilenceThresholds()
	if sil.Normal != 7*time.Second || sil.MaxCheckins != 2 {
		t.Fatalf("silence defaults = %+v", sil)
	}

	sc := cfg.StreamConfig()
	if sc.SampleRate != 8000 || sc.Encoding != "mulaw" || sc.Channels != 1 || !sc.EndpointDetect {
		t.Fatalf("stream config = %+v", sc)
	}
}

func TestParse_Rejections(t *testing.T) {
	base := func(mutate func(s string) string) string {
		return mutate(`
name: bad
llm:
  provider: openai
  model: gpt-4o-mini
tts:
  voice: plain
graph:
  start: a
  nodes:
    - id: a
      mode: script
      content: "Hi."
      terminal: true
`)
	}

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing name",
			doc:  base(func(s string) string { return strings.Replace(s, "name: bad", "name: \"\"", 1) }),
			want: "name",
		},
		{
			name: "unknown llm provider",
			doc:  base(func(s string) string { return strings.Replace(s, "provider: openai", "provider: acme", 1) }),
			want: "llm provider",
		},
		{
			name: "unknown node mode",
			doc:  base(func(s string) string { return strings.Replace(s, "mode: script", "mode: freestyle", 1) }),
			want: "mode",
		},
		{
			name: "missing start node",
			doc:  base(func(s string) string { return strings.Replace(s, "start: a", "start: zzz", 1) }),
			want: "start",
		},
		{
			name: "transition to unknown node",
			doc: base(func(s string) string {
				return strings.Replace(s, "terminal: true",
					"transitions:\n        - target: nowhere\n          condition: anything", 1)
			}),
			want: "unknown node",
		},
		{
			name: "bad duration",
			doc:  base(func(s string) string { return s + "silence:\n  normal: quickly\n" }),
			want: "duration",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.want)
			}
		})
	}
}

func TestParse_ConfigurationErrorsAreNotRetryable(t *testing.T) {
	_, err := Parse([]byte("name: x\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !core.IsType(err, core.ErrConfiguration) {
		t.Fatalf("error type = %v, want configuration", err)
	}
}
