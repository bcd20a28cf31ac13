package dialog

import (
	"reflect"
	"testing"
)

func TestExtractVariables_PatternAndKeywords(t *testing.T) {
	node := &Node{ID: "verify", Extract: []ExtractionRule{
		{Variable: "zip", Pattern: `\b(\d{5})\b`},
		{Variable: "call.hold", Keywords: []string{"hold on", "one moment", "hold"}},
		{Variable: "mood", Keywords: []string{"angry", "upset"}, Value: "negative"},
	}}

	got := ExtractVariables(node, "hold on, my zip is 78701 and I'm upset")
	want := map[string]string{
		"zip":       "78701",
		"call.hold": "true",
		"mood":      "negative",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractVariables_Idempotent(t *testing.T) {
	node := &Node{ID: "n", Extract: []ExtractionRule{
		{Variable: "name", Pattern: `this is (\w+)`},
	}}
	utterance := "yeah this is Mike"

	first := ExtractVariables(node, utterance)
	second := ExtractVariables(node, utterance)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("extraction not idempotent: %v vs %v", first, second)
	}
	if first["name"] != "Mike" {
		t.Fatalf("name = %q, want Mike", first["name"])
	}
}

func TestExtractVariables_LastRuleWins(t *testing.T) {
	node := &Node{ID: "n", Extract: []ExtractionRule{
		{Variable: "intent", Keywords: []string{"cancel"}, Value: "cancel"},
		{Variable: "intent", Keywords: []string{"upgrade"}, Value: "upgrade"},
	}}

	got := ExtractVariables(node, "cancel it, actually no, upgrade me")
	if got["intent"] != "upgrade" {
		t.Fatalf("intent = %q, want upgrade (last rule wins)", got["intent"])
	}
}

func TestExtractVariables_NoRulesOrNoMatch(t *testing.T) {
	if got := ExtractVariables(&Node{ID: "n"}, "anything"); got != nil {
		t.Fatalf("no rules produced %v", got)
	}
	node := &Node{ID: "n", Extract: []ExtractionRule{
		{Variable: "zip", Pattern: `\b\d{5}\b`},
	}}
	if got := ExtractVariables(node, "no digits here"); got != nil {
		t.Fatalf("no match produced %v", got)
	}
}

func TestContainsWord_Boundaries(t *testing.T) {
	tests := []struct {
		text   string
		phrase string
		want   bool
	}{
		{"no wrong number", "no", true},
		{"wrong number", "no", false}, // "no" inside "number" must not match
		{"i said nope", "no", false},
		{"hold on please", "hold on", true},
		{"household chores", "hold", false},
	}
	for _, tc := range tests {
		if got := containsWord(tc.text, tc.phrase); got != tc.want {
			t.Fatalf("containsWord(%q, %q) = %v, want %v", tc.text, tc.phrase, got, tc.want)
		}
	}
}
