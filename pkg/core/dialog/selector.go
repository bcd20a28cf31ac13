package dialog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/voxwire/voxwire/pkg/core/llm"
)

// ErrNoMatch means no transition condition fits the utterance. The engine
// recovers locally (loop or escalate); this error never terminates a call.
var ErrNoMatch = errors.New("no transition matches")

// SelectionContext is what a selector sees when ranking transitions.
type SelectionContext struct {
	Utterance string
	NodeGoal  string
	Variables map[string]string
	History   []string // recent turns, oldest first, "speaker: text"
}

// Selector ranks a node's transitions against the user's utterance and
// returns the index of the best match, or ErrNoMatch. Implementations must
// never return an index outside the transition list. Ties break by list
// order (lowest index wins).
type Selector interface {
	Select(ctx context.Context, transitions []Transition, sel SelectionContext) (int, error)
}

// RuleSelector is a deterministic selector for tests and for graphs that do
// not want model-based matching. It scores each condition by word overlap
// with the utterance plus a small cue lexicon for affirmation and negation,
// and picks the highest score. Zero score everywhere is no match.
type RuleSelector struct{}

var selectorStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "user": {}, "caller": {}, "says": {},
	"is": {}, "to": {}, "of": {}, "or": {}, "and": {}, "their": {},
	"wants": {}, "asks": {},
}

var affirmationCues = []string{
	"yes", "yeah", "yep", "yup", "sure", "correct", "right", "speaking",
	"absolutely", "definitely", "ok", "okay",
}

var negationCues = []string{
	"no", "nope", "not", "don't", "wrong", "never", "isn't", "nah",
}

var affirmationConditionWords = []string{"confirm", "confirms", "agrees", "accepts", "yes"}
var negationConditionWords = []string{"deny", "denies", "declines", "refuses", "wrong", "no"}

// Select implements Selector.
func (RuleSelector) Select(_ context.Context, transitions []Transition, sel SelectionContext) (int, error) {
	if len(transitions) == 0 {
		return -1, ErrNoMatch
	}

	utterance := strings.ToLower(sel.Utterance)
	uttWords := splitWords(utterance)

	best, bestScore := -1, 0
	for i, tr := range transitions {
		score := scoreCondition(strings.ToLower(tr.Condition), utterance, uttWords)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return -1, ErrNoMatch
	}
	return best, nil
}

func scoreCondition(condition, utterance string, uttWords map[string]struct{}) int {
	score := 0
	condWords := splitWords(condition)

	for w := range condWords {
		if _, skip := selectorStopwords[w]; skip {
			continue
		}
		if _, ok := uttWords[w]; ok {
			score += 2
		}
	}

	if anyWord(condWords, affirmationConditionWords) && anyCue(utterance, affirmationCues) {
		score++
	}
	if anyWord(condWords, negationConditionWords) && anyCue(utterance, negationCues) {
		score++
	}
	return score
}

func splitWords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		out[w] = struct{}{}
	}
	return out
}

func anyWord(words map[string]struct{}, candidates []string) bool {
	for _, c := range candidates {
		if _, ok := words[c]; ok {
			return true
		}
	}
	return false
}

func anyCue(utterance string, cues []string) bool {
	for _, cue := range cues {
		if containsWord(utterance, cue) {
			return true
		}
	}
	return false
}

// LLMSelector asks a language model to pick the matching condition. The
// model sees the numbered conditions, the utterance, and recent context,
// and must answer with a number or the word "none".
type LLMSelector struct {
	Client llm.Client
	Model  string
}

// NewLLMSelector creates a model-backed selector.
func NewLLMSelector(client llm.Client, model string) *LLMSelector {
	return &LLMSelector{Client: client, Model: model}
}

const selectorSystemPrompt = `You route a phone conversation. Given the caller's last utterance and a numbered list of conditions, answer with the number of the single condition that best describes the utterance. If none apply, answer exactly "none". Answer with the number or "none" only.`

// Select implements Selector.
func (s *LLMSelector) Select(ctx context.Context, transitions []Transition, sel SelectionContext) (int, error) {
	if len(transitions) == 0 {
		return -1, ErrNoMatch
	}

	var b strings.Builder
	if sel.NodeGoal != "" {
		fmt.Fprintf(&b, "Current step goal: %s\n", sel.NodeGoal)
	}
	if len(sel.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, h := range sel.History {
			b.WriteString(h)
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "Caller said: %q\n\nConditions:\n", sel.Utterance)
	for i, tr := range transitions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, tr.Condition)
	}

	resp, err := s.Client.Complete(ctx, &llm.Request{
		Model:     s.Model,
		System:    selectorSystemPrompt,
		Messages:  []llm.Message{{Role: "user", Content: b.String()}},
		MaxTokens: 8,
	})
	if err != nil {
		return -1, err
	}

	answer := strings.ToLower(strings.TrimSpace(resp))
	answer = strings.Trim(answer, ".")
	if answer == "none" || answer == "" {
		return -1, ErrNoMatch
	}
	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(transitions) {
		// An out-of-range or unparseable answer never invents a target.
		return -1, ErrNoMatch
	}
	return n - 1, nil
}
