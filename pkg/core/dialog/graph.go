// Package dialog implements the node-graph conversation state machine.
package dialog

import (
	"fmt"
	"regexp"

	"github.com/voxwire/voxwire/pkg/core"
)

// NodeMode determines how a node produces its reply.
type NodeMode int

const (
	// ModeScript renders the node's template verbatim against variables.
	ModeScript NodeMode = iota
	// ModePrompt composes instructions and delegates to the generation
	// stage.
	ModePrompt
)

// String returns a human-readable mode name.
func (m NodeMode) String() string {
	switch m {
	case ModeScript:
		return "script"
	case ModePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// ParseNodeMode converts a config string to a NodeMode.
func ParseNodeMode(s string) (NodeMode, error) {
	switch s {
	case "script":
		return ModeScript, nil
	case "prompt":
		return ModePrompt, nil
	default:
		return 0, fmt.Errorf("unknown node mode %q", s)
	}
}

// Transition is an outgoing edge. Conditions are natural-language
// descriptions evaluated by a Selector; list order is the declared
// priority and breaks ties.
type Transition struct {
	Target    string
	Condition string
}

// ExtractionRule produces a variable from a finalized user utterance.
// Either Pattern or Keywords must be set. A Pattern with a capture group
// stores the first capture; without one it stores the whole match. Keywords
// store Value (default "true") when any keyword appears. Value overrides
// the captured text when set on a pattern rule.
type ExtractionRule struct {
	Variable string
	Pattern  string
	Keywords []string
	Value    string

	re *regexp.Regexp
}

// Node is one dialog state.
type Node struct {
	ID          string
	Mode        NodeMode
	Content     string // script template or prompt instructions
	Goal        string // documentation for operators and the selector
	Transitions []Transition
	Extract     []ExtractionRule
	Terminal    bool // reaching this node ends the call after its reply
}

// Graph is the immutable dialog graph for a call. Built once at call setup
// and never mutated; configuration changes apply only to new calls.
type Graph struct {
	Start          string
	Escalation     string // forced target after LoopBound unmatched turns
	LoopBound      int
	StrictTemplate bool // script templates error on missing variables

	nodes map[string]*Node
}

// DefaultLoopBound is the unmatched-turn limit before escalation.
const DefaultLoopBound = 2

// NewGraph validates and builds a graph. All structural problems are
// reported as configuration errors and reject the call at setup.
func NewGraph(nodes []*Node, start, escalation string, loopBound int, strictTemplate bool) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, core.NewConfigurationError("graph has no nodes")
	}
	if loopBound <= 0 {
		loopBound = DefaultLoopBound
	}

	byID := make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, core.NewConfigurationError("node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return nil, core.NewConfigurationError(fmt.Sprintf("duplicate node id %q", n.ID))
		}
		byID[n.ID] = n
	}

	if start == "" {
		return nil, core.NewConfigurationError("start node not set")
	}
	if _, ok := byID[start]; !ok {
		return nil, core.NewConfigurationError(fmt.Sprintf("start node %q not found", start))
	}
	if escalation != "" {
		if _, ok := byID[escalation]; !ok {
			return nil, core.NewConfigurationError(fmt.Sprintf("escalation node %q not found", escalation))
		}
	}

	for _, n := range byID {
		for _, tr := range n.Transitions {
			if _, ok := byID[tr.Target]; !ok {
				return nil, core.NewConfigurationError(
					fmt.Sprintf("node %q: transition to unknown node %q", n.ID, tr.Target))
			}
		}
		for i := range n.Extract {
			rule := &n.Extract[i]
			if rule.Variable == "" {
				return nil, core.NewConfigurationError(
					fmt.Sprintf("node %q: extraction rule with empty variable", n.ID))
			}
			if rule.Pattern == "" && len(rule.Keywords) == 0 {
				return nil, core.NewConfigurationError(
					fmt.Sprintf("node %q: extraction rule %q needs a pattern or keywords", n.ID, rule.Variable))
			}
			if rule.Pattern != "" {
				re, err := regexp.Compile(rule.Pattern)
				if err != nil {
					return nil, core.NewConfigurationError(
						fmt.Sprintf("node %q: extraction rule %q: %v", n.ID, rule.Variable, err))
				}
				rule.re = re
			}
		}
		if n.Mode == ModeScript {
			if err := validateTemplate(n.Content); err != nil {
				return nil, core.NewConfigurationError(
					fmt.Sprintf("node %q: %v", n.ID, err))
			}
		}
	}

	return &Graph{
		Start:          start,
		Escalation:     escalation,
		LoopBound:      loopBound,
		StrictTemplate: strictTemplate,
		nodes:          byID,
	}, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}
