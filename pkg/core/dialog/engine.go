package dialog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voxwire/voxwire/pkg/core/llm"
)

// Turn is one completed exchange, immutable once appended to history.
type Turn struct {
	UserText    string
	AgentText   string
	NodeID      string
	Interrupted bool // agent reply was cut short by barge-in
	Timestamp   time.Time
}

// Plan describes what the agent should say for the current turn. Script
// plans carry the rendered text; prompt plans carry the composed request
// for the generation stage.
type Plan struct {
	NodeID   string
	Mode     NodeMode
	Script   string        // set for script nodes
	System   string        // set for prompt nodes
	Messages []llm.Message // set for prompt nodes
	Terminal bool
}

// Engine drives the dialog graph for one call. It owns the current node,
// per-node loop counters, and the conversation history. Exactly one turn
// executes at a time per call, so the engine itself is not synchronized.
type Engine struct {
	graph    *Graph
	selector Selector

	policy        string // global instructions prepended to every prompt node
	historyWindow int
	selectTimeout time.Duration

	currentNode string
	loopCounts  map[string]int
	history     []Turn
	path        []string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPolicy sets the global policy overlay for prompt nodes.
func WithPolicy(policy string) EngineOption {
	return func(e *Engine) { e.policy = policy }
}

// WithHistoryWindow bounds how many past turns prompt nodes see.
func WithHistoryWindow(n int) EngineOption {
	return func(e *Engine) { e.historyWindow = n }
}

// WithSelectTimeout bounds each transition-selection call.
func WithSelectTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.selectTimeout = d }
}

// NewEngine creates an engine positioned at the graph's start node.
func NewEngine(graph *Graph, selector Selector, opts ...EngineOption) *Engine {
	e := &Engine{
		graph:         graph,
		selector:      selector,
		historyWindow: 8,
		selectTimeout: 3 * time.Second,
		currentNode:   graph.Start,
		loopCounts:    make(map[string]int),
		path:          []string{graph.Start},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CurrentNode returns the id of the node the session is on.
func (e *Engine) CurrentNode() string {
	return e.currentNode
}

// History returns the completed turns, oldest first.
func (e *Engine) History() []Turn {
	out := make([]Turn, len(e.history))
	copy(out, e.history)
	return out
}

// Path returns the sequence of nodes visited, including repeats.
func (e *Engine) Path() []string {
	out := make([]string, len(e.path))
	copy(out, e.path)
	return out
}

// PlanTurn runs the current node's extraction rules against the user's
// finalized utterance, merges produced variables into vars, and returns the
// reply plan. vars is the session's variable map; the caller serializes
// turns so no locking happens here.
func (e *Engine) PlanTurn(userText string, vars map[string]string) (*Plan, error) {
	node, ok := e.graph.Node(e.currentNode)
	if !ok {
		return nil, fmt.Errorf("current node %q not in graph", e.currentNode)
	}

	for k, v := range ExtractVariables(node, userText) {
		vars[k] = v
	}

	plan := &Plan{NodeID: node.ID, Mode: node.Mode, Terminal: node.Terminal}

	if node.Mode == ModeScript {
		text, err := RenderTemplate(node.Content, vars, e.graph.StrictTemplate)
		if err != nil {
			return nil, err
		}
		plan.Script = text
		return plan, nil
	}

	plan.System = e.composeSystem(node, vars)
	plan.Messages = e.composeMessages(userText)
	return plan, nil
}

func (e *Engine) composeSystem(node *Node, vars map[string]string) string {
	var b strings.Builder
	if e.policy != "" {
		b.WriteString(e.policy)
		b.WriteString("\n\n")
	}
	b.WriteString(node.Content)
	if node.Goal != "" {
		fmt.Fprintf(&b, "\n\nGoal of this step: %s", node.Goal)
	}
	if len(vars) > 0 {
		b.WriteString("\n\nKnown facts:")
		for k, v := range vars {
			fmt.Fprintf(&b, "\n- %s: %s", k, v)
		}
	}
	return b.String()
}

func (e *Engine) composeMessages(userText string) []llm.Message {
	start := 0
	if e.historyWindow > 0 && len(e.history) > e.historyWindow {
		start = len(e.history) - e.historyWindow
	}
	var msgs []llm.Message
	for _, t := range e.history[start:] {
		if t.UserText != "" {
			msgs = append(msgs, llm.Message{Role: "user", Content: t.UserText})
		}
		if t.AgentText != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.AgentText})
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userText})
	return msgs
}

// CompleteTurn appends the turn to history and resolves at most one
// transition. An interrupted turn stays on the current node without
// touching the loop counter; the interrupting utterance opens the next
// turn. Returns the node for the next turn and whether it is terminal.
func (e *Engine) CompleteTurn(ctx context.Context, userText, agentText string, interrupted bool, vars map[string]string) (string, bool) {
	e.history = append(e.history, Turn{
		UserText:    userText,
		AgentText:   agentText,
		NodeID:      e.currentNode,
		Interrupted: interrupted,
		Timestamp:   time.Now(),
	})

	node, _ := e.graph.Node(e.currentNode)
	// Agent-initiated turns (the opening line) have no user utterance to
	// match against, and interrupted turns defer the move to the next turn.
	if interrupted || node == nil || strings.TrimSpace(userText) == "" {
		return e.currentNode, node != nil && node.Terminal
	}

	next := e.resolveTransition(ctx, node, userText, vars)
	if next != e.currentNode {
		e.loopCounts[e.currentNode] = 0
		e.currentNode = next
		e.path = append(e.path, next)
	}

	nextNode, _ := e.graph.Node(e.currentNode)
	return e.currentNode, nextNode != nil && nextNode.Terminal
}

func (e *Engine) resolveTransition(ctx context.Context, node *Node, userText string, vars map[string]string) string {
	if len(node.Transitions) == 0 {
		return node.ID
	}

	selCtx, cancel := context.WithTimeout(ctx, e.selectTimeout)
	defer cancel()

	idx, err := e.selector.Select(selCtx, node.Transitions, SelectionContext{
		Utterance: userText,
		NodeGoal:  node.Goal,
		Variables: vars,
		History:   e.recentHistoryLines(),
	})

	switch {
	case err == nil && idx >= 0 && idx < len(node.Transitions):
		return node.Transitions[idx].Target

	case err == ErrNoMatch || (err == nil && (idx < 0 || idx >= len(node.Transitions))):
		// No match: stay put, but bound the loop so an off-script caller
		// eventually reaches the escalation node.
		e.loopCounts[node.ID]++
		if e.loopCounts[node.ID] >= e.graph.LoopBound && e.graph.Escalation != "" && e.graph.Escalation != node.ID {
			return e.graph.Escalation
		}
		return node.ID

	default:
		// Selector failure or timeout: deterministic fallback to the first
		// declared transition rather than stalling the call.
		return node.Transitions[0].Target
	}
}

func (e *Engine) recentHistoryLines() []string {
	start := 0
	if len(e.history) > 4 {
		start = len(e.history) - 4
	}
	var lines []string
	for _, t := range e.history[start:] {
		if t.UserText != "" {
			lines = append(lines, "caller: "+t.UserText)
		}
		if t.AgentText != "" {
			lines = append(lines, "agent: "+t.AgentText)
		}
	}
	return lines
}
