package dialog

import (
	"strings"
)

// HoldVariable is the reserved variable extraction rules set when the
// caller asks to be put on hold. The silence monitor switches to its
// extended threshold while it is "true".
const HoldVariable = "call.hold"

// ExtractVariables runs a node's extraction rules against a finalized
// utterance and returns the produced variables. Rules apply in declared
// order and later rules overwrite earlier ones (last-write-wins). The
// function is pure: re-running it on the same utterance yields the same
// result.
func ExtractVariables(node *Node, utterance string) map[string]string {
	if len(node.Extract) == 0 {
		return nil
	}

	out := make(map[string]string)
	lower := strings.ToLower(utterance)

	for i := range node.Extract {
		rule := &node.Extract[i]

		if rule.re != nil {
			m := rule.re.FindStringSubmatch(utterance)
			if m == nil {
				continue
			}
			switch {
			case rule.Value != "":
				out[rule.Variable] = rule.Value
			case len(m) > 1:
				out[rule.Variable] = m[1]
			default:
				out[rule.Variable] = m[0]
			}
			continue
		}

		for _, kw := range rule.Keywords {
			if containsWord(lower, strings.ToLower(kw)) {
				val := rule.Value
				if val == "" {
					val = "true"
				}
				out[rule.Variable] = val
				break
			}
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// containsWord reports whether phrase occurs in text on word boundaries,
// so "no" does not match inside "number".
func containsWord(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '\''
}
