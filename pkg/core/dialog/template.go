package dialog

import (
	"fmt"
	"regexp"
	"strings"
)

// templateVarPattern matches {{name}} placeholders. Names are variable keys:
// letters, digits, underscores, and dots (for namespaced keys like
// call.hold).
var templateVarPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// RenderTemplate substitutes {{var}} placeholders from vars. With strict
// set, a missing variable is an error; otherwise it renders empty. Script
// nodes must render identically for a fixed variable set, so no other
// template features exist.
func RenderTemplate(tmpl string, vars map[string]string, strict bool) (string, error) {
	var missing []string
	out := templateVarPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := templateVarPattern.FindStringSubmatch(m)[1]
		val, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return ""
		}
		return val
	})
	if strict && len(missing) > 0 {
		return "", fmt.Errorf("template references unset variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// validateTemplate checks placeholder syntax at graph load. Unbalanced
// braces are the usual authoring mistake.
func validateTemplate(tmpl string) error {
	opens := strings.Count(tmpl, "{{")
	closes := strings.Count(tmpl, "}}")
	if opens != closes {
		return fmt.Errorf("unbalanced template braces")
	}
	if opens != len(templateVarPattern.FindAllString(tmpl, -1)) {
		return fmt.Errorf("malformed template placeholder")
	}
	return nil
}
