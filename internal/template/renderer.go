// Package template implements merge-tag substitution for campaign
// content. The grammar is {{identifier}} with word characters only.
// Rendering is total: missing variables become the empty string, never
// an error and never the literal token.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var tokenRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render substitutes every {{name}} token in s with the string form of
// vars[name]. Booleans render as localized yes/no ("Oui"/"Non").
func Render(s string, vars map[string]any) string {
	return tokenRe.ReplaceAllStringFunc(s, func(match string) string {
		name := tokenRe.FindStringSubmatch(match)[1]
		v, ok := vars[name]
		if !ok {
			return ""
		}
		return formatValue(v)
	})
}

// Variables returns the distinct variable names referenced by a
// template, in order of first appearance.
func Variables(s string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range tokenRe.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Validate reports the referenced variable names missing from vars.
// An empty result means the mapping covers the template.
func Validate(s string, vars map[string]any) []string {
	var missing []string
	for _, name := range Variables(s) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "Oui"
		}
		return "Non"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format("02/01/2006")
	default:
		return fmt.Sprintf("%v", val)
	}
}
