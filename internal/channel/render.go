package channel

import (
	"regexp"
	"strings"
)

// varPattern matches {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// MergeVars merges variable maps; later maps take priority
func MergeVars(layers ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			result[k] = v
		}
	}
	return result
}

// Render substitutes {{variable}} patterns in every part of the content.
// Unknown variables are left in place.
func Render(c Content, vars map[string]string) Content {
	return Content{
		Subject: renderString(c.Subject, vars),
		Text:    renderString(c.Text, vars),
		HTML:    renderString(c.HTML, vars),
	}
}

func renderString(tmpl string, vars map[string]string) string {
	if tmpl == "" {
		return tmpl
	}

	return varPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
