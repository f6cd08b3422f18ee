package policy

import (
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{(\w+)\}`)

// Render replaces every {key} in tpl with params[key]. Placeholders without a
// matching parameter are left as they are.
func Render(tpl string, params map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(m string) string {
		if v, ok := params[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// RenderGame renders a template shown inside the game client, where every
// line break also resets the formatting codes.
func RenderGame(tpl string, params map[string]string) string {
	return Render(strings.ReplaceAll(tpl, "\n", "\n&r"), params)
}
