package rewrite

import (
	"regexp"
	"strings"
)

// cssURLPattern matches url(...) in its quoted and unquoted forms. Unquoted
// values may not contain quotes, parentheses or whitespace, so url(a(b)) is
// never matched partially.
var cssURLPattern = regexp.MustCompile(`(?i)\burl\(\s*(?:"([^"]*)"|'([^']*)'|([^"'()\s]*))\s*\)`)

// cssImportPattern matches the string form of @import; @import url(...) is
// covered by cssURLPattern.
var cssImportPattern = regexp.MustCompile(`(?i)@import\s+(?:"([^"]*)"|'([^']*)')`)

// CSS rewrites every url(...) and @import "..." reference in css. Rewritten
// url() values are emitted unquoted; data URLs are left byte-for-byte intact.
func (r *Resolver) CSS(css string) string {
	css = cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		ref := firstGroup(cssURLPattern.FindStringSubmatch(match))
		if isDataURL(ref) {
			return match
		}
		out := r.Rewrite(ref)
		if out == ref {
			return match
		}
		return "url(" + out + ")"
	})

	return cssImportPattern.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssImportPattern.FindStringSubmatch(match)
		ref, quote := sub[1], `"`
		if sub[2] != "" {
			ref, quote = sub[2], `'`
		}
		if isDataURL(ref) {
			return match
		}
		out := r.Rewrite(ref)
		if out == ref {
			return match
		}
		return "@import " + quote + out + quote
	})
}

func firstGroup(sub []string) string {
	for _, s := range sub[1:] {
		if s != "" {
			return s
		}
	}
	return ""
}

func isDataURL(ref string) bool {
	ref = strings.TrimSpace(ref)
	return len(ref) >= 5 && strings.EqualFold(ref[:5], "data:")
}
