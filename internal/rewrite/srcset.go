package rewrite

import "strings"

const srcsetSpace = " \t\n\r\f"

// Srcset rewrites the URL of each candidate in a srcset list. Descriptors
// ("1x", "480w") are kept verbatim and entries are rejoined with ", ".
//
// Candidates are split the way the HTML srcset parser does it: a URL runs to
// the next whitespace, so commas inside it (data URLs) do not end the
// candidate, and the descriptor runs to the next comma outside parentheses.
func (r *Resolver) Srcset(srcset string) string {
	var out []string
	s := srcset
	for {
		s = strings.TrimLeft(s, srcsetSpace+",")
		if s == "" {
			break
		}

		end := strings.IndexAny(s, srcsetSpace)
		if end < 0 {
			end = len(s)
		}
		ref := s[:end]
		s = s[end:]

		// A URL ending in commas has no descriptor.
		if trimmed := strings.TrimRight(ref, ","); len(trimmed) != len(ref) {
			out = append(out, r.Rewrite(trimmed))
			continue
		}

		descriptor, rest := splitDescriptor(s)
		s = rest
		out = append(out, strings.TrimSpace(r.Rewrite(ref)+" "+strings.TrimSpace(descriptor)))
	}
	return strings.Join(out, ", ")
}

// splitDescriptor returns the text up to the first comma not inside
// parentheses, and the remainder after that comma.
func splitDescriptor(s string) (string, string) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				return s[:i], s[i+1:]
			}
		}
	}
	return s, ""
}
