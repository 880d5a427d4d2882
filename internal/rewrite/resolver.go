// Package rewrite turns references found in fetched documents into proxy URLs.
package rewrite

import (
	"log/slog"
	"net/url"
	"strings"

	"fluxify/internal/codec"
)

// passthroughSchemes are schemes that never point at a fetchable remote resource.
var passthroughSchemes = map[string]bool{
	"data":       true,
	"javascript": true,
	"mailto":     true,
	"tel":        true,
	"blob":       true,
	"about":      true,
}

// Resolver maps references found in one document to proxy URLs.
type Resolver struct {
	base   *url.URL
	root   string
	logger *slog.Logger
}

// NewResolver returns a Resolver resolving against base. root is the absolute
// URL of the proxy's go prefix, e.g. "https://proxy.example.com/go/"; tokens
// are appended to it verbatim.
func NewResolver(base *url.URL, root *url.URL, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := root.String()
	if !strings.HasSuffix(r, "/") {
		r += "/"
	}
	return &Resolver{base: base, root: r, logger: logger}
}

// Base returns the URL references are resolved against.
func (r *Resolver) Base() *url.URL { return r.base }

// Root returns the proxy go prefix with a trailing slash.
func (r *Resolver) Root() string { return r.root }

// Rewrite returns the proxy URL for ref. References that cannot be proxied
// (data URLs, script pseudo-URLs, fragment-only links, unparsable input) come
// back unchanged.
func (r *Resolver) Rewrite(ref string) string {
	abs, ok := r.Absolute(ref)
	if !ok {
		return ref
	}
	out := r.root + codec.Encode(abs)
	r.logger.Debug("rewrote reference", "ref", ref, "target", abs)
	return out
}

// Absolute resolves ref to the absolute URL it names. ok is false when ref
// should be left alone.
func (r *Resolver) Absolute(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.Scheme != "" {
		if passthroughSchemes[strings.ToLower(u.Scheme)] {
			return "", false
		}
		return ref, true
	}
	if r.base == nil {
		return "", false
	}
	return r.base.ResolveReference(u).String(), true
}
