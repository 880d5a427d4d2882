// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ContentClass is how a response body is treated on its way back to the client.
type ContentClass string

const (
	// ClassBinary bodies (images, media, fonts, application/*) are streamed verbatim.
	ClassBinary ContentClass = "binary"
	// ClassMarkup bodies are HTML and go through the markup rewriter.
	ClassMarkup ContentClass = "markup"
	// ClassText bodies are any other text and pass through unmodified.
	ClassText ContentClass = "text"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Target is the decoded remote URL.
	Target *url.URL
	// Root is the absolute URL of the proxy's go prefix; rewritten references
	// are Root + token.
	Root   *url.URL
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// URL is the final upstream URL after redirects.
	URL   *url.URL
	Class ContentClass
}
