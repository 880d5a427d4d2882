// Package service implements the fetch and dispatch logic behind /go/{token}.
package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/html/charset"

	"fluxify/internal/client"
	"fluxify/internal/config"
	"fluxify/internal/metrics"
	"fluxify/internal/model"
	"fluxify/internal/rewrite"
)

var (
	// ErrInvalidTarget is returned when a decoded token is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid target URL")
	// ErrDocumentTooLarge is returned when a body buffered for rewriting exceeds
	// upstream.max_document_bytes.
	ErrDocumentTooLarge = errors.New("document too large to rewrite")
	// ErrMissingProxyHost is returned when rewritten references would have no
	// host to point back at, as for an inbound request without a Host header.
	ErrMissingProxyHost = errors.New("missing proxy host")
)

// forwardableRequestHeaders are the only request headers forwarded upstream.
// Cookies and credentials belong to the proxy origin and are never sent on.
var forwardableRequestHeaders = []string{
	"User-Agent",
	"Accept",
	"Accept-Language",
	"Content-Type",
}

// forwardableResponseHeaders are the only upstream headers sent back on passthrough.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Last-Modified":    true,
	"Etag":             true,
	"Date":             true,
}

// decodableCodings are the Accept-Encoding tokens client.DecodeBody can undo.
var decodableCodings = map[string]bool{
	"gzip": true, "x-gzip": true, "deflate": true, "br": true, "zstd": true, "identity": true,
}

const (
	defaultAccept         = "*/*"
	defaultAcceptLanguage = "en-US,en;q=0.5"
	defaultAcceptEncoding = "gzip, deflate"

	sniffLen = 512
)

// Gateway fetches proxy targets and dispatches each response to passthrough
// or the rewriters.
type Gateway struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGateway creates a Gateway. The metrics parameter may be nil.
func NewGateway(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		metrics: m,
	}
}

// Forward fetches pr.Target once and returns the response to stream back.
// Markup is rewritten against the post-redirect URL; everything else is
// passed through. The caller is responsible for closing the response body.
func (g *Gateway) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	if err := validateTarget(pr); err != nil {
		return nil, err
	}

	target := *pr.Target
	target.Fragment = ""
	target.RawFragment = ""

	var body io.Reader
	if pr.Body != nil && pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		body = pr.Body
	}

	g.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", target.Host,
	)

	resp, err := g.client.DoStream(pr.Ctx, pr.Method, target.String(), g.requestHeaders(pr.Header, pr.Method), body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target.Host, err)
	}

	if resp.Header.Get("Content-Type") == "" {
		if err := sniff(resp); err != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("sniff %s: %w", target.Host, err)
		}
	}

	resp.Class = Classify(resp.Header.Get("Content-Type"))

	switch {
	case resp.Class == model.ClassMarkup:
		resp, err = g.rewriteMarkup(pr, resp)
	case resp.Class == model.ClassText && g.cfg.Rewrite.Stylesheets && isStylesheet(resp.Header.Get("Content-Type")):
		resp, err = g.rewriteStylesheet(pr, resp)
	default:
		resp.Header = filterResponseHeaders(resp.Header)
		if err = decodeUnoffered(resp, pr.Header.Values("Accept-Encoding")); err != nil {
			err = fmt.Errorf("decode %s body: %w", target.Host, err)
		}
	}
	if err != nil {
		return nil, err
	}

	if g.metrics != nil {
		g.metrics.ResponsesTotal.WithLabelValues(string(resp.Class)).Inc()
	}
	return resp, nil
}

func validateTarget(pr *model.ProxyRequest) error {
	u := pr.Target
	if u == nil {
		return fmt.Errorf("%w: missing", ErrInvalidTarget)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	if pr.Root == nil || !pr.Root.IsAbs() {
		return fmt.Errorf("%w: proxy root must be absolute", ErrInvalidTarget)
	}
	if pr.Root.Host == "" {
		return ErrMissingProxyHost
	}
	return nil
}

// rewriteMarkup buffers, transcodes to UTF-8 and rewrites an HTML body.
func (g *Gateway) rewriteMarkup(pr *model.ProxyRequest, resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	contentType := resp.Header.Get("Content-Type")

	data, err := g.readDocument(resp, func(r io.Reader) (io.Reader, error) {
		return charset.NewReader(r, contentType)
	})
	if err != nil {
		g.countRewrite("error")
		return nil, err
	}

	var out bytes.Buffer
	resolver := rewrite.NewResolver(resp.URL, pr.Root, g.logger)
	if err := resolver.HTML(&out, data); err != nil {
		g.countRewrite("error")
		return nil, fmt.Errorf("rewrite %s: %w", resp.URL.Host, err)
	}
	g.countRewrite("ok")

	// Charset parameters are dropped; the body is UTF-8 after transcoding.
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Set("Content-Length", strconv.Itoa(out.Len()))

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       io.NopCloser(&out),
		URL:        resp.URL,
		Class:      model.ClassMarkup,
	}, nil
}

// rewriteStylesheet rewrites url() and @import references in a text/css body.
func (g *Gateway) rewriteStylesheet(pr *model.ProxyRequest, resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	contentType := resp.Header.Get("Content-Type")

	data, err := g.readDocument(resp, nil)
	if err != nil {
		return nil, err
	}

	css := rewrite.NewResolver(resp.URL, pr.Root, g.logger).CSS(string(data))

	header := filterResponseHeaders(resp.Header)
	header.Del("Content-Encoding")
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(css)))

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(css)),
		URL:        resp.URL,
		Class:      model.ClassText,
	}, nil
}

// readDocument decodes and fully reads resp.Body, capped at max_document_bytes.
// wrap, when set, is applied to the decoded stream. resp.Body is always closed.
// The whole read must finish within upstream.timeout_seconds.
func (g *Gateway) readDocument(resp *model.ProxyResponse, wrap func(io.Reader) (io.Reader, error)) ([]byte, error) {
	var expired atomic.Bool
	if timeout := time.Duration(g.cfg.Upstream.TimeoutSeconds) * time.Second; timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			expired.Store(true)
			_ = resp.Body.Close()
		})
		defer timer.Stop()
	}
	readErr := func(err error) error {
		if expired.Load() {
			err = context.DeadlineExceeded
		}
		return fmt.Errorf("read %s body: %w", resp.URL.Host, err)
	}

	decoded, err := client.DecodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		if expired.Load() {
			return nil, readErr(err)
		}
		return nil, fmt.Errorf("decode %s body: %w", resp.URL.Host, err)
	}
	defer func() { _ = decoded.Close() }()

	var r io.Reader = decoded
	if wrap != nil {
		if r, err = wrap(decoded); err != nil {
			return nil, readErr(err)
		}
	}

	limit := g.cfg.Upstream.MaxDocumentBytes
	if limit <= 0 {
		limit = 10 * 1024 * 1024
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, readErr(err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrDocumentTooLarge, resp.URL.Host, limit)
	}
	return data, nil
}

func (g *Gateway) countRewrite(result string) {
	if g.metrics != nil {
		g.metrics.DocumentsRewritten.WithLabelValues(result).Inc()
	}
}

func (g *Gateway) requestHeaders(src http.Header, method string) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", g.cfg.Upstream.UserAgent)
	}
	if dst.Get("Accept") == "" {
		dst.Set("Accept", defaultAccept)
	}
	if dst.Get("Accept-Language") == "" {
		dst.Set("Accept-Language", defaultAcceptLanguage)
	}
	dst.Set("Accept-Encoding", acceptEncoding(src.Values("Accept-Encoding")))
	if method == http.MethodGet || method == http.MethodHead {
		dst.Del("Content-Type")
	}
	return dst
}

// acceptEncoding keeps only the codings the markup path can decode.
func acceptEncoding(values []string) string {
	var kept []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			coding, _, _ := strings.Cut(part, ";")
			if decodableCodings[strings.ToLower(strings.TrimSpace(coding))] {
				kept = append(kept, part)
			}
		}
	}
	if len(kept) == 0 {
		return defaultAcceptEncoding
	}
	return strings.Join(kept, ", ")
}

// decodeUnoffered undoes a passthrough Content-Encoding the client never
// listed in its own Accept-Encoding; acceptEncoding may have asked for it on
// the client's behalf. Codings DecodeBody cannot undo are left alone.
func decodeUnoffered(resp *model.ProxyResponse, offered []string) error {
	enc := resp.Header.Get("Content-Encoding")
	if enc == "" {
		return nil
	}
	codings := strings.Split(enc, ",")
	pending := false
	for _, c := range codings {
		c = strings.ToLower(strings.TrimSpace(c))
		if !decodableCodings[c] {
			return nil
		}
		if c != "" && c != "identity" && !offers(offered, c) {
			pending = true
		}
	}
	if !pending {
		return nil
	}

	decoded, err := client.DecodeBody(resp.Body, enc)
	if err != nil {
		return err
	}
	resp.Body = decoded
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	return nil
}

// offers reports whether an Accept-Encoding list admits coding.
func offers(values []string, coding string) bool {
	if coding == "x-gzip" {
		coding = "gzip"
	}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(part, ";")
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "x-gzip" {
				name = "gzip"
			}
			if name != coding && name != "*" {
				continue
			}
			if key, q, ok := strings.Cut(strings.TrimSpace(params), "="); ok && strings.EqualFold(strings.TrimSpace(key), "q") {
				if f, err := strconv.ParseFloat(strings.TrimSpace(q), 64); err == nil && f == 0 {
					continue
				}
			}
			return true
		}
	}
	return false
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

// sniff fills in a missing Content-Type from the first bytes of the body.
// An encoded body is decoded first, so the returned body is identity-encoded.
func sniff(resp *model.ProxyResponse) error {
	enc := resp.Header.Get("Content-Encoding")
	if enc != "" && !strings.EqualFold(enc, "identity") {
		decoded, err := client.DecodeBody(resp.Body, enc)
		if err != nil {
			return err
		}
		resp.Body = decoded
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
	}

	br := bufio.NewReaderSize(resp.Body, sniffLen)
	head, _ := br.Peek(sniffLen) // short bodies return fewer bytes with io.EOF
	resp.Header.Set("Content-Type", http.DetectContentType(head))
	resp.Body = readCloser{Reader: br, Closer: resp.Body}
	return nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
