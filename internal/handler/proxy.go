package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"fluxify/internal/client"
	"fluxify/internal/codec"
	"fluxify/internal/config"
	"fluxify/internal/model"
	"fluxify/internal/rewrite"
	"fluxify/internal/service"
)

// userinfoPattern matches credentials in URLs embedded in error messages.
var userinfoPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^/@\s"]+@`)

// ProxyHandler serves /go/:token.
type ProxyHandler struct {
	gateway   *service.Gateway
	publicURL *url.URL
	goPath    string
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(gw *service.Gateway, cfg *config.Config, logger *slog.Logger) (*ProxyHandler, error) {
	h := &ProxyHandler{
		gateway: gw,
		goPath:  cfg.Server.GoPath(),
		logger:  logger.With("component", "proxy_handler"),
	}
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("parse server.public_url: %w", err)
		}
		h.publicURL = u
	}
	return h, nil
}

// Handle decodes the token, forwards the request and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := decodeTarget(c.Param("token"))
	if err != nil {
		return h.mapError(c, err)
	}
	// Form submissions arrive as /go/{token}?fields; the inbound query wins.
	if req.URL.RawQuery != "" {
		target.RawQuery = req.URL.RawQuery
		target.ForceQuery = false
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Target: target,
		Root:   h.root(c),
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.gateway.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failed copy can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"host", target.Host,
			"class", resp.Class,
		)
	}

	return nil
}

func decodeTarget(token string) (*url.URL, error) {
	// Echo leaves params escaped when the request path had escapes.
	if unescaped, err := url.PathUnescape(token); err == nil {
		token = unescaped
	}
	raw, err := codec.Decode(token)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", service.ErrInvalidTarget, err)
	}
	return u, nil
}

// root is the absolute URL rewritten references are built on.
func (h *ProxyHandler) root(c echo.Context) *url.URL {
	if h.publicURL != nil {
		u := *h.publicURL
		u.Path = h.goPath
		return &u
	}
	return &url.URL{Scheme: c.Scheme(), Host: c.Request().Host, Path: h.goPath}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := classifyError(err)

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", sanitizeError(err),
		"status", status,
	)

	return c.JSON(status, map[string]string{"error": msg})
}

// classifyError maps a Forward or decode failure to a status and client message.
func classifyError(err error) (int, string) {
	var decodeErr *codec.DecodeError
	if errors.As(err, &decodeErr) {
		return http.StatusBadRequest, "invalid token"
	}
	if errors.Is(err, service.ErrInvalidTarget) {
		return http.StatusBadRequest, "invalid target URL"
	}
	if errors.Is(err, service.ErrMissingProxyHost) {
		return http.StatusBadRequest, "missing Host header"
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return http.StatusInternalServerError, "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusInternalServerError, "client disconnected"
	}
	if errors.Is(err, client.ErrTooManyRedirects) {
		return http.StatusInternalServerError, "too many redirects"
	}
	if errors.Is(err, service.ErrDocumentTooLarge) {
		return http.StatusInternalServerError, "document too large to rewrite"
	}
	if errors.Is(err, client.ErrUnsupportedEncoding) {
		return http.StatusInternalServerError, "unsupported content encoding"
	}
	if errors.Is(err, rewrite.ErrRewrite) {
		return http.StatusInternalServerError, "document rewrite failed"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusInternalServerError, "upstream host unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return http.StatusInternalServerError, "upstream connection failed: " + opErr.Op
		}
		return http.StatusInternalServerError, "upstream connection failed"
	}

	return http.StatusInternalServerError, "upstream request failed"
}

// sanitizeError redacts URL credentials from error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
