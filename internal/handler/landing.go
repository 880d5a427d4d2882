package handler

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"

	"fluxify/internal/config"
)

//go:embed static/index.html
var landingSource string

var landingTemplate = template.Must(template.New("landing").Parse(landingSource))

// LandingHandler serves the URL entry page.
type LandingHandler struct {
	page []byte
}

// NewLandingHandler renders the landing page once for the configured go path.
func NewLandingHandler(cfg *config.Config) (*LandingHandler, error) {
	var buf bytes.Buffer
	data := struct{ GoPath string }{GoPath: cfg.Server.GoPath()}
	if err := landingTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render landing page: %w", err)
	}
	return &LandingHandler{page: buf.Bytes()}, nil
}

// Index returns the landing page.
func (h *LandingHandler) Index(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, h.page)
}
