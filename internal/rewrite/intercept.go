package rewrite

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/url"
)

//go:embed intercept.html
var interceptSource string

var interceptTemplate = template.Must(template.New("intercept").Parse(interceptSource))

// InterceptMarker is emitted exactly once by every injected script.
const InterceptMarker = "window.__fluxify = true"

type interceptData struct {
	GoPath string
	Base   string
}

// interceptScript renders the submit/click interception script for the
// document being rewritten.
func (r *Resolver) interceptScript() (string, error) {
	root, err := url.Parse(r.root)
	if err != nil {
		return "", fmt.Errorf("parse proxy root: %w", err)
	}
	data := interceptData{GoPath: root.EscapedPath()}
	if r.base != nil {
		data.Base = r.base.String()
	}

	var buf bytes.Buffer
	if err := interceptTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render intercept script: %w", err)
	}
	return buf.String(), nil
}
