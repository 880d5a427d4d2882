package service

import (
	"strings"

	"fluxify/internal/model"
)

// binaryMarkers are media-type substrings whose bodies are never rewritten.
var binaryMarkers = []string{"image", "audio", "video", "application", "font", "octet-stream"}

// Classify maps a Content-Type header value to how the body is handled.
// Matching is by case-insensitive substring, so "application/xhtml+xml" and
// "application/json" are binary. Both pass through unmodified either way.
func Classify(contentType string) model.ContentClass {
	ct := strings.ToLower(contentType)
	for _, m := range binaryMarkers {
		if strings.Contains(ct, m) {
			return model.ClassBinary
		}
	}
	if strings.Contains(ct, "text/html") {
		return model.ClassMarkup
	}
	return model.ClassText
}

// isStylesheet reports whether contentType names text/css, ignoring parameters.
func isStylesheet(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "text/css")
}
