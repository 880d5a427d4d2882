// Package codec converts absolute URLs to and from path-safe proxy tokens.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidToken is wrapped by every DecodeError.
var ErrInvalidToken = errors.New("invalid token")

// DecodeError reports a token that is not valid URL-safe base64 or does not
// decode to UTF-8 text.
type DecodeError struct {
	Token string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode token %q: %v", e.Token, ErrInvalidToken)
	}
	return fmt.Sprintf("decode token %q: %v", e.Token, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidToken}
	}
	return []error{ErrInvalidToken, e.Err}
}

// Encode returns the token for rawURL: unpadded base64 with the URL-safe
// alphabet, so it can be embedded in a single path segment.
func Encode(rawURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(rawURL))
}

// Decode reverses Encode. Tokens produced by a plain btoa (standard alphabet,
// optional padding) are accepted as well. The result is not validated as a URL.
func Decode(token string) (string, error) {
	if token == "" {
		return "", &DecodeError{Token: token, Err: errors.New("empty token")}
	}

	normalized := strings.TrimRight(token, "=")
	normalized = strings.NewReplacer("+", "-", "/", "_").Replace(normalized)

	b, err := base64.RawURLEncoding.Strict().DecodeString(normalized)
	if err != nil {
		return "", &DecodeError{Token: token, Err: err}
	}
	if !utf8.Valid(b) {
		return "", &DecodeError{Token: token, Err: errors.New("decoded bytes are not valid UTF-8")}
	}
	return string(b), nil
}
