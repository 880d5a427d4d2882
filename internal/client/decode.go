package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a Content-Encoding DecodeBody cannot undo.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// DecodeBody wraps body so reads return the identity-encoded payload described
// by a Content-Encoding header value. Codings are undone in reverse order of
// application. Closing the result closes body.
func DecodeBody(body io.ReadCloser, contentEncoding string) (io.ReadCloser, error) {
	codings := strings.Split(contentEncoding, ",")
	d := &decodedBody{Reader: body, closers: []func() error{body.Close}}

	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		if err := d.push(coding); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	return d, nil
}

type decodedBody struct {
	io.Reader
	closers []func() error
}

func (d *decodedBody) push(coding string) error {
	switch coding {
	case "", "identity":
		return nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(d.Reader)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		d.Reader = zr
		d.closers = append(d.closers, zr.Close)
	case "deflate":
		// Servers disagree on whether "deflate" means zlib-wrapped or raw.
		br := bufio.NewReader(d.Reader)
		if hasZlibHeader(br) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return fmt.Errorf("deflate: %w", err)
			}
			d.Reader = zr
			d.closers = append(d.closers, zr.Close)
			return nil
		}
		fr := flate.NewReader(br)
		d.Reader = fr
		d.closers = append(d.closers, fr.Close)
	case "br":
		d.Reader = brotli.NewReader(d.Reader)
	case "zstd":
		zr, err := zstd.NewReader(d.Reader)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		d.Reader = zr
		d.closers = append(d.closers, func() error { zr.Close(); return nil })
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}
	return nil
}

func (d *decodedBody) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func hasZlibHeader(br *bufio.Reader) bool {
	h, err := br.Peek(2)
	if err != nil {
		return false
	}
	return h[0]&0x0f == 8 && (uint16(h[0])<<8|uint16(h[1]))%31 == 0
}
