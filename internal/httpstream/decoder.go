package httpstream

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxDecodedBytes caps how far a compressed body is inflated.
const maxDecodedBytes = 64 << 20

// ErrDecodedTooLarge is returned when an encoded body inflates past the limit.
var ErrDecodedTooLarge = fmt.Errorf("httpstream: decoded body exceeds %d bytes", maxDecodedBytes)

// ContentEncodings returns the codings listed in Content-Encoding in the
// order they were applied, without "identity".
func ContentEncodings(h Header) []string {
	var result []string
	for _, value := range h.Values("Content-Encoding") {
		// "gzip, br" → ["gzip", "br"]
		for _, p := range strings.Split(value, ",") {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" && p != "identity" {
				result = append(result, p)
			}
		}
	}
	return result
}

// NewDecodingReader wraps r with a decoder for each content coding in h,
// undoing them last-applied first.
func NewDecodingReader(r io.Reader, h Header) (io.Reader, error) {
	encodings := ContentEncodings(h)
	for i := len(encodings) - 1; i >= 0; i-- {
		switch encodings[i] {
		case "gzip", "x-gzip":
			gr, err := gzip.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("gzip: %w", err)
			}
			r = gr
		case "deflate":
			dr, err := newDeflateReader(r)
			if err != nil {
				return nil, err
			}
			r = dr
		case "br":
			r = brotli.NewReader(r)
		default:
			return nil, fmt.Errorf("unsupported content encoding %q", encodings[i])
		}
	}
	return r, nil
}

// DecodeBody returns body with its content codings removed. A body without
// Content-Encoding is returned as is.
func DecodeBody(body []byte, h Header) ([]byte, error) {
	if len(body) == 0 || len(ContentEncodings(h)) == 0 {
		return body, nil
	}
	r, err := NewDecodingReader(bytes.NewReader(body), h)
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedBytes {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}

// newDeflateReader accepts both zlib-wrapped data, which is what the
// "deflate" coding means, and the raw DEFLATE streams many servers send.
func newDeflateReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr[0], hdr[1]) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return zr, nil
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}
