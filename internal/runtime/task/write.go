package task

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// compressibleTypes lists the content type prefixes that are worth
// compressing on the fly.
var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/x-javascript",
	"application/xml",
	"application/pdf",
	"image/x-icon",
	"image/svg+xml",
	"image/vnd.microsoft.icon",
}

// Write sends body as the complete response of t. It returns -1 when the task
// was interrupted and nothing was written, and 0 for HEAD requests.
func Write(t Task, body []byte) (int64, error) {
	c := t.Core()
	if c.Interrupted() {
		return -1, nil
	}
	sink := c.Sink()
	req := c.Request()
	h := sink.Header()

	if !t.Cacheable() {
		if !strings.Contains(strings.ToLower(h.Get("Cache-Control")), "no-cache") {
			h.Set("Cache-Control", "no-cache")
		}
		h.Set("Pragma", "no-cache")
		h.Del("Expires")
	} else if h.Get("ETag") == "" {
		if key := t.TrueCacheKey(); key != "" {
			h.Set("ETag", ETag(key))
		}
	}
	if h.Get("Content-Type") != "" {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	if c.opts.PoweredBy {
		h.Set("X-Powered-By", PoweredBy)
	}

	payload := body
	if h.Get("Content-Encoding") == "" && len(body) > c.opts.MinCompressSize && Compressible(h.Get("Content-Type")) {
		if enc := NegotiateEncoding(req.Header.Get("Accept-Encoding")); enc != "" {
			compressed, err := Compress(enc, body)
			if err != nil {
				return 0, err
			}
			payload = compressed
			h.Set("Content-Encoding", enc)
			h.Add("Vary", "Accept-Encoding")
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(payload)))

	if req.Method == http.MethodHead {
		sink.Commit()
		return 0, nil
	}
	n, err := sink.Write(payload)
	return int64(n), err
}

// Compressible reports whether a response of contentType may be compressed.
func Compressible(contentType string) bool {
	if contentType == "" {
		return false
	}
	for _, prefix := range compressibleTypes {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

// NegotiateEncoding picks gzip, then deflate, from an Accept-Encoding value.
// Codings listed with q=0 are refused.
func NegotiateEncoding(acceptEncoding string) string {
	switch {
	case AcceptsEncoding(acceptEncoding, "gzip"):
		return "gzip"
	case AcceptsEncoding(acceptEncoding, "deflate"):
		return "deflate"
	}
	return ""
}

// AcceptsEncoding reports whether coding is acceptable to the client.
func AcceptsEncoding(acceptEncoding, coding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.TrimSpace(name)
		if !strings.EqualFold(name, coding) && name != "*" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// Compress encodes body with gzip or deflate (zlib framed).
func Compress(encoding string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch strings.ToLower(encoding) {
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("task: unsupported content encoding %q", encoding)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("task: compress %s: %w", encoding, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("task: compress %s: %w", encoding, err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(encoding string, body []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error
	switch strings.ToLower(encoding) {
	case "gzip":
		r, err = gzip.NewReader(bytes.NewReader(body))
	case "deflate":
		r, err = zlib.NewReader(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("task: unsupported content encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("task: decompress %s: %w", encoding, err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("task: decompress %s: %w", encoding, err)
	}
	return out, nil
}
