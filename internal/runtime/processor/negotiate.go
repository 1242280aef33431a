package processor

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/pictura/internal/runtime/task"
)

const (
	// HintCookie is set by the embedded client script with the viewport
	// width and pixel ratio of the browser.
	HintCookie = "__picturaio__"

	defaultAutoQuality = 80
	autoQualityFactor  = 0.9
)

// Negotiator derives output format and size from what the client announces.
// Every value it applies to a request also becomes a cache key dimension.
type Negotiator struct {
	AutoFormat  bool
	ClientHints bool
	// CanEncode reports the formats the transformer can write.
	CanEncode func(format string) bool
}

type negotiated struct {
	format  string
	quality int
	width   int
	dpr     float64
	vary    []string
}

func (n *Negotiator) negotiate(r *http.Request) negotiated {
	var out negotiated
	if n == nil || r == nil {
		return out
	}
	query := r.URL.Query()
	if n.AutoFormat && query.Get("f") == "" {
		if format, vary := n.autoFormat(r); format != "" {
			out.format = format
			out.vary = append(out.vary, vary)
			quality := defaultAutoQuality
			if q, err := strconv.Atoi(query.Get("q")); err == nil && q > 0 && q <= 100 {
				quality = q
			}
			out.quality = int(math.Round(float64(quality) * autoQualityFactor))
		}
	}
	if n.ClientHints {
		cookie := hintCookie(r)
		if query.Get("w") == "" && query.Get("h") == "" {
			if w := headerInt(r, "Sec-CH-Width", "Width"); w > 0 {
				out.width = w
				out.vary = append(out.vary, "Sec-CH-Width")
			} else if cookie.width > 0 {
				out.width = cookie.width
				out.vary = append(out.vary, "Cookie")
			}
		}
		if query.Get("dpr") == "" {
			if dpr := headerFloat(r, "Sec-CH-DPR", "DPR"); dpr > 0 {
				out.dpr = dpr
				out.vary = append(out.vary, "Sec-CH-DPR")
			} else if cookie.dpr > 0 {
				out.dpr = cookie.dpr
				out.vary = append(out.vary, "Cookie")
			}
		}
	}
	return out
}

func (n *Negotiator) autoFormat(r *http.Request) (string, string) {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "image/webp") && n.canEncode("webp") {
		return "webp", "Accept"
	}
	if strings.Contains(accept, "image/jp2") && n.canEncode("jp2") {
		return "jp2", "Accept"
	}
	return "", ""
}

func (n *Negotiator) canEncode(format string) bool {
	return n.CanEncode != nil && n.CanEncode(format)
}

// Dimensions returns the cache key dimensions of r: "o" and "f" for an
// automatically chosen format, "sw" and "dpr" for client hints.
func (n *Negotiator) Dimensions(r *http.Request) []task.Dimension {
	neg := n.negotiate(r)
	var dims []task.Dimension
	if neg.format != "" {
		dims = append(dims,
			task.Dimension{Name: "o", Value: strconv.Itoa(neg.quality)},
			task.Dimension{Name: "f", Value: neg.format},
		)
	}
	if neg.width > 0 {
		dims = append(dims, task.Dimension{Name: "sw", Value: strconv.Itoa(neg.width)})
	}
	if neg.dpr > 0 {
		dims = append(dims, task.Dimension{Name: "dpr", Value: strconv.FormatFloat(neg.dpr, 'f', -1, 64)})
	}
	return dims
}

// DimensionFunc returns nil when nothing is negotiated.
func (n *Negotiator) DimensionFunc() task.DimensionFunc {
	if n == nil || (!n.AutoFormat && !n.ClientHints) {
		return nil
	}
	return n.Dimensions
}

// Apply fills the negotiated values into p and announces them in header.
func (n *Negotiator) Apply(r *http.Request, p *Params, header http.Header) {
	neg := n.negotiate(r)
	if neg.format != "" {
		p.Format = neg.format
		p.Quality = neg.quality
	}
	if neg.width > 0 {
		p.Width = neg.width
	}
	if neg.dpr > 0 {
		p.DPR = neg.dpr
		header.Set("Content-DPR", strconv.FormatFloat(neg.dpr, 'f', -1, 64))
	}
	for _, v := range neg.vary {
		if !varies(header, v) {
			header.Add("Vary", v)
		}
	}
}

func varies(header http.Header, name string) bool {
	for _, value := range header.Values("Vary") {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), name) {
				return true
			}
		}
	}
	return false
}

type hints struct {
	width int
	dpr   float64
}

// hintCookie parses "dpr=1.5,dw=1280,dh=720".
func hintCookie(r *http.Request) hints {
	var h hints
	c, err := r.Cookie(HintCookie)
	if err != nil {
		return h
	}
	for _, part := range strings.Split(c.Value, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch name {
		case "dw":
			h.width, _ = strconv.Atoi(value)
		case "dpr":
			h.dpr, _ = strconv.ParseFloat(value, 64)
		}
	}
	if h.width < 0 || h.width > maxDimension {
		h.width = 0
	}
	if h.dpr < 0 || h.dpr > 4 || math.IsNaN(h.dpr) {
		h.dpr = 0
	}
	return h
}

func headerInt(r *http.Request, names ...string) int {
	for _, name := range names {
		if n, err := strconv.Atoi(strings.TrimSpace(r.Header.Get(name))); err == nil && n > 0 && n <= maxDimension {
			return n
		}
	}
	return 0
}

func headerFloat(r *http.Request, names ...string) float64 {
	for _, name := range names {
		if f, err := strconv.ParseFloat(strings.TrimSpace(r.Header.Get(name)), 64); err == nil && f > 0 && f <= 4 {
			return f
		}
	}
	return 0
}
