package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/l0p7/pictura/internal/runtime/task"
)

// maxDimension bounds a requested edge length before any other check.
const maxDimension = 16384

// Params are the transformation parameters of one image request.
type Params struct {
	Width   int
	Height  int
	DPR     float64
	Format  string
	Quality int
}

// Result is the transformed image.
type Result struct {
	Body        []byte
	ContentType string
}

// Transformer produces the output image. It is the boundary to the codec and
// pixel work; everything in front of it is format agnostic.
type Transformer interface {
	Transform(ctx context.Context, src Source, p Params) (Result, error)
	CanEncode(format string) bool
}

// ParseParams reads w, h, dpr, f and q from the query. Malformed values are
// client errors.
func ParseParams(query url.Values) (Params, error) {
	var p Params
	var err error
	if p.Width, err = dimension(query, "w"); err != nil {
		return Params{}, err
	}
	if p.Height, err = dimension(query, "h"); err != nil {
		return Params{}, err
	}
	if raw := query.Get("dpr"); raw != "" {
		p.DPR, err = strconv.ParseFloat(raw, 64)
		if err != nil || p.DPR <= 0 || p.DPR > 4 || math.IsNaN(p.DPR) {
			return Params{}, task.InvalidArgument("invalid dpr %q", raw)
		}
	}
	if raw := query.Get("f"); raw != "" {
		p.Format = canonicalFormat(raw)
		if p.Format == "" {
			return Params{}, task.InvalidArgument("invalid format %q", raw)
		}
	}
	if raw := query.Get("q"); raw != "" {
		p.Quality, err = strconv.Atoi(raw)
		if err != nil || p.Quality < 1 || p.Quality > 100 {
			return Params{}, task.InvalidArgument("invalid quality %q", raw)
		}
	}
	return p, nil
}

func dimension(query url.Values, name string) (int, error) {
	raw := query.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxDimension {
		return 0, task.InvalidArgument("invalid %s %q", name, raw)
	}
	return n, nil
}

func canonicalFormat(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "jpg", "jpeg":
		return "jpeg"
	case "png":
		return "png"
	case "gif":
		return "gif"
	case "webp":
		return "webp"
	case "jp2", "jpeg2000":
		return "jp2"
	}
	return ""
}

var formatTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"jp2":  "image/jp2",
}

// Codec is the built-in transformer. It decodes jpeg, png, gif and webp,
// scales with Catmull-Rom and encodes jpeg, png and gif.
type Codec struct {
	// MaxResolution caps source and target pixel counts; zero disables it.
	MaxResolution int64
	// Quality is the jpeg quality used when a request does not set one.
	Quality int
}

func (c *Codec) CanEncode(format string) bool {
	switch canonicalFormat(format) {
	case "jpeg", "png", "gif":
		return true
	}
	return false
}

func (c *Codec) Transform(ctx context.Context, src Source, p Params) (Result, error) {
	cfg, srcFormat, err := image.DecodeConfig(bytes.NewReader(src.Body))
	if err != nil {
		return Result{}, task.NewStatusError(http.StatusUnsupportedMediaType, "unsupported source format", nil)
	}
	if c.tooLarge(cfg.Width, cfg.Height) {
		return Result{}, task.NewStatusError(http.StatusRequestEntityTooLarge, "", nil)
	}
	width, height := targetSize(cfg.Width, cfg.Height, p)
	if c.tooLarge(width, height) {
		return Result{}, task.NewStatusError(http.StatusRequestEntityTooLarge, "", nil)
	}

	srcFormat = canonicalFormat(srcFormat)
	format := p.Format
	if format == "" {
		format = srcFormat
	}
	if !c.CanEncode(format) {
		return Result{}, task.NewStatusError(http.StatusUnsupportedMediaType, fmt.Sprintf("cannot write %s", format), nil)
	}
	if width == cfg.Width && height == cfg.Height && format == srcFormat && p.Quality == 0 {
		return Result{Body: src.Body, ContentType: formatTypes[format]}, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	img, _, err := image.Decode(bytes.NewReader(src.Body))
	if err != nil {
		return Result{}, task.NewStatusError(http.StatusUnsupportedMediaType, "corrupt source image", nil)
	}
	if width != cfg.Width || height != cfg.Height {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		quality := p.Quality
		if quality == 0 {
			quality = c.Quality
		}
		if quality == 0 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case "png":
		err = png.Encode(&buf, img)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	}
	if err != nil {
		return Result{}, fmt.Errorf("processor: encode %s: %w", format, err)
	}
	return Result{Body: buf.Bytes(), ContentType: formatTypes[format]}, nil
}

func (c *Codec) tooLarge(width, height int) bool {
	return c.MaxResolution > 0 && int64(width)*int64(height) > c.MaxResolution
}

// targetSize keeps the aspect ratio when only one edge is requested.
func targetSize(srcW, srcH int, p Params) (int, int) {
	dpr := p.DPR
	if dpr == 0 {
		dpr = 1
	}
	w := int(math.Round(float64(p.Width) * dpr))
	h := int(math.Round(float64(p.Height) * dpr))
	switch {
	case w > 0 && h > 0:
	case w > 0:
		h = int(math.Round(float64(srcH) * float64(w) / float64(srcW)))
	case h > 0:
		w = int(math.Round(float64(srcW) * float64(h) / float64(srcH)))
	default:
		return srcW, srcH
	}
	return max(w, 1), max(h, 1)
}
