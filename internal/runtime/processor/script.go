package processor

import (
	"context"
	"crypto/md5"
	"embed"
	"encoding/hex"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/pictura/internal/runtime/task"
)

//go:embed js/*.js
var scripts embed.FS

// scriptsModified stands in for the modification time of the embedded files,
// which carry none.
var scriptsModified = time.Now().UTC().Truncate(time.Second)

// ScriptOptions configure script tasks.
type ScriptOptions struct {
	// Prefix is the URL path the scripts are mounted under.
	Prefix string
	MaxAge int
}

type scriptTask struct {
	*task.Base
	opts *ScriptOptions
}

// NewScriptTask serves the embedded client scripts.
func NewScriptTask(core *task.Core, opts *ScriptOptions) task.Task {
	return &scriptTask{Base: task.NewBase(core), opts: opts}
}

// Cacheable lets the write path keep the public Cache-Control header. Script
// tasks are never wrapped by the response cache.
func (t *scriptTask) Cacheable() bool { return true }

func (t *scriptTask) Process(ctx context.Context) error {
	c := t.Core()
	req := c.Request()
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		c.SetErrorHeader("Allow", "GET, HEAD")
		return task.NewStatusError(http.StatusMethodNotAllowed, "", nil)
	}

	name := strings.TrimPrefix(req.URL.Path, t.opts.Prefix)
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	body, err := scripts.ReadFile(path.Join("js", name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || name == "" {
			return task.NewStatusError(http.StatusNotFound, "", nil)
		}
		return err
	}

	sum := md5.Sum(body)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	h := c.Sink().Header()
	h.Set("ETag", etag)
	h.Set("Last-Modified", scriptsModified.Format(http.TimeFormat))
	if t.opts.MaxAge > 0 {
		h.Set("Cache-Control", "public, max-age="+strconv.Itoa(t.opts.MaxAge))
	}
	if notModified(req, etag, scriptsModified) {
		return c.Interrupt(http.StatusNotModified, "", nil)
	}
	h.Set("Content-Type", "application/javascript; charset=utf-8")
	_, err = task.Write(t, body)
	return err
}

func notModified(r *http.Request, etag string, modified time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
			if candidate == "*" || candidate == strings.TrimPrefix(etag, "W/") {
				return true
			}
		}
		return false
	}
	since, err := http.ParseTime(r.Header.Get("If-Modified-Since"))
	if err != nil {
		return false
	}
	return !modified.Truncate(time.Second).After(since)
}
