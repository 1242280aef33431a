package task

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Base is embedded by leaf tasks. It carries the core and derives the true
// cache key from the request path and normalized query. Leaves override
// Cacheable and Process.
type Base struct {
	core *Core

	keyOnce sync.Once
	key     string
}

func NewBase(core *Core) *Base {
	return &Base{core: core}
}

func (b *Base) Core() *Core { return b.core }

func (b *Base) TrueCacheKey() string {
	b.keyOnce.Do(func() {
		b.key = RequestKey(b.core.Request())
	})
	return b.key
}

func (b *Base) Cacheable() bool { return false }

// RequestKey normalizes path and query. Query parameters are sorted by name
// and the debug switch is ignored, so it never splits the cache.
func RequestKey(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	query := r.URL.Query()
	query.Del("debug")
	encoded := query.Encode()
	if encoded == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + encoded
}

// Dimension is a content-negotiated value that changes the response body.
type Dimension struct {
	Name  string
	Value string
}

// AppendDimensions extends key with dims. The first group is introduced by
// '#', later pairs and groups are joined with ';'.
func AppendDimensions(key string, dims []Dimension) string {
	if key == "" || len(dims) == 0 {
		return key
	}
	var b strings.Builder
	b.WriteString(key)
	sep := byte('#')
	if strings.IndexByte(key, '#') >= 0 {
		sep = ';'
	}
	for _, d := range dims {
		if d.Name == "" {
			continue
		}
		b.WriteByte(sep)
		b.WriteString(d.Name)
		b.WriteByte('=')
		b.WriteString(d.Value)
		sep = ';'
	}
	return b.String()
}

// ETag returns the weak entity tag for a true cache key.
func ETag(key string) string {
	sum := md5.Sum([]byte(key))
	return `W/"` + hex.EncodeToString(sum[:]) + `"`
}

// RequestID derives an opaque, stable identifier from the request metadata
// and the creation time of the task.
func (c *Core) RequestID() string {
	c.idOnce.Do(func() {
		var b strings.Builder
		b.WriteString(strconv.FormatInt(c.created.UnixNano(), 10))
		b.WriteString("Pictura/")
		if r := c.req; r != nil {
			b.WriteString(r.Method)
			b.WriteString(r.Host)
			b.WriteString(r.RemoteAddr)
			if r.URL != nil {
				b.WriteString(r.URL.String())
			}
			b.WriteString(r.UserAgent())
		}
		c.id = uuid.NewMD5(uuid.NameSpaceURL, []byte(b.String())).String()
	})
	return c.id
}
