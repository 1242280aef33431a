package cache

import (
	"bytes"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// PropertyProducer names the task type that produced an entry.
const PropertyProducer = "__producer"

// Entry is a stored response. Its expiry is derived once, when the entry is
// built, and never recomputed.
type Entry struct {
	key     string
	created time.Time
	expires time.Time
	status  int
	header  http.Header
	body    []byte

	hits atomic.Int64

	mu    sync.Mutex
	props map[string]string
}

// NewEntry snapshots a produced response. The header and body are copied.
func NewEntry(key string, status int, header http.Header, body []byte) *Entry {
	return newEntryAt(key, status, header, body, time.Now())
}

func newEntryAt(key string, status int, header http.Header, body []byte, now time.Time) *Entry {
	e := &Entry{
		key:     key,
		created: now,
		status:  status,
		header:  header.Clone(),
		body:    bytes.Clone(body),
	}
	if e.header == nil {
		e.header = make(http.Header)
	}
	e.expires = expiresAt(e.header, now)
	return e
}

// expiresAt prefers the Cache-Control max-age and falls back to Expires.
// A response carrying neither gets the zero time and counts as expired.
func expiresAt(h http.Header, now time.Time) time.Time {
	if cc := h.Get("Cache-Control"); cc != "" {
		if ttl := ParseCacheControl(cc).GetTTL(); ttl != nil {
			return now.Add(*ttl)
		}
	}
	if raw := h.Get("Expires"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (e *Entry) Key() string               { return e.key }
func (e *Entry) Created() time.Time        { return e.created }
func (e *Entry) Expires() time.Time        { return e.expires }
func (e *Entry) Status() int               { return e.status }
func (e *Entry) Header() http.Header       { return e.header.Clone() }
func (e *Entry) HeaderGet(k string) string { return e.header.Get(k) }

// Body returns the stored bytes. Callers must not modify them.
func (e *Entry) Body() []byte { return e.body }

// Size reports the body length in bytes.
func (e *Entry) Size() int { return len(e.body) }

// Expired reports whether the entry is past its expiry.
func (e *Entry) Expired() bool { return e.ExpiredAt(time.Now()) }

// ExpiredAt reports whether the entry is expired at now.
func (e *Entry) ExpiredAt(now time.Time) bool {
	return e.expires.IsZero() || !now.Before(e.expires)
}

// Hit records a served hit and returns the new count.
func (e *Entry) Hit() int64 { return e.hits.Add(1) }

func (e *Entry) Hits() int64 { return e.hits.Load() }

// SetProperty stores a write-once annotation. It reports false when name is
// already set.
func (e *Entry) SetProperty(name, value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.props[name]; ok {
		return false
	}
	if e.props == nil {
		e.props = make(map[string]string)
	}
	e.props[name] = value
	return true
}

func (e *Entry) Property(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.props[name]
	return v, ok
}

// Properties returns a copy of all annotations.
func (e *Entry) Properties() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.props)
}

// record is the persisted form of an entry.
type record struct {
	Key        string            `json:"key"`
	Created    time.Time         `json:"created"`
	Expires    time.Time         `json:"expires"`
	Status     int               `json:"status"`
	Header     http.Header       `json:"header,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	Hits       int64             `json:"hits,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

func (e *Entry) record() record {
	return record{
		Key:        e.key,
		Created:    e.created,
		Expires:    e.expires,
		Status:     e.status,
		Header:     e.header,
		Body:       e.body,
		Hits:       e.Hits(),
		Properties: e.Properties(),
	}
}

func (r record) entry() *Entry {
	e := &Entry{
		key:     r.Key,
		created: r.Created,
		expires: r.Expires,
		status:  r.Status,
		header:  r.Header,
		body:    r.Body,
		props:   r.Properties,
	}
	if e.header == nil {
		e.header = make(http.Header)
	}
	e.hits.Store(r.Hits)
	return e
}
