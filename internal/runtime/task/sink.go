package task

import (
	"bytes"
	"net/http"
	"sync"
)

// Sink is the response side of a task. Headers and status are staged until
// the first body write or an explicit commit. Written bytes can be teed into
// a capture buffer, and a waiter that gives up on the task can abandon the
// sink so later writes from the worker are dropped.
type Sink struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	header    http.Header
	status    int
	committed bool
	detached  bool
	written   int64

	capturing    bool
	captureLimit int
	captureOver  bool
	capture      bytes.Buffer

	commitHooks []func(status int, header http.Header)
}

// NewSink wraps w. The sink owns the header map until commit.
func NewSink(w http.ResponseWriter) *Sink {
	return &Sink{w: w, header: make(http.Header)}
}

// Header returns the staged header map. Changes after commit have no effect.
func (s *Sink) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header
}

// SetStatus stages the status written on commit.
func (s *Sink) SetStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		s.status = code
	}
}

// Status returns the committed status, or the staged one (200 when unset).
func (s *Sink) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// WriteHeader commits the response with code.
func (s *Sink) WriteHeader(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed {
		return
	}
	s.status = code
	s.commitLocked()
}

// Commit sends the staged status and headers without a body.
func (s *Sink) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		s.commitLocked()
	}
}

// OnCommit registers a hook that may adjust the headers right before they
// are sent. Hooks survive Reset.
func (s *Sink) OnCommit(fn func(status int, header http.Header)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHooks = append(s.commitHooks, fn)
}

func (s *Sink) commitLocked() {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	for _, hook := range s.commitHooks {
		hook(s.status, s.header)
	}
	s.committed = true
	if s.detached {
		return
	}
	dst := s.w.Header()
	for key, values := range s.header {
		dst[key] = values
	}
	s.w.WriteHeader(s.status)
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		s.commitLocked()
	}
	if s.capturing && !s.captureOver {
		if s.captureLimit > 0 && s.capture.Len()+len(p) > s.captureLimit {
			s.captureOver = true
			s.capture.Reset()
		} else {
			s.capture.Write(p)
		}
	}
	if s.detached {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

// Flush sends buffered data to the client when the writer supports it.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.committed {
		s.commitLocked()
	}
	if s.detached {
		return
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Committed reports whether status and headers have been sent.
func (s *Sink) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Written returns the body bytes delivered to the client.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Reset discards the staged status and headers.
func (s *Sink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed {
		return ErrInvalidState
	}
	s.header = make(http.Header)
	s.status = 0
	if s.capturing {
		s.capture.Reset()
		s.captureOver = false
	}
	return nil
}

// Capture starts teeing body writes into memory. A positive limit caps the
// buffer; once exceeded the capture is dropped and Captured reports false.
func (s *Sink) Capture(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capturing = true
	s.captureLimit = limit
	s.captureOver = false
	s.capture.Reset()
}

// Captured returns a copy of the teed body and the committed header.
func (s *Sink) Captured() ([]byte, http.Header, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.capturing || s.captureOver {
		return nil, nil, false
	}
	return bytes.Clone(s.capture.Bytes()), s.header.Clone(), true
}

// Abandon detaches the sink from the client. When nothing was committed yet
// it first answers with status, header and body. Later writes are dropped.
// It reports whether the abandon response was written.
func (s *Sink) Abandon(status int, header http.Header, body []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return false
	}
	wrote := false
	if !s.committed {
		dst := s.w.Header()
		for key, values := range header {
			dst[key] = values
		}
		s.w.WriteHeader(status)
		if len(body) > 0 {
			n, _ := s.w.Write(body)
			s.written += int64(n)
		}
		s.status = status
		s.committed = true
		wrote = true
	}
	s.detached = true
	return wrote
}

// Detached reports whether the sink was abandoned.
func (s *Sink) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}
