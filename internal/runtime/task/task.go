package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/pictura/internal/templates"
)

const (
	HeaderRequestID    = "X-Pictura-RequestId"
	HeaderTrueCacheKey = "X-Pictura-TrueCacheKey"
	HeaderError        = "X-Pictura-Err"
	HeaderCache        = "X-Pictura-Cache"
	HeaderCacheLookup  = "X-Pictura-CacheLookup"

	// PoweredBy is the X-Powered-By value.
	PoweredBy = "Pictura"

	// RetryAfterSeconds is announced on every 503.
	RetryAfterSeconds = 30
)

// Class selects the worker pool a task runs on.
type Class string

const (
	ClassImage  Class = "image"
	ClassStats  Class = "stats"
	ClassStatic Class = "static"
)

// Task is one inbound request. Leaf tasks embed Base; decorators embed the
// task they wrap and share its Core.
type Task interface {
	Core() *Core
	// TrueCacheKey identifies the response body. It is memoized and empty
	// when the response must never be cached.
	TrueCacheKey() string
	Cacheable() bool
	Process(ctx context.Context) error
}

// PreProcessDeferrer is implemented by decorators that run the
// pre-processor themselves, and only when actually producing a response.
type PreProcessDeferrer interface {
	DefersPreProcess() bool
}

// PreProcessor runs after admission and before the task produces a response.
type PreProcessor func(ctx context.Context, c *Core) error

// Options carry the per-process settings every task needs.
type Options struct {
	Class           Class
	Debug           bool
	TaskHeader      bool
	PoweredBy       bool
	MinCompressSize int
	ErrorPage       *templates.ErrorPage
	Allow           []netip.Prefix
	Logger          *slog.Logger
}

// Core holds the request bindings and lifecycle state shared by a task and
// all of its decorators.
type Core struct {
	created time.Time
	opts    Options
	debug   bool
	logger  *slog.Logger

	mu        sync.Mutex
	req       *http.Request
	sink      *Sink
	pre       PreProcessor
	attrs     map[string]any
	err       error
	errHeader http.Header
	callbacks []func(*Core)
	duration  time.Duration

	committed   atomic.Bool
	interrupted atomic.Bool
	completed   atomic.Bool
	aborted     atomic.Bool
	bytesRead   atomic.Int64

	idOnce sync.Once
	id     string

	done chan struct{}
}

// NewCore binds a request and its sink. Debug behaviour is enabled per
// request with a debug query parameter, and only when opts.Debug allows it.
func NewCore(r *http.Request, sink *Sink, opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Class == "" {
		opts.Class = ClassImage
	}
	c := &Core{
		created:   time.Now(),
		opts:      opts,
		req:       r,
		sink:      sink,
		attrs:     make(map[string]any),
		errHeader: make(http.Header),
		done:      make(chan struct{}),
	}
	c.debug = opts.Debug && r != nil && debugRequested(r)
	c.logger = logger.With(slog.String("request_id", c.RequestID()))
	return c
}

func debugRequested(r *http.Request) bool {
	values, ok := r.URL.Query()["debug"]
	if !ok {
		return false
	}
	if len(values) == 0 || values[0] == "" {
		return true
	}
	on, err := strconv.ParseBool(values[0])
	return err == nil && on
}

func (c *Core) Created() time.Time { return c.created }
func (c *Core) Class() Class       { return c.opts.Class }
func (c *Core) Debug() bool        { return c.debug }

// Diagnostics reports whether task headers go out with the response.
func (c *Core) Diagnostics() bool { return c.debug || c.opts.TaskHeader }
func (c *Core) Options() Options   { return c.opts }
func (c *Core) Logger() *slog.Logger {
	return c.logger
}

func (c *Core) Request() *http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req
}

func (c *Core) Sink() *Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func (c *Core) PreProcessor() PreProcessor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pre
}

// SetRequest rebinds the request. It fails once the task is committed.
func (c *Core) SetRequest(r *http.Request) error {
	if r == nil {
		return errors.New("task: nil request")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed.Load() {
		return fmt.Errorf("%w: request bound after commit", ErrInvalidState)
	}
	c.req = r
	return nil
}

// SetSink rebinds the response sink. It fails once the task is committed.
func (c *Core) SetSink(s *Sink) error {
	if s == nil {
		return errors.New("task: nil sink")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed.Load() {
		return fmt.Errorf("%w: sink bound after commit", ErrInvalidState)
	}
	c.sink = s
	return nil
}

// SetPreProcessor installs the pre-processing hook. It fails once the task is
// committed.
func (c *Core) SetPreProcessor(p PreProcessor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committed.Load() {
		return fmt.Errorf("%w: pre-processor bound after commit", ErrInvalidState)
	}
	c.pre = p
	return nil
}

// SetAttribute stores a value for later stages of the same request.
func (c *Core) SetAttribute(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = value
}

func (c *Core) Attribute(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[key]
	return v, ok
}

// SetErrorHeader adds a header sent with any error response of this task,
// for example Allow on a 405.
func (c *Core) SetErrorHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errHeader.Set(key, value)
}

func (c *Core) Committed() bool   { return c.committed.Load() }
func (c *Core) Interrupted() bool { return c.interrupted.Load() }
func (c *Core) Completed() bool   { return c.completed.Load() }

// Aborted reports a task that was completed without ever running, either
// refused at admission or drained from a queue.
func (c *Core) Aborted() bool { return c.aborted.Load() }

// Executed reports a task whose body actually ran.
func (c *Core) Executed() bool { return c.committed.Load() && !c.aborted.Load() }

// Done is closed after completion callbacks have fired.
func (c *Core) Done() <-chan struct{} { return c.done }

// Status is the response status, staged or sent.
func (c *Core) Status() int { return c.Sink().Status() }

func (c *Core) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Err returns the internal fault recorded while processing, if any.
func (c *Core) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// AddBytesRead counts source bytes consumed by the task.
func (c *Core) AddBytesRead(n int64) {
	if n > 0 {
		c.bytesRead.Add(n)
	}
}

func (c *Core) BytesRead() int64    { return c.bytesRead.Load() }
func (c *Core) BytesWritten() int64 { return c.Sink().Written() }

// OnComplete registers fn to run once the task completes. When the task has
// already completed fn runs immediately.
func (c *Core) OnComplete(fn func(*Core)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.completed.Load() {
		c.mu.Unlock()
		fn(c)
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// RunPreProcessor invokes the pre-processing hook when one is bound.
func (c *Core) RunPreProcessor(ctx context.Context) error {
	if pre := c.PreProcessor(); pre != nil {
		return pre(ctx, c)
	}
	return nil
}

// Run executes t exactly once. Client and status errors become error
// responses and are not returned; internal faults are answered with 500,
// recorded on the core and returned wrapped.
func Run(ctx context.Context, t Task) (err error) {
	c := t.Core()
	if !c.committed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: task already committed", ErrInvalidState)
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = c.fail(fmt.Errorf("task: panic: %v", r))
		}
		c.complete(time.Since(start))
	}()

	if !c.allowed() {
		c.interrupt(http.StatusForbidden, "", nil)
		return nil
	}

	key := ""
	if t.Cacheable() {
		key = t.TrueCacheKey()
	}
	if key != "" {
		c.SetAttribute(AttrTrueCacheKey, key)
	}
	h := c.Sink().Header()
	if c.Diagnostics() {
		h.Set(HeaderRequestID, c.RequestID())
		if key != "" {
			h.Set(HeaderTrueCacheKey, key)
		}
	}

	deferred := false
	if d, ok := t.(PreProcessDeferrer); ok {
		deferred = d.DefersPreProcess()
	}
	if !deferred {
		if err := c.RunPreProcessor(ctx); err != nil {
			return c.fail(err)
		}
	}
	if err := t.Process(ctx); err != nil {
		return c.fail(err)
	}
	return nil
}

// Abort completes a task that will never run, answering status. It fails when
// the task was already committed by a worker.
func Abort(t Task, status int, message string) error {
	c := t.Core()
	if !c.committed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: task already committed", ErrInvalidState)
	}
	c.aborted.Store(true)
	c.interrupt(status, message, nil)
	c.complete(0)
	return nil
}

func (c *Core) fail(err error) error {
	var invalid *InvalidArgumentError
	var status *StatusError
	switch {
	case errors.As(err, &invalid):
		c.interrupt(http.StatusBadRequest, invalid.Message, err)
		return nil
	case errors.As(err, &status):
		c.interrupt(status.Status, status.Message, status.Err)
		return nil
	case isIOError(err):
		c.interrupt(http.StatusInternalServerError, "", err)
		return nil
	}
	msg := ""
	if c.debug {
		msg = err.Error()
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.interrupt(http.StatusInternalServerError, msg, err)
	return fmt.Errorf("task: process %s: %w", c.RequestID(), err)
}

func (c *Core) interrupt(status int, message string, cause error) {
	if err := c.Interrupt(status, message, cause); err != nil {
		c.logger.Error("interrupt after commit", slog.Int("status", status), slog.Any("cause", cause), slog.Any("error", err))
	}
}

// Interrupt replaces the response with an error. The first call wins and
// later calls are no-ops. A client I/O cause only marks the task. Once the
// response is committed only 304 is accepted.
func (c *Core) Interrupt(status int, message string, cause error) error {
	if !c.interrupted.CompareAndSwap(false, true) {
		return nil
	}
	if isIOError(cause) {
		return nil
	}
	sink := c.Sink()
	if status == http.StatusNotModified {
		sink.WriteHeader(http.StatusNotModified)
		return nil
	}
	if c.completed.Load() {
		return fmt.Errorf("%w: task already completed", ErrInvalidState)
	}
	if sink.Committed() {
		return fmt.Errorf("%w: response already committed", ErrInvalidState)
	}
	if err := sink.Reset(); err != nil {
		return err
	}
	header, body := c.errorResponse(status, message)
	h := sink.Header()
	for key, values := range header {
		h[key] = values
	}
	sink.WriteHeader(status)
	if req := c.Request(); req != nil && req.Method != http.MethodHead && len(body) > 0 {
		if _, err := sink.Write(body); err != nil && !isIOError(err) {
			return fmt.Errorf("task: write error body: %w", err)
		}
	}
	return nil
}

// Abandon detaches the sink on behalf of a waiter that gave up. When nothing
// was sent yet the client receives status.
func (c *Core) Abandon(status int) bool {
	header, body := c.errorResponse(status, "")
	return c.Sink().Abandon(status, header, body)
}

func (c *Core) errorResponse(status int, message string) (http.Header, []byte) {
	h := make(http.Header)
	h.Set(HeaderRequestID, c.RequestID())
	if c.debug && message != "" {
		h.Set(HeaderError, message)
	}
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "no-cache")
	if c.opts.PoweredBy {
		h.Set("X-Powered-By", PoweredBy)
	}
	if status == http.StatusServiceUnavailable {
		h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	c.mu.Lock()
	for key, values := range c.errHeader {
		h[key] = append([]string(nil), values...)
	}
	c.mu.Unlock()

	if status == http.StatusNotModified || status == http.StatusNoContent || status < 200 {
		return h, nil
	}
	path := ""
	if req := c.Request(); req != nil {
		path = req.URL.Path
	}
	body, contentType := c.opts.ErrorPage.Render(templates.ErrorData{
		Status:    status,
		Message:   message,
		RequestID: c.RequestID(),
		Path:      path,
	})
	h.Set("Content-Type", contentType)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return h, body
}

// complete runs exactly once per task, after processing or abort.
func (c *Core) complete(d time.Duration) {
	sink := c.Sink()
	if !sink.Committed() {
		sink.Commit()
	}
	c.mu.Lock()
	if c.completed.Load() {
		c.mu.Unlock()
		return
	}
	c.duration = d
	c.completed.Store(true)
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(c)
	}
	close(c.done)
}

func (c *Core) allowed() bool {
	if len(c.opts.Allow) == 0 {
		return true
	}
	req := c.Request()
	if req == nil {
		return false
	}
	addr, ok := remoteAddr(req.RemoteAddr)
	if !ok {
		return false
	}
	for _, prefix := range c.opts.Allow {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
