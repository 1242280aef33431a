package task

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSinkStagesUntilWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSink(rec)

	sink.Header().Set("Content-Type", "image/png")
	sink.SetStatus(http.StatusCreated)
	require.False(t, sink.Committed())
	require.Empty(t, rec.Header().Get("Content-Type"))
	require.Equal(t, http.StatusCreated, sink.Status())

	n, err := sink.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.True(t, sink.Committed())
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.EqualValues(t, 3, sink.Written())

	require.ErrorIs(t, sink.Reset(), ErrInvalidState)
	sink.SetStatus(http.StatusTeapot)
	require.Equal(t, http.StatusCreated, sink.Status())
}

func TestSinkReset(t *testing.T) {
	sink := NewSink(httptest.NewRecorder())
	sink.Header().Set("X-Test", "1")
	sink.SetStatus(http.StatusAccepted)
	require.NoError(t, sink.Reset())
	require.Empty(t, sink.Header())
	require.Equal(t, http.StatusOK, sink.Status())
}

func TestSinkCapture(t *testing.T) {
	sink := NewSink(httptest.NewRecorder())
	sink.Capture(8)
	sink.Header().Set("ETag", "x")
	_, _ = sink.Write([]byte("abcd"))
	_, _ = sink.Write([]byte("efgh"))

	body, header, ok := sink.Captured()
	require.True(t, ok)
	require.Equal(t, "abcdefgh", string(body))
	require.Equal(t, "x", header.Get("ETag"))

	_, _ = sink.Write([]byte("i"))
	_, _, ok = sink.Captured()
	require.False(t, ok, "capture beyond the limit is dropped")

	plain := NewSink(httptest.NewRecorder())
	_, _, ok = plain.Captured()
	require.False(t, ok)
}

func TestSinkCommitHooks(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSink(rec)
	sink.OnCommit(func(status int, h http.Header) {
		if status == http.StatusOK {
			h.Set("Cache-Control", "public, max-age=60")
		}
	})
	require.NoError(t, sink.Reset())
	sink.Commit()
	require.Equal(t, "public, max-age=60", rec.Header().Get("Cache-Control"))
}

func TestSinkAbandon(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSink(rec)
	header := http.Header{"Retry-After": {"30"}}

	require.True(t, sink.Abandon(http.StatusServiceUnavailable, header, []byte("busy")))
	require.False(t, sink.Abandon(http.StatusServiceUnavailable, header, nil))
	require.True(t, sink.Detached())

	n, err := sink.Write([]byte("late"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "busy", rec.Body.String())
	require.Equal(t, "30", rec.Header().Get("Retry-After"))

	committed := NewSink(httptest.NewRecorder())
	_, _ = committed.Write([]byte("ok"))
	require.False(t, committed.Abandon(http.StatusServiceUnavailable, nil, nil))
	require.Equal(t, http.StatusOK, committed.Status())
}
