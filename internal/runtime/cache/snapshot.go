package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// SnapshotStore persists cache contents between process lifetimes.
type SnapshotStore interface {
	Save(ctx context.Context, entries []*Entry) error
	Load(ctx context.Context) ([]*Entry, error)
	Close() error
}

// Export returns the entries that are not yet expired, least recently used
// first so that importing them restores the same recency order.
func (c *ResponseCache) Export() []*Entry {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*Entry, 0, c.ll.Len())
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*item).entry; !e.ExpiredAt(now) {
			entries = append(entries, e)
		}
	}
	return entries
}

// Import stores every entry that is not expired and returns how many were
// accepted.
func (c *ResponseCache) Import(entries []*Entry) int {
	now := time.Now()
	n := 0
	for _, e := range entries {
		if e == nil || e.ExpiredAt(now) {
			continue
		}
		if c.Put(e.Key(), e) {
			n++
		}
	}
	return n
}

// ExportTo writes the live entries to path.
func (c *ResponseCache) ExportTo(ctx context.Context, path string) (int, error) {
	return Persist(ctx, c, &FileSnapshotStore{Path: path})
}

// ImportFrom loads entries from path. A missing file imports nothing; a
// corrupt file is reported and leaves the cache untouched.
func (c *ResponseCache) ImportFrom(ctx context.Context, path string) (int, error) {
	return Restore(ctx, c, &FileSnapshotStore{Path: path})
}

// FileSnapshotStore keeps a snapshot as JSON lines, one entry per line.
type FileSnapshotStore struct {
	Path string
}

func (f *FileSnapshotStore) Save(ctx context.Context, entries []*Entry) error {
	if f.Path == "" {
		return errors.New("cache: snapshot path required")
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cache: snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := encodeRecords(ctx, w, entries); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: snapshot write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: snapshot sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: snapshot close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("cache: snapshot rename: %w", err)
	}
	return nil
}

func (f *FileSnapshotStore) Load(ctx context.Context) ([]*Entry, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: snapshot open: %w", err)
	}
	defer file.Close()
	return decodeRecords(ctx, file)
}

func (f *FileSnapshotStore) Close() error { return nil }

func encodeRecords(ctx context.Context, w io.Writer, entries []*Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(e.record()); err != nil {
			return fmt.Errorf("cache: snapshot encode %q: %w", e.Key(), err)
		}
	}
	return nil
}

func decodeRecords(ctx context.Context, r io.Reader) ([]*Entry, error) {
	dec := json.NewDecoder(r)
	var entries []*Entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return nil, fmt.Errorf("cache: snapshot decode: %w", err)
		}
		if rec.Key == "" {
			return nil, errors.New("cache: snapshot decode: entry without key")
		}
		entries = append(entries, rec.entry())
	}
}

// Restore loads a snapshot from store into c. Failures degrade to an empty
// import and are returned for logging.
func Restore(ctx context.Context, c *ResponseCache, store SnapshotStore) (int, error) {
	entries, err := store.Load(ctx)
	if err != nil {
		return 0, err
	}
	return c.Import(entries), nil
}

// Persist saves the live entries of c into store.
func Persist(ctx context.Context, c *ResponseCache, store SnapshotStore) (int, error) {
	entries := c.Export()
	if err := store.Save(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
