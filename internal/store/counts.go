// Package store implements the durable per-key count store: an in-memory
// map with dirty tracking, persisted through an append-only changelog file
// that is replayed on startup.
package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
)

const logFileName = "counts.changelog"

// Entry is one (key, count) pair returned by Flush for downstream emission.
type Entry struct {
	Key   string
	Count uint64
}

// CountStore maintains an always-current count per aggregation key.
//
// Increments come from the processing loop; Flush may be driven by a
// different goroutine at shutdown, so all map access is mutex-guarded.
// Re-keying by user means records from different input partitions can land
// on the same key, which is why one shared store serves all tasks.
type CountStore struct {
	mu     sync.Mutex
	counts map[string]uint64
	dirty  map[string]struct{}

	dir     string
	logFile *os.File
	logEnd  int64
	lock    *DirectoryLock
	log     *slog.Logger
}

// Open acquires an exclusive lock on dir, replays the changelog into memory
// and returns a store ready for increments. A torn final frame (crash
// mid-append) is truncated away; any other damage fails with ErrCorrupted
// and requires an explicit reset, never a silent wipe.
func Open(dir string, log *slog.Logger) (*CountStore, error) {
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	lock := NewDirectoryLock(dir)
	if err := lock.Lock(); err != nil {
		return nil, err
	}

	s := &CountStore{
		counts: make(map[string]uint64),
		dirty:  make(map[string]struct{}),
		dir:    dir,
		lock:   lock,
		log:    log.With("component", "count_store"),
	}

	if err := s.openAndReplay(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	return s, nil
}

func (s *CountStore) openAndReplay() error {
	path := filepath.Join(s.dir, logFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open changelog: %w", err)
	}
	s.logFile = file

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat changelog: %w", err)
	}

	// Fresh file: write the header and we are done.
	if info.Size() == 0 {
		if _, err := file.Write(fileHeader); err != nil {
			_ = file.Close()
			return fmt.Errorf("write changelog header: %w", err)
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return fmt.Errorf("sync changelog header: %w", err)
		}
		s.logEnd = int64(len(fileHeader))
		return nil
	}

	header := make([]byte, len(fileHeader))
	if _, err := io.ReadFull(file, header); err != nil || !bytes.Equal(header, fileHeader) {
		_ = file.Close()
		return fmt.Errorf("%w: bad file header", ErrCorrupted)
	}

	r := bufio.NewReader(file)
	goodOffset := int64(len(fileHeader))
	replayed := 0

	for {
		key, count, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn tail from a crash mid-append. The entry was never
				// acknowledged as flushed, so dropping it loses nothing.
				s.log.Warn("Truncating torn changelog tail",
					"offset", goodOffset, "size", info.Size())
				if terr := file.Truncate(goodOffset); terr != nil {
					_ = file.Close()
					return fmt.Errorf("truncate torn tail: %w", terr)
				}
				break
			}
			_ = file.Close()
			return err
		}

		s.counts[key] = count
		goodOffset += frameSize(key)
		replayed++
	}

	if _, err := file.Seek(goodOffset, io.SeekStart); err != nil {
		_ = file.Close()
		return fmt.Errorf("seek changelog end: %w", err)
	}
	s.logEnd = goodOffset

	s.log.Info("Restored count store", "frames", replayed, "keys", len(s.counts))
	return nil
}

// Get returns the current count for key, 0 if absent. Reading never creates
// an entry.
func (s *CountStore) Get(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

// Increment adds 1 to the count for key and marks it dirty, returning the
// new value.
func (s *CountStore) Increment(key string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[key]++
	s.dirty[key] = struct{}{}
	return s.counts[key], nil
}

// Flush persists every dirty entry to the changelog and returns the changed
// set. The dirty snapshot is captured atomically before any write; dirty
// flags are cleared afterwards only for keys whose count did not move again
// during the write, so no update can be silently lost. On write failure all
// dirty flags survive and the whole set is retried by the next flush.
func (s *CountStore) Flush(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	entries := make([]Entry, 0, len(s.dirty))
	for key := range s.dirty {
		entries = append(entries, Entry{Key: key, Count: s.counts[key]})
	}
	s.mu.Unlock()

	if len(entries) == 0 {
		return nil, nil
	}

	// A failed flush can leave partial frame bytes past the durable end.
	// Cut back to the last acknowledged frame boundary first, so a retry
	// never appends complete frames after garbage.
	if err := s.logFile.Truncate(s.logEnd); err != nil {
		return nil, fmt.Errorf("truncate changelog to durable end: %w", err)
	}
	if _, err := s.logFile.Seek(s.logEnd, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek changelog: %w", err)
	}

	w := bufio.NewWriter(s.logFile)
	var written int64
	for _, e := range entries {
		if err := writeFrame(w, e.Key, e.Count); err != nil {
			return nil, fmt.Errorf("append changelog frame: %w", err)
		}
		written += frameSize(e.Key)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flush changelog: %w", err)
	}
	if err := s.logFile.Sync(); err != nil {
		return nil, fmt.Errorf("sync changelog: %w", err)
	}
	s.logEnd += written

	s.mu.Lock()
	for _, e := range entries {
		if s.counts[e.Key] == e.Count {
			delete(s.dirty, e.Key)
		}
	}
	s.mu.Unlock()

	return entries, nil
}

// Clear wipes the in-memory map and resets the changelog to an empty
// header. Only called on an explicit reset request before processing
// starts.
func (s *CountStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts = make(map[string]uint64)
	s.dirty = make(map[string]struct{})

	if err := s.logFile.Truncate(int64(len(fileHeader))); err != nil {
		return fmt.Errorf("truncate changelog: %w", err)
	}
	if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek changelog: %w", err)
	}
	s.logEnd = int64(len(fileHeader))
	return s.logFile.Sync()
}

// Close releases the changelog handle and the directory lock. It does not
// flush; the final forced commit cycle owns that.
func (s *CountStore) Close() error {
	var err error
	if s.logFile != nil {
		err = multierr.Append(err, s.logFile.Close())
		s.logFile = nil
	}
	err = multierr.Append(err, s.lock.Unlock())
	return err
}

// Snapshot returns a copy of the current key→count map.
func (s *CountStore) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// DirtyCount returns the number of entries changed since the last flush.
func (s *CountStore) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}
