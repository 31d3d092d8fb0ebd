package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func openTestStore(t *testing.T, dir string) *CountStore {
	t.Helper()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return s
}

func sortedEntries(entries []Entry) []Entry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func TestCountStore_GetAbsentReturnsZero(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	assert.Equal(t, uint64(0), s.Get("nobody"))

	// Reads must not create entries.
	assert.Equal(t, 0, len(s.Snapshot()))
	assert.Equal(t, 0, s.DirtyCount())
}

func TestCountStore_IncrementCounts(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	for i := 0; i < 5; i++ {
		n, err := s.Increment("erica")
		assert.NoError(t, err)
		assert.Equal(t, uint64(i+1), n)
	}

	assert.Equal(t, uint64(5), s.Get("erica"))
}

func TestCountStore_FlushReturnsChangedSet(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	_, _ = s.Increment("erica")
	_, _ = s.Increment("erica")
	_, _ = s.Increment("bob")

	entries, err := s.Flush(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []Entry{{"bob", 1}, {"erica", 2}}, sortedEntries(entries))
	assert.Equal(t, 0, s.DirtyCount())

	// Nothing changed since: empty flush.
	entries, err = s.Flush(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, len(entries))

	// Only the touched key comes back on the next flush.
	_, _ = s.Increment("erica")
	entries, err = s.Flush(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []Entry{{"erica", 3}}, entries)
}

func TestCountStore_RestoreAfterReopen(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, _ = s.Increment("erica")
	_, _ = s.Increment("bob")
	_, err := s.Flush(context.Background())
	assert.NoError(t, err)

	// Second flush interval, overwriting erica's frame with a newer count.
	_, _ = s.Increment("erica")
	_, err = s.Flush(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	restored := openTestStore(t, dir)
	defer restored.Close()

	assert.Equal(t, map[string]uint64{"erica": 2, "bob": 1}, restored.Snapshot())
}

func TestCountStore_RestoreIdempotent(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, _ = s.Increment("erica")
	_, _ = s.Flush(context.Background())
	assert.NoError(t, s.Close())

	// Replaying the same log repeatedly yields the same map: frames carry
	// absolute counts, later frames overwrite earlier ones.
	var snapshots []map[string]uint64
	for i := 0; i < 3; i++ {
		r := openTestStore(t, dir)
		snapshots = append(snapshots, r.Snapshot())
		assert.NoError(t, r.Close())
	}

	for _, snap := range snapshots {
		assert.Equal(t, map[string]uint64{"erica": 1}, snap)
	}
}

func TestCountStore_UnflushedCountsAreLost(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, _ = s.Increment("erica")
	_, _ = s.Flush(context.Background())
	_, _ = s.Increment("erica") // never flushed
	assert.NoError(t, s.Close())

	restored := openTestStore(t, dir)
	defer restored.Close()

	// Only the flushed value survives; the source offsets for the lost
	// increment were never committed either, so it will be reprocessed.
	assert.Equal(t, uint64(1), restored.Get("erica"))
}

func TestCountStore_TornTailTruncated(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, _ = s.Increment("erica")
	_, _ = s.Flush(context.Background())
	_, _ = s.Increment("bob")
	_, _ = s.Flush(context.Background())
	assert.NoError(t, s.Close())

	// Simulate a crash mid-append by chopping bytes off the last frame.
	path := filepath.Join(dir, logFileName)
	info, err := os.Stat(path)
	assert.NoError(t, err)
	assert.NoError(t, os.Truncate(path, info.Size()-3))

	restored := openTestStore(t, dir)
	defer restored.Close()

	// bob's frame is gone, erica's intact.
	assert.Equal(t, map[string]uint64{"erica": 1}, restored.Snapshot())

	// Appends after truncation land on a clean boundary.
	_, _ = restored.Increment("bob")
	_, err = restored.Flush(context.Background())
	assert.NoError(t, err)
}

func TestCountStore_FlushRetryAfterPartialWrite(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, _ = s.Increment("erica")
	_, err := s.Flush(context.Background())
	assert.NoError(t, err)

	// A flush that dies partway leaves an incomplete frame behind. The
	// retry must start at the durable frame boundary, not append complete
	// frames after the junk.
	_, err = s.logFile.Write([]byte{0x57, 0x43, 0x05, 'b'})
	assert.NoError(t, err)

	_, _ = s.Increment("bob")
	_, err = s.Flush(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	restored := openTestStore(t, dir)
	defer restored.Close()

	// Both acknowledged flushes survive the reopen intact.
	assert.Equal(t, map[string]uint64{"erica": 1, "bob": 1}, restored.Snapshot())
}

func TestCountStore_CorruptKeyLengthFatal(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, _ = s.Increment("erica")
	_, _ = s.Flush(context.Background())
	assert.NoError(t, s.Close())

	// Length bytes that overflow a uvarint are structural damage. Treating
	// them as a torn tail would silently discard any frames after them.
	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	assert.NoError(t, err)
	frame := []byte{0x57, 0x43}
	frame = append(frame, bytes.Repeat([]byte{0xFF}, 10)...)
	_, err = f.Write(frame)
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	_, err = Open(dir, nil)
	assert.Error(t, err)
	assert.IsError(t, err, ErrCorrupted)
}

func TestCountStore_MidLogCorruptionFatal(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, _ = s.Increment("erica")
	_, _ = s.Flush(context.Background())
	_, _ = s.Increment("bob")
	_, _ = s.Flush(context.Background())
	assert.NoError(t, s.Close())

	// Flip a byte inside the first frame, leaving later frames intact.
	path := filepath.Join(dir, logFileName)
	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	data[len(fileHeader)+3] ^= 0xFF
	assert.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(dir, nil)
	assert.Error(t, err)
	assert.IsError(t, err, ErrCorrupted)
}

func TestCountStore_BadHeaderFatal(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, logFileName), []byte("not a changelog"), 0o644))

	_, err := Open(dir, nil)
	assert.Error(t, err)
	assert.IsError(t, err, ErrCorrupted)
}

func TestCountStore_ClearWipesStateAndLog(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	_, _ = s.Increment("erica")
	_, _ = s.Flush(context.Background())
	assert.NoError(t, s.Clear())
	assert.Equal(t, uint64(0), s.Get("erica"))

	// Counting restarts from zero.
	n, err := s.Increment("erica")
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	_, err = s.Flush(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, s.Close())

	restored := openTestStore(t, dir)
	defer restored.Close()
	assert.Equal(t, map[string]uint64{"erica": 1}, restored.Snapshot())
}

func TestCountStore_DirectoryLockExclusive(t *testing.T) {
	dir := t.TempDir()

	s := openTestStore(t, dir)
	defer s.Close()

	_, err := Open(dir, nil)
	assert.Error(t, err)
}
