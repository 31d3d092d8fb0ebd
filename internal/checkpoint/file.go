// Package checkpoint persists the highest source positions known to be
// reflected in flushed state. The file is the local record of "up to here
// is safely counted and emitted"; it is only advanced after a commit cycle
// completes.
//
// The file is an operator-facing record, not a restart input: the
// authoritative resume position is the consumer group's committed offset at
// the broker, which advances in the same commit cycle. The worker logs the
// file's contents at startup so state age can be checked against the group
// offsets without a broker round trip.
package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// TopicPartition identifies one input partition.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// File manages the checkpoint file. Text format:
//
//	line 1:  version number (currently 0)
//	line 2:  number of entries
//	line 3+: "<topic> <partition> <offset>"
//
// Writes are atomic: temp file, fsync, rename, directory fsync.
type File struct {
	Path string
	lock sync.Mutex
}

// Version is the checkpoint file format version.
const Version = 0

// NewFile creates a checkpoint file manager for path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Read loads checkpoint offsets. A missing file yields an empty map, not an
// error; a present but unparsable file is an error (no silent data loss).
func (c *File) Read() (map[TopicPartition]int64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	file, err := os.Open(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[TopicPartition]int64), nil
		}
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	if !scanner.Scan() {
		return nil, fmt.Errorf("checkpoint file is empty")
	}
	lineNum++
	version, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("line %d: invalid version: %w", lineNum, err)
	}
	if version != Version {
		return nil, fmt.Errorf("unknown checkpoint version: %d (expected %d)", version, Version)
	}

	if !scanner.Scan() {
		return nil, fmt.Errorf("missing entry count on line 2")
	}
	lineNum++
	expectedCount, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("line %d: invalid entry count: %w", lineNum, err)
	}

	checkpoints := make(map[TopicPartition]int64)
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil, fmt.Errorf("line %d: unexpected empty line in checkpoint file", lineNum)
		}

		parts := strings.Fields(line)
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 fields (topic partition offset), got %d: %s",
				lineNum, len(parts), line)
		}

		partition, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid partition: %w", lineNum, err)
		}

		offset, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid offset: %w", lineNum, err)
		}
		if offset < 0 {
			return nil, fmt.Errorf("line %d: invalid offset %d", lineNum, offset)
		}

		checkpoints[TopicPartition{Topic: parts[0], Partition: int32(partition)}] = offset
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading checkpoint file: %w", err)
	}

	if len(checkpoints) != expectedCount {
		return nil, fmt.Errorf("expected %d entries but found %d", expectedCount, len(checkpoints))
	}

	return checkpoints, nil
}

// Write persists checkpoint offsets atomically. An empty map deletes the
// file instead of writing empty content.
func (c *File) Write(checkpoints map[TopicPartition]int64) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if len(checkpoints) == 0 {
		return c.deleteWithoutLock()
	}

	dir := filepath.Dir(c.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmpPath := c.Path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}

	writer := bufio.NewWriter(file)

	if _, err := fmt.Fprintf(writer, "%d\n%d\n", Version, len(checkpoints)); err != nil {
		_ = file.Close()
		return fmt.Errorf("write header: %w", err)
	}

	for tp, offset := range checkpoints {
		if offset < 0 {
			_ = file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("invalid offset %d for %s-%d", offset, tp.Topic, tp.Partition)
		}
		if _, err := fmt.Fprintf(writer, "%s %d %d\n", tp.Topic, tp.Partition, offset); err != nil {
			_ = file.Close()
			return fmt.Errorf("write entry: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush buffer: %w", err)
	}

	// fsync before rename so the rename never exposes a partial file.
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, c.Path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	// Fsync the parent directory so the rename itself survives a crash.
	if runtime.GOOS != "windows" {
		dirFile, err := os.Open(dir)
		if err != nil {
			return fmt.Errorf("open directory for fsync: %w", err)
		}
		defer func() { _ = dirFile.Close() }()

		if err := dirFile.Sync(); err != nil {
			return fmt.Errorf("fsync directory: %w", err)
		}
	}

	return nil
}

// Delete removes the checkpoint file. Used on state reset.
func (c *File) Delete() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.deleteWithoutLock()
}

func (c *File) deleteWithoutLock() error {
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
