// Package disk provides a durable FIFO queue of account identifiers backed by
// an append-only file.
//
// Identifiers are stored as fixed-width 32-bit big-endian integers. The read
// cursor never reclaims space in place, so once more than CompactionThreshold
// identifiers have been dequeued the remaining live suffix is copied into a
// fresh file and the old one is removed.
package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
)

const (
	recordSize = 4

	// DefaultCompactionThreshold is the number of dequeues after which the
	// backing file is rewritten.
	DefaultCompactionThreshold = 10_000_000
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Config controls where the queue lives and how often it compacts.
type Config struct {
	// Dir is the directory holding the private backing file.
	Dir string
	// CompactionThreshold triggers a rewrite once the dequeues since the last
	// compaction exceed it. Zero selects DefaultCompactionThreshold.
	CompactionThreshold int64
}

// Queue is a disk-backed FIFO of identifiers. It is safe for concurrent use;
// compaction holds the lock and blocks other operations while it runs.
type Queue struct {
	mu        sync.Mutex
	dir       string
	path      string
	file      *os.File
	readOff   int64
	writeOff  int64
	count     int64
	dequeued  int64
	threshold int64
	closed    bool
}

// Open creates a new, empty queue file in cfg.Dir.
func Open(cfg Config) (*Queue, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("queue directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	threshold := cfg.CompactionThreshold
	if threshold <= 0 {
		threshold = DefaultCompactionThreshold
	}
	q := &Queue{dir: cfg.Dir, threshold: threshold}
	file, path, err := q.createFile()
	if err != nil {
		return nil, err
	}
	q.file = file
	q.path = path
	return q, nil
}

// Enqueue appends ids and writes them through to the file before returning.
func (q *Queue) Enqueue(ids ...crawler.ID) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	buf := make([]byte, 0, len(ids)*recordSize)
	for _, id := range ids {
		buf = binary.BigEndian.AppendUint32(buf, uint32(id))
	}
	n, err := q.file.WriteAt(buf, q.writeOff)
	if err != nil {
		return fmt.Errorf("append %d ids: %w", len(ids), err)
	}
	if n != len(buf) {
		return fmt.Errorf("append %d ids: %w", len(ids), io.ErrShortWrite)
	}
	q.writeOff += int64(n)
	q.count += int64(len(ids))
	return nil
}

// Dequeue removes and returns up to limit identifiers in FIFO order.
func (q *Queue) Dequeue(limit int) ([]crawler.ID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}

	n := min(int64(max(limit, 0)), q.count)
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n*recordSize)
	if _, err := q.file.ReadAt(buf, q.readOff); err != nil {
		return nil, fmt.Errorf("read %d ids: %w", n, err)
	}
	ids := make([]crawler.ID, n)
	for i := range ids {
		ids[i] = crawler.ID(binary.BigEndian.Uint32(buf[i*recordSize:]))
	}
	q.readOff += int64(len(buf))
	q.count -= n
	q.dequeued += n

	if q.dequeued > q.threshold {
		if err := q.compact(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Len returns the number of identifiers waiting in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.count)
}

// DequeuedSinceCompaction returns the dequeue count since the last compaction.
func (q *Queue) DequeuedSinceCompaction() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeued
}

// Path returns the current backing file.
func (q *Queue) Path() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.path
}

// Close closes and deletes the backing file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if err := q.file.Close(); err != nil {
		return fmt.Errorf("close queue file: %w", err)
	}
	if err := os.Remove(q.path); err != nil {
		return fmt.Errorf("remove queue file: %w", err)
	}
	return nil
}

// compact copies the live suffix into a new file and swaps it in. Caller holds q.mu.
func (q *Queue) compact() error {
	next, nextPath, err := q.createFile()
	if err != nil {
		return err
	}
	live := q.count * recordSize
	if _, err := io.Copy(next, io.NewSectionReader(q.file, q.readOff, live)); err != nil {
		_ = next.Close()
		_ = os.Remove(nextPath)
		return fmt.Errorf("compact queue: %w", err)
	}
	if err := next.Sync(); err != nil {
		_ = next.Close()
		_ = os.Remove(nextPath)
		return fmt.Errorf("sync compacted queue: %w", err)
	}

	old, oldPath := q.file, q.path
	q.file, q.path = next, nextPath
	q.readOff, q.writeOff = 0, live
	q.dequeued = 0

	if err := old.Close(); err != nil {
		return fmt.Errorf("close old queue file: %w", err)
	}
	if err := os.Remove(oldPath); err != nil {
		return fmt.Errorf("remove old queue file: %w", err)
	}
	return nil
}

func (q *Queue) createFile() (*os.File, string, error) {
	path := filepath.Join(q.dir, "queue-"+uuid.NewString()+".bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("create queue file: %w", err)
	}
	return f, path, nil
}
