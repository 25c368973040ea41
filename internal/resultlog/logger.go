// Package resultlog persists crawl results into size-rotated binary segments
// that are gzip-compressed in the background once closed.
package resultlog

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/metrics"
)

// Category names the kind of results a Logger holds.
type Category string

// Result categories.
const (
	CategorySuccess Category = "success"
	CategoryFailure Category = "failure"
)

const (
	// DefaultFlushThreshold is the number of buffered results that triggers a flush.
	DefaultFlushThreshold = 100
	// DefaultSegmentThreshold is the logged-record multiple at which a segment rotates.
	DefaultSegmentThreshold = 100_000

	segmentExt     = ".txt"
	compressedExt  = ".gz"
	gzipMediaType  = "application/gzip"
	defaultArchive = "segments"
)

// Config controls segment naming, thresholds and optional fan-out of closed
// segments.
type Config struct {
	// Base is the path prefix; segments are named <Base>_<Category>_<n>.txt.
	Base     string
	Category Category

	FlushThreshold   int
	SegmentThreshold int64

	// Archive, when set, receives every compressed segment.
	Archive       crawler.BlobStore
	ArchivePrefix string
	// Publisher, when set together with Topic, is notified of every closed segment.
	Publisher crawler.Publisher
	Topic     string
}

// Logger buffers results and appends them to the current segment. It is not
// safe for concurrent use; the controller's scheduler is its only writer.
type Logger struct {
	cfg    Config
	ctx    context.Context
	logger *zap.Logger

	buf     []crawler.Result
	file    *os.File
	w       *bufio.Writer
	logged  int64
	segment int
	closed  bool

	compressors errgroup.Group
	rotatedMu   sync.Mutex
	rotated     []crawler.SegmentClosed
}

// New opens segment 0 for the configured category. ctx scopes background
// archive uploads and notifications.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Logger, error) {
	if cfg.Base == "" {
		return nil, fmt.Errorf("resultlog base path is required")
	}
	if cfg.Category == "" {
		return nil, fmt.Errorf("resultlog category is required")
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.SegmentThreshold <= 0 {
		cfg.SegmentThreshold = DefaultSegmentThreshold
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = defaultArchive
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(cfg.Base); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	l := &Logger{
		cfg:    cfg,
		ctx:    ctx,
		logger: logger.With(zap.String("category", string(cfg.Category))),
		buf:    make([]crawler.Result, 0, cfg.FlushThreshold),
	}
	if err := l.openSegment(); err != nil {
		return nil, err
	}
	return l, nil
}

// SegmentName returns the file name of segment n.
func (l *Logger) SegmentName(n int) string {
	return fmt.Sprintf("%s_%s_%d%s", l.cfg.Base, l.cfg.Category, n, segmentExt)
}

// Add buffers a result, flushing once the buffer reaches the flush threshold.
func (l *Logger) Add(r crawler.Result) error {
	if l.closed {
		return fmt.Errorf("resultlog %s: closed", l.cfg.Category)
	}
	l.buf = append(l.buf, r)
	if len(l.buf) >= l.cfg.FlushThreshold {
		return l.Flush()
	}
	return nil
}

// Flush writes buffered results to the current segment and rotates when the
// cumulative logged count lands on a multiple of the segment threshold.
func (l *Logger) Flush() error {
	if len(l.buf) == 0 {
		return nil
	}
	for _, r := range l.buf {
		if err := EncodeRecord(l.w, r); err != nil {
			return fmt.Errorf("resultlog %s: %w", l.cfg.Category, err)
		}
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("resultlog %s: flush: %w", l.cfg.Category, err)
	}
	l.logged += int64(len(l.buf))
	l.buf = l.buf[:0]

	if l.logged > 0 && l.logged%l.cfg.SegmentThreshold == 0 {
		return l.rotate()
	}
	return nil
}

// Logged returns the number of records written to disk so far.
func (l *Logger) Logged() int64 {
	return l.logged
}

// Buffered returns the number of results waiting for the next flush.
func (l *Logger) Buffered() int {
	return len(l.buf)
}

// Segment returns the index of the segment currently open for writing.
func (l *Logger) Segment() int {
	return l.segment
}

// Rotated returns the segments that have been closed and compressed so far.
func (l *Logger) Rotated() []crawler.SegmentClosed {
	l.rotatedMu.Lock()
	defer l.rotatedMu.Unlock()
	return append([]crawler.SegmentClosed(nil), l.rotated...)
}

// Close flushes pending results, closes the open segment and waits for
// background compression to finish.
func (l *Logger) Close() error {
	if l.closed {
		return nil
	}
	flushErr := l.Flush()
	l.closed = true
	closeErr := l.file.Close()
	waitErr := l.compressors.Wait()

	switch {
	case flushErr != nil:
		return flushErr
	case closeErr != nil:
		return fmt.Errorf("resultlog %s: close segment: %w", l.cfg.Category, closeErr)
	case waitErr != nil:
		return fmt.Errorf("resultlog %s: %w", l.cfg.Category, waitErr)
	}
	return nil
}

func (l *Logger) openSegment() error {
	f, err := os.OpenFile(l.SegmentName(l.segment), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("resultlog %s: open segment %d: %w", l.cfg.Category, l.segment, err)
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	return nil
}

// rotate closes the current segment, hands it to a background compressor and
// opens the next one.
func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("resultlog %s: close segment %d: %w", l.cfg.Category, l.segment, err)
	}
	closed := crawler.SegmentClosed{
		Category: string(l.cfg.Category),
		Segment:  l.segment,
		Path:     l.SegmentName(l.segment),
		Records:  l.logged,
	}
	l.compressors.Go(func() error {
		return l.finishSegment(closed)
	})
	metrics.ObserveSegmentRotated(string(l.cfg.Category))

	l.segment++
	return l.openSegment()
}

func (l *Logger) finishSegment(seg crawler.SegmentClosed) error {
	gzPath, err := compressFile(seg.Path)
	if err != nil {
		l.logger.Error("segment compression failed", zap.String("path", seg.Path), zap.Error(err))
		return err
	}
	seg.Path = gzPath

	if l.cfg.Archive != nil {
		uri, err := l.archive(gzPath)
		if err != nil {
			l.logger.Warn("segment archive failed", zap.String("path", gzPath), zap.Error(err))
		} else {
			seg.URI = uri
		}
	}
	if l.cfg.Publisher != nil && l.cfg.Topic != "" {
		if _, err := l.cfg.Publisher.Publish(l.ctx, l.cfg.Topic, seg); err != nil {
			l.logger.Warn("segment notification failed", zap.String("path", gzPath), zap.Error(err))
		}
	}

	l.rotatedMu.Lock()
	l.rotated = append(l.rotated, seg)
	l.rotatedMu.Unlock()
	l.logger.Info("segment compressed", zap.Int("segment", seg.Segment), zap.String("path", gzPath))
	return nil
}

func (l *Logger) archive(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path is produced by SegmentName
	if err != nil {
		return "", fmt.Errorf("open compressed segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	object := l.cfg.ArchivePrefix + "/" + filepath.Base(path)
	uri, err := l.cfg.Archive.PutObject(l.ctx, object, gzipMediaType, f)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

// compressFile writes path+".gz" and removes path once the copy is complete.
func compressFile(path string) (string, error) {
	src, err := os.Open(path) //nolint:gosec // path is produced by SegmentName
	if err != nil {
		return "", fmt.Errorf("open segment: %w", err)
	}
	defer src.Close() //nolint:errcheck // read-only handle

	gzPath := path + compressedExt
	dst, err := os.OpenFile(gzPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create compressed segment: %w", err)
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("compress segment: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("finish gzip stream: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close compressed segment: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove uncompressed segment: %w", err)
	}
	return gzPath, nil
}

// OpenSegment opens a segment for reading, transparently decompressing .gz files.
func OpenSegment(path string) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // caller-supplied segment path
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	if filepath.Ext(path) != compressedExt {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open gzip segment: %w", err)
	}
	return &gzipSegment{Reader: zr, file: f}, nil
}

type gzipSegment struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipSegment) Close() error {
	zerr := g.Reader.Close()
	ferr := g.file.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}
