package controller

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/protocol"
	"github.com/JakeFAU/follower-crawler/internal/queue/disk"
)

var testSecret = []byte("controller-test-secret")

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type memoryLog struct {
	mu      sync.Mutex
	results []crawler.Result
	closed  bool
}

func (l *memoryLog) Add(r crawler.Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
	return nil
}

func (l *memoryLog) Logged() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.results))
}

func (l *memoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *memoryLog) Results() []crawler.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]crawler.Result(nil), l.results...)
}

type recordingCheckpoints struct {
	mu  sync.Mutex
	cps []crawler.Checkpoint
}

func (r *recordingCheckpoints) RecordCheckpoint(_ context.Context, cp crawler.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cps = append(r.cps, cp)
	return nil
}

func (r *recordingCheckpoints) All() []crawler.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.Checkpoint(nil), r.cps...)
}

// fakeWorker is the remote end of a session's connection.
type fakeWorker struct {
	codec *protocol.Codec
}

func (w *fakeWorker) expectAssignment(t *testing.T) []crawler.ID {
	t.Helper()
	env, err := w.codec.Expect(protocol.KindAssignment)
	require.NoError(t, err)
	return env.Assignment.IDs
}

func (w *fakeWorker) report(t *testing.T, results ...crawler.Result) {
	t.Helper()
	env, err := protocol.NewResultBatch(testSecret, results)
	require.NoError(t, err)
	require.NoError(t, w.codec.Send(env))
}

// newSessionPair returns an unstarted session and the worker end of its connection.
func newSessionPair(t *testing.T, name string) (*Session, *fakeWorker) {
	t.Helper()
	left, right := net.Pipe()
	sess := NewSession(name, name+"-account",
		protocol.NewCodec(left, testSecret, protocol.NewLedger(0), 2*time.Second),
		SessionConfig{Secret: testSecret, SendInterval: 20 * time.Millisecond},
		zap.NewNop())
	worker := &fakeWorker{codec: protocol.NewCodec(right, testSecret, protocol.NewLedger(0), 2*time.Second)}
	t.Cleanup(func() {
		sess.Stop()
		_ = worker.codec.Close()
	})
	return sess, worker
}

func startSession(t *testing.T, sess *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sess.Run(ctx) }()
}

type schedulerFixture struct {
	sched       *Scheduler
	queue       *disk.Queue
	success     *memoryLog
	failure     *memoryLog
	registry    *Registry
	checkpoints *recordingCheckpoints
}

func newSchedulerFixture(t *testing.T, cfg SchedulerConfig, logger *zap.Logger) *schedulerFixture {
	t.Helper()
	q, err := disk.Open(disk.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	f := &schedulerFixture{
		queue:       q,
		success:     &memoryLog{},
		failure:     &memoryLog{},
		registry:    NewRegistry(),
		checkpoints: &recordingCheckpoints{},
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f.sched, err = NewScheduler(cfg, SchedulerDeps{
		Queue:       q,
		Success:     f.success,
		Failure:     f.failure,
		Sessions:    f.registry,
		Checkpoints: f.checkpoints,
		Clock:       fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		Logger:      logger,
	})
	require.NoError(t, err)
	return f
}

// assertExclusive checks that no id is in two membership sets at once.
func assertExclusive(t *testing.T, s *Scheduler) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.pending {
		require.False(t, has(s.crawled, id), "id %d pending and crawled", id)
		require.False(t, has(s.failed, id), "id %d pending and failed", id)
	}
	for id := range s.crawled {
		require.False(t, has(s.failed, id), "id %d crawled and failed", id)
	}
}
