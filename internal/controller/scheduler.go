package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/metrics"
)

const (
	// DefaultBatchSize caps the number of ids handed to one session per round.
	DefaultBatchSize = 2000
	// DefaultStatusEvery is the number of completed results between status lines.
	DefaultStatusEvery = 10_000
	// DefaultIdleInterval bounds how long the loop sleeps when a step made no progress.
	DefaultIdleInterval = 100 * time.Millisecond
)

// ErrNotSeeded is returned by Run when neither the queue nor the pending set
// holds any work.
var ErrNotSeeded = errors.New("scheduler has no work; seed it first")

// Queue is the durable FIFO of identifiers waiting to be crawled.
type Queue interface {
	Enqueue(ids ...crawler.ID) error
	Dequeue(limit int) ([]crawler.ID, error)
	Len() int
	Close() error
}

// ResultLog persists results of one category.
type ResultLog interface {
	Add(r crawler.Result) error
	Logged() int64
	Close() error
}

// SchedulerConfig tunes the scheduling loop.
type SchedulerConfig struct {
	RunID        string
	BatchSize    int
	StatusEvery  int64
	IdleInterval time.Duration
}

// SchedulerDeps bundles the scheduler's collaborators. Checkpoints is optional.
type SchedulerDeps struct {
	Queue       Queue
	Success     ResultLog
	Failure     ResultLog
	Sessions    *Registry
	Checkpoints crawler.CheckpointStore
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// Stats is a point-in-time view of the crawl.
type Stats struct {
	RunID     string        `json:"run_id"`
	Completed int64         `json:"completed"`
	Crawled   int           `json:"crawled"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Queued    int           `json:"queued"`
	Sessions  int           `json:"sessions"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Scheduler moves identifiers from the durable queue to worker sessions and
// records the results they report.
//
// At any time an id is in at most one of crawled, pending and failed. The
// queue may hold stale duplicates; they are dropped when dequeued.
type Scheduler struct {
	cfg         SchedulerConfig
	queue       Queue
	success     ResultLog
	failure     ResultLog
	sessions    *Registry
	checkpoints crawler.CheckpointStore
	clock       crawler.Clock
	logger      *zap.Logger

	mu        sync.Mutex
	crawled   map[crawler.ID]struct{}
	pending   map[crawler.ID]struct{}
	failed    map[crawler.ID]struct{}
	completed int64
	started   time.Time
}

// NewScheduler validates deps and builds a Scheduler.
func NewScheduler(cfg SchedulerConfig, deps SchedulerDeps) (*Scheduler, error) {
	if deps.Queue == nil || deps.Success == nil || deps.Failure == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("scheduler requires a queue, both result logs and a session registry")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("scheduler requires a clock")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.StatusEvery <= 0 {
		cfg.StatusEvery = DefaultStatusEvery
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:         cfg,
		queue:       deps.Queue,
		success:     deps.Success,
		failure:     deps.Failure,
		sessions:    deps.Sessions,
		checkpoints: deps.Checkpoints,
		clock:       deps.Clock,
		logger:      logger.Named("scheduler"),
		crawled:     make(map[crawler.ID]struct{}),
		pending:     make(map[crawler.ID]struct{}),
		failed:      make(map[crawler.ID]struct{}),
		started:     deps.Clock.Now(),
	}, nil
}

// Seed enqueues the starting identifier.
func (s *Scheduler) Seed(id crawler.ID) error {
	if err := s.queue.Enqueue(id); err != nil {
		return fmt.Errorf("enqueue seed: %w", err)
	}
	metrics.SetQueueDepth(int64(s.queue.Len()))
	s.logger.Info("seeded crawl", zap.Int32("seed", int32(id)))
	return nil
}

// Run steps until the queue and the pending set are both empty. A returned
// error means durable state can no longer be trusted.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.hasWork() {
		return ErrNotSeeded
	}
	s.started = s.clock.Now()

	timer := time.NewTimer(s.cfg.IdleInterval)
	defer timer.Stop()
	for s.hasWork() {
		progressed, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		timer.Reset(s.cfg.IdleInterval)
		select {
		case <-ctx.Done():
			return fmt.Errorf("scheduler interrupted: %w", ctx.Err())
		case <-s.sessions.Changed():
		case <-timer.C:
		}
	}
	s.logger.Info("crawl frontier exhausted")
	return nil
}

// Step performs one collect, detect-failures and assign round and reports
// whether anything changed.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	collected, err := s.collect(ctx)
	if err != nil {
		return false, err
	}
	rolledBack, err := s.detectFailures(ctx)
	if err != nil {
		return false, err
	}
	assigned, err := s.assign()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	metrics.SetPending(len(s.pending))
	s.mu.Unlock()
	metrics.SetQueueDepth(int64(s.queue.Len()))
	metrics.SetSessions(s.sessions.Len())

	return collected+rolledBack+assigned > 0, nil
}

func (s *Scheduler) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() > 0 || len(s.pending) > 0
}

func (s *Scheduler) collect(ctx context.Context) (int, error) {
	n := 0
	for _, sess := range s.sessions.Snapshot() {
		if !sess.IsAlive() {
			continue
		}
		results := sess.DrainResults()
		for _, r := range results {
			if err := s.record(ctx, sess, r); err != nil {
				return n, err
			}
		}
		n += len(results)
	}
	return n, nil
}

// detectFailures drops dead sessions. Results the session received before
// dying are recorded first so they are not re-crawled.
func (s *Scheduler) detectFailures(ctx context.Context) (int, error) {
	n := 0
	for _, sess := range s.sessions.Snapshot() {
		if sess.IsAlive() {
			continue
		}
		for _, r := range sess.DrainResults() {
			if err := s.record(ctx, sess, r); err != nil {
				return n, err
			}
		}

		owed := sess.PendingIdentifiers()
		rollback := make([]crawler.ID, 0, len(owed))
		s.mu.Lock()
		for _, id := range owed {
			if _, ok := s.pending[id]; ok {
				delete(s.pending, id)
				rollback = append(rollback, id)
			}
		}
		s.mu.Unlock()

		if err := s.queue.Enqueue(rollback...); err != nil {
			return n, fmt.Errorf("re-enqueue ids of %s: %w", sess.Name(), err)
		}
		s.sessions.Remove(sess)
		metrics.ObserveRollback(len(rollback))
		s.logger.Info("worker dropped out, rolling back",
			zap.String("worker", sess.Name()),
			zap.String("account", sess.Account()),
			zap.Int("ids", len(rollback)))
		n++
	}
	return n, nil
}

func (s *Scheduler) assign() (int, error) {
	n := 0
	for _, sess := range s.sessions.Snapshot() {
		if s.queue.Len() == 0 {
			break
		}
		if !sess.IsAlive() || !sess.IsReady() {
			continue
		}
		ids, err := s.queue.Dequeue(s.cfg.BatchSize)
		if err != nil {
			return n, fmt.Errorf("dequeue batch: %w", err)
		}

		batch := make([]crawler.ID, 0, len(ids))
		s.mu.Lock()
		for _, id := range ids {
			if s.processedLocked(id) {
				continue
			}
			s.pending[id] = struct{}{}
			batch = append(batch, id)
		}
		s.mu.Unlock()

		sess.Assign(batch)
		metrics.ObserveAssignment(len(batch))
		s.logger.Info("assigned ids to worker",
			zap.Int("ids", len(batch)),
			zap.Int("dropped", len(ids)-len(batch)),
			zap.String("worker", sess.Name()),
			zap.String("account", sess.Account()),
			zap.Int("queued", s.queue.Len()),
			zap.Int("workers", s.sessions.Len()))
		n += len(ids)
	}
	return n, nil
}

// record applies one result. Results for ids that are not pending (never
// assigned, already rolled back or already reported) are ignored.
func (s *Scheduler) record(ctx context.Context, sess *Session, r crawler.Result) error {
	s.mu.Lock()
	if _, ok := s.pending[r.ID]; !ok {
		s.mu.Unlock()
		s.logger.Warn("ignoring result for id that is not pending",
			zap.Int32("id", int32(r.ID)), zap.String("worker", sess.Name()))
		return nil
	}
	delete(s.pending, r.ID)
	if r.Successful() {
		s.crawled[r.ID] = struct{}{}
	} else {
		s.failed[r.ID] = struct{}{}
	}

	discovered := make([]crawler.ID, 0, len(r.Followers))
	seen := make(map[crawler.ID]struct{}, len(r.Followers))
	for _, f := range r.Followers {
		if _, dup := seen[f]; dup || s.processedLocked(f) {
			continue
		}
		seen[f] = struct{}{}
		discovered = append(discovered, f)
	}
	s.completed++
	completed := s.completed
	s.mu.Unlock()

	log := s.failure
	if r.Successful() {
		log = s.success
	}
	if err := log.Add(r); err != nil {
		return fmt.Errorf("log result for %d: %w", r.ID, err)
	}
	if len(discovered) > 0 {
		if err := s.queue.Enqueue(discovered...); err != nil {
			return fmt.Errorf("enqueue followers of %d: %w", r.ID, err)
		}
	}
	metrics.ObserveResult(r.Outcome.String(), len(r.Followers))

	if completed%s.cfg.StatusEvery == 0 {
		s.reportStatus(ctx, false)
	}
	return nil
}

func (s *Scheduler) processedLocked(id crawler.ID) bool {
	if _, ok := s.crawled[id]; ok {
		return true
	}
	if _, ok := s.pending[id]; ok {
		return true
	}
	_, ok := s.failed[id]
	return ok
}

// Stats returns a snapshot safe to call from any goroutine.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		RunID:     s.cfg.RunID,
		Completed: s.completed,
		Crawled:   len(s.crawled),
		Failed:    len(s.failed),
		Pending:   len(s.pending),
		Queued:    s.queue.Len(),
		Sessions:  s.sessions.Len(),
		Elapsed:   s.clock.Now().Sub(s.started),
	}
}

// State reports which membership set holds id, or "" when none does.
func (s *Scheduler) State(id crawler.ID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case has(s.crawled, id):
		return "crawled"
	case has(s.pending, id):
		return "pending"
	case has(s.failed, id):
		return "failed"
	default:
		return ""
	}
}

func has(set map[crawler.ID]struct{}, id crawler.ID) bool {
	_, ok := set[id]
	return ok
}

func (s *Scheduler) reportStatus(ctx context.Context, final bool) {
	st := s.Stats()
	rate := 0.0
	if secs := st.Elapsed.Seconds(); secs > 0 {
		rate = float64(st.Completed) / secs
	}
	s.logger.Info("crawl status",
		zap.Int64("completed", st.Completed),
		zap.Duration("elapsed", st.Elapsed),
		zap.Float64("per_second", rate),
		zap.Int("queued", st.Queued),
		zap.Int("pending", st.Pending),
		zap.Int("workers", st.Sessions))

	if s.checkpoints == nil {
		return
	}
	cp := crawler.Checkpoint{
		RunID:      st.RunID,
		RecordedAt: s.clock.Now(),
		Completed:  st.Completed,
		Crawled:    st.Crawled,
		Failed:     st.Failed,
		Pending:    st.Pending,
		Queued:     st.Queued,
		Sessions:   st.Sessions,
		Elapsed:    st.Elapsed,
		Final:      final,
	}
	if err := s.checkpoints.RecordCheckpoint(ctx, cp); err != nil {
		s.logger.Warn("record checkpoint", zap.Error(err))
	}
}

// Shutdown stops every session, closes both logs and the queue and emits the
// final summary. It is safe to call after Run returns with an error.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	for _, sess := range s.sessions.Snapshot() {
		sess.Stop()
		s.sessions.Remove(sess)
	}
	metrics.SetSessions(0)

	s.reportStatus(ctx, true)

	var errs []error
	if err := s.success.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close success log: %w", err))
	}
	if err := s.failure.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close failure log: %w", err))
	}
	if err := s.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}

	succeeded, failed := s.success.Logged(), s.failure.Logged()
	s.logger.Info("DONE",
		zap.Int64("crawled", succeeded+failed),
		zap.Int64("success", succeeded),
		zap.Int64("fail", failed))
	return errors.Join(errs...)
}
