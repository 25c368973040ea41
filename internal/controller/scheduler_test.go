package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
	"github.com/JakeFAU/follower-crawler/internal/protocol"
)

func TestSchedulerSeedScenario(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, SchedulerConfig{}, nil)
	require.NoError(t, f.sched.Seed(42))

	sess, worker := newSessionPair(t, "w1")
	f.registry.Add(sess)
	startSession(t, sess)

	n, err := f.sched.assign()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "pending", f.sched.State(42))
	require.Equal(t, []crawler.ID{42}, worker.expectAssignment(t))

	worker.report(t, crawler.NewSuccess(42, []crawler.ID{1, 2, 3}))
	require.Eventually(t, sess.IsReady, time.Second, 5*time.Millisecond)

	collected, err := f.sched.collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, collected)

	require.Equal(t, "crawled", f.sched.State(42))
	require.Equal(t, 3, f.queue.Len())
	for _, id := range []crawler.ID{1, 2, 3} {
		require.Empty(t, f.sched.State(id))
	}
	logged := f.success.Results()
	require.Len(t, logged, 1)
	require.Equal(t, crawler.ID(42), logged[0].ID)
	require.Equal(t, []crawler.ID{1, 2, 3}, logged[0].Followers)
	require.Empty(t, f.failure.Results())

	ids, err := f.queue.Dequeue(10)
	require.NoError(t, err)
	require.Equal(t, []crawler.ID{1, 2, 3}, ids)
}

func TestSchedulerRollsBackDeadSession(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, SchedulerConfig{}, nil)
	require.NoError(t, f.queue.Enqueue(7, 8))

	first, firstWorker := newSessionPair(t, "w1")
	f.registry.Add(first)
	startSession(t, first)

	_, err := f.sched.assign()
	require.NoError(t, err)
	require.Equal(t, []crawler.ID{7, 8}, firstWorker.expectAssignment(t))
	require.Equal(t, "pending", f.sched.State(7))

	require.NoError(t, firstWorker.codec.Close())
	require.Eventually(t, func() bool { return !first.IsAlive() }, time.Second, 5*time.Millisecond)

	dropped, err := f.sched.detectFailures(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
	require.Zero(t, f.registry.Len())
	require.Empty(t, f.sched.State(7))
	require.Empty(t, f.sched.State(8))
	require.Equal(t, 2, f.queue.Len())

	second, secondWorker := newSessionPair(t, "w2")
	f.registry.Add(second)
	startSession(t, second)
	_, err = f.sched.assign()
	require.NoError(t, err)
	require.ElementsMatch(t, []crawler.ID{7, 8}, secondWorker.expectAssignment(t))
}

func TestSchedulerRecordsResultsOfDeadSessionBeforeRollback(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, SchedulerConfig{}, nil)
	require.NoError(t, f.queue.Enqueue(7, 8))

	sess, worker := newSessionPair(t, "w1")
	f.registry.Add(sess)
	startSession(t, sess)
	_, err := f.sched.assign()
	require.NoError(t, err)
	worker.expectAssignment(t)

	worker.report(t, crawler.NewFailure(7, crawler.OutcomeNotAuthorized))
	require.Eventually(t, func() bool { return len(sess.PendingIdentifiers()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, worker.codec.Close())
	require.Eventually(t, func() bool { return !sess.IsAlive() }, time.Second, 5*time.Millisecond)

	_, err = f.sched.detectFailures(context.Background())
	require.NoError(t, err)
	require.Equal(t, "failed", f.sched.State(7))
	require.Empty(t, f.sched.State(8))
	ids, err := f.queue.Dequeue(10)
	require.NoError(t, err)
	require.Equal(t, []crawler.ID{8}, ids)
	assertExclusive(t, f.sched)
}

func TestSchedulerDropsProcessedIDsAtAssignment(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, SchedulerConfig{}, nil)
	require.NoError(t, f.queue.Enqueue(5, 5, 6))

	sess, worker := newSessionPair(t, "w1")
	f.registry.Add(sess)
	startSession(t, sess)
	_, err := f.sched.assign()
	require.NoError(t, err)
	require.Equal(t, []crawler.ID{5, 6}, worker.expectAssignment(t))

	worker.report(t,
		crawler.NewSuccess(5, []crawler.ID{5, 6, 7, 7}),
		crawler.NewFailure(6, crawler.OutcomeFailed),
		crawler.NewFailure(99, crawler.OutcomeFailed))
	require.Eventually(t, sess.IsReady, time.Second, 5*time.Millisecond)

	_, err = f.sched.collect(context.Background())
	require.NoError(t, err)
	assertExclusive(t, f.sched)
	require.Equal(t, "crawled", f.sched.State(5))
	require.Equal(t, "failed", f.sched.State(6))
	require.Empty(t, f.sched.State(99), "unassigned result must be ignored")
	require.Len(t, f.failure.Results(), 1)

	ids, err := f.queue.Dequeue(10)
	require.NoError(t, err)
	require.Equal(t, []crawler.ID{7}, ids)
}

func TestSchedulerRunCrawlsWholeGraph(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	f := newSchedulerFixture(t, SchedulerConfig{BatchSize: 4, StatusEvery: 10, IdleInterval: 5 * time.Millisecond}, zap.New(core))
	require.NoError(t, f.sched.Seed(0))

	// Node n links to 2n+1 and 2n+2 while they stay within 30. Node 13 is
	// missing upstream, so its children 27 and 28 are never discovered.
	followersOf := func(id crawler.ID) crawler.Result {
		if id == 13 {
			return crawler.NewFailure(id, crawler.OutcomeNotFound)
		}
		var out []crawler.ID
		for _, c := range []crawler.ID{2*id + 1, 2*id + 2} {
			if c <= 30 {
				out = append(out, c)
			}
		}
		return crawler.NewSuccess(id, out)
	}

	for _, name := range []string{"w1", "w2"} {
		sess, worker := newSessionPair(t, name)
		f.registry.Add(sess)
		startSession(t, sess)
		go func() {
			for {
				env, err := worker.codec.Expect(protocol.KindAssignment)
				if err != nil {
					return
				}
				results := make([]crawler.Result, 0, len(env.Assignment.IDs))
				for _, id := range env.Assignment.IDs {
					results = append(results, followersOf(id))
				}
				batch, err := protocol.NewResultBatch(testSecret, results)
				if err != nil {
					return
				}
				if err := worker.codec.Send(batch); err != nil {
					return
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sched.Run(ctx))

	st := f.sched.Stats()
	require.EqualValues(t, 29, st.Completed)
	require.Equal(t, 28, st.Crawled)
	require.Equal(t, 1, st.Failed)
	require.Zero(t, st.Pending)
	require.Zero(t, st.Queued)

	require.NoError(t, f.sched.Shutdown(ctx))
	require.True(t, f.success.closed)
	require.True(t, f.failure.closed)
	require.Zero(t, f.registry.Len())

	cps := f.checkpoints.All()
	require.Len(t, cps, 3, "two status checkpoints plus the final one")
	require.EqualValues(t, 10, cps[0].Completed)
	require.True(t, cps[2].Final)
	require.Equal(t, 3, logs.FilterMessage("crawl status").Len())

	done := logs.FilterMessage("DONE").All()
	require.Len(t, done, 1)
	require.EqualValues(t, 29, done[0].ContextMap()["crawled"])
	require.EqualValues(t, 28, done[0].ContextMap()["success"])
	require.EqualValues(t, 1, done[0].ContextMap()["fail"])
}

func TestSchedulerRunRequiresSeed(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, SchedulerConfig{}, nil)
	require.ErrorIs(t, f.sched.Run(context.Background()), ErrNotSeeded)
}

func TestSchedulerRunHonorsContext(t *testing.T) {
	t.Parallel()

	f := newSchedulerFixture(t, SchedulerConfig{IdleInterval: time.Millisecond}, nil)
	require.NoError(t, f.sched.Seed(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.sched.Run(ctx), context.DeadlineExceeded)
}

func TestNewSchedulerValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewScheduler(SchedulerConfig{}, SchedulerDeps{})
	require.Error(t, err)
}
