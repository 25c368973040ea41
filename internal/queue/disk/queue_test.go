package disk

import (
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/follower-crawler/internal/crawler"
)

func openQueue(t *testing.T, threshold int64) *Queue {
	t.Helper()
	q, err := Open(Config{Dir: t.TempDir(), CompactionThreshold: threshold})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := openQueue(t, 0)
	require.NoError(t, q.Enqueue(1, 2, 3))
	require.NoError(t, q.Enqueue(-4, 2147483647))
	require.Equal(t, 5, q.Len())

	got, err := q.Dequeue(2)
	require.NoError(t, err)
	assert.Equal(t, []crawler.ID{1, 2}, got)

	got, err = q.Dequeue(10)
	require.NoError(t, err)
	assert.Equal(t, []crawler.ID{3, -4, 2147483647}, got)
	assert.Zero(t, q.Len())

	got, err = q.Dequeue(10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueueLengthTracksRandomOperations(t *testing.T) {
	t.Parallel()

	q := openQueue(t, 25)
	rng := rand.New(rand.NewSource(7))
	var model []crawler.ID
	next := crawler.ID(0)

	for step := 0; step < 500; step++ {
		if rng.Intn(2) == 0 {
			batch := make([]crawler.ID, rng.Intn(8))
			for i := range batch {
				batch[i] = next
				next++
			}
			require.NoError(t, q.Enqueue(batch...))
			model = append(model, batch...)
		} else {
			limit := rng.Intn(6)
			got, err := q.Dequeue(limit)
			require.NoError(t, err)
			want := model[:min(limit, len(model))]
			require.Equal(t, len(want), len(got))
			if len(want) > 0 {
				require.Equal(t, want, got)
			}
			model = model[len(want):]
		}
		require.Equal(t, len(model), q.Len(), "step %d", step)
	}
}

func TestQueueCompactsWhenThresholdExceeded(t *testing.T) {
	t.Parallel()

	q := openQueue(t, 4)
	require.NoError(t, q.Enqueue(10, 11, 12, 13, 14, 15, 16))
	original := q.Path()

	got, err := q.Dequeue(4)
	require.NoError(t, err)
	require.Equal(t, []crawler.ID{10, 11, 12, 13}, got)
	require.Equal(t, int64(4), q.DequeuedSinceCompaction(), "equal to threshold does not compact")
	require.Equal(t, original, q.Path())

	got, err = q.Dequeue(1)
	require.NoError(t, err)
	require.Equal(t, []crawler.ID{14}, got)
	require.Zero(t, q.DequeuedSinceCompaction())
	require.NotEqual(t, original, q.Path())
	_, statErr := os.Stat(original)
	require.True(t, os.IsNotExist(statErr), "old backing file removed")

	info, err := os.Stat(q.Path())
	require.NoError(t, err)
	require.Equal(t, int64(2*recordSize), info.Size())
	require.Equal(t, 2, q.Len())

	require.NoError(t, q.Enqueue(17))
	got, err = q.Dequeue(10)
	require.NoError(t, err)
	require.Equal(t, []crawler.ID{15, 16, 17}, got)
}

func TestQueueCloseDeletesFile(t *testing.T) {
	t.Parallel()

	q, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(1))
	path := q.Path()

	require.NoError(t, q.Close())
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Enqueue(2), ErrClosed)
	_, err = q.Dequeue(1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestOpenRequiresDirectory(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{})
	require.Error(t, err)
}
