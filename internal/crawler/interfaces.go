package crawler

import (
	"context"
	"io"
	"time"
)

// PageFetcher retrieves one page of an account's follower list. A non-nil
// error means the request never produced a classifiable response.
type PageFetcher interface {
	FetchFollowers(ctx context.Context, id ID, page int) (FollowerPage, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CheckpointStore persists controller throughput checkpoints.
type CheckpointStore interface {
	RecordCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
