package ecfr

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Source exposes the three remote API documents the pipeline consumes.
type Source interface {
	Index(ctx context.Context) ([]TitleInfo, error)
	Structure(ctx context.Context, title, snapshotID string) ([]byte, error)
	Versions(ctx context.Context, title string) ([]byte, error)
}

// BlobStore persists raw documents by key.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// TitleStore persists the documents fetched for one title.
type TitleStore interface {
	SaveTitle(ctx context.Context, doc TitleDocument) error
}

// Publisher pushes snapshot notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for title jobs.
type Queue interface {
	Enqueue(ctx context.Context, job TitleJob) error
	Dequeue(ctx context.Context) (TitleJob, error)
}

// Limiter throttles outbound requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy decides whether and when a failed request is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
