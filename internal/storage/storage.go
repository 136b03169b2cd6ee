package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all providers. Both backends must surface the
// same taxonomy so the pipeline stays storage-agnostic.
var (
	ErrNotFound    = errors.New("artifact not found")
	ErrUnavailable = errors.New("storage unavailable")
)

// Meta is the metadata record co-located with every stored artifact.
type Meta struct {
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the artifact is past its retention horizon.
func (m *Meta) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Key returns the canonical storage key for a report artifact.
func Key(reportID, filename string) string {
	return fmt.Sprintf("reports/%s/%s", reportID, filename)
}

// Provider is a durable byte-blob store addressed by report ID. Artifacts past
// their expiry behave as absent on every read path.
type Provider interface {
	// Save persists the artifact and its metadata, returning the storage key.
	Save(ctx context.Context, reportID, filename string, data []byte, meta Meta) (string, error)

	// Get returns the artifact bytes and metadata. Fails with ErrNotFound if
	// the artifact is absent or past its expiry.
	Get(ctx context.Context, reportID string) ([]byte, *Meta, error)

	// Delete removes the artifact and its metadata. Deleting an absent
	// artifact is a no-op.
	Delete(ctx context.Context, reportID string) error

	// SignedURL returns a time-limited retrieval URL.
	// Fails with ErrNotFound if the artifact is absent or expired.
	SignedURL(ctx context.Context, reportID string, ttl time.Duration) (string, error)

	// Exists reports whether a non-expired artifact is stored.
	Exists(ctx context.Context, reportID string) (bool, error)

	// ListExpired returns the report IDs of artifacts past their expiry,
	// for the retention sweeper.
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
}
