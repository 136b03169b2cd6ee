package storage

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFSProvider(t *testing.T, compress bool) *FSProvider {
	t.Helper()
	p, err := NewFSProvider(FSConfig{
		Root:          t.TempDir(),
		SigningSecret: []byte("test-secret"),
		BaseURL:       "https://reports.example.com",
		Compress:      compress,
	})
	require.NoError(t, err)
	return p
}

func saveArtifact(t *testing.T, p *FSProvider, reportID string, data []byte, expiresAt time.Time) {
	t.Helper()
	_, err := p.Save(context.Background(), reportID, "threat-model.json", data, Meta{
		Checksum:    "crc64nvme:0000000000000000",
		ContentType: "application/json",
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	})
	require.NoError(t, err)
}

func TestFSProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	payload := []byte(`{"subject":"payments","threats":3}`)

	t.Run("plain", func(t *testing.T) {
		p := newFSProvider(t, false)
		saveArtifact(t, p, "r1", payload, time.Now().Add(time.Hour))

		data, meta, err := p.Get(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, payload, data)
		require.Equal(t, "threat-model.json", meta.Filename)
		require.Equal(t, int64(len(payload)), meta.SizeBytes)
	})

	t.Run("compressed at rest, transparent reads", func(t *testing.T) {
		p := newFSProvider(t, true)
		saveArtifact(t, p, "r1", payload, time.Now().Add(time.Hour))

		data, meta, err := p.Get(ctx, "r1")
		require.NoError(t, err)
		require.Equal(t, payload, data)
		require.Equal(t, int64(len(payload)), meta.SizeBytes)
	})

	t.Run("save returns the canonical key", func(t *testing.T) {
		p := newFSProvider(t, false)
		key, err := p.Save(ctx, "r9", "report.pdf", payload, Meta{ExpiresAt: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		require.Equal(t, "reports/r9/report.pdf", key)
	})

	t.Run("missing artifact", func(t *testing.T) {
		p := newFSProvider(t, false)

		_, _, err := p.Get(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)

		ok, err := p.Exists(ctx, "nope")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestFSProviderExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("expired artifact behaves as absent", func(t *testing.T) {
		p := newFSProvider(t, false)
		saveArtifact(t, p, "r1", []byte("old"), time.Now().Add(-time.Minute))

		_, _, err := p.Get(ctx, "r1")
		require.ErrorIs(t, err, ErrNotFound)

		ok, err := p.Exists(ctx, "r1")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = p.SignedURL(ctx, "r1", time.Minute)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sweeper deletes only expired artifacts", func(t *testing.T) {
		p := newFSProvider(t, false)
		saveArtifact(t, p, "expired", []byte("old"), time.Now().Add(-time.Minute))
		saveArtifact(t, p, "live", []byte("new"), time.Now().Add(time.Hour))

		sweeper := NewSweeper(p, time.Hour)
		deleted, err := sweeper.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, deleted)

		_, _, err = p.Get(ctx, "expired")
		require.ErrorIs(t, err, ErrNotFound)

		ok, err := p.Exists(ctx, "live")
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		p := newFSProvider(t, false)
		require.NoError(t, p.Delete(ctx, "never-existed"))
	})
}

func TestFSProviderSignedURL(t *testing.T) {
	ctx := context.Background()

	t.Run("url verifies until expiry", func(t *testing.T) {
		p := newFSProvider(t, false)
		saveArtifact(t, p, "r1", []byte("data"), time.Now().Add(time.Hour))

		signed, err := p.SignedURL(ctx, "r1", 15*time.Minute)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(signed, "https://reports.example.com/reports/r1/threat-model.json?"))

		u, err := url.Parse(signed)
		require.NoError(t, err)
		expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
		require.NoError(t, err)
		sig := u.Query().Get("sig")

		require.True(t, p.VerifySignedURL("r1", expires, sig))
		require.False(t, p.VerifySignedURL("r2", expires, sig))
		require.False(t, p.VerifySignedURL("r1", expires, "tampered"))
	})

	t.Run("expired signature fails verification", func(t *testing.T) {
		p := newFSProvider(t, false)
		expires := time.Now().Add(-time.Minute).Unix()
		sig := p.sign("r1", expires)
		require.False(t, p.VerifySignedURL("r1", expires, sig))
	})

	t.Run("signing requires a secret", func(t *testing.T) {
		p, err := NewFSProvider(FSConfig{Root: t.TempDir()})
		require.NoError(t, err)
		saveArtifact(t, p, "r1", []byte("data"), time.Now().Add(time.Hour))

		_, err = p.SignedURL(ctx, "r1", time.Minute)
		require.Error(t, err)
	})
}
