package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

const metadataFilename = "metadata.json"

// FSConfig configures the filesystem provider.
type FSConfig struct {
	// Root is the directory under which all artifacts are stored.
	Root string

	// SigningSecret signs download URLs. Required for SignedURL.
	SigningSecret []byte

	// BaseURL prefixes signed URLs, e.g. "https://reports.example.com".
	BaseURL string

	// Compress stores artifacts zstd-compressed at rest. Reads are
	// transparent: Get always returns the original bytes.
	Compress bool
}

// Validate checks the configuration.
func (c *FSConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("storage root is required")
	}
	return nil
}

// FSProvider stores artifacts under a local directory, one subdirectory per
// report with a JSON metadata sidecar:
//
//	{root}/reports/{reportId}/{filename}
//	{root}/reports/{reportId}/metadata.json
type FSProvider struct {
	cfg     FSConfig
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// fsMeta extends Meta with at-rest storage detail the caller never sees.
type fsMeta struct {
	Meta
	Compressed bool `json:"compressed,omitempty"`
}

// NewFSProvider creates a filesystem-backed provider rooted at cfg.Root.
func NewFSProvider(cfg FSConfig) (*FSProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "reports"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	p := &FSProvider{cfg: cfg}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		p.encoder = enc
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	p.decoder = dec
	return p, nil
}

func (p *FSProvider) reportDir(reportID string) string {
	return filepath.Join(p.cfg.Root, "reports", reportID)
}

// Save writes the artifact and metadata sidecar. The write is staged through
// a temp file and renamed so readers never observe partial artifacts.
func (p *FSProvider) Save(ctx context.Context, reportID, filename string, data []byte, meta Meta) (string, error) {
	dir := p.reportDir(reportID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	stored := data
	fm := fsMeta{Meta: meta}
	fm.Filename = filename
	fm.SizeBytes = int64(len(data))
	if p.cfg.Compress {
		stored = p.encoder.EncodeAll(data, nil)
		fm.Compressed = true
	}

	path := filepath.Join(dir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, stored, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	metaBytes, err := json.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFilename), metaBytes, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	key := Key(reportID, filename)
	log.Debug().Str("report_id", reportID).Str("key", key).Int("size_bytes", len(data)).Bool("compressed", fm.Compressed).Msg("Stored artifact")
	return key, nil
}

func (p *FSProvider) readMeta(reportID string) (*fsMeta, error) {
	metaBytes, err := os.ReadFile(filepath.Join(p.reportDir(reportID), metadataFilename))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var fm fsMeta
	if err := json.Unmarshal(metaBytes, &fm); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &fm, nil
}

// Get returns the artifact bytes, decompressing transparently when the
// artifact is stored compressed.
func (p *FSProvider) Get(ctx context.Context, reportID string) ([]byte, *Meta, error) {
	fm, err := p.readMeta(reportID)
	if err != nil {
		return nil, nil, err
	}
	if fm.Expired(time.Now()) {
		return nil, nil, fmt.Errorf("%w: %s expired", ErrNotFound, reportID)
	}

	data, err := os.ReadFile(filepath.Join(p.reportDir(reportID), fm.Filename))
	if os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, reportID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if fm.Compressed {
		data, err = p.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decompress artifact: %w", err)
		}
	}

	m := fm.Meta
	return data, &m, nil
}

// Delete removes the report directory. Absent artifacts are a no-op.
func (p *FSProvider) Delete(ctx context.Context, reportID string) error {
	if err := os.RemoveAll(p.reportDir(reportID)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SignedURL returns an HMAC-signed download URL valid for ttl. The signature
// covers the report ID and expiry so the serving layer can verify without
// touching storage.
func (p *FSProvider) SignedURL(ctx context.Context, reportID string, ttl time.Duration) (string, error) {
	if len(p.cfg.SigningSecret) == 0 {
		return "", fmt.Errorf("signing secret not configured")
	}

	fm, err := p.readMeta(reportID)
	if err != nil {
		return "", err
	}
	if fm.Expired(time.Now()) {
		return "", fmt.Errorf("%w: %s expired", ErrNotFound, reportID)
	}

	expires := time.Now().Add(ttl).Unix()
	sig := p.sign(reportID, expires)

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)
	return fmt.Sprintf("%s/reports/%s/%s?%s", strings.TrimSuffix(p.cfg.BaseURL, "/"), reportID, fm.Filename, q.Encode()), nil
}

// VerifySignedURL checks a signature produced by SignedURL.
func (p *FSProvider) VerifySignedURL(reportID string, expires int64, sig string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	return hmac.Equal([]byte(p.sign(reportID, expires)), []byte(sig))
}

func (p *FSProvider) sign(reportID string, expires int64) string {
	mac := hmac.New(sha256.New, p.cfg.SigningSecret)
	fmt.Fprintf(mac, "%s|%d", reportID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Exists reports whether a non-expired artifact is stored.
func (p *FSProvider) Exists(ctx context.Context, reportID string) (bool, error) {
	fm, err := p.readMeta(reportID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !fm.Expired(time.Now()), nil
}

// ListExpired walks the reports directory and returns expired report IDs.
func (p *FSProvider) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.cfg.Root, "reports"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var expired []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fm, err := p.readMeta(entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("report_id", entry.Name()).Msg("Skipping unreadable metadata during expiry scan")
			continue
		}
		if fm.Expired(now) {
			expired = append(expired, entry.Name())
		}
	}
	return expired, nil
}
