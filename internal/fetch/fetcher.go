package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/threatplane/reportd/internal/report"
)

// ErrSubjectNotFound means the subject has no snapshot in the source system.
var ErrSubjectNotFound = errors.New("subject not found")

// BundleFetcher is the boundary to the project/threat-model service. The
// snapshot is captured once per job so rendering is deterministic even when
// the source changes mid-flight.
type BundleFetcher interface {
	Fetch(ctx context.Context, subjectID string) (*report.DataBundle, error)
}

// SnapshotFetcher reads subject snapshots from YAML files on disk,
// one file per subject: {dir}/{subjectId}.yaml.
type SnapshotFetcher struct {
	dir string
}

// NewSnapshotFetcher creates a fetcher over the given snapshot directory.
func NewSnapshotFetcher(dir string) *SnapshotFetcher {
	return &SnapshotFetcher{dir: dir}
}

func (f *SnapshotFetcher) Fetch(ctx context.Context, subjectID string) (*report.DataBundle, error) {
	path := filepath.Join(f.dir, subjectID+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var bundle report.DataBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if bundle.SubjectID == "" {
		bundle.SubjectID = subjectID
	}
	if bundle.CapturedAt.IsZero() {
		bundle.CapturedAt = time.Now().UTC()
	}

	log.Debug().
		Str("subject_id", subjectID).
		Int("components", len(bundle.Components)).
		Int("threats", len(bundle.Threats)).
		Msg("Fetched data bundle")
	return &bundle, nil
}

// StaticFetcher serves bundles from a fixed map. Test use only.
type StaticFetcher struct {
	Bundles map[string]*report.DataBundle
}

func (f *StaticFetcher) Fetch(ctx context.Context, subjectID string) (*report.DataBundle, error) {
	bundle, ok := f.Bundles[subjectID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subjectID)
	}
	return bundle, nil
}
