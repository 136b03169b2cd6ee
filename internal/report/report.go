package report

import "time"

// Report is the immutable record of a successfully generated artifact.
// It is created once, after the complete checksummed bytes are stored,
// and never mutated afterwards.
type Report struct {
	ReportID    string    `json:"report_id"`
	Format      Format    `json:"format"`
	StorageKey  string    `json:"storage_key"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the artifact is past its retention horizon.
func (r *Report) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
