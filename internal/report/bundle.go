package report

import "time"

// DataBundle is the denormalized snapshot of the subject captured once at
// job-claim time. Rendering works exclusively off this snapshot so concurrent
// changes to the source system never bleed into a report mid-render. The
// bundle is owned by the job that fetched it and discarded when it terminates.
type DataBundle struct {
	SubjectID   string    `json:"subject_id" yaml:"subject_id"`
	SubjectName string    `json:"subject_name" yaml:"subject_name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	CapturedAt  time.Time `json:"captured_at" yaml:"captured_at"`

	Components  []Component  `json:"components,omitempty" yaml:"components,omitempty"`
	DataFlows   []DataFlow   `json:"data_flows,omitempty" yaml:"data_flows,omitempty"`
	Threats     []Threat     `json:"threats,omitempty" yaml:"threats,omitempty"`
	Mitigations []Mitigation `json:"mitigations,omitempty" yaml:"mitigations,omitempty"`
	AuditEvents []AuditEvent `json:"audit_events,omitempty" yaml:"audit_events,omitempty"`

	Requester    Requester `json:"requester" yaml:"requester"`
	Organization string    `json:"organization,omitempty" yaml:"organization,omitempty"`
}

// Component is one element of the modelled system.
type Component struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Kind        string `json:"kind,omitempty" yaml:"kind,omitempty"`
	TrustZone   string `json:"trust_zone,omitempty" yaml:"trust_zone,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// DataFlow is a directed connection between two components.
type DataFlow struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Protocol  string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Encrypted bool   `json:"encrypted" yaml:"encrypted"`
}

// Threat severity levels, ordered from least to most severe.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Threat is an identified risk against one or more components.
type Threat struct {
	ID          string  `json:"id" yaml:"id"`
	Title       string  `json:"title" yaml:"title"`
	Category    string  `json:"category,omitempty" yaml:"category,omitempty"`
	Severity    string  `json:"severity" yaml:"severity"`
	Likelihood  string  `json:"likelihood,omitempty" yaml:"likelihood,omitempty"`
	RiskScore   float64 `json:"risk_score,omitempty" yaml:"risk_score,omitempty"`
	ComponentID string  `json:"component_id,omitempty" yaml:"component_id,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Status      string  `json:"status,omitempty" yaml:"status,omitempty"`
}

// Mitigation is a control addressing one or more threats.
type Mitigation struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	ThreatIDs   []string `json:"threat_ids,omitempty" yaml:"threat_ids,omitempty"`
	Status      string   `json:"status,omitempty" yaml:"status,omitempty"`
	Owner       string   `json:"owner,omitempty" yaml:"owner,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// AuditEvent is one entry of the subject's change history.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Actor     string    `json:"actor" yaml:"actor"`
	Action    string    `json:"action" yaml:"action"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Requester identifies who asked for the report.
type Requester struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Email string `json:"email,omitempty" yaml:"email,omitempty"`
}

// SeverityRank maps a severity label to a sortable rank. Unknown labels rank lowest.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
