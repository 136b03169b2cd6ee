package report

import (
	"errors"
	"fmt"
)

// ReportType identifies which document the pipeline produces.
type ReportType string

const (
	TypeThreatModel       ReportType = "threat-model"
	TypeExecutiveSummary  ReportType = "executive-summary"
	TypeTechnicalDetailed ReportType = "technical-detailed"
	TypeCompliance        ReportType = "compliance"
	TypeRiskAssessment    ReportType = "risk-assessment"
	TypeMitigationPlan    ReportType = "mitigation-plan"
	TypeAuditLog          ReportType = "audit-log"
)

// Format is the target encoding of the generated artifact.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

var (
	ErrUnknownReportType = errors.New("unknown report type")
	ErrUnknownFormat     = errors.New("unknown format")
	ErrMissingSubject    = errors.New("subject id is required")
)

var reportTypes = map[ReportType]bool{
	TypeThreatModel:       true,
	TypeExecutiveSummary:  true,
	TypeTechnicalDetailed: true,
	TypeCompliance:        true,
	TypeRiskAssessment:    true,
	TypeMitigationPlan:    true,
	TypeAuditLog:          true,
}

var formats = map[Format]bool{
	FormatPDF:      true,
	FormatHTML:     true,
	FormatMarkdown: true,
	FormatJSON:     true,
}

// supportedFormats restricts the encodings available for report types where
// only a subset makes sense. Types absent from this map support every format.
var supportedFormats = map[ReportType][]Format{
	TypeAuditLog:   {FormatJSON, FormatMarkdown},
	TypeCompliance: {FormatPDF, FormatHTML},
}

// SupportedFormats returns the encodings available for the given report type.
func SupportedFormats(t ReportType) []Format {
	if fs, ok := supportedFormats[t]; ok {
		return fs
	}
	return []Format{FormatPDF, FormatHTML, FormatMarkdown, FormatJSON}
}

// FormatSupported reports whether the report type can be rendered in the given format.
func FormatSupported(t ReportType, f Format) bool {
	for _, sf := range SupportedFormats(t) {
		if sf == f {
			return true
		}
	}
	return false
}

// ContentType returns the MIME type for artifacts in the given format.
func ContentType(f Format) string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Filename returns the artifact filename for the given report type and format.
func Filename(t ReportType, f Format) string {
	ext := string(f)
	if f == FormatMarkdown {
		ext = "md"
	}
	return fmt.Sprintf("%s.%s", t, ext)
}

// Branding holds presentation overrides applied during rendering.
type Branding struct {
	Title      string `json:"title,omitempty" yaml:"title,omitempty"`
	FooterText string `json:"footer_text,omitempty" yaml:"footer_text,omitempty"`
	Watermark  string `json:"watermark,omitempty" yaml:"watermark,omitempty"`
}

// Options carries per-request rendering flags.
type Options struct {
	IncludeCharts   bool     `json:"include_charts" yaml:"include_charts"`
	IncludeAppendix bool     `json:"include_appendix" yaml:"include_appendix"`
	Branding        Branding `json:"branding,omitempty" yaml:"branding,omitempty"`
}

// Metadata carries classification and free-form tags attached by the submitter.
type Metadata struct {
	Confidentiality string   `json:"confidentiality,omitempty" yaml:"confidentiality,omitempty"`
	Tags            []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Request is the immutable input to the pipeline. The ID doubles as the
// idempotency key: submitting the same ID twice returns the original job.
type Request struct {
	ID          string     `json:"id"`
	ReportType  ReportType `json:"report_type"`
	Format      Format     `json:"format"`
	SubjectID   string     `json:"subject_id"`
	RequesterID string     `json:"requester_id"`
	Options     Options    `json:"options"`
	Metadata    Metadata   `json:"metadata"`
}

// Validate checks enum membership and required fields. Format/type pairing is
// deliberately not checked here; an unsupported pairing is a terminal job
// failure decided by the assembler, not a submission error.
func (r *Request) Validate() error {
	if !reportTypes[r.ReportType] {
		return fmt.Errorf("%w: %q", ErrUnknownReportType, r.ReportType)
	}
	if !formats[r.Format] {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, r.Format)
	}
	if r.SubjectID == "" {
		return ErrMissingSubject
	}
	return nil
}
