package render

import (
	"fmt"
	"sort"
	"time"

	"github.com/threatplane/reportd/internal/report"
)

// Document is the format-independent intermediate representation every
// renderer consumes. The assembler builds it once per job; the per-format
// renderers encode it without touching the bundle again.
type Document struct {
	Title           string
	Subtitle        string
	ReportType      report.ReportType
	SubjectID       string
	GeneratedAt     time.Time
	Confidentiality string
	RequesterName   string
	Organization    string
	Branding        report.Branding

	Sections []Section
	Appendix []Section
}

// Section is one titled block of the document.
type Section struct {
	Heading    string
	Paragraphs []string
	Table      *Table
	Charts     []ChartSpec
}

// Table is a simple grid with a header row.
type Table struct {
	Headers []string
	Rows    [][]string
}

// ChartSpec describes one chart the charting collaborator should render.
type ChartSpec struct {
	ID     string
	Title  string
	Kind   string // "bar" or "pie"
	Labels []string
	Values []float64
}

// ChartImage is a rendered chart ready for splicing into the output.
type ChartImage struct {
	Spec ChartSpec
	PNG  []byte
}

// BuildDocument assembles the intermediate representation for the requested
// report type from the bundle snapshot.
func BuildDocument(req report.Request, bundle *report.DataBundle) *Document {
	doc := &Document{
		Title:           titleFor(req.ReportType, bundle),
		Subtitle:        bundle.SubjectName,
		ReportType:      req.ReportType,
		SubjectID:       bundle.SubjectID,
		GeneratedAt:     time.Now().UTC(),
		Confidentiality: req.Metadata.Confidentiality,
		RequesterName:   bundle.Requester.Name,
		Organization:    bundle.Organization,
		Branding:        req.Options.Branding,
	}
	if doc.Branding.Title != "" {
		doc.Title = doc.Branding.Title
	}

	switch req.ReportType {
	case report.TypeThreatModel:
		doc.Sections = threatModelSections(bundle)
	case report.TypeExecutiveSummary:
		doc.Sections = executiveSummarySections(bundle)
	case report.TypeTechnicalDetailed:
		doc.Sections = append(threatModelSections(bundle), dataFlowSection(bundle))
	case report.TypeCompliance:
		doc.Sections = complianceSections(bundle)
	case report.TypeRiskAssessment:
		doc.Sections = riskAssessmentSections(bundle)
	case report.TypeMitigationPlan:
		doc.Sections = mitigationPlanSections(bundle)
	case report.TypeAuditLog:
		doc.Sections = auditLogSections(bundle)
	}

	if req.Options.IncludeCharts {
		addChartSpecs(doc, bundle)
	}
	if req.Options.IncludeAppendix {
		doc.Appendix = appendixSections(bundle)
	}
	return doc
}

func titleFor(t report.ReportType, bundle *report.DataBundle) string {
	switch t {
	case report.TypeThreatModel:
		return fmt.Sprintf("Threat Model: %s", bundle.SubjectName)
	case report.TypeExecutiveSummary:
		return fmt.Sprintf("Executive Summary: %s", bundle.SubjectName)
	case report.TypeTechnicalDetailed:
		return fmt.Sprintf("Technical Report: %s", bundle.SubjectName)
	case report.TypeCompliance:
		return fmt.Sprintf("Compliance Report: %s", bundle.SubjectName)
	case report.TypeRiskAssessment:
		return fmt.Sprintf("Risk Assessment: %s", bundle.SubjectName)
	case report.TypeMitigationPlan:
		return fmt.Sprintf("Mitigation Plan: %s", bundle.SubjectName)
	case report.TypeAuditLog:
		return fmt.Sprintf("Audit Log: %s", bundle.SubjectName)
	default:
		return bundle.SubjectName
	}
}

// threatsBySeverity returns threats sorted most severe first, stable within a tier.
func threatsBySeverity(bundle *report.DataBundle) []report.Threat {
	threats := make([]report.Threat, len(bundle.Threats))
	copy(threats, bundle.Threats)
	sort.SliceStable(threats, func(i, j int) bool {
		return report.SeverityRank(threats[i].Severity) > report.SeverityRank(threats[j].Severity)
	})
	return threats
}

func severityCounts(bundle *report.DataBundle) map[string]int {
	counts := make(map[string]int)
	for _, t := range bundle.Threats {
		counts[t.Severity]++
	}
	return counts
}

func threatModelSections(bundle *report.DataBundle) []Section {
	overview := Section{
		Heading: "Overview",
		Paragraphs: []string{
			bundle.Description,
			fmt.Sprintf("The model covers %d components, %d data flows and %d identified threats.",
				len(bundle.Components), len(bundle.DataFlows), len(bundle.Threats)),
		},
	}

	components := Section{Heading: "Components", Table: &Table{
		Headers: []string{"Name", "Kind", "Trust Zone", "Description"},
	}}
	for _, c := range bundle.Components {
		components.Table.Rows = append(components.Table.Rows, []string{c.Name, c.Kind, c.TrustZone, c.Description})
	}

	threats := Section{Heading: "Threats", Table: &Table{
		Headers: []string{"ID", "Title", "Category", "Severity", "Status"},
	}}
	for _, t := range threatsBySeverity(bundle) {
		threats.Table.Rows = append(threats.Table.Rows, []string{t.ID, t.Title, t.Category, t.Severity, t.Status})
	}

	return []Section{overview, components, threats}
}

func executiveSummarySections(bundle *report.DataBundle) []Section {
	counts := severityCounts(bundle)
	mitigated := 0
	for _, m := range bundle.Mitigations {
		if m.Status == "implemented" {
			mitigated++
		}
	}

	return []Section{
		{
			Heading: "Summary",
			Paragraphs: []string{
				bundle.Description,
				fmt.Sprintf("%d threats were identified: %d critical, %d high, %d medium, %d low.",
					len(bundle.Threats),
					counts[report.SeverityCritical], counts[report.SeverityHigh],
					counts[report.SeverityMedium], counts[report.SeverityLow]),
				fmt.Sprintf("%d of %d mitigations are implemented.", mitigated, len(bundle.Mitigations)),
			},
		},
		{
			Heading: "Top Risks",
			Table:   topRisksTable(bundle, 5),
		},
	}
}

func topRisksTable(bundle *report.DataBundle, limit int) *Table {
	table := &Table{Headers: []string{"Title", "Severity", "Risk Score"}}
	for i, t := range threatsBySeverity(bundle) {
		if i >= limit {
			break
		}
		table.Rows = append(table.Rows, []string{t.Title, t.Severity, fmt.Sprintf("%.1f", t.RiskScore)})
	}
	return table
}

func dataFlowSection(bundle *report.DataBundle) Section {
	s := Section{Heading: "Data Flows", Table: &Table{
		Headers: []string{"Name", "Source", "Target", "Protocol", "Encrypted"},
	}}
	for _, f := range bundle.DataFlows {
		encrypted := "no"
		if f.Encrypted {
			encrypted = "yes"
		}
		s.Table.Rows = append(s.Table.Rows, []string{f.Name, f.Source, f.Target, f.Protocol, encrypted})
	}
	return s
}

func complianceSections(bundle *report.DataBundle) []Section {
	unencrypted := 0
	for _, f := range bundle.DataFlows {
		if !f.Encrypted {
			unencrypted++
		}
	}
	open := 0
	for _, t := range bundle.Threats {
		if t.Status != "mitigated" && t.Status != "accepted" {
			open++
		}
	}

	return []Section{
		{
			Heading: "Compliance Posture",
			Paragraphs: []string{
				fmt.Sprintf("%d of %d data flows are unencrypted.", unencrypted, len(bundle.DataFlows)),
				fmt.Sprintf("%d threats remain open without an accepted or mitigated disposition.", open),
			},
		},
		dataFlowSection(bundle),
		{
			Heading: "Open Findings",
			Table:   openFindingsTable(bundle),
		},
	}
}

func openFindingsTable(bundle *report.DataBundle) *Table {
	table := &Table{Headers: []string{"ID", "Title", "Severity", "Status"}}
	for _, t := range threatsBySeverity(bundle) {
		if t.Status == "mitigated" || t.Status == "accepted" {
			continue
		}
		table.Rows = append(table.Rows, []string{t.ID, t.Title, t.Severity, t.Status})
	}
	return table
}

func riskAssessmentSections(bundle *report.DataBundle) []Section {
	scored := Section{Heading: "Risk Register", Table: &Table{
		Headers: []string{"ID", "Title", "Severity", "Likelihood", "Risk Score"},
	}}
	for _, t := range threatsBySeverity(bundle) {
		scored.Table.Rows = append(scored.Table.Rows, []string{
			t.ID, t.Title, t.Severity, t.Likelihood, fmt.Sprintf("%.1f", t.RiskScore),
		})
	}

	var total float64
	for _, t := range bundle.Threats {
		total += t.RiskScore
	}
	avg := 0.0
	if len(bundle.Threats) > 0 {
		avg = total / float64(len(bundle.Threats))
	}

	return []Section{
		{
			Heading: "Assessment",
			Paragraphs: []string{
				fmt.Sprintf("Aggregate risk score %.1f across %d threats (mean %.1f).", total, len(bundle.Threats), avg),
			},
		},
		scored,
	}
}

func mitigationPlanSections(bundle *report.DataBundle) []Section {
	plan := Section{Heading: "Mitigations", Table: &Table{
		Headers: []string{"ID", "Title", "Covers", "Owner", "Status"},
	}}
	for _, m := range bundle.Mitigations {
		plan.Table.Rows = append(plan.Table.Rows, []string{
			m.ID, m.Title, fmt.Sprintf("%d threats", len(m.ThreatIDs)), m.Owner, m.Status,
		})
	}

	covered := make(map[string]bool)
	for _, m := range bundle.Mitigations {
		for _, id := range m.ThreatIDs {
			covered[id] = true
		}
	}
	uncovered := Section{Heading: "Uncovered Threats", Table: &Table{
		Headers: []string{"ID", "Title", "Severity"},
	}}
	for _, t := range threatsBySeverity(bundle) {
		if covered[t.ID] {
			continue
		}
		uncovered.Table.Rows = append(uncovered.Table.Rows, []string{t.ID, t.Title, t.Severity})
	}

	return []Section{plan, uncovered}
}

func auditLogSections(bundle *report.DataBundle) []Section {
	s := Section{Heading: "Change History", Table: &Table{
		Headers: []string{"Timestamp", "Actor", "Action", "Detail"},
	}}
	for _, e := range bundle.AuditEvents {
		s.Table.Rows = append(s.Table.Rows, []string{
			e.Timestamp.UTC().Format(time.RFC3339), e.Actor, e.Action, e.Detail,
		})
	}
	return []Section{s}
}

func appendixSections(bundle *report.DataBundle) []Section {
	return []Section{
		{
			Heading: "Appendix: Snapshot Detail",
			Paragraphs: []string{
				fmt.Sprintf("Data captured at %s.", bundle.CapturedAt.UTC().Format(time.RFC3339)),
				fmt.Sprintf("Requested by %s (%s).", bundle.Requester.Name, bundle.Requester.Email),
			},
		},
		dataFlowSection(bundle),
	}
}

// addChartSpecs attaches chart specs to the sections that can host them.
func addChartSpecs(doc *Document, bundle *report.DataBundle) {
	counts := severityCounts(bundle)
	severityChart := ChartSpec{
		ID:     "threats-by-severity",
		Title:  "Threats by Severity",
		Kind:   "bar",
		Labels: []string{report.SeverityCritical, report.SeverityHigh, report.SeverityMedium, report.SeverityLow},
		Values: []float64{
			float64(counts[report.SeverityCritical]),
			float64(counts[report.SeverityHigh]),
			float64(counts[report.SeverityMedium]),
			float64(counts[report.SeverityLow]),
		},
	}

	statusCounts := make(map[string]int)
	for _, m := range bundle.Mitigations {
		statusCounts[m.Status]++
	}
	var labels []string
	var values []float64
	for status, n := range statusCounts {
		labels = append(labels, status)
		values = append(values, float64(n))
	}
	sort.Sort(&labelValueSorter{labels, values})
	mitigationChart := ChartSpec{
		ID:     "mitigation-status",
		Title:  "Mitigation Status",
		Kind:   "pie",
		Labels: labels,
		Values: values,
	}

	if len(doc.Sections) > 0 {
		doc.Sections[0].Charts = append(doc.Sections[0].Charts, severityChart)
		if len(bundle.Mitigations) > 0 {
			doc.Sections[0].Charts = append(doc.Sections[0].Charts, mitigationChart)
		}
	}
}

// labelValueSorter keeps labels and values aligned while sorting by label,
// so chart content is deterministic across runs.
type labelValueSorter struct {
	labels []string
	values []float64
}

func (s *labelValueSorter) Len() int           { return len(s.labels) }
func (s *labelValueSorter) Less(i, j int) bool { return s.labels[i] < s.labels[j] }
func (s *labelValueSorter) Swap(i, j int) {
	s.labels[i], s.labels[j] = s.labels[j], s.labels[i]
	s.values[i], s.values[j] = s.values[j], s.values[i]
}
