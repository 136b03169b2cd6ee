package render

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threatplane/reportd/internal/report"
)

func testBundle() *report.DataBundle {
	return &report.DataBundle{
		SubjectID:   "subject-1",
		SubjectName: "Payments Platform",
		CapturedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Components: []report.Component{
			{ID: "C1", Name: "API Gateway", Kind: "service"},
			{ID: "C2", Name: "Ledger DB", Kind: "datastore"},
		},
		DataFlows: []report.DataFlow{
			{ID: "F1", Name: "payment-auth", Source: "C1", Target: "C2", Protocol: "tls", Encrypted: true},
		},
		Threats: []report.Threat{
			{ID: "T1", Title: "Token replay", Severity: report.SeverityHigh, RiskScore: 7.5, ComponentID: "C1"},
			{ID: "T2", Title: "SQL | injection", Severity: report.SeverityCritical, RiskScore: 9.1, ComponentID: "C2"},
		},
		Mitigations: []report.Mitigation{
			{ID: "M1", Title: "Rotate tokens", Status: "planned", ThreatIDs: []string{"T1"}},
		},
		AuditEvents: []report.AuditEvent{
			{Timestamp: time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC), Actor: "admin", Action: "updated-model"},
		},
		Requester:    report.Requester{ID: "u1", Name: "Sam Rivera"},
		Organization: "Acme Corp",
	}
}

func testRequest(rt report.ReportType, f report.Format) report.Request {
	return report.Request{
		ID:         "req-1",
		ReportType: rt,
		Format:     f,
		SubjectID:  "subject-1",
	}
}

func TestBuildDocument(t *testing.T) {
	t.Run("threat model has threat table", func(t *testing.T) {
		doc := BuildDocument(testRequest(report.TypeThreatModel, report.FormatJSON), testBundle())
		require.Equal(t, "subject-1", doc.SubjectID)
		require.NotEmpty(t, doc.Sections)

		var sawThreats bool
		for _, s := range doc.Sections {
			if s.Table != nil {
				for _, row := range s.Table.Rows {
					for _, cell := range row {
						if cell == "Token replay" {
							sawThreats = true
						}
					}
				}
			}
		}
		require.True(t, sawThreats, "threat table should list threats")
	})

	t.Run("branding title overrides default", func(t *testing.T) {
		req := testRequest(report.TypeThreatModel, report.FormatJSON)
		req.Options.Branding.Title = "Custom Title"
		doc := BuildDocument(req, testBundle())
		require.Equal(t, "Custom Title", doc.Title)
	})

	t.Run("chart specs appear only when charts are requested", func(t *testing.T) {
		req := testRequest(report.TypeThreatModel, report.FormatHTML)
		req.Options.IncludeCharts = true
		doc := BuildDocument(req, testBundle())

		var specs int
		for _, s := range doc.Sections {
			specs += len(s.Charts)
		}
		require.Positive(t, specs)

		req.Options.IncludeCharts = false
		doc = BuildDocument(req, testBundle())
		specs = 0
		for _, s := range doc.Sections {
			specs += len(s.Charts)
		}
		require.Zero(t, specs)
	})

	t.Run("appendix only when requested", func(t *testing.T) {
		req := testRequest(report.TypeThreatModel, report.FormatJSON)
		doc := BuildDocument(req, testBundle())
		require.Empty(t, doc.Appendix)

		req.Options.IncludeAppendix = true
		doc = BuildDocument(req, testBundle())
		require.NotEmpty(t, doc.Appendix)
	})
}

func TestJSONRenderer(t *testing.T) {
	ctx := context.Background()
	doc := BuildDocument(testRequest(report.TypeRiskAssessment, report.FormatJSON), testBundle())

	data, err := (&JSONRenderer{}).Render(ctx, doc, nil)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "subject-1", decoded["subject_id"])
	require.Equal(t, string(report.TypeRiskAssessment), decoded["report_type"])
	require.NotEmpty(t, decoded["sections"])
}

func TestMarkdownRenderer(t *testing.T) {
	ctx := context.Background()
	doc := BuildDocument(testRequest(report.TypeThreatModel, report.FormatMarkdown), testBundle())

	data, err := (&MarkdownRenderer{}).Render(ctx, doc, nil)
	require.NoError(t, err)
	out := string(data)

	require.Contains(t, out, "# ")
	require.Contains(t, out, "| ")
	// Pipes inside cells must be escaped or GFM tables break.
	require.Contains(t, out, `SQL \| injection`)
}

func TestHTMLRenderer(t *testing.T) {
	ctx := context.Background()

	t.Run("renders sections and tables", func(t *testing.T) {
		doc := BuildDocument(testRequest(report.TypeThreatModel, report.FormatHTML), testBundle())
		data, err := (&HTMLRenderer{}).Render(ctx, doc, nil)
		require.NoError(t, err)
		out := string(data)

		require.Contains(t, out, "<html")
		require.Contains(t, out, "Token replay")
	})

	t.Run("inlines chart images as data URIs", func(t *testing.T) {
		req := testRequest(report.TypeThreatModel, report.FormatHTML)
		req.Options.IncludeCharts = true
		doc := BuildDocument(req, testBundle())

		var images []ChartImage
		for _, s := range doc.Sections {
			for _, spec := range s.Charts {
				png, err := (&BuiltinChartRenderer{}).RenderChart(ctx, spec)
				require.NoError(t, err)
				images = append(images, ChartImage{Spec: spec, PNG: png})
			}
		}
		require.NotEmpty(t, images)

		data, err := (&HTMLRenderer{}).Render(ctx, doc, images)
		require.NoError(t, err)
		require.Contains(t, string(data), "data:image/png;base64,")
	})
}

func TestPDFRenderer(t *testing.T) {
	ctx := context.Background()
	doc := BuildDocument(testRequest(report.TypeCompliance, report.FormatPDF), testBundle())

	data, err := (&PDFRenderer{}).Render(ctx, doc, nil)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("%PDF-")), "output must be a PDF document")
	require.Greater(t, len(data), 1000)
}

func TestBuiltinChartRenderer(t *testing.T) {
	ctx := context.Background()

	png, err := (&BuiltinChartRenderer{}).RenderChart(ctx, ChartSpec{
		ID:     "threats-by-severity",
		Title:  "Threats by Severity",
		Kind:   "bar",
		Labels: []string{"critical", "high"},
		Values: []float64{1, 1},
	})
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "output must be a PNG image")
}

func TestForFormat(t *testing.T) {
	for _, f := range []report.Format{report.FormatJSON, report.FormatMarkdown, report.FormatHTML, report.FormatPDF} {
		r, err := ForFormat(f)
		require.NoError(t, err)
		require.NotNil(t, r)
	}

	_, err := ForFormat(report.Format("docx"))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "docx"))
}
