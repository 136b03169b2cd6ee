package render

import (
	"context"
	"encoding/json"
	"time"
)

// JSONRenderer encodes the document as a stable machine-readable record.
// Chart images are referenced by ID only; binary payloads stay out of JSON
// artifacts.
type JSONRenderer struct{}

type jsonDocument struct {
	Title           string        `json:"title"`
	Subtitle        string        `json:"subtitle,omitempty"`
	ReportType      string        `json:"report_type"`
	SubjectID       string        `json:"subject_id"`
	GeneratedAt     time.Time     `json:"generated_at"`
	Confidentiality string        `json:"confidentiality,omitempty"`
	Organization    string        `json:"organization,omitempty"`
	Sections        []jsonSection `json:"sections"`
	Appendix        []jsonSection `json:"appendix,omitempty"`
	Watermark       string        `json:"watermark,omitempty"`
}

type jsonSection struct {
	Heading    string     `json:"heading"`
	Paragraphs []string   `json:"paragraphs,omitempty"`
	Table      *jsonTable `json:"table,omitempty"`
	ChartIDs   []string   `json:"chart_ids,omitempty"`
}

type jsonTable struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

func (r *JSONRenderer) Render(ctx context.Context, doc *Document, charts []ChartImage) ([]byte, error) {
	out := jsonDocument{
		Title:           doc.Title,
		Subtitle:        doc.Subtitle,
		ReportType:      string(doc.ReportType),
		SubjectID:       doc.SubjectID,
		GeneratedAt:     doc.GeneratedAt,
		Confidentiality: doc.Confidentiality,
		Organization:    doc.Organization,
		Sections:        jsonSections(doc.Sections, charts),
		Appendix:        jsonSections(doc.Appendix, charts),
		Watermark:       doc.Branding.Watermark,
	}
	return json.MarshalIndent(out, "", "  ")
}

func jsonSections(sections []Section, charts []ChartImage) []jsonSection {
	var out []jsonSection
	for _, s := range sections {
		js := jsonSection{Heading: s.Heading}
		for _, p := range s.Paragraphs {
			if p != "" {
				js.Paragraphs = append(js.Paragraphs, p)
			}
		}
		if s.Table != nil {
			js.Table = &jsonTable{Headers: s.Table.Headers, Rows: s.Table.Rows}
		}
		for _, spec := range s.Charts {
			if chartImageFor(charts, spec.ID) != nil {
				js.ChartIDs = append(js.ChartIDs, spec.ID)
			}
		}
		out = append(out, js)
	}
	return out
}
