package render

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
)

//go:embed templates/report.html.tmpl
var htmlTemplates embed.FS

// HTMLRenderer encodes the document through the embedded HTML template.
// Chart images are inlined as base64 data URIs so the artifact stays a
// single self-contained file.
type HTMLRenderer struct{}

type htmlSection struct {
	Heading    string
	Paragraphs []string
	Table      *Table
	Charts     []htmlChart
}

type htmlChart struct {
	Title   string
	DataURI template.URL
}

type htmlData struct {
	Doc      *Document
	Sections []htmlSection
	Appendix []htmlSection
}

func (r *HTMLRenderer) Render(ctx context.Context, doc *Document, charts []ChartImage) ([]byte, error) {
	tmpl, err := template.ParseFS(htmlTemplates, "templates/report.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	data := htmlData{
		Doc:      doc,
		Sections: htmlSections(doc.Sections, charts),
		Appendix: htmlSections(doc.Appendix, charts),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

func htmlSections(sections []Section, charts []ChartImage) []htmlSection {
	var out []htmlSection
	for _, s := range sections {
		hs := htmlSection{Heading: s.Heading, Table: s.Table}
		for _, p := range s.Paragraphs {
			if p != "" {
				hs.Paragraphs = append(hs.Paragraphs, p)
			}
		}
		for _, spec := range s.Charts {
			img := chartImageFor(charts, spec.ID)
			if img == nil {
				continue
			}
			hs.Charts = append(hs.Charts, htmlChart{
				Title:   spec.Title,
				DataURI: template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(img.PNG)),
			})
		}
		out = append(out, hs)
	}
	return out
}
