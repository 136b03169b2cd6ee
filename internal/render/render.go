package render

import (
	"context"
	"fmt"

	"github.com/threatplane/reportd/internal/report"
)

// Renderer encodes a Document into one target format. Chart images are
// rendered ahead of time by the charting collaborator and spliced in by ID;
// a spec with no matching image is silently omitted from the output.
type Renderer interface {
	Render(ctx context.Context, doc *Document, charts []ChartImage) ([]byte, error)
}

// ChartRenderer is the boundary to the external charting collaborator.
type ChartRenderer interface {
	RenderChart(ctx context.Context, spec ChartSpec) ([]byte, error)
}

// ForFormat returns the renderer for the given format.
func ForFormat(f report.Format) (Renderer, error) {
	switch f {
	case report.FormatJSON:
		return &JSONRenderer{}, nil
	case report.FormatMarkdown:
		return &MarkdownRenderer{}, nil
	case report.FormatHTML:
		return &HTMLRenderer{}, nil
	case report.FormatPDF:
		return &PDFRenderer{}, nil
	default:
		return nil, fmt.Errorf("no renderer for format %q", f)
	}
}

// chartImageFor returns the rendered image for a spec, or nil when the chart
// failed to render and was omitted.
func chartImageFor(charts []ChartImage, id string) *ChartImage {
	for i := range charts {
		if charts[i].Spec.ID == id {
			return &charts[i]
		}
	}
	return nil
}
