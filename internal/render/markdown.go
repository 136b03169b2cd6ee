package render

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MarkdownRenderer encodes the document as GitHub-flavoured Markdown.
type MarkdownRenderer struct{}

func (r *MarkdownRenderer) Render(ctx context.Context, doc *Document, charts []ChartImage) ([]byte, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", doc.Title)
	if doc.Subtitle != "" && doc.Subtitle != doc.Title {
		fmt.Fprintf(&b, "_%s_\n\n", doc.Subtitle)
	}
	if doc.Confidentiality != "" {
		fmt.Fprintf(&b, "**Classification:** %s\n\n", doc.Confidentiality)
	}
	fmt.Fprintf(&b, "Generated %s\n\n", doc.GeneratedAt.UTC().Format(time.RFC3339))
	if doc.Branding.Watermark != "" {
		fmt.Fprintf(&b, "> %s\n\n", doc.Branding.Watermark)
	}

	writeSections(&b, doc.Sections, charts, 2)
	if len(doc.Appendix) > 0 {
		b.WriteString("---\n\n")
		writeSections(&b, doc.Appendix, charts, 2)
	}

	if doc.Branding.FooterText != "" {
		fmt.Fprintf(&b, "---\n\n%s\n", doc.Branding.FooterText)
	}
	return []byte(b.String()), nil
}

func writeSections(b *strings.Builder, sections []Section, charts []ChartImage, level int) {
	hashes := strings.Repeat("#", level)
	for _, s := range sections {
		fmt.Fprintf(b, "%s %s\n\n", hashes, s.Heading)
		for _, p := range s.Paragraphs {
			if p != "" {
				fmt.Fprintf(b, "%s\n\n", p)
			}
		}
		if s.Table != nil {
			writeTable(b, s.Table)
		}
		for _, spec := range s.Charts {
			if chartImageFor(charts, spec.ID) != nil {
				fmt.Fprintf(b, "![%s](charts/%s.png)\n\n", spec.Title, spec.ID)
			}
		}
	}
}

func writeTable(b *strings.Builder, t *Table) {
	fmt.Fprintf(b, "| %s |\n", strings.Join(t.Headers, " | "))
	sep := make([]string, len(t.Headers))
	for i := range sep {
		sep[i] = "---"
	}
	fmt.Fprintf(b, "| %s |\n", strings.Join(sep, " | "))
	for _, row := range t.Rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = strings.ReplaceAll(c, "|", "\\|")
		}
		fmt.Fprintf(b, "| %s |\n", strings.Join(cells, " | "))
	}
	b.WriteString("\n")
}
