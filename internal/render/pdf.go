package render

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf/v2"
)

// PDFRenderer rasterizes the document to an A4 portrait PDF.
type PDFRenderer struct{}

const (
	pdfMarginLeft  = 15.0
	pdfMarginTop   = 20.0
	pdfPageWidth   = 210.0 // A4 portrait, mm
	pdfContentWide = pdfPageWidth - 2*pdfMarginLeft
)

func (r *PDFRenderer) Render(ctx context.Context, doc *Document, charts []ChartImage) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pdfMarginLeft, pdfMarginTop, pdfMarginLeft)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("{nb}")

	footer := doc.Branding.FooterText
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(108, 117, 125)
		pdf.SetX(pdfMarginLeft)
		if footer != "" {
			pdf.CellFormat(pdfContentWide/2, 10, footer, "", 0, "L", false, 0, "")
			pdf.CellFormat(pdfContentWide/2, 10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "R", false, 0, "")
		} else {
			pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
		}
	})

	if doc.Branding.Watermark != "" {
		watermark := doc.Branding.Watermark
		pdf.SetHeaderFunc(func() {
			drawWatermark(pdf, watermark)
		})
	}

	// Title page header
	pdf.AddPage()
	pdf.SetFont("Arial", "B", 24)
	pdf.SetTextColor(0, 102, 204)
	pdf.MultiCell(0, 12, doc.Title, "", "C", false)

	pdf.Ln(4)
	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(108, 117, 125)
	pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s", doc.GeneratedAt.Format(time.RFC1123)), "", 1, "C", false, 0, "")
	if doc.Confidentiality != "" {
		pdf.SetFont("Arial", "B", 11)
		pdf.SetTextColor(220, 53, 69)
		pdf.CellFormat(0, 8, doc.Confidentiality, "", 1, "C", false, 0, "")
	}

	for _, s := range doc.Sections {
		renderPDFSection(pdf, s, charts)
	}
	if len(doc.Appendix) > 0 {
		pdf.AddPage()
		for _, s := range doc.Appendix {
			renderPDFSection(pdf, s, charts)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func drawWatermark(pdf *gofpdf.Fpdf, text string) {
	pdf.SetFont("Arial", "B", 50)
	pdf.SetTextColor(222, 226, 230)
	pdf.TransformBegin()
	pdf.TransformRotate(35, pdfPageWidth/2, 150)
	pdf.Text(30, 160, text)
	pdf.TransformEnd()
	pdf.SetTextColor(33, 37, 41)
}

func renderPDFSection(pdf *gofpdf.Fpdf, s Section, charts []ChartImage) {
	pdf.Ln(8)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(33, 37, 41)
	pdf.CellFormat(0, 10, s.Heading, "", 1, "L", false, 0, "")

	pdf.SetLineWidth(0.5)
	pdf.SetDrawColor(0, 102, 204)
	pdf.Line(pdfMarginLeft, pdf.GetY(), pdfPageWidth-pdfMarginLeft, pdf.GetY())
	pdf.Ln(4)

	pdf.SetFont("Arial", "", 11)
	for _, p := range s.Paragraphs {
		if p == "" {
			continue
		}
		pdf.MultiCell(0, 6, p, "", "L", false)
		pdf.Ln(2)
	}

	if s.Table != nil {
		renderPDFTable(pdf, s.Table)
	}

	for _, spec := range s.Charts {
		img := chartImageFor(charts, spec.ID)
		if img == nil {
			continue
		}
		opts := gofpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader(spec.ID, opts, bytes.NewReader(img.PNG))
		pdf.Ln(4)
		pdf.ImageOptions(spec.ID, pdfMarginLeft, pdf.GetY(), pdfContentWide*0.7, 0, true, opts, 0, "")
		pdf.SetFont("Arial", "I", 9)
		pdf.SetTextColor(108, 117, 125)
		pdf.CellFormat(0, 6, spec.Title, "", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 11)
		pdf.SetTextColor(33, 37, 41)
	}
}

func renderPDFTable(pdf *gofpdf.Fpdf, t *Table) {
	if len(t.Headers) == 0 {
		return
	}
	colWidth := pdfContentWide / float64(len(t.Headers))

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(248, 249, 250)
	for _, h := range t.Headers {
		pdf.CellFormat(colWidth, 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, row := range t.Rows {
		for i := 0; i < len(t.Headers); i++ {
			cell := ""
			if i < len(row) {
				cell = truncateCell(row[i], colWidth)
			}
			pdf.CellFormat(colWidth, 6, cell, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.Ln(4)
}

// truncateCell keeps long values from overflowing fixed-width columns.
// Roughly 2mm per character at 9pt Arial.
func truncateCell(s string, width float64) string {
	max := int(width / 2)
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
