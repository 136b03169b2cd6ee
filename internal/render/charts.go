package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// BuiltinChartRenderer is a minimal stand-in for the external charting
// collaborator: it rasterizes bar charts as plain PNG images. Deployments
// with a real charting service swap it out behind the ChartRenderer
// interface.
type BuiltinChartRenderer struct{}

const (
	chartWidth  = 640
	chartHeight = 360
)

var chartPalette = []color.RGBA{
	{R: 220, G: 53, B: 69, A: 255},
	{R: 253, G: 126, B: 20, A: 255},
	{R: 255, G: 193, B: 7, A: 255},
	{R: 40, G: 167, B: 69, A: 255},
	{R: 0, G: 102, B: 204, A: 255},
	{R: 111, G: 66, B: 193, A: 255},
}

func (r *BuiltinChartRenderer) RenderChart(ctx context.Context, spec ChartSpec) ([]byte, error) {
	if len(spec.Values) == 0 {
		return nil, fmt.Errorf("chart %s has no values", spec.ID)
	}

	img := image.NewRGBA(image.Rect(0, 0, chartWidth, chartHeight))
	fill(img, img.Bounds(), color.RGBA{R: 255, G: 255, B: 255, A: 255})

	max := spec.Values[0]
	for _, v := range spec.Values {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		max = 1
	}

	// All kinds draw as bars; the pie/bar distinction only matters to a
	// real charting backend.
	const marginX, marginBottom, marginTop = 40, 30, 20
	plotHeight := chartHeight - marginBottom - marginTop
	barSlot := (chartWidth - 2*marginX) / len(spec.Values)
	barWidth := barSlot * 3 / 4

	for i, v := range spec.Values {
		h := int(float64(plotHeight) * v / max)
		x0 := marginX + i*barSlot + (barSlot-barWidth)/2
		y0 := chartHeight - marginBottom - h
		fill(img, image.Rect(x0, y0, x0+barWidth, chartHeight-marginBottom), chartPalette[i%len(chartPalette)])
	}

	// Baseline
	fill(img, image.Rect(marginX, chartHeight-marginBottom, chartWidth-marginX, chartHeight-marginBottom+2),
		color.RGBA{R: 33, G: 37, B: 41, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode chart PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}
