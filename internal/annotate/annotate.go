// Package annotate draws detection boxes and labels onto frames.
package annotate

import (
	"image"
	"image/color"
	"math"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/vzahanych/fallwatch/internal/detection"
	"golang.org/x/image/font"
	"golang.org/x/image/font/inconsolata"
)

var (
	Green  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	Yellow = color.RGBA{R: 255, G: 255, B: 0, A: 255}
	Red    = color.RGBA{R: 255, G: 0, B: 0, A: 255}
)

// ColorFor maps a class label to its box color.
func ColorFor(label string) color.RGBA {
	switch label {
	case "Standing":
		return Green
	case "Lying":
		return Yellow
	default:
		return Red
	}
}

// Text is one string drawn with its baseline origin.
type Text struct {
	Value string
	X, Y  float64
}

// Mark describes what was drawn for one detection.
type Mark struct {
	Detection detection.Detection
	Color     color.RGBA
	Rect      image.Rectangle
	Texts     []Text
}

// Annotator draws onto the frames it is given and nothing else.
type Annotator struct {
	face      font.Face
	lineWidth float64
	textGap   float64
	lift      float64
}

// New creates an annotator with a 2px stroke and an 8x16 bold face.
func New() *Annotator {
	return &Annotator{
		face:      inconsolata.Bold8x16,
		lineWidth: 2,
		textGap:   8,
		lift:      5,
	}
}

// Annotate draws one box per detection, with the object id and class label
// just above the top-left corner, and returns the marks in detection order.
func (a *Annotator) Annotate(img *image.RGBA, dets []detection.Detection) []Mark {
	if len(dets) == 0 {
		return nil
	}

	dc := gg.NewContextForRGBA(img)
	dc.SetFontFace(a.face)
	dc.SetLineWidth(a.lineWidth)

	bounds := img.Bounds()
	metrics := a.face.Metrics()
	ascent := float64(metrics.Ascent.Ceil())
	descent := float64(metrics.Descent.Ceil())

	marks := make([]Mark, 0, len(dets))
	for _, d := range dets {
		c := ColorFor(d.ClassName)
		dc.SetColor(c)

		dc.DrawRectangle(d.XTL, d.YTL, d.XBR-d.XTL, d.YBR-d.YTL)
		dc.Stroke()

		id := strconv.Itoa(d.ObjectID)
		idWidth, _ := dc.MeasureString(id)
		labelWidth, _ := dc.MeasureString(d.ClassName)
		total := idWidth + a.textGap + labelWidth

		x := clamp(d.XTL, float64(bounds.Min.X), float64(bounds.Max.X)-total)
		y := d.YTL - a.lift
		if y-ascent < float64(bounds.Min.Y) {
			// No room above the box: write inside its top edge.
			y = d.YTL + a.lineWidth + ascent
		}
		y = clamp(y, float64(bounds.Min.Y)+ascent, float64(bounds.Max.Y)-descent)

		dc.DrawString(id, x, y)
		dc.DrawString(d.ClassName, x+idWidth+a.textGap, y)

		marks = append(marks, Mark{
			Detection: d,
			Color:     c,
			Rect: image.Rect(
				int(math.Round(d.XTL)), int(math.Round(d.YTL)),
				int(math.Round(d.XBR)), int(math.Round(d.YBR)),
			),
			Texts: []Text{
				{Value: id, X: x, Y: y},
				{Value: d.ClassName, X: x + idWidth + a.textGap, Y: y},
			},
		})
	}

	return marks
}

// clamp keeps v in [lo, hi]; lo wins when the range is empty.
func clamp(v, lo, hi float64) float64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
