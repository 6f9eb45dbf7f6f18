package isoaux

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"github.com/soypat/isomesh/deviation"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WriteHistogramPNG plots a histogram of the valid deviations in res with bins bins.
// Zero bins picks a count from the number of samples.
func WriteHistogramPNG(w io.Writer, res *deviation.Result, bins int) error {
	var vals plotter.Values
	for i := range res.Meshes {
		for _, s := range res.Meshes[i].Samples {
			if s.Valid {
				vals = append(vals, float64(s.Distance))
			}
		}
	}
	if len(vals) == 0 {
		return errors.New("no valid samples to plot")
	}
	if bins <= 0 {
		bins = max(int(math.Sqrt(float64(len(vals)))), 1)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Deviation of %d vertices", len(vals))
	p.X.Label.Text = "deviation"
	p.Y.Label.Text = "vertices"
	h, err := plotter.NewHist(vals, bins)
	if err != nil {
		return err
	}
	p.Add(h)
	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// Legend layout in pixels.
const (
	legendFontSize = 14
	legendPadding  = 10
	legendRow      = 24
	legendSwatch   = 36
)

// WriteLegendPNG draws the legend of color map cm as a column of color swatches
// labeled with their value range. Gradient maps are drawn with steps rows.
func WriteLegendPNG(w io.Writer, cm deviation.ColorMap, steps int) error {
	cm = cm.Resolve(nil)
	ttf, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return err
	}
	bands := cm.Legend(steps)
	labels := make([]string, len(bands))
	face := truetype.NewFace(ttf, &truetype.Options{Size: legendFontSize, DPI: 72})
	defer face.Close()
	var textWidth fixed.Int26_6
	for i, b := range bands {
		labels[i] = fmt.Sprintf("%.3f to %.3f", b.Lo, b.Hi)
		textWidth = max(textWidth, font.MeasureString(face, labels[i]))
	}
	width := 3*legendPadding + legendSwatch + textWidth.Ceil()
	height := 2*legendPadding + len(bands)*legendRow
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(ttf)
	c.SetFontSize(legendFontSize)
	c.SetClip(img.Bounds())
	c.SetDst(img)
	c.SetSrc(image.Black)
	c.SetHinting(font.HintingFull)
	border := image.NewUniform(color.RGBA{R: 80, G: 80, B: 80, A: 255})
	// Highest values on top.
	for i := range bands {
		b := bands[len(bands)-1-i]
		y := legendPadding + i*legendRow
		box := image.Rect(legendPadding, y+2, legendPadding+legendSwatch, y+legendRow-2)
		draw.Draw(img, box, border, image.Point{}, draw.Src)
		draw.Draw(img, box.Inset(1), image.NewUniform(b.Color), image.Point{}, draw.Src)
		_, err = c.DrawString(labels[len(bands)-1-i], freetype.Pt(2*legendPadding+legendSwatch, y+legendRow-6))
		if err != nil {
			return err
		}
	}
	return png.Encode(w, img)
}
