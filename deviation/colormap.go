package deviation

import (
	"errors"
	"fmt"
	"image/color"
	"log"

	math "github.com/chewxy/math32"
	"github.com/soypat/glgl/math/ms1"
)

// Neutral is the default color of vertices without a valid deviation.
var Neutral = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// ColorMap maps deviations to colors. Values are clamped to [Min, Max] and then either looked up
// in discrete bands or interpolated along a cold to hot gradient (blue, cyan, green, yellow, red).
type ColorMap struct {
	Min, Max float32
	// Banded selects discrete band coloring: a value takes the color of the first
	// edge it does not exceed, values above every edge take the last color.
	Banded bool
	// Edges are the ascending upper limits of each band.
	Edges []float32
	// Colors has one more element than Edges.
	Colors []color.RGBA
	// AutoBands regenerates Edges as len(Colors)-1 cut points evenly spaced between Min and Max.
	AutoBands bool
	// Reverse flips the gradient or band direction.
	Reverse bool
	// Invalid is the color of vertices without a valid sample. The zero value uses [Neutral].
	Invalid color.RGBA
}

// DefaultColorMap returns a gradient color map over [lo, hi].
func DefaultColorMap(lo, hi float32) ColorMap {
	return ColorMap{Min: lo, Max: hi}
}

// BandedColorMap returns a color map of n bands evenly spaced over [lo, hi] colored
// by sampling the cold to hot gradient.
func BandedColorMap(lo, hi float32, n int) ColorMap {
	cm := ColorMap{Min: lo, Max: hi, Banded: true, AutoBands: true}
	for i := 0; i < n; i++ {
		t := float32(0)
		if n > 1 {
			t = float32(i) / float32(n-1)
		}
		cm.Colors = append(cm.Colors, coldToHot(t))
	}
	cm.Edges = autoEdges(lo, hi, n)
	return cm
}

func (cm *ColorMap) validate() error {
	if math.IsNaN(cm.Min) || math.IsNaN(cm.Max) || !(cm.Max > cm.Min) {
		return fmt.Errorf("bad color range [%g, %g]", cm.Min, cm.Max)
	} else if cm.Banded && len(cm.Colors) == 0 {
		return errors.New("banded color map without colors")
	}
	for i := 1; i < len(cm.Edges); i++ {
		if !(cm.Edges[i] > cm.Edges[i-1]) {
			return errors.New("band edges must be strictly ascending")
		}
	}
	return nil
}

// Resolve returns a copy of cm ready for lookups: band edges generated if AutoBands is set and
// the band count clamped to min(len(Colors), len(Edges)+1), with a warning logged on mismatch.
func (cm ColorMap) Resolve(logger *log.Logger) ColorMap {
	if cm.Invalid == (color.RGBA{}) {
		cm.Invalid = Neutral
	}
	if !cm.Banded {
		return cm
	}
	if cm.AutoBands {
		cm.Edges = autoEdges(cm.Min, cm.Max, len(cm.Colors))
		return cm
	}
	n := min(len(cm.Colors), len(cm.Edges)+1)
	if n != len(cm.Colors) || n != len(cm.Edges)+1 {
		if logger != nil {
			logger.Printf("deviation: %d band colors for %d band edges, using %d bands", len(cm.Colors), len(cm.Edges), n)
		}
		cm.Colors = cm.Colors[:n]
		cm.Edges = cm.Edges[:n-1]
	}
	return cm
}

func autoEdges(lo, hi float32, ncolors int) []float32 {
	if ncolors < 2 {
		return nil
	}
	edges := make([]float32, ncolors-1)
	for i := range edges {
		edges[i] = lo + float32(i+1)*(hi-lo)/float32(ncolors)
	}
	return edges
}

// Color returns the color of deviation v. The map must be resolved, see [ColorMap.Resolve].
func (cm *ColorMap) Color(v float32, valid bool) color.RGBA {
	if !valid || math.IsNaN(v) {
		return cm.Invalid
	}
	v = ms1.Clamp(v, cm.Min, cm.Max)
	if cm.Banded {
		i := cm.band(v)
		if cm.Reverse {
			i = len(cm.Colors) - 1 - i
		}
		return cm.Colors[i]
	}
	t := (v - cm.Min) / (cm.Max - cm.Min)
	if cm.Reverse {
		t = 1 - t
	}
	return coldToHot(t)
}

// band returns the index of the first edge v does not exceed.
func (cm *ColorMap) band(v float32) int {
	for i, e := range cm.Edges {
		if v <= e {
			return i
		}
	}
	return len(cm.Colors) - 1
}

// Band is a legend entry: values in (Lo, Hi] are drawn with Color.
type Band struct {
	Lo, Hi float32
	Color  color.RGBA
}

// Legend describes the resolved color map. Banded maps return one entry per band, gradient
// maps return steps evenly spaced samples of the gradient.
func (cm *ColorMap) Legend(steps int) []Band {
	if cm.Banded {
		bands := make([]Band, len(cm.Colors))
		lo := cm.Min
		for i := range bands {
			hi := cm.Max
			if i < len(cm.Edges) {
				hi = cm.Edges[i]
			}
			c := i
			if cm.Reverse {
				c = len(cm.Colors) - 1 - i
			}
			bands[i] = Band{Lo: lo, Hi: hi, Color: cm.Colors[c]}
			lo = hi
		}
		return bands
	}
	steps = max(steps, 2)
	bands := make([]Band, steps)
	width := (cm.Max - cm.Min) / float32(steps)
	for i := range bands {
		lo := cm.Min + float32(i)*width
		bands[i] = Band{Lo: lo, Hi: lo + width, Color: cm.Color(lo+width/2, true)}
	}
	return bands
}

// coldToHot maps t in [0,1] to a fully saturated hue going from blue to red.
func coldToHot(t float32) color.RGBA {
	t = ms1.Clamp(t, 0, 1)
	c := rgbToC(hsvToRGB((1-t)*2./3, 1, 1))
	return color.RGBA{R: uint8(c >> 16), G: uint8(c >> 8), B: uint8(c), A: 255}
}

// rgbToC converts r, g, and b values on the range of 0.0 to 1.0 to a
// 24 bit RGB value stored in the least significant bits of a uint32. The inputs
// are clamped to the range of 0.0 to 1.0
func rgbToC(r, g, b float32) (c uint32) {
	return uint32(ms1.Clamp(r, 0, 1)*math.MaxUint8)<<16 |
		uint32(ms1.Clamp(g, 0, 1)*math.MaxUint8)<<8 |
		uint32(ms1.Clamp(b, 0, 1)*math.MaxUint8)
}

// hsvToRGB converts hue, saturation and brightness values on the range of 0.0
// to 1.0 to RGB floating point values on the range of 0.0 to 1.0
func hsvToRGB(h, s, v float32) (r, g, b float32) {
	var (
		c = s * v
		x = c * (1 - math.Abs(math.Mod(h*6, 2)-1))
		m = v - c
	)
	switch {
	case h >= 0 && h <= 1.0/6:
		r, g, b = c, x, 0
	case h > 1.0/6 && h <= 2.0/6:
		r, g, b = x, c, 0
	case h > 2.0/6 && h <= 3.0/6:
		r, g, b = 0, c, x
	case h > 3.0/6 && h <= 4.0/6:
		r, g, b = 0, x, c
	case h > 4.0/6 && h <= 5.0/6:
		r, g, b = x, 0, c
	case h > 5.0/6 && h <= 1.0:
		r, g, b = c, 0, x
	}
	return r + m, g + m, b + m
}
