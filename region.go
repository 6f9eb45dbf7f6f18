package isomesh

import (
	"errors"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
)

// CutoutMode selects which side of a [ClipRegion] survives clipping.
type CutoutMode uint8

const (
	// Inclusive keeps only what lies inside the region.
	Inclusive CutoutMode = iota
	// Exclusive removes what lies inside the region.
	Exclusive
)

func (m CutoutMode) String() string {
	switch m {
	case Inclusive:
		return "inclusive"
	case Exclusive:
		return "exclusive"
	}
	return "CutoutMode(?)"
}

// ClipRegion is an oriented box: Transform places the unit cube [-0.5,0.5]³ in world space.
type ClipRegion struct {
	Transform mgl32.Mat4
	Mode      CutoutMode
}

// NewBoxRegion returns a region for a box of the given size centered at center and rotated by rotation.
func NewBoxRegion(center, size ms3.Vec, rotation mgl32.Quat, mode CutoutMode) ClipRegion {
	T := mgl32.Translate3D(center.X, center.Y, center.Z)
	R := unitQuat(rotation).Mat4()
	S := mgl32.Scale3D(size.X, size.Y, size.Z)
	return ClipRegion{Transform: T.Mul4(R).Mul4(S), Mode: mode}
}

// NewBoundsRegion returns an axis aligned region that matches bb exactly.
func NewBoundsRegion(bb ms3.Box, mode CutoutMode) ClipRegion {
	return NewBoxRegion(bb.Center(), bb.Size(), mgl32.QuatIdent(), mode)
}

// Frame returns the precomputed world to region-local transform of r.
// It fails if the region's transform is singular, i.e: a zero sized box.
func (r ClipRegion) Frame() (RegionFrame, error) {
	if math32.Abs(r.Transform.Det()) < epstol*epstol {
		return RegionFrame{}, errors.New("singular clip region transform")
	}
	return RegionFrame{
		toLocal: r.Transform.Inv(),
		toWorld: r.Transform,
		Mode:    r.Mode,
	}, nil
}

// RegionFrame is a [ClipRegion] prepared for many point queries.
type RegionFrame struct {
	toLocal mgl32.Mat4
	toWorld mgl32.Mat4
	Mode    CutoutMode
}

// ToLocal maps a world position into the region's unit cube space.
func (f *RegionFrame) ToLocal(p ms3.Vec) ms3.Vec {
	return TransformPosition(f.toLocal, p)
}

// ToWorld maps a region-local position to world space.
func (f *RegionFrame) ToWorld(p ms3.Vec) ms3.Vec {
	return TransformPosition(f.toWorld, p)
}

// Contains reports whether world position p lies inside the region's box.
func (f *RegionFrame) Contains(p ms3.Vec) bool {
	l := f.ToLocal(p)
	return math32.Abs(l.X) <= 0.5 && math32.Abs(l.Y) <= 0.5 && math32.Abs(l.Z) <= 0.5
}

// Discards reports whether a point at p is removed by the region given its mode.
func (f *RegionFrame) Discards(p ms3.Vec) bool {
	return f.Contains(p) == (f.Mode == Exclusive)
}

// Frames prepares regions for querying in two-phase order: every inclusive region in input order
// followed by every exclusive region in input order.
func Frames(regions []ClipRegion) ([]RegionFrame, error) {
	incl, excl := SplitRegions(regions)
	frames := make([]RegionFrame, 0, len(regions))
	for _, r := range append(incl, excl...) {
		f, err := r.Frame()
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// SplitRegions separates regions by mode preserving their relative order.
// Region sets are applied as a two-phase fold: inclusive regions narrow what survives
// one after the other, then exclusive regions each remove their interior from the remainder.
func SplitRegions(regions []ClipRegion) (inclusive, exclusive []ClipRegion) {
	for _, r := range regions {
		if r.Mode == Exclusive {
			exclusive = append(exclusive, r)
		} else {
			inclusive = append(inclusive, r)
		}
	}
	return inclusive, exclusive
}
