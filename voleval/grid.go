package voleval

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
)

// Space selects the coordinate frame in which a [GridField] is evaluated.
type Space uint8

const (
	// IndexSpace positions are voxel index coordinates: (1,2,3) is the center of voxel (1,2,3).
	IndexSpace Space = iota
	// WorldSpace positions are mapped through the grid's placement, see [isomesh.VoxelGrid.GridToWorld].
	WorldSpace
)

// GridField evaluates a [isomesh.VoxelGrid] as a continuous field by trilinear interpolation.
type GridField struct {
	g       *isomesh.VoxelGrid
	space   Space
	toGrid  mgl32.Mat4
	outside float32
	evals   uint64
}

// NewGridField returns a field sampling g in the given space. Positions outside the grid
// evaluate to the grid's minimum value so that no iso-surface is found outside the volume.
func NewGridField(g *isomesh.VoxelGrid, space Space) (*GridField, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	lo, _ := g.Range()
	return &GridField{
		g:       g,
		space:   space,
		toGrid:  WorldToGridMat4(g),
		outside: lo,
	}, nil
}

// Evaluations returns the total number of positions evaluated over the field's lifetime.
func (f *GridField) Evaluations() uint64 { return f.evals }

// Outside returns the value returned for positions outside the grid.
func (f *GridField) Outside() float32 { return f.outside }

// Clone returns a field sampling the same grid with its own evaluation counter,
// for use by another goroutine.
func (f *GridField) Clone() *GridField {
	c := *f
	c.evals = 0
	return &c
}

// Grid returns the sampled grid.
func (f *GridField) Grid() *isomesh.VoxelGrid { return f.g }

// Bounds returns the grid's bounds in the field's space.
func (f *GridField) Bounds() ms3.Box {
	if f.space == WorldSpace {
		return f.g.Bounds()
	}
	return ms3.Box{Max: ms3.AddScalar(-1, f.g.Dims())}
}

// Evaluate implements [Field] by trilinear interpolation of the grid's values.
func (f *GridField) Evaluate(pos []ms3.Vec, dst []float32, userData any) error {
	if len(pos) != len(dst) {
		return errMismatchBufferLength
	} else if len(pos) == 0 {
		return errEmptyBuffers
	}
	g := f.g
	for i, p := range pos {
		if f.space == WorldSpace {
			p = isomesh.TransformPosition(f.toGrid, p)
			if !insideGrid(p, g.DimX, g.DimY, g.DimZ) {
				dst[i] = f.outside
				continue
			}
		}
		dst[i] = Trilinear(g.Values, g.DimX, g.DimY, g.DimZ, p)
	}
	f.evals += uint64(len(pos))
	return nil
}

func insideGrid(p ms3.Vec, nx, ny, nz int) bool {
	// Tolerate round-off of the world to grid transform at the border voxels.
	const tol = 1e-3
	return p.X >= -tol && p.Y >= -tol && p.Z >= -tol &&
		p.X <= float32(nx-1)+tol && p.Y <= float32(ny-1)+tol && p.Z <= float32(nz-1)+tol
}

// Trilinear samples the X-fastest grid values of size nx*ny*nz at index space position p.
// Positions outside the grid are clamped to its border.
func Trilinear(values []float32, nx, ny, nz int, p ms3.Vec) float32 {
	x0, fx := cellCoord(p.X, nx)
	y0, fy := cellCoord(p.Y, ny)
	z0, fz := cellCoord(p.Z, nz)
	x1, y1, z1 := min(x0+1, nx-1), min(y0+1, ny-1), min(z0+1, nz-1)
	at := func(x, y, z int) float32 { return values[x+nx*(y+ny*z)] }
	c00 := lerp(at(x0, y0, z0), at(x1, y0, z0), fx)
	c10 := lerp(at(x0, y1, z0), at(x1, y1, z0), fx)
	c01 := lerp(at(x0, y0, z1), at(x1, y0, z1), fx)
	c11 := lerp(at(x0, y1, z1), at(x1, y1, z1), fx)
	c0 := lerp(c00, c10, fy)
	c1 := lerp(c01, c11, fy)
	return lerp(c0, c1, fz)
}

func cellCoord(c float32, n int) (int, float32) {
	c = math32.Max(0, math32.Min(c, float32(n-1)))
	i := int(c)
	if i >= n-1 {
		return n - 1, 0
	}
	return i, c - float32(i)
}

func lerp(a, b, t float32) float32 {
	return a + t*(b-a)
}

// WorldToGridMat4 returns the affine transform equivalent to [isomesh.VoxelGrid.WorldToGrid].
func WorldToGridMat4(g *isomesh.VoxelGrid) mgl32.Mat4 {
	q := g.Orientation
	if q == (mgl32.Quat{}) {
		q = mgl32.QuatIdent()
	}
	inv := ms3.DivElem(ms3.Vec{X: 1, Y: 1, Z: 1}, g.VoxelSize())
	// grid = S⁻¹·(R⁻¹·(p - P) + E/2) - 0.5
	T := mgl32.Translate3D(-g.Position.X, -g.Position.Y, -g.Position.Z)
	R := q.Normalize().Inverse().Mat4()
	half := ms3.Scale(0.5, g.Extent)
	H := mgl32.Translate3D(half.X, half.Y, half.Z)
	S := mgl32.Scale3D(inv.X, inv.Y, inv.Z)
	C := mgl32.Translate3D(-0.5, -0.5, -0.5)
	return C.Mul4(S).Mul4(H).Mul4(R).Mul4(T)
}
