package isomesh

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
)

// VoxelGrid is a regular 3D grid of scalar samples, i.e: CT or MRI intensities,
// plus the metadata required to place it in world space.
//
// Values are stored X-fastest: the value at (x,y,z) lives at index x + DimX*(y + DimY*z).
// A VoxelGrid is read-only for the duration of any operation that borrows it.
type VoxelGrid struct {
	Values []float32
	DimX   int
	DimY   int
	DimZ   int
	// Extent is the physical size of the whole grid along each axis, i.e: millimeters.
	Extent ms3.Vec
	// Orientation rotates grid space into world space around the grid's center.
	// The zero value is the identity rotation.
	Orientation mgl32.Quat
	// Position is the world position of the grid's geometric center.
	Position ms3.Vec
}

// NewVoxelGrid validates its arguments and returns a VoxelGrid centered at the origin with no rotation.
func NewVoxelGrid(values []float32, nx, ny, nz int, extent ms3.Vec) (VoxelGrid, error) {
	g := VoxelGrid{
		Values:      values,
		DimX:        nx,
		DimY:        ny,
		DimZ:        nz,
		Extent:      extent,
		Orientation: mgl32.QuatIdent(),
	}
	return g, g.Validate()
}

// Validate checks the grid's shape invariants and that its extent is a positive finite vector.
func (g *VoxelGrid) Validate() error {
	err := CheckShape(len(g.Values), g.DimX, g.DimY, g.DimZ)
	if err != nil {
		return err
	}
	e := g.Extent
	if !(e.X > 0 && e.Y > 0 && e.Z > 0) || math32.IsInf(e.X+e.Y+e.Z, 0) {
		return fmt.Errorf("%w: bad physical extent %v", ErrInvalidShape, e)
	}
	if g.Orientation != (mgl32.Quat{}) && math32.Abs(g.Orientation.Len()-1) > 1e-3 {
		return errors.New("voxel grid orientation is not a unit quaternion")
	}
	return nil
}

// Index returns the flat index of the voxel at (x,y,z).
func (g *VoxelGrid) Index(x, y, z int) int {
	return x + g.DimX*(y+g.DimY*z)
}

// At returns the voxel value at integer grid coordinates.
func (g *VoxelGrid) At(x, y, z int) float32 {
	return g.Values[g.Index(x, y, z)]
}

// Dims returns the grid dimensions as a vector.
func (g *VoxelGrid) Dims() ms3.Vec {
	return ms3.Vec{X: float32(g.DimX), Y: float32(g.DimY), Z: float32(g.DimZ)}
}

// VoxelSize returns the physical size of a single voxel.
func (g *VoxelGrid) VoxelSize() ms3.Vec {
	return ms3.DivElem(g.Extent, g.Dims())
}

// GridToWorld maps a position in voxel index space to world space.
// Integer coordinates map to voxel centers.
func (g *VoxelGrid) GridToWorld(idx ms3.Vec) ms3.Vec {
	local := ms3.Sub(ms3.MulElem(ms3.AddScalar(0.5, idx), g.VoxelSize()), ms3.Scale(0.5, g.Extent))
	return ms3.Add(g.Position, Rotate(g.Orientation, local))
}

// WorldToGrid is the inverse of [VoxelGrid.GridToWorld].
func (g *VoxelGrid) WorldToGrid(p ms3.Vec) ms3.Vec {
	q := unitQuat(g.Orientation).Inverse()
	local := FromVec3(q.Rotate(Vec3(ms3.Sub(p, g.Position))))
	local = ms3.Add(local, ms3.Scale(0.5, g.Extent))
	return ms3.AddScalar(-0.5, ms3.DivElem(local, g.VoxelSize()))
}

// Bounds returns the world space axis aligned bounding box of the whole grid volume.
func (g *VoxelGrid) Bounds() ms3.Box {
	h := ms3.Scale(0.5, g.Extent)
	bb := ms3.Box{Min: g.Position, Max: g.Position}
	for i := 0; i < 8; i++ {
		corner := h
		if i&1 != 0 {
			corner.X = -corner.X
		}
		if i&2 != 0 {
			corner.Y = -corner.Y
		}
		if i&4 != 0 {
			corner.Z = -corner.Z
		}
		w := ms3.Add(g.Position, Rotate(g.Orientation, corner))
		bb.Min = ms3.MinElem(bb.Min, w)
		bb.Max = ms3.MaxElem(bb.Max, w)
	}
	return bb
}

// Range returns the minimum and maximum finite values in the grid.
func (g *VoxelGrid) Range() (minVal, maxVal float32) {
	minVal, maxVal = math32.Inf(1), math32.Inf(-1)
	for _, v := range g.Values {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			continue
		}
		minVal = math32.Min(minVal, v)
		maxVal = math32.Max(maxVal, v)
	}
	return minVal, maxVal
}

// NormalizeToWorld transforms a mesh extracted in voxel index space, i.e: by marching cubes,
// into the grid's world space. Vertices are scaled by the voxel size, recentered so the pivot is the
// volume's geometric center, rotated by the grid orientation and translated to its position.
// Normals are transformed by the inverse transpose of the same mapping and renormalized.
func NormalizeToWorld(m *Mesh, g *VoxelGrid) error {
	if m == nil || g == nil {
		panic("nil mesh or grid")
	}
	if err := g.Validate(); err != nil {
		return err
	}
	for i, v := range m.Vertices {
		m.Vertices[i] = g.GridToWorld(v)
	}
	if len(m.Normals) == 0 {
		return nil
	}
	invSize := ms3.DivElem(ms3.Vec{X: 1, Y: 1, Z: 1}, g.VoxelSize())
	for i, n := range m.Normals {
		n = Rotate(g.Orientation, ms3.MulElem(n, invSize))
		if norm := ms3.Norm(n); norm > epstol {
			n = ms3.Scale(1/norm, n)
		}
		m.Normals[i] = n
	}
	return nil
}
