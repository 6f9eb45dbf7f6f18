// Package mcubes extracts iso-surface triangle meshes from regular voxel grids
// using the Marching Cubes algorithm.
package mcubes

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
	"github.com/soypat/isomesh/voleval"
	"golang.org/x/sync/errgroup"
)

// Config configures mesh extraction.
type Config struct {
	// IsoLevel is the scalar value at which the surface is extracted.
	IsoLevel float32
	// Smooth welds vertices shared by neighboring triangles and assigns them normals
	// from the scalar field gradient. When false every triangle gets its own three vertices
	// with the face normal (flat shading).
	Smooth bool
	// DoubleSided emits every triangle a second time with reversed winding
	// over duplicated vertices so each side carries its own normal.
	DoubleSided bool
	// Upsampling factor applied by trilinear interpolation before extraction.
	// Values at or below 1.01 disable upsampling.
	Upsampling float32
	// Workers is the maximum number of Z-slices processed concurrently. Zero uses runtime.NumCPU.
	Workers int
	// OnProgress, if set, is called with negative progress while upsampling
	// and positive progress while polygonizing. Returning true cancels extraction.
	OnProgress isomesh.ProgressFunc
}

const upsampleThreshold = 1.01

func (cfg Config) workers() int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return runtime.NumCPU()
}

// BuildMesh extracts the iso-surface of the X-fastest voxel grid of size nx*ny*nz.
// Vertices are returned in voxel index space of the original, non-upsampled grid, see
// [isomesh.NormalizeToWorld] to map them to world space.
//
// On invalid input it returns an empty mesh and an error wrapping [isomesh.ErrInvalidShape].
// On cancellation it returns an empty mesh and [isomesh.ErrCancelled]; partial meshes are never returned.
// An iso-level the grid never crosses returns an empty mesh and a nil error.
func BuildMesh(voxels []float32, nx, ny, nz int, cfg Config) (isomesh.Mesh, error) {
	err := isomesh.CheckShape(len(voxels), nx, ny, nz)
	if err != nil {
		return isomesh.Mesh{}, err
	} else if math32.IsNaN(cfg.IsoLevel) {
		return isomesh.Mesh{}, errors.New("NaN iso level")
	}
	ox, oy, oz := nx, ny, nz
	if cfg.Upsampling > upsampleThreshold {
		voxels, nx, ny, nz, err = Upsample(voxels, nx, ny, nz, cfg.Upsampling, cfg.Workers, cfg.OnProgress)
		if err != nil {
			return isomesh.Mesh{}, err
		}
	}
	slices, err := polygonize(voxels, nx, ny, nz, cfg)
	if err != nil {
		return isomesh.Mesh{}, err
	}
	mesh := weld(slices, nx, ny)
	if mesh.Empty() {
		return isomesh.Mesh{}, nil
	}
	if nx != ox || ny != oy || nz != oz {
		scale := ms3.Vec{
			X: float32(ox-1) / float32(nx-1),
			Y: float32(oy-1) / float32(ny-1),
			Z: float32(oz-1) / float32(nz-1),
		}
		for i, v := range mesh.Vertices {
			mesh.Vertices[i] = ms3.MulElem(v, scale)
		}
	}
	if cfg.Smooth {
		// Gradients are sampled on the upsampled grid when present, which carries the same field
		// at finer resolution. Positions are mapped back to its index space.
		err = gradientNormals(&mesh, voxels, nx, ny, nz, ox, oy, oz)
		if err != nil {
			return isomesh.Mesh{}, err
		}
	} else {
		mesh = unweld(mesh)
	}
	if cfg.DoubleSided {
		mesh = doubleSide(mesh)
	}
	cfg.OnProgress.Report(1)
	return mesh, nil
}

// BuildGridMesh extracts g's iso-surface and maps the result into g's world space.
func BuildGridMesh(g *isomesh.VoxelGrid, cfg Config) (isomesh.Mesh, error) {
	err := g.Validate()
	if err != nil {
		return isomesh.Mesh{}, err
	}
	mesh, err := BuildMesh(g.Values, g.DimX, g.DimY, g.DimZ, cfg)
	if err != nil || mesh.Empty() {
		return mesh, err
	}
	err = isomesh.NormalizeToWorld(&mesh, g)
	if err != nil {
		return isomesh.Mesh{}, err
	}
	return mesh, nil
}

// forEachSlice calls fn for every k in [0,n) using at most workers goroutines. Between
// dispatches progress is called on the calling goroutine with the number of completed
// slices; if it returns true slices not yet started are skipped and cancelled is returned.
func forEachSlice(n, workers int, progress func(done int) (cancel bool), fn func(k int) error) (cancelled bool, err error) {
	var (
		g     errgroup.Group
		done  atomic.Int64
		abort atomic.Bool
	)
	g.SetLimit(workers)
	for k := 0; k < n; k++ {
		if progress != nil && progress(int(done.Load())) {
			abort.Store(true)
			break
		}
		g.Go(func() error {
			if abort.Load() {
				return nil
			}
			err := fn(k)
			done.Add(1)
			return err
		})
	}
	err = g.Wait()
	if err != nil {
		return false, err
	}
	return abort.Load(), nil
}

func gradientNormals(mesh *isomesh.Mesh, voxels []float32, nx, ny, nz, ox, oy, oz int) error {
	grid := isomesh.VoxelGrid{
		Values: voxels,
		DimX:   nx,
		DimY:   ny,
		DimZ:   nz,
		Extent: ms3.Vec{X: float32(nx), Y: float32(ny), Z: float32(nz)},
	}
	field, err := voleval.NewGridField(&grid, voleval.IndexSpace)
	if err != nil {
		return err
	}
	toUp := ms3.Vec{
		X: float32(nx-1) / float32(ox-1),
		Y: float32(ny-1) / float32(oy-1),
		Z: float32(nz-1) / float32(oz-1),
	}
	pos := make([]ms3.Vec, len(mesh.Vertices))
	for i, v := range mesh.Vertices {
		pos[i] = ms3.MulElem(v, toUp)
	}
	// Face normals serve where the gradient vanishes, i.e: on plateaus.
	mesh.RecalculateNormals()
	grad := make([]ms3.Vec, len(pos))
	var vp voleval.VecPool
	err = voleval.NormalsCentralDiff(field, pos, grad, 1, &vp)
	if err != nil {
		return err
	}
	for i, gr := range grad {
		// Field increases into the solid: outward normal opposes the gradient.
		gr = ms3.Scale(-1, ms3.MulElem(gr, toUp))
		if n := ms3.Norm(gr); n > 1e-12 {
			mesh.Normals[i] = ms3.Scale(1/n, gr)
		}
	}
	return nil
}

// unweld gives every triangle its own vertices and assigns them the face normal.
func unweld(m isomesh.Mesh) isomesh.Mesh {
	out := isomesh.Mesh{
		Vertices:  make([]ms3.Vec, 0, 3*len(m.Triangles)),
		Triangles: make([][3]uint32, 0, len(m.Triangles)),
		Normals:   make([]ms3.Vec, 0, 3*len(m.Triangles)),
	}
	for i := range m.Triangles {
		tri := m.Triangle(i)
		n := m.FaceNormal(i)
		base := uint32(len(out.Vertices))
		out.Vertices = append(out.Vertices, tri[0], tri[1], tri[2])
		out.Normals = append(out.Normals, n, n, n)
		out.Triangles = append(out.Triangles, [3]uint32{base, base + 1, base + 2})
	}
	return out
}

// doubleSide appends a back face for every triangle over duplicated vertices with negated normals.
func doubleSide(m isomesh.Mesh) isomesh.Mesh {
	nv := len(m.Vertices)
	offset := uint32(nv)
	hasNormals := m.HasNormals()
	m.Vertices = append(m.Vertices, m.Vertices[:nv]...)
	if hasNormals {
		for _, n := range m.Normals[:nv] {
			m.Normals = append(m.Normals, ms3.Scale(-1, n))
		}
	}
	nt := len(m.Triangles)
	for _, t := range m.Triangles[:nt] {
		m.Triangles = append(m.Triangles, [3]uint32{t[0] + offset, t[2] + offset, t[1] + offset})
	}
	return m
}
