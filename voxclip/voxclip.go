// Package voxclip restricts a voxel grid to oriented box regions before surface extraction.
//
// Voxels discarded by a region are overwritten with a value below the iso-level so that the
// extracted surface closes along the cut instead of leaving a hole.
package voxclip

import (
	"errors"
	"runtime"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
	"golang.org/x/sync/errgroup"
)

// Config configures voxel clipping.
type Config struct {
	// IsoLevel is the iso-level the clipped grid will be extracted at.
	// Discarded voxels are set to IsoLevel-1.
	IsoLevel float32
	// Workers is the maximum number of Z-slices processed concurrently. Zero uses runtime.NumCPU.
	Workers int
}

// Sentinel returns the value clipped voxels are set to.
func (cfg Config) Sentinel() float32 { return cfg.IsoLevel - 1 }

// ClipByRegions returns a copy of the X-fastest voxel grid with every voxel discarded by regions
// set to the sentinel value. Voxel positions are computed as in [isomesh.VoxelGrid.GridToWorld]
// for a grid of the given physical extent centered at the origin and rotated by orientation.
//
// Inclusive regions discard voxels outside their box, exclusive regions discard voxels inside.
// The input is never modified so clip passes may be chained.
func ClipByRegions(voxels []float32, nx, ny, nz int, extent ms3.Vec, orientation mgl32.Quat, regions []isomesh.ClipRegion, cfg Config) ([]float32, error) {
	g := isomesh.VoxelGrid{
		Values:      voxels,
		DimX:        nx,
		DimY:        ny,
		DimZ:        nz,
		Extent:      extent,
		Orientation: orientation,
	}
	clipped, err := ClipGrid(&g, regions, cfg)
	if err != nil {
		return nil, err
	}
	return clipped.Values, nil
}

// ClipGrid is like [ClipByRegions] but places voxels with all of g's metadata, including its position.
// The returned grid shares g's metadata and owns a new value array.
func ClipGrid(g *isomesh.VoxelGrid, regions []isomesh.ClipRegion, cfg Config) (isomesh.VoxelGrid, error) {
	if g == nil {
		panic("nil voxel grid")
	}
	err := g.Validate()
	if err != nil {
		return isomesh.VoxelGrid{}, err
	} else if math32.IsNaN(cfg.IsoLevel) || math32.IsInf(cfg.IsoLevel, 0) {
		return isomesh.VoxelGrid{}, errors.New("invalid iso level")
	}
	frames, err := isomesh.Frames(regions)
	if err != nil {
		return isomesh.VoxelGrid{}, err
	}
	out := *g
	out.Values = make([]float32, len(g.Values))
	copy(out.Values, g.Values)
	if len(frames) == 0 {
		return out, nil
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	sentinel := cfg.Sentinel()
	var eg errgroup.Group
	eg.SetLimit(workers)
	for z := 0; z < g.DimZ; z++ {
		eg.Go(func() error {
			clipSlice(&out, z, frames, sentinel)
			return nil
		})
	}
	return out, eg.Wait()
}

// clipSlice writes the sentinel to every discarded voxel of Z-slice z. Slices are disjoint
// so concurrent calls on different z never touch the same values.
func clipSlice(g *isomesh.VoxelGrid, z int, frames []isomesh.RegionFrame, sentinel float32) {
	idx := ms3.Vec{Z: float32(z)}
	base := z * g.DimX * g.DimY
	for y := 0; y < g.DimY; y++ {
		idx.Y = float32(y)
		for x := 0; x < g.DimX; x++ {
			idx.X = float32(x)
			p := g.GridToWorld(idx)
			for i := range frames {
				if frames[i].Discards(p) {
					g.Values[base+x+g.DimX*y] = sentinel
					break
				}
			}
		}
	}
}
