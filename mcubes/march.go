package mcubes

import (
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
)

// sliceMesh is the private output of the worker that polygonizes the cells between
// grid planes z and z+1. Vertices are keyed by the grid edge they lie on.
type sliceMesh struct {
	verts []ms3.Vec
	keys  []uint64
	tris  [][3]uint32
}

// edgeKey identifies the grid edge starting at flat voxel index idx and running along axis.
func edgeKey(idx int, axis int) uint64 {
	return uint64(idx)<<2 | uint64(axis)
}

func keyAxis(key uint64) int { return int(key & 3) }

func keyZ(key uint64, nx, ny int) int { return int(key>>2) / (nx * ny) }

func polygonize(voxels []float32, nx, ny, nz int, cfg Config) ([]sliceMesh, error) {
	slices := make([]sliceMesh, nz-1)
	progress := func(done int) bool {
		return cfg.OnProgress.Report(float32(done) / float32(len(slices)))
	}
	cancelled, err := forEachSlice(len(slices), cfg.workers(), progress, func(z int) error {
		slices[z] = marchSlice(voxels, nx, ny, z, cfg.IsoLevel)
		return nil
	})
	if err != nil {
		return nil, err
	} else if cancelled {
		return nil, isomesh.ErrCancelled
	}
	return slices, nil
}

// marchSlice polygonizes every cell with its origin on grid plane z.
func marchSlice(voxels []float32, nx, ny, z int, iso float32) sliceMesh {
	var sm sliceMesh
	cache := make(map[uint64]uint32)
	var (
		vals     [8]float32
		edgeVert [12]uint32
	)
	for y := 0; y < ny-1; y++ {
		for x := 0; x < nx-1; x++ {
			caseIdx := 0
			for i, off := range cornerOffsets {
				vals[i] = voxels[(x+off[0])+nx*((y+off[1])+ny*(z+off[2]))]
				if vals[i] < iso {
					caseIdx |= 1 << i
				}
			}
			edges := edgeTable[caseIdx]
			if edges == 0 {
				continue
			}
			for e := 0; e < 12; e++ {
				if edges&(1<<e) == 0 {
					continue
				}
				edgeVert[e] = sm.edgeVertex(cache, voxels, nx, ny, x, y, z, e, &vals, iso)
			}
			tt := &triTable[caseIdx]
			for i := 0; tt[i] >= 0; i += 3 {
				sm.tris = append(sm.tris, [3]uint32{edgeVert[tt[i]], edgeVert[tt[i+1]], edgeVert[tt[i+2]]})
			}
		}
	}
	return sm
}

// edgeVertex returns the slice-local index of the vertex on cell edge e, creating it if needed.
// Edges are always interpolated from their lower grid corner towards the upper one, which may
// be the reverse of the table's corner order. Both give the same point in exact arithmetic;
// a fixed direction makes neighboring cells and slices compute bit-identical positions.
func (sm *sliceMesh) edgeVertex(cache map[uint64]uint32, voxels []float32, nx, ny, x, y, z, e int, vals *[8]float32, iso float32) uint32 {
	c0, c1 := edgeCorners[e][0], edgeCorners[e][1]
	o0, o1 := cornerOffsets[c0], cornerOffsets[c1]
	if o1[0]+o1[1]+o1[2] < o0[0]+o0[1]+o0[2] {
		c0, c1 = c1, c0
		o0, o1 = o1, o0
	}
	axis := 0
	switch {
	case o1[1] != o0[1]:
		axis = 1
	case o1[2] != o0[2]:
		axis = 2
	}
	ax, ay, az := x+o0[0], y+o0[1], z+o0[2]
	key := edgeKey(ax+nx*(ay+ny*az), axis)
	if idx, ok := cache[key]; ok {
		return idx
	}
	va, vb := vals[c0], vals[c1]
	a := ms3.Vec{X: float32(ax), Y: float32(ay), Z: float32(az)}
	b := ms3.Vec{X: float32(x + o1[0]), Y: float32(y + o1[1]), Z: float32(z + o1[2])}
	t := (iso - va) / (vb - va)
	v := ms3.Add(a, ms3.Scale(t, ms3.Sub(b, a)))
	idx := uint32(len(sm.verts))
	sm.verts = append(sm.verts, v)
	sm.keys = append(sm.keys, key)
	cache[key] = idx
	return idx
}

// weld concatenates slice meshes in Z order, offsetting indices and merging the vertices
// two adjacent slices share on their common grid plane. The result does not depend on
// how slices were scheduled.
func weld(slices []sliceMesh, nx, ny int) isomesh.Mesh {
	var mesh isomesh.Mesh
	var nv, nt int
	for i := range slices {
		nv += len(slices[i].verts)
		nt += len(slices[i].tris)
	}
	mesh.Vertices = make([]ms3.Vec, 0, nv)
	mesh.Triangles = make([][3]uint32, 0, nt)
	shared := make(map[uint64]uint32) // Upper plane vertices of the previous slice.
	next := make(map[uint64]uint32)
	var remap []uint32
	for z := range slices {
		sm := &slices[z]
		remap = remap[:0]
		clear(next)
		for i, key := range sm.keys {
			onPlane := keyAxis(key) != 2
			kz := keyZ(key, nx, ny)
			if onPlane && kz == z {
				if gi, ok := shared[key]; ok {
					remap = append(remap, gi)
					continue
				}
			}
			gi := uint32(len(mesh.Vertices))
			mesh.Vertices = append(mesh.Vertices, sm.verts[i])
			remap = append(remap, gi)
			if onPlane && kz == z+1 {
				next[key] = gi
			}
		}
		for _, t := range sm.tris {
			mesh.Triangles = append(mesh.Triangles, [3]uint32{remap[t[0]], remap[t[1]], remap[t[2]]})
		}
		shared, next = next, shared
	}
	return mesh
}
