// Package polyclip clips triangle meshes against oriented boxes using
// Sutherland-Hodgman polygon clipping in the box's local frame.
package polyclip

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
	"golang.org/x/sync/errgroup"
)

// DefaultEpsilon is the plane tolerance used when [Config.Epsilon] is zero.
const DefaultEpsilon = 1e-5

// chunkSize is the number of triangles clipped by a single work unit.
const chunkSize = 4096

// Config configures mesh clipping.
type Config struct {
	// Epsilon is the tolerance, in box-local units, within which a point is
	// considered to lie on a box face. Zero uses DefaultEpsilon.
	Epsilon float32
	// Workers is the maximum number of triangle chunks clipped concurrently. Zero uses runtime.NumCPU.
	Workers int
	// OnProgress is called between chunk dispatches with the fraction of clipped triangles
	// of the current pass. Returning true cancels clipping.
	OnProgress isomesh.ProgressFunc
}

func (cfg Config) epsilon() float32 {
	if cfg.Epsilon == 0 {
		return DefaultEpsilon
	}
	return cfg.Epsilon
}

func (cfg Config) workers() int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return runtime.NumCPU()
}

// ClipByBox clips m against the box that transform places from the unit cube [-0.5,0.5]³.
// In [isomesh.Inclusive] mode the part of the surface inside the box is kept,
// in [isomesh.Exclusive] mode the part outside. Triangles crossing a face are cut along it
// and the resulting polygons fan triangulated. Vertex normals, if present, are interpolated.
//
// The set of output triangles does not depend on cfg.Workers, their order may.
func ClipByBox(m isomesh.Mesh, transform mgl32.Mat4, mode isomesh.CutoutMode, cfg Config) (isomesh.Mesh, error) {
	return ClipByRegions(m, []isomesh.ClipRegion{{Transform: transform, Mode: mode}}, cfg)
}

// ClipByRegions applies every inclusive region in order, each one further narrowing the
// surface, then every exclusive region in order, each removing its interior from what remains.
func ClipByRegions(m isomesh.Mesh, regions []isomesh.ClipRegion, cfg Config) (isomesh.Mesh, error) {
	err := m.Validate()
	if err != nil {
		return isomesh.Mesh{}, err
	} else if cfg.Epsilon < 0 || math32.IsNaN(cfg.Epsilon) {
		return isomesh.Mesh{}, errors.New("negative clip epsilon")
	}
	frames, err := isomesh.Frames(regions)
	if err != nil {
		return isomesh.Mesh{}, err
	}
	if len(frames) == 0 {
		return m.Clone(), nil
	}
	for i := range frames {
		m, err = clipPass(m, &frames[i], cfg)
		if err != nil {
			return isomesh.Mesh{}, err
		} else if m.Empty() {
			break
		}
	}
	return m, nil
}

// clipPass clips all triangles of m against a single region.
func clipPass(m isomesh.Mesh, frame *isomesh.RegionFrame, cfg Config) (isomesh.Mesh, error) {
	var (
		eg    errgroup.Group
		mu    sync.Mutex
		out   isomesh.Mesh
		abort atomic.Bool
		done  atomic.Int64
	)
	eps := cfg.epsilon()
	nt := len(m.Triangles)
	eg.SetLimit(cfg.workers())
	for start := 0; start < nt; start += chunkSize {
		if cfg.OnProgress.Report(float32(done.Load()) / float32(nt)) {
			abort.Store(true)
			break
		}
		end := min(start+chunkSize, nt)
		eg.Go(func() error {
			if abort.Load() {
				return nil
			}
			c := newClipper(&m, frame, eps)
			for i := start; i < end; i++ {
				c.clipTriangle(i)
			}
			done.Add(int64(end - start))
			mu.Lock()
			out.Append(c.out)
			mu.Unlock()
			return nil
		})
	}
	err := eg.Wait()
	if err != nil {
		return isomesh.Mesh{}, err
	} else if abort.Load() {
		return isomesh.Mesh{}, isomesh.ErrCancelled
	}
	return out, nil
}

// vertex is a polygon vertex carried through clipping in both frames.
type vertex struct {
	world  ms3.Vec
	local  ms3.Vec
	normal ms3.Vec
}

// lerpVertex returns the point at t along a to b. Endpoints are returned unchanged.
func lerpVertex(a, b vertex, t float32) vertex {
	if t <= 0 {
		return a
	} else if t >= 1 {
		return b
	}
	return vertex{
		world:  ms3.InterpElem(a.world, b.world, ms3.Vec{X: t, Y: t, Z: t}),
		local:  ms3.InterpElem(a.local, b.local, ms3.Vec{X: t, Y: t, Z: t}),
		normal: ms3.InterpElem(a.normal, b.normal, ms3.Vec{X: t, Y: t, Z: t}),
	}
}

// plane is one face of the unit cube: points with sign*local[axis] > 0.5 lie outside it.
type plane struct {
	axis int
	sign float32
}

var cubeFaces = [6]plane{{0, 1}, {0, -1}, {1, 1}, {1, -1}, {2, 1}, {2, -1}}

// dist returns the signed distance of local position p beyond the face.
// Non-positive values are on the box's side of the face.
func (pl plane) dist(p ms3.Vec) float32 {
	return pl.sign*p.Array()[pl.axis] - 0.5
}

// clipper is the per work unit context. It owns its output and scratch buffers.
type clipper struct {
	src     *isomesh.Mesh
	frame   *isomesh.RegionFrame
	eps     float32
	normals bool
	out     isomesh.Mesh
	index   map[vertex]uint32
	bufA    []vertex
	bufB    []vertex
	keep    []vertex
}

func newClipper(src *isomesh.Mesh, frame *isomesh.RegionFrame, eps float32) *clipper {
	return &clipper{
		src:     src,
		frame:   frame,
		eps:     eps,
		normals: src.HasNormals(),
		index:   make(map[vertex]uint32),
	}
}

func (c *clipper) clipTriangle(i int) {
	t := c.src.Triangles[i]
	poly := c.bufA[:0]
	for _, vi := range t {
		v := vertex{world: c.src.Vertices[vi]}
		v.local = c.frame.ToLocal(v.world)
		if c.normals {
			v.normal = c.src.Normals[vi]
		}
		poly = append(poly, v)
	}
	scratch := c.bufB[:0]
	if c.frame.Mode == isomesh.Exclusive {
		for _, pl := range cubeFaces {
			// Fragment beyond this face survives, the rest is tested against the remaining faces.
			c.keep = clipPolygon(c.keep[:0], poly, pl, c.eps, true)
			c.emit(c.keep)
			scratch = clipPolygon(scratch[:0], poly, pl, c.eps, false)
			poly, scratch = scratch, poly
			if len(poly) < 3 {
				break
			}
		}
	} else {
		for _, pl := range cubeFaces {
			scratch = clipPolygon(scratch[:0], poly, pl, c.eps, false)
			poly, scratch = scratch, poly
			if len(poly) < 3 {
				break
			}
		}
		c.emit(poly)
	}
	c.bufA, c.bufB = poly, scratch
}

// emit fan triangulates poly around its first vertex.
func (c *clipper) emit(poly []vertex) {
	if len(poly) < 3 {
		return
	}
	v0 := c.vertexIndex(poly[0])
	for i := 1; i+1 < len(poly); i++ {
		c.out.Triangles = append(c.out.Triangles, [3]uint32{v0, c.vertexIndex(poly[i]), c.vertexIndex(poly[i+1])})
	}
}

func (c *clipper) vertexIndex(v vertex) uint32 {
	v.local = ms3.Vec{}
	if c.normals {
		if n := ms3.Norm(v.normal); n > 0 {
			v.normal = ms3.Scale(1/n, v.normal)
		}
	}
	if idx, ok := c.index[v]; ok {
		return idx
	}
	idx := uint32(len(c.out.Vertices))
	c.out.Vertices = append(c.out.Vertices, v.world)
	if c.normals {
		c.out.Normals = append(c.out.Normals, v.normal)
	}
	c.index[v] = idx
	return idx
}

// minVertexDist2 is the squared distance below which consecutive clipped vertices are merged.
const minVertexDist2 = 1e-12

// clipPolygon appends to dst the part of poly on the box side of face pl, or beyond it
// if outside is set. It is one Sutherland-Hodgman step.
func clipPolygon(dst, poly []vertex, pl plane, eps float32, outside bool) []vertex {
	if len(poly) == 0 {
		return dst
	}
	start := len(dst)
	push := func(v vertex) {
		if len(dst) > start && dist2(dst[len(dst)-1].world, v.world) < minVertexDist2 {
			return
		}
		dst = append(dst, v)
	}
	// eps only decides which side a vertex is on. Cut points are placed on the face itself
	// so clipping an already clipped polygon leaves it unchanged.
	kept := func(d float32) bool {
		if outside {
			return d >= eps
		}
		return d <= eps
	}
	prev := poly[len(poly)-1]
	dp := pl.dist(prev.local)
	for _, cur := range poly {
		dc := pl.dist(cur.local)
		kp, kc := kept(dp), kept(dc)
		if kp != kc {
			var t float32
			if dp != dc {
				t = dp / (dp - dc)
			}
			push(lerpVertex(prev, cur, t))
		}
		if kc {
			push(cur)
		}
		prev, dp = cur, dc
	}
	if n := len(dst) - start; n > 1 && dist2(dst[len(dst)-1].world, dst[start].world) < minVertexDist2 {
		dst = dst[:len(dst)-1]
	}
	if len(dst)-start < 3 {
		return dst[:start]
	}
	return dst
}

func dist2(a, b ms3.Vec) float32 {
	d := ms3.Sub(a, b)
	return ms3.Dot(d, d)
}
