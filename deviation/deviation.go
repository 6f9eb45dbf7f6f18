// Package deviation measures how far the vertices of a mesh lie from the implicit
// iso-surface of a voxel grid by casting probe rays along their normals.
package deviation

import (
	"errors"
	"fmt"
	"image/color"
	"slices"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
	"github.com/soypat/isomesh/voleval"
)

// Sample is the deviation of a single vertex.
type Sample struct {
	Vertex int
	// Distance from the vertex to the surface. Signed if so configured.
	Distance float32
	Valid    bool
	// Rays is the number of probe rays that found the surface and contributed to Distance.
	Rays int
}

// MeshResult holds the per vertex results of a probed mesh.
type MeshResult struct {
	Samples []Sample
	Colors  []color.RGBA
}

// Errors returns the per vertex deviation with NaN for invalid vertices.
func (mr *MeshResult) Errors() []float32 {
	errs := make([]float32, len(mr.Samples))
	for i, s := range mr.Samples {
		errs[i] = s.Distance
		if !s.Valid {
			errs[i] = math32.NaN()
		}
	}
	return errs
}

// Result is the outcome of probing one or more meshes against a grid.
type Result struct {
	Meshes []MeshResult
	Stats  Stats
	// Colors is the resolved color map used to color the vertices.
	Colors ColorMap
}

// Summary returns the printable statistics summary.
func (r *Result) Summary() string { return r.Stats.String() }

// ComputeDeviation probes every vertex of meshes, placed in g's world space, against g's
// iso-surface at cfg.DensityThreshold. Meshes without normals get area weighted ones.
//
// If no vertex of any mesh finds the surface the per vertex results are still returned
// along with [isomesh.ErrNoValidSamples].
func ComputeDeviation(meshes []isomesh.Mesh, g *isomesh.VoxelGrid, cfg Config) (Result, error) {
	if g == nil {
		panic("nil voxel grid")
	}
	err := g.Validate()
	if err != nil {
		return Result{}, err
	}
	err = cfg.validate()
	if err != nil {
		return Result{}, err
	} else if len(meshes) == 0 {
		return Result{}, errNoMeshes
	}
	marcher := cfg.Marcher
	if marcher == nil {
		marcher, err = newCPUMarcher(g, &cfg)
		if err != nil {
			return Result{}, err
		}
	}
	p := prober{
		cfg:     &cfg,
		marcher: marcher,
		up:      cfg.up(),
		offset:  cfg.surfaceOffset(g),
		step:    cfg.rayStep(g),
	}
	result := Result{
		Meshes: make([]MeshResult, len(meshes)),
		Colors: cfg.Colors.Resolve(cfg.Logger),
	}
	var (
		total   int
		bb      ms3.Box
		first   = true
		signed  []float64
		batch   = cfg.batchSize()
		visited int
	)
	for _, m := range meshes {
		total += len(m.Vertices)
	}
	for mi, m := range meshes {
		if err := m.Validate(); err != nil {
			return Result{}, fmt.Errorf("mesh %d: %w", mi, err)
		}
		if !m.HasNormals() {
			m = m.Clone()
			m.RecalculateNormals()
		}
		if len(m.Vertices) > 0 {
			mbb := m.Bounds()
			if first {
				bb, first = mbb, false
			} else {
				bb = bb.Union(mbb)
			}
		}
		samples := make([]Sample, len(m.Vertices))
		for start := 0; start < len(m.Vertices); start += batch {
			if cfg.OnProgress.Report(float32(visited) / float32(total)) {
				return Result{}, isomesh.ErrCancelled
			}
			end := min(start+batch, len(m.Vertices))
			err = p.probeBatch(m.Vertices[start:end], m.Normals[start:end], samples[start:end])
			if err != nil {
				return Result{}, err
			}
			visited += end - start
		}
		mr := &result.Meshes[mi]
		mr.Samples = samples
		mr.Colors = make([]color.RGBA, len(samples))
		for i := range samples {
			samples[i].Vertex = i
			mr.Colors[i] = result.Colors.Color(samples[i].Distance, samples[i].Valid)
			if samples[i].Valid {
				signed = append(signed, float64(samples[i].Distance))
			}
		}
	}
	cfg.OnProgress.Report(1)
	result.Stats = computeStats(signed, cfg.CoverageThresholds)
	result.Stats.Total = total
	if longest := maxComponent(bb.Size()); longest > 0 && result.Stats.Count > 0 {
		result.Stats.RelativeP95 = 100 * result.Stats.P95 / float64(longest)
	}
	if result.Stats.Count == 0 {
		return result, isomesh.ErrNoValidSamples
	}
	return result, nil
}

func newCPUMarcher(g *isomesh.VoxelGrid, cfg *Config) (*voleval.CPUMarcher, error) {
	field, err := voleval.NewGridField(g, voleval.WorldSpace)
	if err != nil {
		return nil, err
	}
	return voleval.NewCPUMarcher(field, cfg.MarchConfig(g), cfg.workers(), func() voleval.Field {
		return field.Clone()
	})
}

// probe identifies the vertex and geometry of a single ray.
type probe struct {
	slot int
	// cos is the cosine of the angle between the ray and the vertex normal.
	cos    float32
	inward bool
	axial  bool
}

// hit is a distance found by a single ray, projected onto the normal.
type hit struct {
	dist   float32
	weight float32
}

type prober struct {
	cfg     *Config
	marcher voleval.RayMarcher
	up      ms3.Vec
	offset  float32
	step    float32

	rays   []voleval.Ray
	probes []probe
	dists  []float32
	hits   [][]hit
	scr    []float32
}

// probeBatch writes the reduced deviation of every vertex to dst.
func (p *prober) probeBatch(verts, normals []ms3.Vec, dst []Sample) error {
	cfg := p.cfg
	p.rays, p.probes = p.rays[:0], p.probes[:0]
	if cap(p.hits) < len(verts) {
		p.hits = make([][]hit, len(verts))
	}
	p.hits = p.hits[:len(verts)]
	for i := range p.hits {
		p.hits[i] = p.hits[i][:0]
	}
	for i, v := range verts {
		n, ok := unitNormal(normals[i])
		if !ok {
			continue // Vertices without a usable normal cannot be probed.
		}
		p.addRays(i, v, n, Fan{})
		if cfg.MultiDirectional {
			p.addRays(i, v, n, cfg.fanFor(n, p.up))
		}
	}
	err := p.march()
	if err != nil {
		return err
	}
	if cfg.AggressiveFallback && cfg.FallbackFan.size() > 0 {
		// Vertices whose normal aligned rays all missed get a second, wider, round of probes.
		axialHit := make([]bool, len(verts))
		for k, pr := range p.probes {
			if pr.axial && p.dists[k] != voleval.Miss {
				axialHit[pr.slot] = true
			}
		}
		p.rays, p.probes = p.rays[:0], p.probes[:0]
		for i, v := range verts {
			if n, ok := unitNormal(normals[i]); ok && !axialHit[i] {
				p.addRays(i, v, n, cfg.FallbackFan)
			}
		}
		err = p.march()
		if err != nil {
			return err
		}
	}
	for i := range dst {
		dst[i] = p.reduce(p.hits[i])
	}
	return nil
}

// march casts the pending rays and accumulates their hits per vertex.
func (p *prober) march() error {
	if len(p.rays) == 0 {
		return nil
	}
	p.dists = slices.Grow(p.dists[:0], len(p.rays))[:len(p.rays)]
	err := p.marcher.March(p.rays, p.dists, nil)
	if err != nil {
		return err
	}
	for k, pr := range p.probes {
		t := p.dists[k]
		if t == voleval.Miss {
			continue
		}
		// Rays start offset behind the vertex.
		d := (t - p.offset) * pr.cos
		if !pr.inward {
			d = -d
		}
		if math32.Abs(d) > p.cfg.MaxProbeDistance {
			continue
		}
		p.hits[pr.slot] = append(p.hits[pr.slot], hit{dist: d, weight: pr.cos * pr.cos})
	}
	return nil
}

// addRays appends the rays of fan for the vertex at v with unit normal n. The zero Fan
// adds the normal aligned rays.
func (p *prober) addRays(slot int, v, n ms3.Vec, fan Fan) {
	add := func(dir ms3.Vec, cos float32, axial bool) {
		// Inward rays start outside the vertex and seek the material, outward rays
		// start inside it and seek empty space.
		p.rays = append(p.rays, voleval.Ray{
			Origin: ms3.Add(v, ms3.Scale(-p.offset, dir)),
			Dir:    dir,
			Rising: true,
		})
		p.probes = append(p.probes, probe{slot: slot, cos: cos, inward: true, axial: axial})
		if p.cfg.Bidirectional {
			out := ms3.Scale(-1, dir)
			p.rays = append(p.rays, voleval.Ray{
				Origin: ms3.Add(v, ms3.Scale(-p.offset, out)),
				Dir:    out,
				Rising: false,
			})
			p.probes = append(p.probes, probe{slot: slot, cos: cos, inward: false, axial: axial})
		}
	}
	in := ms3.Scale(-1, n)
	if fan.size() == 0 {
		add(in, 1, true)
		return
	}
	u, w := orthonormalBasis(in)
	for _, angle := range fan.Angles {
		sin, cos := math32.Sincos(angle)
		for k := 0; k < fan.Azimuths; k++ {
			phi := 2 * math32.Pi * float32(k) / float32(fan.Azimuths)
			sp, cp := math32.Sincos(phi)
			side := ms3.Add(ms3.Scale(cp, u), ms3.Scale(sp, w))
			dir := ms3.Unit(ms3.Add(ms3.Scale(cos, in), ms3.Scale(sin, side)))
			add(dir, cos, false)
		}
	}
}

// reduce combines the hits of a vertex into its sample.
func (p *prober) reduce(hits []hit) Sample {
	cfg := p.cfg
	if len(hits) == 0 {
		return Sample{}
	}
	if cfg.RejectOutliers {
		hits = p.rejectOutliers(hits)
	}
	var d float32
	switch cfg.Reduce {
	case ReduceWeighted:
		var sum, wsum float32
		for _, h := range hits {
			sum += h.weight * h.dist
			wsum += h.weight
		}
		d = sum / wsum
	default:
		d = hits[0].dist
		for _, h := range hits[1:] {
			if math32.Abs(h.dist) < math32.Abs(d) {
				d = h.dist
			}
		}
	}
	if !cfg.Signed {
		d = math32.Abs(d)
	}
	return Sample{Distance: d, Valid: true, Rays: len(hits)}
}

// rejectOutliers drops hits farther than OutlierFactor median absolute deviations from the median.
// Hits are left untouched if fewer than MinValidSamples would remain.
func (p *prober) rejectOutliers(hits []hit) []hit {
	cfg := p.cfg
	if len(hits) < max(cfg.MinValidSamples, 3) {
		return hits
	}
	p.scr = p.scr[:0]
	for _, h := range hits {
		p.scr = append(p.scr, h.dist)
	}
	med := median(p.scr)
	for i, h := range hits {
		p.scr[i] = math32.Abs(h.dist - med)
	}
	mad := median(p.scr)
	// The march step bounds the resolution of every sample.
	limit := cfg.OutlierFactor * math32.Max(mad, p.step)
	kept := 0
	for _, h := range hits {
		if math32.Abs(h.dist-med) <= limit {
			kept++
		}
	}
	if kept < cfg.MinValidSamples || kept == len(hits) {
		return hits
	}
	filtered := make([]hit, 0, kept)
	for _, h := range hits {
		if math32.Abs(h.dist-med) <= limit {
			filtered = append(filtered, h)
		}
	}
	return filtered
}

// median sorts v in place and returns its median.
func median(v []float32) float32 {
	slices.Sort(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

// orthonormalBasis returns two unit vectors perpendicular to unit vector n and to each other.
func orthonormalBasis(n ms3.Vec) (u, w ms3.Vec) {
	ref := ms3.Vec{X: 1}
	if math32.Abs(n.X) > 0.9 {
		ref = ms3.Vec{Y: 1}
	}
	u = ms3.Unit(ms3.Cross(n, ref))
	w = ms3.Cross(n, u)
	return u, w
}

func unitNormal(n ms3.Vec) (ms3.Vec, bool) {
	norm := ms3.Norm(n)
	if !(norm > 1e-6) || math32.IsInf(norm, 1) {
		return ms3.Vec{}, false
	}
	return ms3.Scale(1/norm, n), true
}

func maxComponent(v ms3.Vec) float32 {
	return math32.Max(v.X, math32.Max(v.Y, v.Z))
}

var errNoMeshes = errors.New("no meshes to probe")
