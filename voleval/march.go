package voleval

import (
	"errors"
	"runtime"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"golang.org/x/sync/errgroup"
)

// Miss is stored as the hit distance of rays that found no threshold crossing.
const Miss = -1

// Ray is a probe ray. Dir must be unit length.
type Ray struct {
	Origin ms3.Vec
	Dir    ms3.Vec
	// Rising selects the crossing being sought: true finds the first point where the field rises
	// to the threshold (entering dense material), false the first point where it falls below it.
	Rising bool
}

// At returns the point at distance t along the ray.
func (r Ray) At(t float32) ms3.Vec {
	return ms3.Add(r.Origin, ms3.Scale(t, r.Dir))
}

// MarchConfig configures threshold ray marching.
type MarchConfig struct {
	// Threshold is the density at which the implicit surface lies.
	Threshold float32
	// MaxDistance is the maximum distance traveled along a ray.
	MaxDistance float32
	// Step is the sampling interval along the ray. Crossings are refined by linear interpolation
	// between the two samples that bracket them.
	Step float32
}

func (cfg MarchConfig) validate() error {
	if !(cfg.Step > 0) || !(cfg.MaxDistance > 0) {
		return errors.New("march step and max distance must be positive")
	} else if cfg.Step > cfg.MaxDistance {
		return errors.New("march step larger than max distance")
	} else if math32.IsNaN(cfg.Threshold) {
		return errors.New("NaN march threshold")
	}
	return nil
}

func (cfg MarchConfig) steps() int {
	return int(math32.Ceil(cfg.MaxDistance / cfg.Step))
}

// RayMarcher finds the distance along each ray to the first threshold crossing.
// Implementations write [Miss] for rays that find no crossing within the configured distance.
type RayMarcher interface {
	March(rays []Ray, dst []float32, userData any) error
}

// CPUMarcher marches rays through a [Field] on the CPU. Rays are partitioned into chunks
// processed concurrently; each chunk evaluates all its rays' samples as one batch per step.
type CPUMarcher struct {
	field   Field
	cfg     MarchConfig
	workers int
	// newField returns a field for exclusive use of one worker.
	newField func() Field
}

// NewCPUMarcher returns a marcher sampling field. newField, if not nil, is called once per
// worker to obtain a field safe to use concurrently with the others; if nil a single worker is used.
func NewCPUMarcher(field Field, cfg MarchConfig, workers int, newField func() Field) (*CPUMarcher, error) {
	if field == nil {
		return nil, errors.New("nil field")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if newField == nil {
		workers = 1
	}
	return &CPUMarcher{field: field, cfg: cfg, workers: workers, newField: newField}, nil
}

// Config returns the marcher's configuration.
func (m *CPUMarcher) Config() MarchConfig { return m.cfg }

// March implements [RayMarcher].
func (m *CPUMarcher) March(rays []Ray, dst []float32, userData any) error {
	if len(rays) != len(dst) {
		return errMismatchBufferLength
	} else if len(rays) == 0 {
		return errEmptyBuffers
	}
	if m.workers == 1 {
		return marchChunk(m.field, m.cfg, rays, dst, new(VecPool))
	}
	chunk := (len(rays) + m.workers - 1) / m.workers
	var g errgroup.Group
	g.SetLimit(m.workers)
	for start := 0; start < len(rays); start += chunk {
		end := min(start+chunk, len(rays))
		g.Go(func() error {
			return marchChunk(m.newField(), m.cfg, rays[start:end], dst[start:end], new(VecPool))
		})
	}
	return g.Wait()
}

func marchChunk(f Field, cfg MarchConfig, rays []Ray, dst []float32, vp *VecPool) error {
	n := len(rays)
	pos := vp.V3.Acquire(n)
	prev := vp.Float.Acquire(n)
	cur := vp.Float.Acquire(n)
	defer vp.V3.Release(pos)
	defer vp.Float.Release(prev)
	defer vp.Float.Release(cur)
	for i, r := range rays {
		pos[i] = r.Origin
		dst[i] = Miss
	}
	err := f.Evaluate(pos, prev, vp)
	if err != nil {
		return err
	}
	thr := cfg.Threshold
	nsteps := cfg.steps()
	remaining := n
	for s := 1; s <= nsteps && remaining > 0; s++ {
		t := math32.Min(float32(s)*cfg.Step, cfg.MaxDistance)
		for i, r := range rays {
			pos[i] = r.At(t)
		}
		err = f.Evaluate(pos, cur, vp)
		if err != nil {
			return err
		}
		tprev := float32(s-1) * cfg.Step
		for i, r := range rays {
			if dst[i] != Miss {
				continue
			}
			a, b := prev[i], cur[i]
			crossed := (r.Rising && a < thr && b >= thr) || (!r.Rising && a >= thr && b < thr)
			if crossed {
				frac := (thr - a) / (b - a)
				dst[i] = tprev + frac*(t-tprev)
				remaining--
			}
		}
		prev, cur = cur, prev
	}
	return nil
}
