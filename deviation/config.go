package deviation

import (
	"errors"
	"log"
	"runtime"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
	"github.com/soypat/isomesh/voleval"
)

// Reduction selects how the distances found by several probe directions of a
// single vertex are combined into its deviation.
type Reduction uint8

const (
	// ReduceShortest keeps the sample of smallest magnitude.
	ReduceShortest Reduction = iota
	// ReduceWeighted averages samples weighted by cos²θ, θ being the ray's angle to the normal.
	ReduceWeighted
)

func (r Reduction) String() string {
	switch r {
	case ReduceShortest:
		return "shortest"
	case ReduceWeighted:
		return "weighted"
	}
	return "Reduction(?)"
}

// Fan is a set of probe directions tilted away from the vertex normal. Every angle
// is sampled at Azimuths evenly spaced directions around the normal.
type Fan struct {
	// Angles to the normal, in radians. Must be in (0, π/2).
	Angles   []float32
	Azimuths int
}

func (f Fan) size() int { return len(f.Angles) * f.Azimuths }

func (f Fan) validate() error {
	for _, a := range f.Angles {
		if !(a > 0 && a < math32.Pi/2) {
			return errors.New("fan angles must be in (0, π/2)")
		}
	}
	if len(f.Angles) > 0 && f.Azimuths <= 0 {
		return errors.New("fan requires a positive azimuth count")
	}
	return nil
}

func deg(d float32) float32 { return d * math32.Pi / 180 }

// Config configures deviation probing. Distances are in the grid's physical units.
type Config struct {
	// DensityThreshold is the grid value at which the implicit surface lies. Material is denser.
	DensityThreshold float32
	// MaxProbeDistance is the maximum distance from a vertex at which the surface is searched.
	MaxProbeDistance float32
	// RayStep is the sampling interval along probe rays. Zero uses half the smallest voxel side.
	RayStep float32
	// SurfaceOffset is how far behind the vertex a ray starts so that a surface passing exactly
	// through the vertex is detected. Zero uses a twentieth of the smallest voxel side.
	SurfaceOffset float32
	// Bidirectional also probes outwards from inside the surface, finding the surface
	// for vertices that lie within the material.
	Bidirectional bool
	// Signed keeps the sign of deviations: positive for vertices outside the surface,
	// negative for vertices inside. Otherwise magnitudes are reported.
	Signed bool

	// MultiDirectional adds tilted probe rays around the normal chosen by the
	// normal's orientation relative to Up.
	MultiDirectional bool
	// Up is the reference vertical axis. The zero value is +Z.
	Up ms3.Vec
	// HorizontalDot is the |normal·Up| at or above which a surface is considered horizontal.
	HorizontalDot float32
	// VerticalDot is the |normal·Up| at or below which a surface is considered vertical.
	VerticalDot float32
	// Fans used by horizontal, vertical and remaining surfaces respectively.
	HorizontalFan Fan
	VerticalFan   Fan
	ObliqueFan    Fan
	// Reduce combines the samples of a vertex.
	Reduce Reduction
	// AggressiveFallback probes with FallbackFan vertices whose normal-aligned rays all missed.
	AggressiveFallback bool
	FallbackFan        Fan

	// RejectOutliers discards samples farther from the vertex's sample median than
	// OutlierFactor times the median absolute deviation of the samples, as long as
	// MinValidSamples samples remain.
	RejectOutliers  bool
	OutlierFactor   float32
	MinValidSamples int

	Colors ColorMap
	// CoverageThresholds are the distances at which coverage is reported.
	CoverageThresholds []float32

	// BatchSize is the number of vertices probed per batch. Progress and cancellation
	// are checked between batches.
	BatchSize int
	// Workers for the CPU ray marcher. Zero uses runtime.NumCPU.
	Workers    int
	OnProgress isomesh.ProgressFunc
	// Marcher, if set, is used instead of a CPU marcher, i.e: a [voleval.GPUMarcher] configured
	// with [Config.MarchConfig].
	Marcher voleval.RayMarcher
	// Logger receives non-fatal warnings. Nil is silent.
	Logger *log.Logger
}

// DefaultConfig returns a configuration with unsigned bidirectional probing and
// tuned fans for multi-directional sampling, which is disabled.
func DefaultConfig(threshold, maxDistance float32) Config {
	return Config{
		DensityThreshold:   threshold,
		MaxProbeDistance:   maxDistance,
		Bidirectional:      true,
		HorizontalDot:      0.8,
		VerticalDot:        0.3,
		HorizontalFan:      Fan{Angles: []float32{deg(10), deg(20)}, Azimuths: 4},
		VerticalFan:        Fan{Angles: []float32{deg(15), deg(30)}, Azimuths: 4},
		ObliqueFan:         Fan{Angles: []float32{deg(20)}, Azimuths: 6},
		FallbackFan:        Fan{Angles: []float32{deg(45), deg(60)}, Azimuths: 8},
		OutlierFactor:      3,
		MinValidSamples:    3,
		Colors:             DefaultColorMap(0, maxDistance),
		CoverageThresholds: []float32{0.1, 0.25, 0.5, 1},
		BatchSize:          1 << 16,
	}
}

func (cfg *Config) validate() error {
	switch {
	case math32.IsNaN(cfg.DensityThreshold):
		return errors.New("NaN density threshold")
	case !(cfg.MaxProbeDistance > 0):
		return errors.New("max probe distance must be positive")
	case cfg.RayStep < 0 || cfg.SurfaceOffset < 0:
		return errors.New("negative ray step or surface offset")
	case cfg.RejectOutliers && !(cfg.OutlierFactor > 0):
		return errors.New("outlier rejection requires a positive factor")
	case cfg.Reduce > ReduceWeighted:
		return errors.New("unknown reduction")
	}
	for _, f := range []Fan{cfg.HorizontalFan, cfg.VerticalFan, cfg.ObliqueFan, cfg.FallbackFan} {
		if err := f.validate(); err != nil {
			return err
		}
	}
	return cfg.Colors.validate()
}

func (cfg *Config) up() ms3.Vec {
	if cfg.Up == (ms3.Vec{}) {
		return ms3.Vec{Z: 1}
	}
	return ms3.Unit(cfg.Up)
}

func (cfg *Config) rayStep(g *isomesh.VoxelGrid) float32 {
	if cfg.RayStep > 0 {
		return cfg.RayStep
	}
	return 0.5 * minComponent(g.VoxelSize())
}

func (cfg *Config) surfaceOffset(g *isomesh.VoxelGrid) float32 {
	if cfg.SurfaceOffset > 0 {
		return cfg.SurfaceOffset
	}
	return 0.05 * minComponent(g.VoxelSize())
}

func (cfg *Config) batchSize() int {
	if cfg.BatchSize > 0 {
		return cfg.BatchSize
	}
	return 1 << 16
}

func (cfg *Config) workers() int {
	if cfg.Workers > 0 {
		return cfg.Workers
	}
	return runtime.NumCPU()
}

// MarchConfig returns the ray marching parameters probing g requires, for use
// when constructing a custom [Config.Marcher].
func (cfg *Config) MarchConfig(g *isomesh.VoxelGrid) voleval.MarchConfig {
	step := cfg.rayStep(g)
	return voleval.MarchConfig{
		Threshold:   cfg.DensityThreshold,
		MaxDistance: math32.Max(cfg.MaxProbeDistance+cfg.surfaceOffset(g), step),
		Step:        step,
	}
}

// fanFor returns the fan selected by the normal's orientation relative to up.
func (cfg *Config) fanFor(n, up ms3.Vec) Fan {
	d := math32.Abs(ms3.Dot(n, up))
	switch {
	case d >= cfg.HorizontalDot:
		return cfg.HorizontalFan
	case d <= cfg.VerticalDot:
		return cfg.VerticalFan
	}
	return cfg.ObliqueFan
}

func minComponent(v ms3.Vec) float32 {
	return math32.Min(v.X, math32.Min(v.Y, v.Z))
}
