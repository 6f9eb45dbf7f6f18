package isoaux

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
	"github.com/soypat/isomesh/deviation"
)

// PipelineConfig is the JSON description of a volume processing run. Omitted fields
// take the defaults reported by the Get* methods so partial files are valid.
type PipelineConfig struct {
	// Extraction params
	IsoLevel    *float32 `json:"iso_level,omitempty"`
	Smooth      *bool    `json:"smooth,omitempty"`
	DoubleSided *bool    `json:"double_sided,omitempty"`
	Upsampling  *float32 `json:"upsampling,omitempty"`
	Workers     *int     `json:"workers,omitempty"`

	// Clipping params
	Regions     []RegionConfig `json:"regions,omitempty"`
	ClipMesh    *bool          `json:"clip_mesh,omitempty"`
	ClipEpsilon *float32       `json:"clip_epsilon,omitempty"`

	// Output params
	ASCII *bool   `json:"ascii,omitempty"`
	Name  *string `json:"name,omitempty"`

	Deviation *DeviationParams `json:"deviation,omitempty"`
}

// RegionConfig is a box clip region. Rotation holds XYZ Euler angles in degrees.
type RegionConfig struct {
	Center   [3]float32 `json:"center"`
	Size     [3]float32 `json:"size"`
	Rotation [3]float32 `json:"rotation,omitempty"`
	// Mode is "inclusive" or "exclusive".
	Mode string `json:"mode"`
}

// DeviationParams configures deviation probing. Distances are in the grid's physical units.
type DeviationParams struct {
	MaxProbeDistance   *float32  `json:"max_probe_distance,omitempty"`
	Signed             *bool     `json:"signed,omitempty"`
	MultiDirectional   *bool     `json:"multi_directional,omitempty"`
	Reduce             *string   `json:"reduce,omitempty"` // "shortest" or "weighted"
	RejectOutliers     *bool     `json:"reject_outliers,omitempty"`
	AggressiveFallback *bool     `json:"aggressive_fallback,omitempty"`
	ColorMin           *float32  `json:"color_min,omitempty"`
	ColorMax           *float32  `json:"color_max,omitempty"`
	Bands              *int      `json:"bands,omitempty"`
	CoverageThresholds []float32 `json:"coverage_thresholds,omitempty"`
}

const (
	defaultMaxProbeDistance = 2
	maxConfigFileSize       = 1 * 1024 * 1024 // 1MB
)

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &PipelineConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *PipelineConfig) Validate() error {
	if c.Upsampling != nil && *c.Upsampling < 0 {
		return fmt.Errorf("upsampling must be non-negative, got %g", *c.Upsampling)
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}
	if c.ClipEpsilon != nil && *c.ClipEpsilon < 0 {
		return fmt.Errorf("clip_epsilon must be non-negative, got %g", *c.ClipEpsilon)
	}
	for i, r := range c.Regions {
		if _, err := parseMode(r.Mode); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
		if !(r.Size[0] > 0 && r.Size[1] > 0 && r.Size[2] > 0) {
			return fmt.Errorf("region %d: size must be positive, got %v", i, r.Size)
		}
	}
	if d := c.Deviation; d != nil {
		if d.MaxProbeDistance != nil && !(*d.MaxProbeDistance > 0) {
			return fmt.Errorf("max_probe_distance must be positive, got %g", *d.MaxProbeDistance)
		}
		if d.Reduce != nil {
			if _, err := parseReduction(*d.Reduce); err != nil {
				return err
			}
		}
		if d.Bands != nil && *d.Bands < 0 {
			return fmt.Errorf("bands must be non-negative, got %d", *d.Bands)
		}
		if !(d.GetColorMax() > d.GetColorMin()) {
			return fmt.Errorf("color_max %g must exceed color_min %g", d.GetColorMax(), d.GetColorMin())
		}
	}
	return nil
}

func parseMode(s string) (isomesh.CutoutMode, error) {
	switch s {
	case "inclusive", "":
		return isomesh.Inclusive, nil
	case "exclusive":
		return isomesh.Exclusive, nil
	}
	return 0, fmt.Errorf("unknown cutout mode %q", s)
}

func parseReduction(s string) (deviation.Reduction, error) {
	switch s {
	case "shortest", "":
		return deviation.ReduceShortest, nil
	case "weighted":
		return deviation.ReduceWeighted, nil
	}
	return 0, fmt.Errorf("unknown reduction %q", s)
}

func (c *PipelineConfig) GetIsoLevel() float32 {
	if c.IsoLevel == nil {
		return 0
	}
	return *c.IsoLevel
}

func (c *PipelineConfig) GetSmooth() bool {
	if c.Smooth == nil {
		return true
	}
	return *c.Smooth
}

func (c *PipelineConfig) GetDoubleSided() bool {
	return c.DoubleSided != nil && *c.DoubleSided
}

func (c *PipelineConfig) GetUpsampling() float32 {
	if c.Upsampling == nil {
		return 1
	}
	return *c.Upsampling
}

func (c *PipelineConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

func (c *PipelineConfig) GetClipMesh() bool {
	return c.ClipMesh != nil && *c.ClipMesh
}

func (c *PipelineConfig) GetClipEpsilon() float32 {
	if c.ClipEpsilon == nil {
		return 0
	}
	return *c.ClipEpsilon
}

func (c *PipelineConfig) GetASCII() bool {
	return c.ASCII != nil && *c.ASCII
}

func (c *PipelineConfig) GetName() string {
	if c.Name == nil {
		return ""
	}
	return *c.Name
}

// ClipRegions converts the configured regions.
func (c *PipelineConfig) ClipRegions() ([]isomesh.ClipRegion, error) {
	regions := make([]isomesh.ClipRegion, 0, len(c.Regions))
	for i, r := range c.Regions {
		mode, err := parseMode(r.Mode)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		rot := mgl32.AnglesToQuat(mgl32.DegToRad(r.Rotation[0]), mgl32.DegToRad(r.Rotation[1]), mgl32.DegToRad(r.Rotation[2]), mgl32.XYZ)
		center := ms3.Vec{X: r.Center[0], Y: r.Center[1], Z: r.Center[2]}
		size := ms3.Vec{X: r.Size[0], Y: r.Size[1], Z: r.Size[2]}
		regions = append(regions, isomesh.NewBoxRegion(center, size, rot, mode))
	}
	return regions, nil
}

// RenderConfig returns the extraction and clipping part of the pipeline. Outputs are left unset.
func (c *PipelineConfig) RenderConfig() (RenderConfig, error) {
	regions, err := c.ClipRegions()
	if err != nil {
		return RenderConfig{}, err
	}
	return RenderConfig{
		ASCII:       c.GetASCII(),
		Name:        c.GetName(),
		IsoLevel:    c.GetIsoLevel(),
		Smooth:      c.GetSmooth(),
		DoubleSided: c.GetDoubleSided(),
		Upsampling:  c.GetUpsampling(),
		Regions:     regions,
		ClipMesh:    c.GetClipMesh(),
		ClipEpsilon: c.GetClipEpsilon(),
		Workers:     c.GetWorkers(),
	}, nil
}

// DeviationConfig returns the probe configuration. The iso level is the density threshold.
func (c *PipelineConfig) DeviationConfig() (deviation.Config, error) {
	d := c.Deviation
	if d == nil {
		d = &DeviationParams{}
	}
	cfg := deviation.DefaultConfig(c.GetIsoLevel(), d.GetMaxProbeDistance())
	cfg.Workers = c.GetWorkers()
	cfg.Signed = d.Signed != nil && *d.Signed
	cfg.MultiDirectional = d.MultiDirectional != nil && *d.MultiDirectional
	cfg.RejectOutliers = d.RejectOutliers != nil && *d.RejectOutliers
	cfg.AggressiveFallback = d.AggressiveFallback != nil && *d.AggressiveFallback
	if d.Reduce != nil {
		r, err := parseReduction(*d.Reduce)
		if err != nil {
			return deviation.Config{}, err
		}
		cfg.Reduce = r
	}
	if d.CoverageThresholds != nil {
		cfg.CoverageThresholds = d.CoverageThresholds
	}
	lo, hi := d.GetColorMin(), d.GetColorMax()
	if cfg.Signed && d.ColorMin == nil {
		lo = -hi
	}
	if d.Bands != nil && *d.Bands > 0 {
		cfg.Colors = deviation.BandedColorMap(lo, hi, *d.Bands)
	} else {
		cfg.Colors = deviation.DefaultColorMap(lo, hi)
	}
	return cfg, nil
}

func (d *DeviationParams) GetMaxProbeDistance() float32 {
	if d.MaxProbeDistance == nil {
		return defaultMaxProbeDistance
	}
	return *d.MaxProbeDistance
}

func (d *DeviationParams) GetColorMin() float32 {
	if d.ColorMin == nil {
		return 0
	}
	return *d.ColorMin
}

func (d *DeviationParams) GetColorMax() float32 {
	if d.ColorMax == nil {
		return d.GetMaxProbeDistance()
	}
	return *d.ColorMax
}
