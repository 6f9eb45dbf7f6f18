// Package isoaux chains the isomesh packages into ready to use pipelines and writes
// report artifacts. Applications with special needs should compose the packages directly.
package isoaux

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	math "github.com/chewxy/math32"
	"github.com/soypat/isomesh"
	"github.com/soypat/isomesh/deviation"
	"github.com/soypat/isomesh/mcubes"
	"github.com/soypat/isomesh/polyclip"
	"github.com/soypat/isomesh/stlio"
	"github.com/soypat/isomesh/voleval"
	"github.com/soypat/isomesh/voxclip"
)

type RenderConfig struct {
	// STLOutput receives the extracted mesh if not nil.
	STLOutput io.Writer
	// ASCII selects the ASCII STL encoding. Name is the solid name or binary header text.
	ASCII bool
	Name  string

	IsoLevel    float32
	Smooth      bool
	DoubleSided bool
	Upsampling  float32
	// Regions clip the surface. By default voxels are clipped before extraction
	// which closes the cut with new surface. ClipMesh instead cuts the extracted mesh
	// leaving it open along the region faces.
	Regions  []isomesh.ClipRegion
	ClipMesh bool
	// ClipEpsilon is the polygon clipping tolerance, see [polyclip.Config].
	ClipEpsilon float32

	Workers    int
	OnProgress isomesh.ProgressFunc
	Silent     bool
}

// Render extracts g's iso-surface into world space, clips it by cfg.Regions and
// writes it to cfg.STLOutput. The resulting mesh is returned.
func Render(g *isomesh.VoxelGrid, cfg RenderConfig) (mesh isomesh.Mesh, err error) {
	if g == nil {
		return mesh, errors.New("Render requires a voxel grid")
	}
	log := func(args ...any) {
		if !cfg.Silent {
			fmt.Println(args...)
		}
	}
	watch := stopwatch()
	if len(cfg.Regions) > 0 && !cfg.ClipMesh {
		clipped, err := voxclip.ClipGrid(g, cfg.Regions, voxclip.Config{IsoLevel: cfg.IsoLevel, Workers: cfg.Workers})
		if err != nil {
			return mesh, fmt.Errorf("clipping voxels: %w", err)
		}
		g = &clipped
		log("clipped voxels by", len(cfg.Regions), "regions in", watch())
	}

	watch = stopwatch()
	mesh, err = mcubes.BuildGridMesh(g, mcubes.Config{
		IsoLevel:    cfg.IsoLevel,
		Smooth:      cfg.Smooth,
		DoubleSided: cfg.DoubleSided,
		Upsampling:  cfg.Upsampling,
		Workers:     cfg.Workers,
		OnProgress:  cfg.OnProgress,
	})
	if err != nil {
		return isomesh.Mesh{}, fmt.Errorf("extracting surface: %w", err)
	}
	log("extracted", len(mesh.Triangles), "triangles and", len(mesh.Vertices), "vertices from", g.DimX*g.DimY*g.DimZ, "voxels in", watch())
	if mesh.Empty() {
		log("iso level", cfg.IsoLevel, "does not cross the grid")
	}

	if len(cfg.Regions) > 0 && cfg.ClipMesh && !mesh.Empty() {
		watch = stopwatch()
		before := uint64(len(mesh.Triangles))
		mesh, err = polyclip.ClipByRegions(mesh, cfg.Regions, polyclip.Config{
			Epsilon:    cfg.ClipEpsilon,
			Workers:    cfg.Workers,
			OnProgress: cfg.OnProgress,
		})
		if err != nil {
			return isomesh.Mesh{}, fmt.Errorf("clipping mesh: %w", err)
		}
		log("clipped mesh to", len(mesh.Triangles), "triangles,", percentUint64(uint64(len(mesh.Triangles)), before), "percent of input, in", watch())
	}

	if cfg.STLOutput != nil {
		watch = stopwatch()
		if cfg.ASCII {
			_, err = stlio.WriteASCII(cfg.STLOutput, &mesh, cfg.Name)
		} else {
			_, err = stlio.WriteBinary(cfg.STLOutput, &mesh, cfg.Name)
		}
		if err != nil {
			return mesh, fmt.Errorf("writing STL file: %w", err)
		}
		filename := "STL"
		if fp, ok := cfg.STLOutput.(*os.File); ok {
			filename = fp.Name()
		}
		log("wrote", filename, "in", watch())
	}
	return mesh, nil
}

type DeviationConfig struct {
	deviation.Config
	// UseGPU probes with a compute shader ray marcher. A GL context must be current
	// on the calling thread, see [voleval.Init1x1GLFW].
	UseGPU bool
	GPU    voleval.GPUConfig
	Silent bool
}

// Deviation probes meshes against g and logs the summary statistics.
// Results are returned along with [isomesh.ErrNoValidSamples] when every probe missed.
func Deviation(meshes []isomesh.Mesh, g *isomesh.VoxelGrid, cfg DeviationConfig) (deviation.Result, error) {
	log := func(args ...any) {
		if !cfg.Silent {
			fmt.Println(args...)
		}
	}
	if cfg.UseGPU {
		log("using GPU")
		gpu := cfg.GPU
		gpu.March = cfg.MarchConfig(g)
		if gpu.InvocX == 0 {
			gpu.InvocX = 64
		}
		if gpu.MaxRaysPerDispatch == 0 {
			gpu.MaxRaysPerDispatch = 1 << 16
		}
		marcher, err := voleval.NewGPUMarcher(g, gpu)
		if err != nil {
			return deviation.Result{}, fmt.Errorf("instantiating GPU marcher: %w", err)
		}
		defer marcher.Close()
		cfg.Marcher = marcher
	} else {
		log("using CPU")
	}
	var nverts uint64
	for i := range meshes {
		nverts += uint64(len(meshes[i].Vertices))
	}
	watch := stopwatch()
	res, err := deviation.ComputeDeviation(meshes, g, cfg.Config)
	if err != nil && !errors.Is(err, isomesh.ErrNoValidSamples) {
		return res, err
	}
	log("probed", nverts, "vertices in", watch(), "with", percentUint64(uint64(res.Stats.Count), nverts), "percent valid")
	log(res.Summary())
	return res, err
}

func stopwatch() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}

func percentUint64(num, denom uint64) float32 {
	if denom == 0 {
		return 0
	}
	return math.Trunc(10000*float32(num)/float32(denom)) / 100
}
