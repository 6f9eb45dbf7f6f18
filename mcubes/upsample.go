package mcubes

import (
	"errors"
	"runtime"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
	"github.com/soypat/isomesh/voleval"
)

// maxUpsampledVoxels bounds the size of upsampled grids.
const maxUpsampledVoxels = 1 << 30

// UpsampledDims returns the grid dimensions Upsample produces: round((n-1)*factor)+1 per axis.
func UpsampledDims(nx, ny, nz int, factor float32) (ux, uy, uz int) {
	up := func(n int) int { return int(math32.Round(float32(n-1)*factor)) + 1 }
	return up(nx), up(ny), up(nz)
}

// Upsample resamples the X-fastest grid by trilinear interpolation so each axis has
// round((n-1)*factor)+1 samples spanning the same index space extent. Progress is reported
// as the negated fraction of completed output slices. On cancellation the original grid
// is returned unmodified together with [isomesh.ErrCancelled].
func Upsample(voxels []float32, nx, ny, nz int, factor float32, workers int, onProgress isomesh.ProgressFunc) (_ []float32, ux, uy, uz int, err error) {
	err = isomesh.CheckShape(len(voxels), nx, ny, nz)
	if err != nil {
		return voxels, nx, ny, nz, err
	} else if !(factor > 0) || math32.IsInf(factor, 1) {
		return voxels, nx, ny, nz, errors.New("invalid upsampling factor")
	}
	ux, uy, uz = UpsampledDims(nx, ny, nz, factor)
	if int64(ux)*int64(uy)*int64(uz) > maxUpsampledVoxels {
		return voxels, nx, ny, nz, &isomesh.LimitError{Resource: "upsampled voxel", Requested: ux * uy * uz, Limit: maxUpsampledVoxels}
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	scale := ms3.Vec{
		X: float32(nx-1) / float32(max(ux-1, 1)),
		Y: float32(ny-1) / float32(max(uy-1, 1)),
		Z: float32(nz-1) / float32(max(uz-1, 1)),
	}
	dst := make([]float32, ux*uy*uz)
	progress := func(done int) bool {
		return onProgress.Report(-float32(done) / float32(uz))
	}
	cancelled, err := forEachSlice(uz, workers, progress, func(z int) error {
		p := ms3.Vec{Z: float32(z) * scale.Z}
		row := dst[z*ux*uy : (z+1)*ux*uy]
		for y := 0; y < uy; y++ {
			p.Y = float32(y) * scale.Y
			for x := 0; x < ux; x++ {
				p.X = float32(x) * scale.X
				row[x+ux*y] = voleval.Trilinear(voxels, nx, ny, nz, p)
			}
		}
		return nil
	})
	if err != nil {
		return voxels, nx, ny, nz, err
	} else if cancelled {
		return voxels, nx, ny, nz, isomesh.ErrCancelled
	}
	onProgress.Report(-1)
	return dst, ux, uy, uz, nil
}
