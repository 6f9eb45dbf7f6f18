package isoaux

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
)

// ReadRawGrid reads nx*ny*nz little endian float32 values stored X-fastest and returns
// a grid of the given physical extent centered at the origin.
func ReadRawGrid(r io.Reader, nx, ny, nz int, extent ms3.Vec) (isomesh.VoxelGrid, error) {
	err := isomesh.CheckShape(nx*ny*nz, nx, ny, nz)
	if err != nil {
		return isomesh.VoxelGrid{}, err
	}
	vals := make([]float32, nx*ny*nz)
	err = binary.Read(r, binary.LittleEndian, vals)
	if err != nil {
		return isomesh.VoxelGrid{}, fmt.Errorf("reading %d voxels: %w", len(vals), err)
	}
	return isomesh.NewVoxelGrid(vals, nx, ny, nz, extent)
}

// LoadRawGrid is like [ReadRawGrid] but reads from a file whose size must match the dimensions exactly.
func LoadRawGrid(filename string, nx, ny, nz int, extent ms3.Vec) (isomesh.VoxelGrid, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return isomesh.VoxelGrid{}, err
	}
	defer fp.Close()
	info, err := fp.Stat()
	if err != nil {
		return isomesh.VoxelGrid{}, err
	}
	if want := int64(4 * nx * ny * nz); info.Size() != want {
		return isomesh.VoxelGrid{}, fmt.Errorf("%w: %s has %d bytes, want %d for %dx%dx%d float32 voxels",
			isomesh.ErrInvalidShape, filename, info.Size(), want, nx, ny, nz)
	}
	return ReadRawGrid(bufio.NewReader(fp), nx, ny, nz, extent)
}
