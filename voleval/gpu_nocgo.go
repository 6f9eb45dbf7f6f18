//go:build tinygo || !cgo

package voleval

import (
	"errors"

	"github.com/soypat/isomesh"
)

var errNoCGO = errors.New("GPU evaluation requires CGo and is not supported on TinyGo")

// Init1x1GLFW starts a 1x1 sized GLFW so that user can start working with GPU.
func Init1x1GLFW() (terminate func(), err error) {
	return nil, errNoCGO
}

// GPUMarcher marches rays through a voxel grid in a compute shader.
type GPUMarcher struct{}

// NewGPUMarcher compiles the marching shader and uploads g's values to the GPU.
func NewGPUMarcher(g *isomesh.VoxelGrid, cfg GPUConfig) (*GPUMarcher, error) {
	return nil, errNoCGO
}

// Close releases the GPU resources held by the marcher.
func (m *GPUMarcher) Close() error { return errNoCGO }

// March implements [RayMarcher].
func (m *GPUMarcher) March(rays []Ray, dst []float32, userData any) error {
	return errNoCGO
}
