//go:build !tinygo && cgo

package voleval

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/go-gl/gl/v4.6-core/gl"
	"github.com/soypat/glgl/v4.6-core/glgl"
	"github.com/soypat/isomesh"
)

// Init1x1GLFW starts a 1x1 sized GLFW so that user can start working with GPU.
// It returns a termination function that should be called when user is done running loads on GPU.
func Init1x1GLFW() (terminate func(), err error) {
	_, terminate, err = glgl.InitWithCurrentWindow33(glgl.WindowConfig{
		Title:   "compute",
		Version: [2]int{4, 6},
		Width:   1,
		Height:  1,
	})
	return terminate, err
}

// GPUMarcher marches rays through a voxel grid in a compute shader. The grid is uploaded once on
// creation; ray and hit buffers are scoped to each dispatch. Must be used from the goroutine that owns
// the GL context.
type GPUMarcher struct {
	prog     glgl.Program
	cfg      GPUConfig
	volSSBO  uint32
	grid     *isomesh.VoxelGrid
	outside  float32
	raybuf   []gpuRay
	maxWorkX int
}

// NewGPUMarcher compiles the marching shader and uploads g's values to the GPU.
// It returns a [*isomesh.LimitError] if a full dispatch would exceed the work group ceiling.
func NewGPUMarcher(g *isomesh.VoxelGrid, cfg GPUConfig) (*GPUMarcher, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	limit := cfg.MaxWorkGroups
	if limit <= 0 {
		var v int32
		gl.GetIntegeri_v(gl.MAX_COMPUTE_WORK_GROUP_COUNT, 0, &v)
		limit = int(v)
	}
	if err := cfg.checkWorkGroups(limit); err != nil {
		return nil, err
	}
	prog, err := glgl.CompileProgram(glgl.ShaderSource{Compute: marchShaderSource(cfg.InvocX)})
	if err != nil {
		return nil, err
	}
	lo, _ := g.Range()
	m := &GPUMarcher{
		prog:     prog,
		cfg:      cfg,
		grid:     g,
		outside:  lo,
		maxWorkX: limit,
	}
	m.volSSBO = loadSSBO(g.Values, 0, gl.STATIC_DRAW)
	if m.volSSBO == 0 {
		prog.Delete()
		return nil, glErrOrMessage("loading volume SSBO got zero id")
	}
	return m, nil
}

// Close releases the GPU resources held by the marcher.
func (m *GPUMarcher) Close() error {
	if m.volSSBO != 0 {
		gl.DeleteBuffers(1, &m.volSSBO)
		m.volSSBO = 0
	}
	m.prog.Delete()
	return glgl.Err()
}

// March implements [RayMarcher]. Rays are split into dispatches of at most MaxRaysPerDispatch.
func (m *GPUMarcher) March(rays []Ray, dst []float32, userData any) error {
	if len(rays) != len(dst) {
		return errMismatchBufferLength
	} else if len(rays) == 0 {
		return errEmptyBuffers
	} else if m.volSSBO == 0 {
		return errors.New("use of closed GPUMarcher")
	}
	m.prog.Bind()
	defer m.prog.Unbind()
	err := m.setUniforms()
	if err != nil {
		return err
	}
	for start := 0; start < len(rays); start += m.cfg.MaxRaysPerDispatch {
		end := min(start+m.cfg.MaxRaysPerDispatch, len(rays))
		err = m.dispatch(rays[start:end], dst[start:end])
		if err != nil {
			return fmt.Errorf("dispatch of rays %d..%d: %w", start, end, err)
		}
	}
	return nil
}

func (m *GPUMarcher) dispatch(rays []Ray, dst []float32) error {
	nWorkX := (len(rays) + m.cfg.InvocX - 1) / m.cfg.InvocX
	if m.maxWorkX > 0 && nWorkX > m.maxWorkX {
		return &isomesh.LimitError{Resource: "compute work group", Requested: nWorkX, Limit: m.maxWorkX}
	}
	m.raybuf = m.raybuf[:0]
	for _, r := range rays {
		var rising float32
		if r.Rising {
			rising = 1
		}
		m.raybuf = append(m.raybuf, gpuRay{
			Origin: r.Origin.Array(),
			Dir:    r.Dir.Array(),
			Rising: rising,
		})
	}
	loc, err := m.prog.UniformLocation("NumRays\x00")
	if err != nil {
		return err
	}
	gl.Uniform1i(loc, int32(len(rays)))

	var p runtime.Pinner
	ssboRays := loadSSBO(m.raybuf, 1, gl.STATIC_DRAW)
	ssboHits := createSSBO(elemSize[float32]()*len(dst), 2, gl.DYNAMIC_READ)
	p.Pin(&ssboRays)
	p.Pin(&ssboHits)
	defer p.Unpin()
	defer gl.DeleteBuffers(1, &ssboRays)
	defer gl.DeleteBuffers(1, &ssboHits)
	if ssboRays == 0 || ssboHits == 0 {
		return glErrOrMessage("zero SSBO id set by GL during ray loading")
	}
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, 0, m.volSSBO)
	err = glgl.Err()
	if err != nil {
		return err
	}
	gl.DispatchCompute(uint32(nWorkX), 1, 1)
	err = glgl.Err()
	if err != nil {
		return err
	}
	gl.MemoryBarrier(gl.SHADER_STORAGE_BARRIER_BIT)
	err = copySSBO(dst, ssboHits)
	if err != nil {
		return err
	}
	return glgl.Err()
}

func (m *GPUMarcher) setUniforms() error {
	prog := m.prog
	g := m.grid
	toGrid := WorldToGridMat4(g)
	loc, err := prog.UniformLocation("WorldToGrid\x00")
	if err != nil {
		return err
	}
	gl.UniformMatrix4fv(loc, 1, false, &toGrid[0])
	loc, err = prog.UniformLocation("Dims\x00")
	if err != nil {
		return err
	}
	gl.Uniform3i(loc, int32(g.DimX), int32(g.DimY), int32(g.DimZ))
	floats := []struct {
		name string
		v    float32
	}{
		{"Threshold\x00", m.cfg.March.Threshold},
		{"MaxDistance\x00", m.cfg.March.MaxDistance},
		{"Step\x00", m.cfg.March.Step},
		{"Outside\x00", m.outside},
	}
	for _, f := range floats {
		loc, err = prog.UniformLocation(f.name)
		if err != nil {
			return err
		}
		err = prog.SetUniformf(loc, f.v)
		if err != nil {
			return err
		}
	}
	return glgl.Err()
}

func loadSSBO[T any](slice []T, base, usage uint32) (ssbo uint32) {
	var p runtime.Pinner
	p.Pin(&ssbo)
	gl.GenBuffers(1, &ssbo)
	p.Unpin()
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, ssbo)
	size := len(slice) * elemSize[T]()
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, size, unsafe.Pointer(&slice[0]), usage)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, base, ssbo)
	return ssbo
}

func createSSBO(size int, base, usage uint32) (ssbo uint32) {
	gl.GenBuffers(1, &ssbo)
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, ssbo)
	gl.BufferData(gl.SHADER_STORAGE_BUFFER, size, nil, usage)
	gl.BindBufferBase(gl.SHADER_STORAGE_BUFFER, base, ssbo)
	return ssbo
}

func copySSBO[T any](dst []T, ssbo uint32) error {
	singleSize := elemSize[T]()
	bufSize := singleSize * len(dst)
	gl.BindBuffer(gl.SHADER_STORAGE_BUFFER, ssbo)
	ptr := gl.MapBufferRange(gl.SHADER_STORAGE_BUFFER, 0, bufSize, gl.MAP_READ_BIT)
	if ptr == nil {
		return glErrOrMessage("failed to map SSBO buffer during copy")
	}
	defer gl.UnmapBuffer(gl.SHADER_STORAGE_BUFFER)
	gpuBytes := unsafe.Slice((*byte)(ptr), bufSize)
	bufBytes := unsafe.Slice((*byte)(unsafe.Pointer(&dst[0])), bufSize)
	copy(bufBytes, gpuBytes)
	return nil
}

func elemSize[T any]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

func glErrOrMessage(defaultMsg string) (err error) {
	err = glgl.Err()
	if err == nil {
		err = errors.New(defaultMsg)
	} else {
		err = fmt.Errorf("%s: %w", defaultMsg, err)
	}
	return err
}
