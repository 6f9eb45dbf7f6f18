package voleval

import (
	"errors"
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
)

// rampGrid returns a grid whose value equals the voxel's X index, with 1 unit sized voxels.
func rampGrid(t *testing.T, nx, ny, nz int) *isomesh.VoxelGrid {
	t.Helper()
	vals := make([]float32, nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				vals[x+nx*(y+ny*z)] = float32(x)
			}
		}
	}
	g, err := isomesh.NewVoxelGrid(vals, nx, ny, nz, ms3.Vec{X: float32(nx), Y: float32(ny), Z: float32(nz)})
	if err != nil {
		t.Fatal(err)
	}
	return &g
}

func TestTrilinear(t *testing.T) {
	const tol = 1e-6
	vals := []float32{
		0, 1,
		2, 3,
		4, 5,
		6, 7,
	}
	for i, want := range vals {
		p := ms3.Vec{X: float32(i % 2), Y: float32((i / 2) % 2), Z: float32(i / 4)}
		got := Trilinear(vals, 2, 2, 2, p)
		if math32.Abs(got-want) > tol {
			t.Errorf("corner %v: want %g, got %g", p, want, got)
		}
	}
	center := Trilinear(vals, 2, 2, 2, ms3.Vec{X: 0.5, Y: 0.5, Z: 0.5})
	if math32.Abs(center-3.5) > tol {
		t.Errorf("center: want 3.5, got %g", center)
	}
	clamped := Trilinear(vals, 2, 2, 2, ms3.Vec{X: 10, Y: -3, Z: 10})
	if clamped != 5 {
		t.Errorf("clamped: want 5, got %g", clamped)
	}
}

func TestGridFieldWorldSpace(t *testing.T) {
	g := rampGrid(t, 6, 5, 4)
	g.Position = ms3.Vec{X: 10, Y: -2, Z: 3}
	g.Orientation = mgl32.QuatRotate(0.7, mgl32.Vec3{0, 0, 1})
	f, err := NewGridField(g, WorldSpace)
	if err != nil {
		t.Fatal(err)
	}
	var pos []ms3.Vec
	var want []float32
	for z := 0; z < g.DimZ; z++ {
		for y := 0; y < g.DimY; y++ {
			for x := 0; x < g.DimX; x++ {
				pos = append(pos, g.GridToWorld(ms3.Vec{X: float32(x), Y: float32(y), Z: float32(z)}))
				want = append(want, g.At(x, y, z))
			}
		}
	}
	got := make([]float32, len(pos))
	err = f.Evaluate(pos, got, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range got {
		if math32.Abs(got[i]-want[i]) > 1e-3 {
			t.Fatalf("position %v: want %g, got %g", pos[i], want[i], got[i])
		}
	}
	far := []ms3.Vec{{X: 1000}}
	err = f.Evaluate(far, got[:1], nil)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != f.Outside() {
		t.Errorf("outside grid: want %g, got %g", f.Outside(), got[0])
	}
	if f.Evaluations() != uint64(len(pos)+1) {
		t.Errorf("evaluations: want %d, got %d", len(pos)+1, f.Evaluations())
	}
}

func TestNormalsCentralDiff(t *testing.T) {
	g := rampGrid(t, 8, 8, 8)
	f, err := NewGridField(g, IndexSpace)
	if err != nil {
		t.Fatal(err)
	}
	pos := []ms3.Vec{{X: 3, Y: 3, Z: 3}, {X: 4.5, Y: 2, Z: 6}}
	normals := make([]ms3.Vec, len(pos))
	var vp VecPool
	err = NormalsCentralDiff(f, pos, normals, 1, &vp)
	if err != nil {
		t.Fatal(err)
	}
	for i, n := range normals {
		u := ms3.Unit(n)
		if math32.Abs(u.X-1) > 1e-4 || math32.Abs(u.Y) > 1e-4 || math32.Abs(u.Z) > 1e-4 {
			t.Errorf("position %v: expected +X gradient, got %v", pos[i], n)
		}
	}
	if err := vp.AssertAllReleased(); err != nil {
		t.Error(err)
	}
	err = NormalsCentralDiff(f, pos, normals, 1, nil)
	if err == nil {
		t.Error("expected error without VecPool")
	}
}

func TestCPUMarcher(t *testing.T) {
	g := rampGrid(t, 8, 4, 4)
	f, err := NewGridField(g, WorldSpace)
	if err != nil {
		t.Fatal(err)
	}
	cfg := MarchConfig{Threshold: 2.5, MaxDistance: 6, Step: 0.3}
	for _, workers := range []int{1, 3} {
		m, err := NewCPUMarcher(f, cfg, workers, func() Field { return f.Clone() })
		if err != nil {
			t.Fatal(err)
		}
		start := g.GridToWorld(ms3.Vec{Y: 1.5, Z: 1.5})
		rays := []Ray{
			{Origin: start, Dir: ms3.Vec{X: 1}, Rising: true},
			{Origin: start, Dir: ms3.Vec{X: -1}, Rising: true}, // Leaves the volume, no crossing.
			{Origin: ms3.Add(start, ms3.Vec{X: 5}), Dir: ms3.Vec{X: -1}, Rising: false},
			{Origin: start, Dir: ms3.Vec{X: 1}, Rising: false}, // Field only rises along +X.
		}
		hits := make([]float32, len(rays))
		err = m.March(rays, hits, nil)
		if err != nil {
			t.Fatal(err)
		}
		want := []float32{2.5, Miss, 2.5, Miss}
		for i := range want {
			if math32.Abs(hits[i]-want[i]) > 1e-4 {
				t.Errorf("workers=%d ray %d: want hit %g, got %g", workers, i, want[i], hits[i])
			}
		}
	}
}

func TestMarchConfigValidate(t *testing.T) {
	bad := []MarchConfig{
		{Threshold: 1, MaxDistance: 0, Step: 1},
		{Threshold: 1, MaxDistance: 1, Step: 0},
		{Threshold: 1, MaxDistance: 1, Step: 2},
		{Threshold: math32.NaN(), MaxDistance: 1, Step: 0.5},
	}
	for i, cfg := range bad {
		if cfg.validate() == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}

func TestGPUWorkGroupLimit(t *testing.T) {
	cfg := GPUConfig{
		March:              MarchConfig{Threshold: 1, MaxDistance: 1, Step: 0.1},
		InvocX:             32,
		MaxRaysPerDispatch: 32 * 100,
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	err := cfg.checkWorkGroups(64)
	var limitErr *isomesh.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	if limitErr.Requested != 100 || limitErr.Limit != 64 {
		t.Errorf("unexpected limit error contents: %+v", limitErr)
	}
	if err := cfg.checkWorkGroups(100); err != nil {
		t.Error("expected no error at exact limit:", err)
	}
}

func TestVecPool(t *testing.T) {
	var vp VecPool
	a := vp.Float.Acquire(10)
	b := vp.Float.Acquire(5)
	if &a[0] == &b[0] {
		t.Fatal("acquired aliasing buffers")
	}
	vp.Float.Release(a)
	c := vp.Float.Acquire(8)
	if &c[0] != &a[0] {
		t.Error("expected released buffer to be reused")
	}
	if err := vp.AssertAllReleased(); err == nil {
		t.Error("expected unreleased buffers error")
	}
	vp.Float.Release(b)
	vp.Float.Release(c)
	if err := vp.AssertAllReleased(); err != nil {
		t.Error(err)
	}
}
