package mcubes

import (
	"errors"
	"slices"
	"testing"

	"github.com/chewxy/math32"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
)

// sphereGrid returns an n³ grid of values that decrease linearly with distance from the grid
// center, crossing zero at radius r (in voxels).
func sphereGrid(n int, r float32) []float32 {
	c := float32(n-1) / 2
	vals := make([]float32, n*n*n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				d := ms3.Norm(ms3.Vec{X: float32(x) - c, Y: float32(y) - c, Z: float32(z) - c})
				vals[x+n*(y+n*z)] = r - d
			}
		}
	}
	return vals
}

// blockGrid returns a 4x4x4 zero grid with the centered 2x2x2 block set to one.
func blockGrid() []float32 {
	const n = 4
	vals := make([]float32, n*n*n)
	for z := 1; z <= 2; z++ {
		for y := 1; y <= 2; y++ {
			for x := 1; x <= 2; x++ {
				vals[x+n*(y+n*z)] = 1
			}
		}
	}
	return vals
}

func TestBlockIsWatertight(t *testing.T) {
	mesh, err := BuildMesh(blockGrid(), 4, 4, 4, Config{IsoLevel: 0.5, Smooth: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(mesh.Triangles) == 0 {
		t.Fatal("expected triangles")
	}
	if err := mesh.Validate(); err != nil {
		t.Fatal(err)
	}
	if naked := nakedEdges(mesh); naked != 0 {
		t.Errorf("expected closed mesh, got %d naked edges", naked)
	}
	// Surface must face away from the block.
	center := ms3.Vec{X: 1.5, Y: 1.5, Z: 1.5}
	for i := range mesh.Triangles {
		tri := mesh.Triangle(i)
		centroid := ms3.Scale(1./3, ms3.Add(tri[0], ms3.Add(tri[1], tri[2])))
		if ms3.Dot(mesh.FaceNormal(i), ms3.Sub(centroid, center)) <= 0 {
			t.Fatalf("triangle %d faces inwards", i)
		}
	}
	for i, n := range mesh.Normals {
		if ms3.Dot(n, ms3.Sub(mesh.Vertices[i], center)) <= 0 {
			t.Fatalf("vertex normal %d faces inwards", i)
		}
	}
}

// nakedEdges counts directed edges without a matching opposite directed edge.
func nakedEdges(m isomesh.Mesh) int {
	directed := make(map[[2]uint32]int)
	for _, t := range m.Triangles {
		for i := 0; i < 3; i++ {
			directed[[2]uint32{t[i], t[(i+1)%3]}]++
		}
	}
	naked := 0
	for e, n := range directed {
		if n != 1 || directed[[2]uint32{e[1], e[0]}] != 1 {
			naked++
		}
	}
	return naked
}

func TestSphereIsWatertight(t *testing.T) {
	const n = 16
	mesh, err := BuildMesh(sphereGrid(n, 5.3), n, n, n, Config{Smooth: true})
	if err != nil {
		t.Fatal(err)
	}
	if naked := nakedEdges(mesh); naked != 0 {
		t.Errorf("expected closed mesh, got %d naked edges", naked)
	}
	c := float32(n-1) / 2
	for _, v := range mesh.Vertices {
		r := ms3.Norm(ms3.AddScalar(-c, v))
		if math32.Abs(r-5.3) > 0.1 {
			t.Fatalf("vertex %v off sphere: radius %g", v, r)
		}
	}
}

func triangleSet(m isomesh.Mesh) [][9]float32 {
	set := make([][9]float32, len(m.Triangles))
	for i := range m.Triangles {
		tri := m.Triangle(i)
		set[i] = [9]float32{tri[0].X, tri[0].Y, tri[0].Z, tri[1].X, tri[1].Y, tri[1].Z, tri[2].X, tri[2].Y, tri[2].Z}
	}
	slices.SortFunc(set, func(a, b [9]float32) int {
		for i := range a {
			if a[i] < b[i] {
				return -1
			} else if a[i] > b[i] {
				return 1
			}
		}
		return 0
	})
	return set
}

func TestDeterministicAcrossWorkers(t *testing.T) {
	const n = 14
	vals := sphereGrid(n, 4.7)
	var want [][9]float32
	for _, workers := range []int{1, 2, 7} {
		mesh, err := BuildMesh(vals, n, n, n, Config{Workers: workers, Smooth: true})
		if err != nil {
			t.Fatal(err)
		}
		got := triangleSet(mesh)
		if want == nil {
			want = got
			continue
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("workers=%d: geometry mismatch (-want +got):\n%s", workers, diff)
		}
	}
}

func TestUpsamplingKeepsBounds(t *testing.T) {
	const n = 12
	vals := sphereGrid(n, 4)
	base, err := BuildMesh(vals, n, n, n, Config{Upsampling: 1, Smooth: true})
	if err != nil {
		t.Fatal(err)
	}
	var progress []float32
	up, err := BuildMesh(vals, n, n, n, Config{
		Upsampling: 2,
		Smooth:     true,
		OnProgress: func(p float32) bool {
			progress = append(progress, p)
			return false
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(up.Triangles) < 2*len(base.Triangles) {
		t.Errorf("expected upsampled mesh to have materially more triangles: %d vs %d", len(up.Triangles), len(base.Triangles))
	}
	bb0, bb1 := base.Bounds(), up.Bounds()
	const tol = 0.1
	if !ms3.EqualElem(bb0.Min, bb1.Min, tol) || !ms3.EqualElem(bb0.Max, bb1.Max, tol) {
		t.Errorf("bounds mismatch: %v vs %v", bb0, bb1)
	}
	sawNegative := false
	for _, p := range progress {
		sawNegative = sawNegative || p < 0
	}
	if !sawNegative || progress[len(progress)-1] != 1 {
		t.Errorf("unexpected progress sequence %v", progress)
	}
}

func TestUpsample(t *testing.T) {
	ux, uy, uz := UpsampledDims(4, 5, 2, 2)
	if ux != 7 || uy != 9 || uz != 3 {
		t.Errorf("unexpected upsampled dims %d,%d,%d", ux, uy, uz)
	}
	vals := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	up, ux, uy, uz, err := Upsample(vals, 2, 2, 2, 2, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ux != 3 || uy != 3 || uz != 3 || len(up) != 27 {
		t.Fatalf("unexpected shape %d,%d,%d len=%d", ux, uy, uz, len(up))
	}
	if up[0] != 0 || up[26] != 7 || math32.Abs(up[13]-3.5) > 1e-6 {
		t.Errorf("unexpected upsampled values %v", up)
	}
	cancelled, _, _, _, err := Upsample(vals, 2, 2, 2, 2, 1, func(float32) bool { return true })
	if !errors.Is(err, isomesh.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if &cancelled[0] != &vals[0] {
		t.Error("cancelled upsampling must return the original grid")
	}
}

func TestDoubleSided(t *testing.T) {
	const n = 10
	vals := sphereGrid(n, 3)
	single, err := BuildMesh(vals, n, n, n, Config{Smooth: true})
	if err != nil {
		t.Fatal(err)
	}
	double, err := BuildMesh(vals, n, n, n, Config{Smooth: true, DoubleSided: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := double.Validate(); err != nil {
		t.Fatal(err)
	}
	if len(double.Normals) != len(double.Vertices) {
		t.Fatalf("want %d normals, got %d", len(double.Vertices), len(double.Normals))
	}
	if len(double.Vertices) != 2*len(single.Vertices) {
		t.Fatalf("want %d vertices, got %d", 2*len(single.Vertices), len(double.Vertices))
	}
	nt := len(single.Triangles)
	if len(double.Triangles) != 2*nt {
		t.Fatalf("want %d triangles, got %d", 2*nt, len(double.Triangles))
	}
	for i := 0; i < nt; i++ {
		front, back := double.Triangle(i), double.Triangle(i+nt)
		if front[0] != back[0] || front[1] != back[2] || front[2] != back[1] {
			t.Fatalf("triangle %d: back face %v is not reversed front %v", i, back, front)
		}
		ft, bt := double.Triangles[i], double.Triangles[i+nt]
		for j := range ft {
			if ft[j] == bt[0] || ft[j] == bt[1] || ft[j] == bt[2] {
				t.Fatalf("triangle %d: back face shares vertices with front", i)
			}
		}
	}
	for i := range single.Vertices {
		if double.Normals[i] != ms3.Scale(-1, double.Normals[i+len(single.Vertices)]) {
			t.Fatalf("vertex %d: back normal not negated", i)
		}
	}
}

func TestFlatShading(t *testing.T) {
	mesh, err := BuildMesh(blockGrid(), 4, 4, 4, Config{IsoLevel: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(mesh.Vertices) != 3*len(mesh.Triangles) || len(mesh.Normals) != len(mesh.Vertices) {
		t.Errorf("flat mesh should not share vertices: %d vertices, %d triangles", len(mesh.Vertices), len(mesh.Triangles))
	}
}

func TestBuildMeshErrors(t *testing.T) {
	mesh, err := BuildMesh(make([]float32, 7), 2, 2, 2, Config{})
	if !errors.Is(err, isomesh.ErrInvalidShape) || len(mesh.Vertices) != 0 {
		t.Errorf("expected invalid shape and empty mesh, got %v", err)
	}
	mesh, err = BuildMesh(make([]float32, 4), 1, 2, 2, Config{})
	if !errors.Is(err, isomesh.ErrInvalidShape) || len(mesh.Vertices) != 0 {
		t.Errorf("expected invalid shape and empty mesh, got %v", err)
	}
	mesh, err = BuildMesh(make([]float32, 27), 3, 3, 3, Config{IsoLevel: 0.5})
	if err != nil || len(mesh.Vertices) != 0 {
		t.Errorf("expected genuinely empty mesh without error, got %v", err)
	}
	calls := 0
	mesh, err = BuildMesh(blockGrid(), 4, 4, 4, Config{IsoLevel: 0.5, OnProgress: func(float32) bool {
		calls++
		return calls > 1
	}})
	if !errors.Is(err, isomesh.ErrCancelled) || len(mesh.Vertices) != 0 {
		t.Errorf("expected cancellation and empty mesh, got %v", err)
	}
}

func TestBuildGridMesh(t *testing.T) {
	g, err := isomesh.NewVoxelGrid(blockGrid(), 4, 4, 4, ms3.Vec{X: 8, Y: 8, Z: 8})
	if err != nil {
		t.Fatal(err)
	}
	g.Position = ms3.Vec{X: 100}
	mesh, err := BuildGridMesh(&g, Config{IsoLevel: 0.5, Smooth: true})
	if err != nil {
		t.Fatal(err)
	}
	// Voxel centers lie 2mm apart, the surface crosses halfway between voxels 0 and 1.
	bb := mesh.Bounds()
	want := ms3.Box{Min: ms3.Vec{X: 98, Y: -2, Z: -2}, Max: ms3.Vec{X: 102, Y: 2, Z: 2}}
	if !ms3.EqualElem(bb.Min, want.Min, 1e-4) || !ms3.EqualElem(bb.Max, want.Max, 1e-4) {
		t.Errorf("want bounds %v, got %v", want, bb)
	}
}
