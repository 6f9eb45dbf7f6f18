package isomesh

import (
	"errors"
	"strings"
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
)

func TestCheckShape(t *testing.T) {
	for _, test := range []struct {
		n, nx, ny, nz int
		ok            bool
	}{
		{n: 8, nx: 2, ny: 2, nz: 2, ok: true},
		{n: 60, nx: 3, ny: 4, nz: 5, ok: true},
		{n: 7, nx: 2, ny: 2, nz: 2},
		{n: 4, nx: 1, ny: 2, nz: 2},
		{n: 0, nx: 0, ny: 0, nz: 0},
	} {
		err := CheckShape(test.n, test.nx, test.ny, test.nz)
		if test.ok && err != nil {
			t.Errorf("%+v: unexpected error %v", test, err)
		} else if !test.ok && !errors.Is(err, ErrInvalidShape) {
			t.Errorf("%+v: want ErrInvalidShape, got %v", test, err)
		}
	}
}

func TestIndexFormat(t *testing.T) {
	m := Mesh{Vertices: make([]ms3.Vec, MaxIndex16)}
	if m.IndexFormat() != IndexUint16 {
		t.Error("mesh at the 16 bit limit should use 16 bit indices")
	}
	m.Vertices = append(m.Vertices, ms3.Vec{})
	if m.IndexFormat() != IndexUint32 {
		t.Error("mesh above the 16 bit limit should use 32 bit indices")
	}
}

func TestGridWorldRoundTrip(t *testing.T) {
	g, err := NewVoxelGrid(make([]float32, 4*5*6), 4, 5, 6, ms3.Vec{X: 8, Y: 5, Z: 3})
	if err != nil {
		t.Fatal(err)
	}
	first := g.GridToWorld(ms3.Vec{})
	if want := (ms3.Vec{X: -3, Y: -2, Z: -1.25}); !ms3.EqualElem(first, want, 1e-6) {
		t.Errorf("first voxel center: want %v, got %v", want, first)
	}
	g.Position = ms3.Vec{X: 10, Y: -2, Z: 1}
	g.Orientation = mgl32.QuatRotate(0.7, mgl32.Vec3{1, 2, 3}.Normalize())
	for _, idx := range []ms3.Vec{{}, {X: 3, Y: 4, Z: 5}, {X: 1.5, Y: 0.25, Z: 2}, {X: -0.5, Y: -0.5, Z: -0.5}} {
		w := g.GridToWorld(idx)
		got := g.WorldToGrid(w)
		if !ms3.EqualElem(got, idx, 1e-4) {
			t.Errorf("round trip of %v through %v: got %v", idx, w, got)
		}
	}
	// The grid center is its position regardless of rotation.
	center := ms3.Scale(0.5, ms3.AddScalar(-1, g.Dims()))
	if got := g.GridToWorld(center); !ms3.EqualElem(got, g.Position, 1e-5) {
		t.Errorf("grid center: want %v, got %v", g.Position, got)
	}
}

func TestGridBoundsRotated(t *testing.T) {
	g, err := NewVoxelGrid(make([]float32, 8), 2, 2, 2, ms3.Vec{X: 4, Y: 2, Z: 2})
	if err != nil {
		t.Fatal(err)
	}
	g.Orientation = mgl32.QuatRotate(math32.Pi/2, mgl32.Vec3{0, 0, 1})
	bb := g.Bounds()
	if want := (ms3.Vec{X: 2, Y: 4, Z: 2}); !ms3.EqualElem(bb.Size(), want, 1e-5) {
		t.Errorf("rotated bounds: want size %v, got %v", want, bb.Size())
	}
	g.Orientation = mgl32.Quat{W: 2}
	if err := g.Validate(); err == nil {
		t.Error("expected non-unit orientation to fail validation")
	}
	g.Orientation = mgl32.QuatIdent()
	g.Extent.Y = 0
	if err := g.Validate(); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("expected invalid extent, got %v", err)
	}
}

func TestNormalizeToWorld(t *testing.T) {
	g, err := NewVoxelGrid(make([]float32, 8), 2, 2, 2, ms3.Vec{X: 4, Y: 2, Z: 2})
	if err != nil {
		t.Fatal(err)
	}
	g.Position = ms3.Vec{Z: 5}
	g.Orientation = mgl32.QuatRotate(math32.Pi/2, mgl32.Vec3{0, 0, 1})
	m := Mesh{
		Vertices: []ms3.Vec{{}, {X: 1, Y: 1, Z: 1}},
		Normals:  []ms3.Vec{{X: 1}, {X: 1, Y: 1}},
	}
	want := []ms3.Vec{g.GridToWorld(m.Vertices[0]), g.GridToWorld(m.Vertices[1])}
	err = NormalizeToWorld(&m, &g)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if !ms3.EqualElem(m.Vertices[i], want[i], 1e-5) {
			t.Errorf("vertex %d: want %v, got %v", i, want[i], m.Vertices[i])
		}
	}
	// Voxels are 2 units along X: gradients along X shrink by half before rotating +X onto +Y.
	wantNormals := []ms3.Vec{{Y: 1}, ms3.Unit(ms3.Vec{X: -1, Y: 0.5})}
	for i := range wantNormals {
		if !ms3.EqualElem(m.Normals[i], wantNormals[i], 1e-5) {
			t.Errorf("normal %d: want %v, got %v", i, wantNormals[i], m.Normals[i])
		}
	}
}

func TestRegions(t *testing.T) {
	rot := mgl32.QuatRotate(math32.Pi/2, mgl32.Vec3{0, 0, 1})
	incl := NewBoxRegion(ms3.Vec{X: 1}, ms3.Vec{X: 2, Y: 4, Z: 6}, rot, Inclusive)
	f, err := incl.Frame()
	if err != nil {
		t.Fatal(err)
	}
	// Rotated: 4 units wide along world X, 2 along world Y.
	if !f.Contains(ms3.Vec{X: 2.9}) || f.Contains(ms3.Vec{X: 1, Y: 1.1}) {
		t.Error("rotated region containment wrong")
	}
	if f.Discards(ms3.Vec{X: 1}) || !f.Discards(ms3.Vec{X: 1, Z: 3.1}) {
		t.Error("inclusive region must discard only outside points")
	}
	local := f.ToLocal(ms3.Vec{X: 3, Y: 1, Z: 3})
	if !ms3.EqualElem(local, ms3.Vec{X: 0.5, Y: -0.5, Z: 0.5}, 1e-5) {
		t.Errorf("unexpected local coordinates %v", local)
	}
	if back := f.ToWorld(local); !ms3.EqualElem(back, ms3.Vec{X: 3, Y: 1, Z: 3}, 1e-5) {
		t.Errorf("unexpected world coordinates %v", back)
	}

	bb := ms3.Box{Min: ms3.Vec{X: -1, Y: -2, Z: -3}, Max: ms3.Vec{X: 1, Y: 2, Z: 3}}
	a := NewBoundsRegion(bb, Exclusive)
	b := NewBoundsRegion(ms3.Box{Min: bb.Min, Max: ms3.Vec{}}, Inclusive)
	c := NewBoundsRegion(ms3.Box{Max: bb.Max}, Exclusive)
	frames, err := Frames([]ClipRegion{a, b, c, incl})
	if err != nil {
		t.Fatal(err)
	}
	modes := []CutoutMode{Inclusive, Inclusive, Exclusive, Exclusive}
	for i, fr := range frames {
		if fr.Mode != modes[i] {
			t.Fatalf("frame %d: want %s, got %s", i, modes[i], fr.Mode)
		}
	}
	// Relative order within each mode is preserved.
	if !frames[0].Contains(ms3.Vec{X: -0.5, Y: -0.5, Z: -0.5}) || !frames[1].Contains(ms3.Vec{X: 2.9}) {
		t.Error("inclusive order not preserved")
	}
	if !frames[2].Contains(ms3.Vec{X: -0.9}) || frames[3].Contains(ms3.Vec{X: -0.9}) {
		t.Error("exclusive order not preserved")
	}

	_, err = Frames([]ClipRegion{NewBoxRegion(ms3.Vec{}, ms3.Vec{X: 1, Y: 0, Z: 1}, mgl32.QuatIdent(), Exclusive)})
	if err == nil {
		t.Error("expected singular region error")
	}
}

func triangleMesh(offset float32, normals bool) Mesh {
	m := Mesh{
		Vertices:  []ms3.Vec{{X: offset}, {X: offset + 1}, {X: offset, Y: 1}},
		Triangles: [][3]uint32{{0, 1, 2}},
	}
	if normals {
		m.Normals = []ms3.Vec{{Z: 1}, {Z: 1}, {Z: 1}}
	}
	return m
}

func TestMeshAppend(t *testing.T) {
	var m Mesh
	m.Append(triangleMesh(0, true))
	m.Append(triangleMesh(5, true))
	if len(m.Vertices) != 6 || m.Triangles[1] != [3]uint32{3, 4, 5} || !m.HasNormals() {
		t.Fatalf("unexpected appended mesh %+v", m)
	}
	m.Append(Mesh{})
	if !m.HasNormals() {
		t.Error("appending an empty mesh must keep normals")
	}
	if err := m.Validate(); err != nil {
		t.Error(err)
	}
	clone := m.Clone()
	m.Append(triangleMesh(10, false))
	if m.HasNormals() || len(m.Triangles) != 3 {
		t.Error("appending a mesh without normals must drop normals")
	}
	if !clone.HasNormals() || len(clone.Triangles) != 2 {
		t.Error("clone shares state with original")
	}
	tris := m.AppendTriangles(nil)
	if len(tris) != 3 || tris[2][1] != (ms3.Vec{X: 11}) {
		t.Errorf("unexpected triangles %v", tris)
	}
	if bb := m.Bounds(); bb.Min != (ms3.Vec{}) || bb.Max != (ms3.Vec{X: 11, Y: 1}) {
		t.Errorf("unexpected bounds %+v", bb)
	}
	m.Reset()
	if !m.Empty() || len(m.Vertices) != 0 {
		t.Error("reset mesh not empty")
	}
}

func TestMeshValidate(t *testing.T) {
	m := triangleMesh(0, true)
	m.Triangles = append(m.Triangles, [3]uint32{0, 1, 3})
	if err := m.Validate(); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("out of range index: want ErrInvalidShape, got %v", err)
	}
	m = triangleMesh(0, true)
	m.Normals = m.Normals[:2]
	if err := m.Validate(); !errors.Is(err, ErrInvalidShape) {
		t.Errorf("misaligned normals: want ErrInvalidShape, got %v", err)
	}
}

func TestRecalculateNormals(t *testing.T) {
	m := Mesh{
		Vertices:  []ms3.Vec{{}, {X: 1}, {Y: 1}, {Z: 1}},
		Triangles: [][3]uint32{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}, {1, 2, 3}},
	}
	m.RecalculateNormals()
	centroid := ms3.Vec{X: 0.25, Y: 0.25, Z: 0.25}
	for i, n := range m.Normals {
		if math32.Abs(ms3.Norm(n)-1) > 1e-5 {
			t.Errorf("normal %d not unit: %v", i, n)
		}
		if ms3.Dot(n, ms3.Sub(m.Vertices[i], centroid)) <= 0 {
			t.Errorf("normal %d points inward: %v", i, n)
		}
	}
	if n := m.FaceNormal(0); n != (ms3.Vec{Z: -1}) {
		t.Errorf("face normal: want -Z, got %v", n)
	}
	m.Vertices[3] = ms3.Vec{X: 1}
	if n := m.FaceNormal(3); n != (ms3.Vec{}) {
		t.Errorf("degenerate face normal: want zero, got %v", n)
	}
}

func TestProgressAndLimits(t *testing.T) {
	var f ProgressFunc
	if f.Report(0.5) {
		t.Error("nil progress func requested cancellation")
	}
	var got float32
	f = func(p float32) bool { got = p; return p > 0.9 }
	if f.Report(0.5) || got != 0.5 || !f.Report(1) {
		t.Error("progress func not called")
	}
	var err error = &LimitError{Resource: "compute work group", Requested: 70000, Limit: 65535}
	var limit *LimitError
	if !errors.As(err, &limit) || limit.Limit != 65535 || !strings.Contains(err.Error(), "70000") {
		t.Errorf("unexpected limit error %v", err)
	}
}
