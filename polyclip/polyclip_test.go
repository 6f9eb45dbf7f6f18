package polyclip

import (
	"errors"
	"slices"
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
	"github.com/soypat/isomesh/mcubes"
)

// sphereMesh extracts a sphere of radius r centered in an n³ voxel index space.
func sphereMesh(t testing.TB, n int, r float32) isomesh.Mesh {
	t.Helper()
	c := float32(n-1) / 2
	vals := make([]float32, n*n*n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				vals[x+n*(y+n*z)] = r - ms3.Norm(ms3.Vec{X: float32(x) - c, Y: float32(y) - c, Z: float32(z) - c})
			}
		}
	}
	mesh, err := mcubes.BuildMesh(vals, n, n, n, mcubes.Config{Smooth: true})
	if err != nil {
		t.Fatal(err)
	}
	return mesh
}

func area(m isomesh.Mesh) (a float32) {
	for i := range m.Triangles {
		tri := m.Triangle(i)
		a += 0.5 * ms3.Norm(ms3.Cross(ms3.Sub(tri[1], tri[0]), ms3.Sub(tri[2], tri[0])))
	}
	return a
}

func triangleSet(m isomesh.Mesh) [][9]float32 {
	set := make([][9]float32, len(m.Triangles))
	for i := range m.Triangles {
		tri := m.Triangle(i)
		set[i] = [9]float32{tri[0].X, tri[0].Y, tri[0].Z, tri[1].X, tri[1].Y, tri[1].Z, tri[2].X, tri[2].Y, tri[2].Z}
	}
	slices.SortFunc(set, func(a, b [9]float32) int {
		for i := range a {
			if a[i] != b[i] {
				if a[i] < b[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	})
	return set
}

func TestClipIdempotent(t *testing.T) {
	mesh := sphereMesh(t, 16, 5.3)
	box := isomesh.NewBoxRegion(ms3.Vec{X: 8, Y: 7, Z: 7.5}, ms3.Vec{X: 7, Y: 5, Z: 20},
		mgl32.QuatRotate(0.3, mgl32.Vec3{1, 1, 0}.Normalize()), isomesh.Inclusive)
	once, err := ClipByBox(mesh, box.Transform, box.Mode, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if once.Empty() || len(once.Triangles) == len(mesh.Triangles) {
		t.Fatalf("box should cut the sphere: %d of %d triangles", len(once.Triangles), len(mesh.Triangles))
	}
	if err := once.Validate(); err != nil {
		t.Fatal(err)
	}
	frame, err := box.Frame()
	if err != nil {
		t.Fatal(err)
	}
	// Cut vertices lie on the faces, not in the tolerance band beyond them.
	for i, v := range once.Vertices {
		l := frame.ToLocal(v)
		if m := max(math32.Abs(l.X), math32.Abs(l.Y), math32.Abs(l.Z)); m > 0.5+1e-6 {
			t.Fatalf("vertex %d at local %v lies %g beyond a face", i, l, m-0.5)
		}
	}
	twice, err := ClipByBox(once, box.Transform, box.Mode, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(twice.Triangles) != len(once.Triangles) {
		t.Errorf("second clip changed triangle count: %d -> %d", len(once.Triangles), len(twice.Triangles))
	}
	if diff := cmp.Diff(triangleSet(once), triangleSet(twice), cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("second clip changed geometry (-once +twice):\n%s", diff)
	}
}

func TestClipExclusiveIdempotent(t *testing.T) {
	mesh := sphereMesh(t, 16, 5.3)
	box := isomesh.NewBoxRegion(ms3.Vec{X: 8, Y: 7, Z: 7.5}, ms3.Vec{X: 7, Y: 5, Z: 20},
		mgl32.QuatRotate(0.3, mgl32.Vec3{1, 1, 0}.Normalize()), isomesh.Exclusive)
	once, err := ClipByBox(mesh, box.Transform, box.Mode, Config{})
	if err != nil {
		t.Fatal(err)
	}
	twice, err := ClipByBox(once, box.Transform, box.Mode, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if math32.Abs(area(once)-area(twice)) > 1e-4*area(once) {
		t.Errorf("second exclusive clip changed area: %g -> %g", area(once), area(twice))
	}
}

func TestClipAreaPartition(t *testing.T) {
	mesh := sphereMesh(t, 16, 5.3)
	total := area(mesh)
	transform := isomesh.NewBoxRegion(ms3.Vec{X: 9, Y: 6, Z: 8}, ms3.Vec{X: 6, Y: 9, Z: 4},
		mgl32.QuatRotate(1.1, mgl32.Vec3{0.2, 1, 0.5}.Normalize()), isomesh.Inclusive).Transform
	incl, err := ClipByBox(mesh, transform, isomesh.Inclusive, Config{Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	excl, err := ClipByBox(mesh, transform, isomesh.Exclusive, Config{Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	ai, ae := area(incl), area(excl)
	if ai <= 0 || ae <= 0 {
		t.Fatalf("expected both sides non-empty: inclusive %g exclusive %g", ai, ae)
	}
	if math32.Abs(ai+ae-total) > 1e-3*total {
		t.Errorf("inclusive %g + exclusive %g != total area %g", ai, ae, total)
	}
	for _, m := range []isomesh.Mesh{incl, excl} {
		if len(m.Normals) != len(m.Vertices) {
			t.Fatal("normals not carried through clipping")
		}
		for _, n := range m.Normals {
			if math32.Abs(ms3.Norm(n)-1) > 1e-4 {
				t.Fatalf("normal %v not unit length", n)
			}
		}
	}
}

func TestInclusiveExclusiveNonOverlap(t *testing.T) {
	mesh := sphereMesh(t, 16, 5.3)
	A := isomesh.NewBoxRegion(ms3.Vec{X: 10, Y: 7.5, Z: 7.5}, ms3.Vec{X: 8, Y: 8, Z: 8}, mgl32.QuatIdent(), isomesh.Inclusive)
	B := isomesh.NewBoxRegion(ms3.Vec{X: 12.8, Y: 7.5, Z: 7.5}, ms3.Vec{X: 2, Y: 2, Z: 2}, mgl32.QuatIdent(), isomesh.Exclusive)
	// Exclusive listed first: inclusive regions are always applied first.
	got, err := ClipByRegions(mesh, []isomesh.ClipRegion{B, A}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Empty() {
		t.Fatal("expected surface to remain")
	}
	fa, _ := A.Frame()
	fb, _ := B.Frame()
	const tol = 1e-4
	strictlyInside := func(f isomesh.RegionFrame, p ms3.Vec) bool {
		l := f.ToLocal(p)
		return math32.Abs(l.X) < 0.5-tol && math32.Abs(l.Y) < 0.5-tol && math32.Abs(l.Z) < 0.5-tol
	}
	outside := func(f isomesh.RegionFrame, p ms3.Vec) bool {
		l := f.ToLocal(p)
		return math32.Abs(l.X) > 0.5+tol || math32.Abs(l.Y) > 0.5+tol || math32.Abs(l.Z) > 0.5+tol
	}
	for i := range got.Triangles {
		tri := got.Triangle(i)
		centroid := ms3.Scale(1./3, ms3.Add(tri[0], ms3.Add(tri[1], tri[2])))
		for _, p := range append(tri[:], centroid) {
			if strictlyInside(fb, p) {
				t.Fatalf("triangle %d point %v inside exclusive box", i, p)
			}
			if outside(fa, p) {
				t.Fatalf("triangle %d point %v outside inclusive box", i, p)
			}
		}
	}
	onlyA, err := ClipByRegions(mesh, []isomesh.ClipRegion{A}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if area(got) >= area(onlyA) {
		t.Error("exclusive box removed nothing")
	}
}

func TestExclusiveFullBounds(t *testing.T) {
	mesh := sphereMesh(t, 12, 4)
	region := isomesh.NewBoundsRegion(mesh.Bounds(), isomesh.Exclusive)
	got, err := ClipByRegions(mesh, []isomesh.ClipRegion{region}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Triangles) != 0 {
		t.Errorf("expected all geometry removed, got %d triangles", len(got.Triangles))
	}
	region.Mode = isomesh.Inclusive
	got, err = ClipByRegions(mesh, []isomesh.ClipRegion{region}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Triangles) != len(mesh.Triangles) {
		t.Errorf("inclusive bounds should keep every triangle: %d of %d", len(got.Triangles), len(mesh.Triangles))
	}
}

func TestClipDeterministicAcrossWorkers(t *testing.T) {
	mesh := sphereMesh(t, 40, 17)
	if len(mesh.Triangles) <= chunkSize {
		t.Fatalf("mesh too small to span several chunks: %d triangles", len(mesh.Triangles))
	}
	regions := []isomesh.ClipRegion{
		isomesh.NewBoxRegion(ms3.Vec{X: 20, Y: 20, Z: 20}, ms3.Vec{X: 30, Y: 25, Z: 40}, mgl32.QuatRotate(0.5, mgl32.Vec3{0, 0, 1}), isomesh.Inclusive),
		isomesh.NewBoxRegion(ms3.Vec{X: 30, Y: 22, Z: 20}, ms3.Vec{X: 10, Y: 10, Z: 10}, mgl32.QuatIdent(), isomesh.Exclusive),
	}
	var want [][9]float32
	for _, workers := range []int{1, 2, 5} {
		got, err := ClipByRegions(mesh, regions, Config{Workers: workers})
		if err != nil {
			t.Fatal(err)
		}
		set := triangleSet(got)
		if want == nil {
			want = set
			continue
		}
		if diff := cmp.Diff(want, set, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("workers=%d geometry mismatch (-want +got):\n%s", workers, diff)
		}
	}
}

func TestClipPolygon(t *testing.T) {
	tri := []vertex{
		{local: ms3.Vec{X: 0, Y: 0}},
		{local: ms3.Vec{X: 1, Y: 0}},
		{local: ms3.Vec{X: 0, Y: 0.2}},
	}
	for i := range tri {
		tri[i].world = tri[i].local
	}
	face := plane{axis: 0, sign: 1}
	in := clipPolygon(nil, tri, face, 0, false)
	out := clipPolygon(nil, tri, face, 0, true)
	if len(in) != 4 || len(out) != 3 {
		t.Fatalf("want quad inside and triangle outside, got %d and %d vertices", len(in), len(out))
	}
	for _, v := range out {
		if v.local.X < 0.5-1e-6 {
			t.Errorf("outside fragment vertex %v on box side", v.local)
		}
	}
	// A polygon touching the face at a single vertex yields no outside fragment.
	touch := []vertex{{local: ms3.Vec{X: 0.5}}, {local: ms3.Vec{X: 0, Y: 1}}, {local: ms3.Vec{X: 0, Y: -1}}}
	for i := range touch {
		touch[i].world = touch[i].local
	}
	if got := clipPolygon(nil, touch, face, 0, true); len(got) != 0 {
		t.Errorf("expected degenerate outside fragment to vanish, got %v", got)
	}
}

func TestClipCancel(t *testing.T) {
	mesh := sphereMesh(t, 12, 4)
	box := isomesh.NewBoundsRegion(mesh.Bounds(), isomesh.Inclusive)
	got, err := ClipByRegions(mesh, []isomesh.ClipRegion{box}, Config{OnProgress: func(float32) bool { return true }})
	if !errors.Is(err, isomesh.ErrCancelled) || !got.Empty() {
		t.Errorf("expected cancellation with empty mesh, got %v", err)
	}
	_, err = ClipByRegions(isomesh.Mesh{Triangles: [][3]uint32{{0, 1, 2}}}, []isomesh.ClipRegion{box}, Config{})
	if !errors.Is(err, isomesh.ErrInvalidShape) {
		t.Errorf("expected invalid shape, got %v", err)
	}
}
