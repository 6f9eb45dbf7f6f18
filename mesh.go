package isomesh

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
)

// IndexFormat is the integer width required to index a mesh's vertices.
type IndexFormat uint8

const (
	IndexUint16 IndexFormat = 16
	IndexUint32 IndexFormat = 32
)

// Mesh is an indexed triangle mesh. Normals is optional and when present
// is parallel to Vertices.
type Mesh struct {
	Vertices  []ms3.Vec
	Triangles [][3]uint32
	Normals   []ms3.Vec
}

// IndexFormat returns [IndexUint32] when the vertex count exceeds [MaxIndex16], else [IndexUint16].
// Serializers and GPU uploads must honor the returned width.
func (m *Mesh) IndexFormat() IndexFormat {
	if len(m.Vertices) > MaxIndex16 {
		return IndexUint32
	}
	return IndexUint16
}

// Empty reports whether the mesh has no triangles.
func (m *Mesh) Empty() bool { return len(m.Triangles) == 0 }

// HasNormals reports whether the mesh carries per-vertex normals aligned 1:1 with its vertices.
func (m *Mesh) HasNormals() bool {
	return len(m.Normals) > 0 && len(m.Normals) == len(m.Vertices)
}

// Validate checks every triangle index is in range and normals, if present, are aligned with vertices.
func (m *Mesh) Validate() error {
	nv := uint32(len(m.Vertices))
	for i, t := range m.Triangles {
		if t[0] >= nv || t[1] >= nv || t[2] >= nv {
			return fmt.Errorf("%w: triangle %d indexes %v out of %d vertices", ErrInvalidShape, i, t, nv)
		}
	}
	if len(m.Normals) != 0 && len(m.Normals) != len(m.Vertices) {
		return fmt.Errorf("%w: %d normals for %d vertices", ErrInvalidShape, len(m.Normals), len(m.Vertices))
	}
	return nil
}

// Bounds returns the axis aligned bounding box of the mesh's vertices.
// It returns the zero box for a mesh with no vertices.
func (m *Mesh) Bounds() ms3.Box {
	if len(m.Vertices) == 0 {
		return ms3.Box{}
	}
	bb := ms3.Box{Min: m.Vertices[0], Max: m.Vertices[0]}
	for _, v := range m.Vertices[1:] {
		bb.Min = ms3.MinElem(bb.Min, v)
		bb.Max = ms3.MaxElem(bb.Max, v)
	}
	return bb
}

// Triangle returns the i'th triangle's vertex positions.
func (m *Mesh) Triangle(i int) ms3.Triangle {
	t := m.Triangles[i]
	return ms3.Triangle{m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]}
}

// AppendTriangles appends the mesh's triangles as unindexed vertex triples to dst.
func (m *Mesh) AppendTriangles(dst []ms3.Triangle) []ms3.Triangle {
	for i := range m.Triangles {
		dst = append(dst, m.Triangle(i))
	}
	return dst
}

// FaceNormal returns the unit normal of the i'th triangle computed from its winding.
// Degenerate triangles return the zero vector.
func (m *Mesh) FaceNormal(i int) ms3.Vec {
	return faceNormal(m.Triangle(i))
}

func faceNormal(t ms3.Triangle) ms3.Vec {
	n := ms3.Cross(ms3.Sub(t[1], t[0]), ms3.Sub(t[2], t[0]))
	norm := ms3.Norm(n)
	if norm < 1e-20 || math32.IsNaN(norm) {
		return ms3.Vec{}
	}
	return ms3.Scale(1/norm, n)
}

// RecalculateNormals replaces the mesh normals with area weighted averages of the
// normals of the faces sharing each vertex.
func (m *Mesh) RecalculateNormals() {
	m.Normals = append(m.Normals[:0], make([]ms3.Vec, len(m.Vertices))...)
	for _, t := range m.Triangles {
		a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
		// Cross product magnitude is twice the area: weighting is implicit.
		n := ms3.Cross(ms3.Sub(b, a), ms3.Sub(c, a))
		m.Normals[t[0]] = ms3.Add(m.Normals[t[0]], n)
		m.Normals[t[1]] = ms3.Add(m.Normals[t[1]], n)
		m.Normals[t[2]] = ms3.Add(m.Normals[t[2]], n)
	}
	for i, n := range m.Normals {
		if norm := ms3.Norm(n); norm > 0 {
			m.Normals[i] = ms3.Scale(1/norm, n)
		}
	}
}

// Append appends other's geometry to m, offsetting other's indices. Normals are kept only
// if both meshes have them.
func (m *Mesh) Append(other Mesh) {
	if len(other.Vertices) == 0 {
		return
	}
	keepNormals := (len(m.Vertices) == 0 || m.HasNormals()) && other.HasNormals()
	offset := uint32(len(m.Vertices))
	m.Vertices = append(m.Vertices, other.Vertices...)
	for _, t := range other.Triangles {
		m.Triangles = append(m.Triangles, [3]uint32{t[0] + offset, t[1] + offset, t[2] + offset})
	}
	if keepNormals {
		m.Normals = append(m.Normals, other.Normals...)
	} else {
		m.Normals = m.Normals[:0]
	}
}

// Clone returns a deep copy of the mesh.
func (m *Mesh) Clone() Mesh {
	return Mesh{
		Vertices:  append([]ms3.Vec(nil), m.Vertices...),
		Triangles: append([][3]uint32(nil), m.Triangles...),
		Normals:   append([]ms3.Vec(nil), m.Normals...),
	}
}

// Reset empties the mesh keeping the underlying buffers for reuse.
func (m *Mesh) Reset() {
	m.Vertices = m.Vertices[:0]
	m.Triangles = m.Triangles[:0]
	m.Normals = m.Normals[:0]
}
