// Package stlio encodes and decodes triangle meshes in the binary and ASCII STL formats.
package stlio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/chewxy/math32"
	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
)

const (
	headerSize   = 84
	triangleSize = 50
	// DefaultHeader is the header text of binary files written with an empty header.
	DefaultHeader = "binary STL written by isomesh"
	// DefaultName is the solid name of ASCII files written with an empty name.
	DefaultName = "isomesh"
)

var errEmptyMesh = errors.New("empty mesh")

// WriteBinary writes m's triangles to w in binary STL format. The header text is truncated to 80 bytes
// and padded with spaces. The facet normal is the vertex normal of each triangle's first vertex if m
// carries normals, else the unit face normal.
func WriteBinary(w io.Writer, m *isomesh.Mesh, header string) (int, error) {
	if m.Empty() {
		return 0, errEmptyMesh
	}
	if err := m.Validate(); err != nil {
		return 0, err
	}
	nt := int64(len(m.Triangles)) // int64 cast so that next line works correctly on 32bit machines.
	if nt > math.MaxUint32 {
		return 0, errors.New("amount of triangles in model exceeds STL design limits")
	}
	if header == "" {
		header = DefaultHeader
	}
	var buf [headerSize]byte
	stlHeader{Text: header, Count: uint32(nt)}.put(buf[:])
	n, err := w.Write(buf[:headerSize])
	if err != nil {
		return n, err
	} else if n != headerSize {
		return n, io.ErrShortWrite
	}
	var d stlTriangle
	for i := range m.Triangles {
		d.set(m, i)
		d.put(buf[:])
		ngot, err := w.Write(buf[:triangleSize])
		n += ngot
		if err != nil {
			return n, err
		} else if ngot != triangleSize {
			return n, io.ErrShortWrite
		}
	}
	return n, nil
}

// WriteASCII writes m's triangles to w in ASCII STL format with six decimal places.
// Facet normals are chosen as in [WriteBinary].
func WriteASCII(w io.Writer, m *isomesh.Mesh, name string) (int, error) {
	if m.Empty() {
		return 0, errEmptyMesh
	}
	if err := m.Validate(); err != nil {
		return 0, err
	}
	if name == "" {
		name = DefaultName
	}
	bw := bufio.NewWriter(w)
	var n int
	write := func(format string, args ...any) {
		ngot, _ := fmt.Fprintf(bw, format, args...)
		n += ngot
	}
	write("solid %s\n", name)
	var d stlTriangle
	for i := range m.Triangles {
		d.set(m, i)
		write("facet normal %.6f %.6f %.6f\n", d.Normal[0], d.Normal[1], d.Normal[2])
		write("outer loop\n")
		for _, v := range [3][3]float32{d.Vertex1, d.Vertex2, d.Vertex3} {
			write("vertex %.6f %.6f %.6f\n", v[0], v[1], v[2])
		}
		write("endloop\nendfacet\n")
	}
	write("endsolid %s\n", name)
	return n, bw.Flush()
}

// stlHeader defines the STL file header.
type stlHeader struct {
	Text  string // Up to 80 bytes of free form text.
	Count uint32 // Number of triangles
}

func (h stlHeader) put(b []byte) {
	_ = b[83] //early bounds check
	nc := copy(b[:80], h.Text)
	for i := nc; i < 80; i++ {
		b[i] = ' '
	}
	binary.LittleEndian.PutUint32(b[80:], h.Count)
}

func (h *stlHeader) get(b []byte) {
	_ = b[83] //early bounds check
	h.Text = string(b[:80])
	h.Count = binary.LittleEndian.Uint32(b[80:])
}

// stlTriangle defines the triangle data within an STL file.
type stlTriangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
	_       uint16 // Attribute byte count
}

// set loads the i'th triangle of m and its facet normal.
func (t *stlTriangle) set(m *isomesh.Mesh, i int) {
	tri := m.Triangles[i]
	var n ms3.Vec
	if m.HasNormals() {
		n = m.Normals[tri[0]]
	} else {
		n = m.FaceNormal(i)
	}
	t.Normal = n.Array()
	t.Vertex1 = m.Vertices[tri[0]].Array()
	t.Vertex2 = m.Vertices[tri[1]].Array()
	t.Vertex3 = m.Vertices[tri[2]].Array()
}

func (t stlTriangle) put(b []byte) {
	if len(b) < triangleSize {
		panic("need length 50 to marshal stlTriangle")
	}
	put3F32(b, t.Normal)
	put3F32(b[12:], t.Vertex1)
	put3F32(b[24:], t.Vertex2)
	put3F32(b[36:], t.Vertex3)
	binary.LittleEndian.PutUint16(b[48:], 0) // Zero out attributes.
}

func (t *stlTriangle) get(b []byte) {
	if len(b) < triangleSize {
		panic("need length 50 to unmarshal stlTriangle")
	}
	get3F32(b, &t.Normal)
	get3F32(b[12:], &t.Vertex1)
	get3F32(b[24:], &t.Vertex2)
	get3F32(b[36:], &t.Vertex3)
	// Attributes are ignored.
}

func (t *stlTriangle) validate() error {
	if bad3F32(t.Vertex1) || bad3F32(t.Vertex2) || bad3F32(t.Vertex3) {
		return errors.New("inf/NaN STL triangle vertex")
	}
	return nil
}

func put3F32(b []byte, f [3]float32) {
	_ = b[11] // early bounds check
	binary.LittleEndian.PutUint32(b, math.Float32bits(f[0]))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(f[1]))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(f[2]))
}

func get3F32(b []byte, f *[3]float32) {
	_ = b[11] // early bounds check
	f[0] = math.Float32frombits(binary.LittleEndian.Uint32(b))
	f[1] = math.Float32frombits(binary.LittleEndian.Uint32(b[4:]))
	f[2] = math.Float32frombits(binary.LittleEndian.Uint32(b[8:]))
}

func bad3F32(f [3]float32) bool {
	return math32.IsNaN(f[0]) || math32.IsInf(f[0], 0) ||
		math32.IsNaN(f[1]) || math32.IsInf(f[1], 0) ||
		math32.IsNaN(f[2]) || math32.IsInf(f[2], 0)
}

func vecFromArray(f [3]float32) ms3.Vec {
	return ms3.Vec{X: f[0], Y: f[1], Z: f[2]}
}
