package stlio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/soypat/geometry/ms3"
	"github.com/soypat/isomesh"
)

// Read decodes a binary or ASCII STL stream into a welded mesh. ASCII input is detected by a leading
// "solid" keyword followed by a "facet" keyword before the end of the first 512 bytes, since binary headers
// may also start with "solid".
func Read(r io.Reader) (isomesh.Mesh, error) {
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return isomesh.Mesh{}, err
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("solid")) && bytes.Contains(trimmed, []byte("facet")) {
		return ReadASCII(br)
	}
	return ReadBinary(br)
}

// ReadBinary decodes a binary STL stream. Coincident vertices are welded and normals are
// recomputed from the welded faces.
func ReadBinary(r io.Reader) (isomesh.Mesh, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:headerSize]); err != nil {
		return isomesh.Mesh{}, fmt.Errorf("reading STL header: %w", err)
	}
	var hdr stlHeader
	hdr.get(buf[:])
	if hdr.Count == 0 {
		return isomesh.Mesh{}, errors.New("binary STL header reports zero triangles")
	}
	var wb welder
	// The count is untrusted until the triangles are read.
	wb.grow(int(min(hdr.Count, maxPrealloc)))
	var t stlTriangle
	for i := 0; i < int(hdr.Count); i++ {
		if _, err := io.ReadFull(r, buf[:triangleSize]); err != nil {
			return isomesh.Mesh{}, fmt.Errorf("reading STL triangle %d/%d: %w", i, hdr.Count, err)
		}
		t.get(buf[:])
		if err := t.validate(); err != nil {
			return isomesh.Mesh{}, fmt.Errorf("triangle %d: %w", i, err)
		}
		wb.add(t.Vertex1, t.Vertex2, t.Vertex3)
	}
	return wb.mesh(), nil
}

// ReadASCII decodes an ASCII STL stream. Coincident vertices are welded and normals are
// recomputed from the welded faces. Facet normals in the file are parsed but not kept.
func ReadASCII(r io.Reader) (isomesh.Mesh, error) {
	var (
		wb    welder
		state = stateSolid
		tri   [3][3]float32
		nv    int
		line  int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch state {
		case stateSolid:
			err = expect(fields, "solid")
			state = stateFacet
		case stateFacet:
			if fields[0] == "endsolid" {
				state = stateDone
				break
			}
			if err = expect(fields, "facet", "normal"); err == nil {
				_, err = parseVector(fields[2:])
			}
			state = stateLoop
		case stateLoop:
			err = expect(fields, "outer", "loop")
			state = stateVertex
			nv = 0
		case stateVertex:
			if fields[0] == "endloop" {
				if nv != 3 {
					err = fmt.Errorf("facet with %d vertices", nv)
				}
				wb.add(tri[0], tri[1], tri[2])
				state = stateEndFacet
				break
			}
			if err = expect(fields, "vertex"); err != nil {
				break
			} else if nv == 3 {
				err = errors.New("facet with more than 3 vertices")
				break
			}
			tri[nv], err = parseVector(fields[1:])
			if err == nil && bad3F32(tri[nv]) {
				err = errors.New("inf/NaN STL triangle vertex")
			}
			nv++
		case stateEndFacet:
			err = expect(fields, "endfacet")
			state = stateFacet
		case stateDone:
			err = errors.New("data after endsolid")
		}
		if err != nil {
			return isomesh.Mesh{}, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return isomesh.Mesh{}, err
	}
	if state != stateDone {
		return isomesh.Mesh{}, io.ErrUnexpectedEOF
	}
	return wb.mesh(), nil
}

const (
	stateSolid = iota
	stateFacet
	stateLoop
	stateVertex
	stateEndFacet
	stateDone
)

func expect(fields []string, keywords ...string) error {
	if len(fields) < len(keywords) {
		return fmt.Errorf("expected %q, got %q", strings.Join(keywords, " "), strings.Join(fields, " "))
	}
	for i, kw := range keywords {
		if fields[i] != kw {
			return fmt.Errorf("expected %q, got %q", strings.Join(keywords, " "), strings.Join(fields, " "))
		}
	}
	return nil
}

func parseVector(fields []string) (v [3]float32, err error) {
	if len(fields) != 3 {
		return v, fmt.Errorf("vector with %d components", len(fields))
	}
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return v, err
		}
		v[i] = float32(x)
	}
	return v, nil
}

// welder builds an indexed mesh from triangle soup, merging bitwise identical positions.
type welder struct {
	index map[ms3.Vec]uint32
	m     isomesh.Mesh
}

// maxPrealloc caps the triangles preallocated from a binary STL header.
const maxPrealloc = 1 << 20

func (wb *welder) grow(ntri int) {
	if wb.index == nil {
		wb.index = make(map[ms3.Vec]uint32, ntri/2)
	}
	wb.m.Triangles = make([][3]uint32, 0, ntri)
}

func (wb *welder) add(a, b, c [3]float32) {
	if wb.index == nil {
		wb.index = make(map[ms3.Vec]uint32)
	}
	wb.m.Triangles = append(wb.m.Triangles, [3]uint32{wb.vertex(a), wb.vertex(b), wb.vertex(c)})
}

func (wb *welder) vertex(f [3]float32) uint32 {
	v := vecFromArray(f)
	if i, ok := wb.index[v]; ok {
		return i
	}
	i := uint32(len(wb.m.Vertices))
	wb.index[v] = i
	wb.m.Vertices = append(wb.m.Vertices, v)
	return i
}

func (wb *welder) mesh() isomesh.Mesh {
	m := wb.m
	if len(m.Triangles) > 0 {
		m.RecalculateNormals()
	}
	return m
}
