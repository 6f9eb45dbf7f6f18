package voleval

import (
	"errors"
	"fmt"

	"github.com/soypat/geometry/ms3"
)

// Field implements a 3D scalar field in vectorized form suitable for running on GPU.
type Field interface {
	// Evaluate evaluates the scalar field over pos positions.
	// dst and pos must be of same length. Resulting values are stored in dst.
	//
	// userData facilitates getting data to the evaluators for use in processing, such as [VecPool].
	Evaluate(pos []ms3.Vec, dst []float32, userData any) error
	// Bounds returns the region of space over which the field is defined.
	Bounds() ms3.Box
}

var (
	errEmptyBuffers         = errors.New("empty buffers")
	errMismatchBufferLength = errors.New("position and value buffer length mismatch")
)

// NormalsCentralDiff uses central differences algorithm for gradient calculation, which are stored in normals for each position.
// The returned gradients are not normalized (converted to unit length). For a field that increases towards
// the inside of a surface the outward normal is the negated gradient.
func NormalsCentralDiff(s Field, pos []ms3.Vec, normals []ms3.Vec, step float32, userData any) error {
	step *= 0.5
	if step <= 0 {
		return errors.New("invalid step")
	} else if len(pos) != len(normals) {
		return errors.New("length of position must match length of normals")
	} else if s == nil {
		return errors.New("nil Field")
	} else if len(pos) == 0 {
		return errEmptyBuffers
	}
	vp, err := GetVecPool(userData)
	if err != nil {
		return fmt.Errorf("VecPool required for normal calculation: %s", err)
	}
	d1 := vp.Float.Acquire(len(pos))
	d2 := vp.Float.Acquire(len(pos))
	auxPos := vp.V3.Acquire(len(pos))
	defer vp.Float.Release(d1)
	defer vp.Float.Release(d2)
	defer vp.V3.Release(auxPos)
	var vecs = [3]ms3.Vec{{X: step}, {Y: step}, {Z: step}}
	for dim := 0; dim < 3; dim++ {
		h := vecs[dim]
		for i, p := range pos {
			auxPos[i] = ms3.Add(p, h)
		}
		err = s.Evaluate(auxPos, d1, userData)
		if err != nil {
			return err
		}
		for i, p := range pos {
			auxPos[i] = ms3.Sub(p, h)
		}
		err = s.Evaluate(auxPos, d2, userData)
		if err != nil {
			return err
		}

		switch dim {
		case 0:
			for i, d := range d1 {
				normals[i].X = d - d2[i]
			}
		case 1:
			for i, d := range d1 {
				normals[i].Y = d - d2[i]
			}
		case 2:
			for i, d := range d1 {
				normals[i].Z = d - d2[i]
			}
		}
	}
	return nil
}
