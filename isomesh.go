package isomesh

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/soypat/geometry/ms3"
)

const (
	// MaxIndex16 is the largest vertex count a mesh may have and still be
	// indexed with 16 bit indices. Index 0xffff is reserved as restart index by
	// most graphics APIs which is why the limit is not 65535.
	MaxIndex16 = 65534
	// epstol is used to check for badly conditioned denominators
	// such as transformation matrix determinants.
	epstol = 6e-7
)

var (
	// ErrInvalidShape is returned when voxel data or mesh data does not match its declared shape,
	// i.e: the voxel array length does not equal the product of the dimensions or a dimension is less than 2.
	ErrInvalidShape = errors.New("invalid shape")
	// ErrCancelled is returned when a [ProgressFunc] requests cancellation. Results returned
	// alongside it are empty or the untouched input, never partial.
	ErrCancelled = errors.New("operation cancelled")
	// ErrNoValidSamples is returned by deviation analysis when every probe missed the surface.
	ErrNoValidSamples = errors.New("no valid samples")
)

// LimitError is returned when an operation would require more parallel work units
// than a hardware imposed ceiling. It is recoverable: reduce the batch size and retry.
type LimitError struct {
	Resource  string
	Requested int
	Limit     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded: requested %d, limit is %d", e.Resource, e.Requested, e.Limit)
}

// ProgressFunc receives progress of long running operations on the orchestrating goroutine.
// Returning true requests cooperative cancellation, which is honored at slice or batch boundaries.
//
// By convention negative progress values in [-1, 0) report a preprocessing phase
// such as upsampling while values in [0, 1] report the main phase.
type ProgressFunc func(progress float32) (cancel bool)

// Report calls f with progress if f is not nil and returns its cancel request.
func (f ProgressFunc) Report(progress float32) (cancel bool) {
	if f == nil {
		return false
	}
	return f(progress)
}

// CheckShape checks the voxel count n matches the grid dimensions and that
// every dimension is at least 2, which is the minimum to form a single cell.
func CheckShape(n, nx, ny, nz int) error {
	if nx < 2 || ny < 2 || nz < 2 {
		return fmt.Errorf("%w: dimensions %dx%dx%d, need at least 2 along each axis", ErrInvalidShape, nx, ny, nz)
	}
	if n != nx*ny*nz {
		return fmt.Errorf("%w: got %d voxels for %dx%dx%d grid", ErrInvalidShape, n, nx, ny, nz)
	}
	return nil
}

// Vec3 converts a vector to its mathgl representation.
func Vec3(v ms3.Vec) mgl32.Vec3 {
	return mgl32.Vec3{v.X, v.Y, v.Z}
}

// FromVec3 converts a mathgl vector to a [ms3.Vec].
func FromVec3(v mgl32.Vec3) ms3.Vec {
	return ms3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

// TransformPosition applies an affine transform to a position.
func TransformPosition(m mgl32.Mat4, p ms3.Vec) ms3.Vec {
	// Avoid TransformCoordinate's w-division, transforms here are affine.
	return ms3.Vec{
		X: m[0]*p.X + m[4]*p.Y + m[8]*p.Z + m[12],
		Y: m[1]*p.X + m[5]*p.Y + m[9]*p.Z + m[13],
		Z: m[2]*p.X + m[6]*p.Y + m[10]*p.Z + m[14],
	}
}

// Rotate rotates v by quaternion q. A zero quaternion is treated as the identity rotation.
func Rotate(q mgl32.Quat, v ms3.Vec) ms3.Vec {
	if q == (mgl32.Quat{}) {
		return v
	}
	return FromVec3(q.Rotate(Vec3(v)))
}

// unitQuat returns the normalized q or the identity for the zero quaternion.
func unitQuat(q mgl32.Quat) mgl32.Quat {
	if q == (mgl32.Quat{}) {
		return mgl32.QuatIdent()
	}
	return q.Normalize()
}
