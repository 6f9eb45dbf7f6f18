package voleval

import (
	"errors"
	"fmt"

	"github.com/soypat/geometry/ms3"
)

// VecPool hands out reusable evaluation buffers. It is not safe for concurrent use:
// each worker goroutine should own its own VecPool.
type VecPool struct {
	V3    bufPool[ms3.Vec]
	Float bufPool[float32]
}

// GetVecPool extracts a [VecPool] from userData. userData may be a *VecPool or
// implement a VecPool() *VecPool method.
func GetVecPool(userData any) (*VecPool, error) {
	switch v := userData.(type) {
	case *VecPool:
		if v == nil {
			return nil, errors.New("nil VecPool")
		}
		return v, nil
	case interface{ VecPool() *VecPool }:
		vp := v.VecPool()
		if vp == nil {
			return nil, errors.New("nil VecPool returned by userData")
		}
		return vp, nil
	}
	return nil, fmt.Errorf("want *VecPool userData, got %T", userData)
}

// AssertAllReleased returns an error if any buffer acquired from the pool has not been released.
func (vp *VecPool) AssertAllReleased() error {
	if n := vp.V3.inUse(); n > 0 {
		return fmt.Errorf("%d ms3.Vec buffers not released", n)
	}
	if n := vp.Float.inUse(); n > 0 {
		return fmt.Errorf("%d float32 buffers not released", n)
	}
	return nil
}

type bufPool[T any] struct {
	bufs     [][]T
	acquired []bool
}

// Acquire returns a buffer of length n, reusing a released buffer when one is large enough.
func (bp *bufPool[T]) Acquire(n int) []T {
	for i, buf := range bp.bufs {
		if !bp.acquired[i] && cap(buf) >= n {
			bp.acquired[i] = true
			return buf[:n]
		}
	}
	buf := make([]T, n, max(n, 1))
	bp.bufs = append(bp.bufs, buf)
	bp.acquired = append(bp.acquired, true)
	return buf
}

// Release returns buf to the pool. Releasing a buffer not acquired from the pool panics.
func (bp *bufPool[T]) Release(buf []T) {
	for i, b := range bp.bufs {
		if bp.acquired[i] && cap(b) == cap(buf) && &b[:1][0] == &buf[:1][0] {
			bp.acquired[i] = false
			return
		}
	}
	panic("release of buffer not acquired from pool")
}

func (bp *bufPool[T]) inUse() (n int) {
	for _, a := range bp.acquired {
		if a {
			n++
		}
	}
	return n
}
