package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/ptpusb/host/hal"
	"github.com/ardnew/ptpusb/pkg"
)

// Backend is a hal.Backend over a fixed set of simulated cameras.
type Backend struct {
	mu      sync.Mutex
	cameras []*Camera
	closed  bool
}

var _ hal.Backend = (*Backend)(nil)

// NewBackend returns a backend exposing cameras. Each camera's path becomes
// sim:<index>.
func NewBackend(cameras ...*Camera) *Backend {
	for i, cam := range cameras {
		cam.mu.Lock()
		cam.path = fmt.Sprintf("sim:%d", i)
		cam.mu.Unlock()
	}
	return &Backend{cameras: cameras}
}

// Devices returns the descriptor of every camera.
func (b *Backend) Devices(ctx context.Context) ([]hal.Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	descs := make([]hal.Descriptor, 0, len(b.cameras))
	for _, cam := range b.cameras {
		descs = append(descs, cam.Descriptor())
	}
	return descs, nil
}

// Open returns the camera at desc.Path, reset to its power-on state.
func (b *Backend) Open(ctx context.Context, desc hal.Descriptor) (hal.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, pkg.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, cam := range b.cameras {
		if cam.Descriptor().Path == desc.Path {
			cam.reopen()
			return cam, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", desc.Path, pkg.ErrNoDevice)
}

// Close closes the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Demo returns a camera holding count JPEG-framed objects of varying size,
// with handles starting at 0x00010001.
func Demo(count int) *Camera {
	objects := make([]Object, 0, count)
	for i := 0; i < count; i++ {
		objects = append(objects, Object{
			Handle: 0x00010001 + uint32(i),
			Data:   fakeJPEG(i, 48*1024+i*7919),
		})
	}
	return NewCamera(objects...)
}

// fakeJPEG returns size bytes that start with a JFIF header and end with an
// end-of-image marker.
func fakeJPEG(seed, size int) []byte {
	head := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	if size < len(head)+2 {
		size = len(head) + 2
	}
	b := make([]byte, size)
	copy(b, head)
	x := uint32(seed)*2654435761 + 1
	for k := len(head); k < size-2; k += 4 {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], x)
		copy(b[k:size-2], w[:])
	}
	b[size-2], b[size-1] = 0xFF, 0xD9
	return b
}
