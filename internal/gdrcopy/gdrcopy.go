//go:build cgo

// Package gdrcopy provides a thin, dynamically-loaded binding to GDRCopy,
// letting a CPU thread read and write GPU memory directly through a BAR1
// mapping instead of issuing a cudaMemcpy. The GIN engine uses this to apply
// an iput_signal's atomic update to a device-resident signal slot without a
// round trip through the CUDA driver's own synchronization.
//
// The library is loaded at runtime via dlopen rather than linked at build
// time: GDRCopy is not installed everywhere aws-ofi-nccl runs, and a process
// that never registers device memory should be able to start without it.
package gdrcopy

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
#include <stdint.h>

typedef int gdr_t_handle;
typedef void* gdr_t;
typedef void* gdr_mh_t_ptr;

typedef gdr_t (*fn_gdr_open)(void);
typedef int (*fn_gdr_close)(gdr_t);
typedef int (*fn_gdr_pin_buffer)(gdr_t, uint64_t, size_t, uint64_t, uint64_t, gdr_mh_t_ptr *);
typedef int (*fn_gdr_unpin_buffer)(gdr_t, gdr_mh_t_ptr);
typedef int (*fn_gdr_map)(gdr_t, gdr_mh_t_ptr, void **, size_t);
typedef int (*fn_gdr_unmap)(gdr_t, gdr_mh_t_ptr, void *, size_t);
typedef int (*fn_gdr_get_info)(gdr_t, gdr_mh_t_ptr, void *);

static struct {
	void *lib;
	fn_gdr_open         gdr_open;
	fn_gdr_close        gdr_close;
	fn_gdr_pin_buffer   gdr_pin_buffer;
	fn_gdr_unpin_buffer gdr_unpin_buffer;
	fn_gdr_map          gdr_map;
	fn_gdr_unmap        gdr_unmap;
	fn_gdr_get_info     gdr_get_info;
} gdr;

static int gdr_load(void) {
	gdr.lib = dlopen("libgdrapi.so.2", RTLD_NOW);
	if (!gdr.lib) {
		gdr.lib = dlopen("libgdrapi.so", RTLD_NOW);
	}
	if (!gdr.lib) return -1;

	gdr.gdr_open         = (fn_gdr_open)dlsym(gdr.lib, "gdr_open");
	gdr.gdr_close        = (fn_gdr_close)dlsym(gdr.lib, "gdr_close");
	gdr.gdr_pin_buffer   = (fn_gdr_pin_buffer)dlsym(gdr.lib, "gdr_pin_buffer");
	gdr.gdr_unpin_buffer = (fn_gdr_unpin_buffer)dlsym(gdr.lib, "gdr_unpin_buffer");
	gdr.gdr_map          = (fn_gdr_map)dlsym(gdr.lib, "gdr_map");
	gdr.gdr_unmap        = (fn_gdr_unmap)dlsym(gdr.lib, "gdr_unmap");
	gdr.gdr_get_info     = (fn_gdr_get_info)dlsym(gdr.lib, "gdr_get_info");

	if (!gdr.gdr_open || !gdr.gdr_close || !gdr.gdr_pin_buffer ||
	    !gdr.gdr_unpin_buffer || !gdr.gdr_map || !gdr.gdr_unmap) {
		dlclose(gdr.lib);
		gdr.lib = NULL;
		return -2;
	}
	return 0;
}

static void gdr_unload(void) {
	if (gdr.lib) {
		dlclose(gdr.lib);
		gdr.lib = NULL;
	}
}

static gdr_t gdr_do_open(void) { return gdr.gdr_open(); }
static int gdr_do_close(gdr_t g) { return gdr.gdr_close(g); }

static int gdr_do_pin(gdr_t g, uint64_t addr, size_t size, gdr_mh_t_ptr *mh) {
	return gdr.gdr_pin_buffer(g, addr, size, 0, 0, mh);
}

static int gdr_do_unpin(gdr_t g, gdr_mh_t_ptr mh) {
	return gdr.gdr_unpin_buffer(g, mh);
}

static int gdr_do_map(gdr_t g, gdr_mh_t_ptr mh, void **va, size_t size) {
	return gdr.gdr_map(g, mh, va, size);
}

static int gdr_do_unmap(gdr_t g, gdr_mh_t_ptr mh, void *va, size_t size) {
	return gdr.gdr_unmap(g, mh, va, size);
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrUnavailable indicates that libgdrapi could not be loaded on this host.
// Callers should treat this as a degrade-to-slow-path signal, not a fatal
// error: a process with no GPU rails, or one running a provider that never
// delivers signals to device memory, has no need for GDRCopy.
var ErrUnavailable = errors.New("gdrcopy: libgdrapi not available")

var (
	loadOnce   sync.Once
	loadErr    error
	loadResult int32
)

func ensureLoaded() error {
	loadOnce.Do(func() {
		rc := C.gdr_load()
		if rc != 0 {
			loadErr = fmt.Errorf("%w (dlopen rc=%d)", ErrUnavailable, int(rc))
			return
		}
		atomic.StoreInt32(&loadResult, 1)
	})
	return loadErr
}

// Context is a process-wide handle to the GDRCopy driver, obtained via
// gdr_open. Pin buffers and map them through it; a single Context is safe
// to share across rails since the underlying driver handle is reference
// counted by the kernel module.
type Context struct {
	handle C.gdr_t
}

// Open loads libgdrapi if needed and opens a driver handle. It returns
// ErrUnavailable (wrapped) if the library cannot be loaded, letting callers
// fall back to a host-memory-only signal path.
func Open() (*Context, error) {
	if err := ensureLoaded(); err != nil {
		return nil, err
	}
	h := C.gdr_do_open()
	if h == nil {
		return nil, fmt.Errorf("gdrcopy: gdr_open failed")
	}
	return &Context{handle: h}, nil
}

// Close releases the driver handle.
func (c *Context) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	rc := C.gdr_do_close(c.handle)
	c.handle = nil
	if rc != 0 {
		return fmt.Errorf("gdrcopy: gdr_close failed, rc=%d", int(rc))
	}
	return nil
}

// Mapping is a host-virtual-address window onto a range of GPU memory,
// obtained by pinning a device buffer and mapping the pinning into the
// process's address space.
type Mapping struct {
	ctx  *Context
	mh   C.gdr_mh_t_ptr
	base unsafe.Pointer
	size uintptr
}

// Map pins the GPU memory at devAddr (a CUDA device pointer, not a host
// pointer) for size bytes and maps it for CPU access. devAddr and size
// should be page-aligned; GDRCopy rejects unaligned pinning requests.
func (c *Context) Map(devAddr uintptr, size uintptr) (*Mapping, error) {
	if c == nil || c.handle == nil {
		return nil, fmt.Errorf("gdrcopy: context not open")
	}
	var mh C.gdr_mh_t_ptr
	if rc := C.gdr_do_pin(c.handle, C.uint64_t(devAddr), C.size_t(size), &mh); rc != 0 {
		return nil, fmt.Errorf("gdrcopy: gdr_pin_buffer failed, rc=%d", int(rc))
	}
	var va unsafe.Pointer
	if rc := C.gdr_do_map(c.handle, mh, &va, C.size_t(size)); rc != 0 {
		C.gdr_do_unpin(c.handle, mh)
		return nil, fmt.Errorf("gdrcopy: gdr_map failed, rc=%d", int(rc))
	}
	return &Mapping{ctx: c, mh: mh, base: va, size: size}, nil
}

// Unmap tears down the mapping and unpins the underlying buffer.
func (m *Mapping) Unmap() error {
	if m == nil || m.base == nil {
		return nil
	}
	if rc := C.gdr_do_unmap(m.ctx.handle, m.mh, m.base, C.size_t(m.size)); rc != 0 {
		return fmt.Errorf("gdrcopy: gdr_unmap failed, rc=%d", int(rc))
	}
	C.gdr_do_unpin(m.ctx.handle, m.mh)
	m.base = nil
	return nil
}

func (m *Mapping) offsetPtr(offset uintptr) (*uint64, error) {
	if m == nil || m.base == nil {
		return nil, fmt.Errorf("gdrcopy: mapping closed")
	}
	if offset+8 > m.size {
		return nil, fmt.Errorf("gdrcopy: offset %d out of range for %d-byte mapping", offset, m.size)
	}
	return (*uint64)(unsafe.Pointer(uintptr(m.base) + offset)), nil
}

// ReadUint64 reads an 8-byte word at offset within the mapping. GDRCopy
// windows are ordinarily uncached, so this performs an uncached load
// straight off the BAR1 mapping; callers should not spin on it expecting
// cache-coherent visibility faster than the underlying PCIe write commits.
func (m *Mapping) ReadUint64(offset uintptr) (uint64, error) {
	ptr, err := m.offsetPtr(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(ptr), nil
}

// AddUint64 atomically adds delta to the 8-byte word at offset and returns
// the new value. This is the primitive behind iput_signal's "happens-after"
// guarantee: the payload write lands first (via RDMA), and this add is only
// issued once the completion for that write has been observed, so a reader
// of the signal is guaranteed to see the payload.
func (m *Mapping) AddUint64(offset uintptr, delta uint64) (uint64, error) {
	ptr, err := m.offsetPtr(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint64(ptr, delta), nil
}
