package gin

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rauteric/aws-ofi-nccl/fi"
	"github.com/rauteric/aws-ofi-nccl/internal/gdrcopy"
)

// SignalOp selects the update iput_signal applies at the target once the
// accompanying payload (if any) has landed (spec.md §4.4 "Signal
// application").
type SignalOp int

const (
	// SignalNone performs no signal update; size must be > 0.
	SignalNone SignalOp = iota
	// SignalInc adds 1 to the target signal.
	SignalInc
	// SignalAdd adds an application-supplied value to the target signal.
	SignalAdd
)

func (op SignalOp) valid() bool {
	return op == SignalNone || op == SignalInc || op == SignalAdd
}

// deviceSignalMapper maps a GPU-resident signal region for read-modify-write
// access, the seam gdrcopy.Context fills outside of tests.
type deviceSignalMapper interface {
	Map(devAddr uintptr, size uintptr) (deviceSignalMapping, error)
}

type deviceSignalMapping interface {
	AddUint64(offset uintptr, delta uint64) (uint64, error)
	Unmap() error
}

type gdrMapperAdapter struct{ ctx *gdrcopy.Context }

func (g gdrMapperAdapter) Map(devAddr, size uintptr) (deviceSignalMapping, error) {
	return g.ctx.Map(devAddr, size)
}

// applySignal performs the receiver-side update described by md against
// sigMR at the recorded offset, once every segment of the sequence has
// landed. For device memory this opens a short-lived GDRCopy mapping to do
// an uncached read-modify-write over the mapped BAR1 window; for host
// memory a relaxed atomic add suffices, per spec.md §4.4.
func applySignal(sigMR *fi.MemoryRegion, offset uint64, delta uint64, mapper deviceSignalMapper) (uint64, error) {
	if delta == 0 {
		return 0, nil
	}
	if sigMR.Iface() == fi.MRIfaceCUDA {
		if mapper == nil {
			return 0, &ProviderError{Op: "device signal apply", Err: gdrcopy.ErrUnavailable}
		}
		devAddr := sigMR.DevicePointer()
		if devAddr == 0 {
			return 0, fmt.Errorf("gin: device signal region has no addressable pointer")
		}
		mapping, err := mapper.Map(devAddr, pageAlign(offset+8))
		if err != nil {
			return 0, &ProviderError{Op: "gdrcopy map", Err: err}
		}
		defer mapping.Unmap()
		return mapping.AddUint64(uintptr(offset), delta)
	}

	buf := sigMR.Bytes()
	if uintptr(offset)+8 > uintptr(len(buf)) {
		return 0, fmt.Errorf("gin: signal offset %d out of range for %d-byte region", offset, len(buf))
	}
	ptr := (*uint64)(unsafe.Pointer(&buf[offset]))
	return atomic.AddUint64(ptr, delta), nil
}

func pageAlign(n uint64) uintptr {
	const pageSize = 4096
	return uintptr((n + pageSize - 1) &^ (pageSize - 1))
}

// signalDelta converts a (sig_op, sig_val) pair from iput_signal into the
// raw amount applySignal should add, per spec.md §4.4: INC adds 1, ADD adds
// the caller's value, and none adds nothing.
func signalDelta(op SignalOp, sigVal uint64) (uint64, error) {
	switch op {
	case SignalNone:
		return 0, nil
	case SignalInc:
		return 1, nil
	case SignalAdd:
		return sigVal, nil
	default:
		return 0, &InvalidArgumentError{Err: ErrInvalidSignalOp}
	}
}
