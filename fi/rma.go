package fi

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/rauteric/aws-ofi-nccl/internal/capi"
)

// RMARequest describes a remote memory access operation.
type RMARequest struct {
	Buffer  []byte
	Region  *MemoryRegion
	Key     uint64
	Offset  uint64
	Address Address
	Context *CompletionContext
	Flags   uint64
}

// PostRead posts an RMA read from the remote address into the local buffer or registered region.
func (e *Endpoint) PostRead(req *RMARequest) (*CompletionContext, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	if req == nil {
		return nil, errors.New("libfabric: nil RMA request")
	}

	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, err
	}

	var buf unsafe.Pointer
	var desc unsafe.Pointer
	length := len(req.Buffer)

	if req.Region != nil {
		if err := ensureRegionAccess(req.Region, MRAccessLocal); err != nil {
			ctx.Release()
			return nil, err
		}
		buf = req.Region.buffer
		desc = req.Region.Descriptor()
		if length == 0 {
			length = int(req.Region.length)
		} else if uintptr(length) > req.Region.length {
			ctx.Release()
			return nil, fmt.Errorf("libfabric: read length exceeds registered region")
		}
		if len(req.Buffer) > 0 {
			ctx.setCopyBack(req.Buffer)
		}
	} else if length > 0 {
		var allocErr error
		buf, allocErr = ctx.ensureBuffer(uintptr(length))
		if allocErr != nil {
			ctx.Release()
			return nil, allocErr
		}
		ctx.setCopyBack(req.Buffer)
	} else {
		ctx.Release()
		return nil, errors.New("libfabric: RMA read requires buffer or region")
	}

	if err := e.handle.Read(buf, uintptr(length), desc, capi.FIAddr(req.Address), req.Key, req.Offset, ctx.Pointer()); err != nil {
		ctx.Release()
		return nil, err
	}
	return ctx, nil
}

// PostWrite posts an RMA write from the local buffer or region to the remote address.
func (e *Endpoint) PostWrite(req *RMARequest) (*CompletionContext, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	if req == nil {
		return nil, errors.New("libfabric: nil RMA request")
	}

	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, err
	}

	var buf unsafe.Pointer
	var desc unsafe.Pointer
	length := len(req.Buffer)

	if req.Region != nil {
		if err := ensureRegionAccess(req.Region, MRAccessLocal); err != nil {
			ctx.Release()
			return nil, err
		}
		buf = req.Region.buffer
		desc = req.Region.Descriptor()
		if length == 0 {
			length = int(req.Region.length)
		} else if uintptr(length) > req.Region.length {
			ctx.Release()
			return nil, fmt.Errorf("libfabric: write length exceeds registered region")
		}
	} else if length > 0 {
		var allocErr error
		buf, allocErr = ctx.ensureBuffer(uintptr(length))
		if allocErr != nil {
			ctx.Release()
			return nil, allocErr
		}
		capi.Memcpy(buf, unsafe.Pointer(&req.Buffer[0]), uintptr(length))
	} else {
		ctx.Release()
		return nil, errors.New("libfabric: RMA write requires buffer or region")
	}

	if err := e.handle.Write(buf, uintptr(length), desc, capi.FIAddr(req.Address), req.Key, req.Offset, ctx.Pointer()); err != nil {
		ctx.Release()
		return nil, err
	}
	return ctx, nil
}

// PostWriteWithImm posts an RMA write that carries a 32-bit immediate data
// value, delivered alongside the payload in the target's completion queue
// entry (CompletionEvent.Data). The target endpoint must be bound with
// FI_RX_CQ_DATA / FI_REMOTE_CQ_DATA mode for the value to surface. Passing a
// zero-length req.Buffer with a nil req.Region posts a zero-byte write used
// purely to carry the immediate word, the pattern the GIN ack path relies on.
func (e *Endpoint) PostWriteWithImm(req *RMARequest, data uint64) (*CompletionContext, error) {
	if e == nil || e.handle == nil {
		return nil, ErrInvalidHandle{"endpoint"}
	}
	if req == nil {
		return nil, errors.New("libfabric: nil RMA request")
	}

	ctx, err := ensureContext(req.Context)
	if err != nil {
		return nil, err
	}

	var buf unsafe.Pointer
	var desc unsafe.Pointer
	length := len(req.Buffer)

	if req.Region != nil {
		if err := ensureRegionAccess(req.Region, MRAccessLocal); err != nil {
			ctx.Release()
			return nil, err
		}
		buf = req.Region.buffer
		desc = req.Region.Descriptor()
		if length == 0 {
			length = int(req.Region.length)
		} else if uintptr(length) > req.Region.length {
			ctx.Release()
			return nil, fmt.Errorf("libfabric: write length exceeds registered region")
		}
	} else if length > 0 {
		var allocErr error
		buf, allocErr = ctx.ensureBuffer(uintptr(length))
		if allocErr != nil {
			ctx.Release()
			return nil, allocErr
		}
		capi.Memcpy(buf, unsafe.Pointer(&req.Buffer[0]), uintptr(length))
	}

	if err := e.handle.WriteData(buf, uintptr(length), desc, capi.FIAddr(req.Address), req.Key, req.Offset, data, ctx.Pointer()); err != nil {
		ctx.Release()
		return nil, err
	}
	return ctx, nil
}

// ReadSync posts a read and waits for completion.
func (e *Endpoint) ReadSync(req *RMARequest, cq *CompletionQueue, timeout time.Duration) error {
	if cq == nil {
		return errors.New("libfabric: completion queue required")
	}
	ctx, err := e.PostRead(req)
	if err != nil {
		return err
	}
	return waitForContext(cq, ctx, timeout)
}

// WriteSync posts a write and waits for completion.
func (e *Endpoint) WriteSync(req *RMARequest, cq *CompletionQueue, timeout time.Duration) error {
	if cq == nil {
		return errors.New("libfabric: completion queue required")
	}
	ctx, err := e.PostWrite(req)
	if err != nil {
		return err
	}
	return waitForContext(cq, ctx, timeout)
}

// ReadSyncContext posts a read and waits for completion with context cancellation support.
func (e *Endpoint) ReadSyncContext(ctx context.Context, req *RMARequest, cq *CompletionQueue, timeout time.Duration) error {
	if cq == nil {
		return errors.New("libfabric: completion queue required")
	}
	completion, err := e.PostRead(req)
	if err != nil {
		return err
	}
	return waitForContextWithContext(ctx, cq, completion, timeout)
}

// WriteSyncContext posts a write and waits for completion with context cancellation support.
func (e *Endpoint) WriteSyncContext(ctx context.Context, req *RMARequest, cq *CompletionQueue, timeout time.Duration) error {
	if cq == nil {
		return errors.New("libfabric: completion queue required")
	}
	completion, err := e.PostWrite(req)
	if err != nil {
		return err
	}
	return waitForContextWithContext(ctx, cq, completion, timeout)
}
