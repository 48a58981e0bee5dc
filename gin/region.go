package gin

import (
	"fmt"
	"unsafe"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// regionBase returns the address a peer should be told to name this region
// by: the raw device pointer for device memory, or the host buffer's own
// address for system memory — either way, the value process-local code can
// later use to find its way back to mr.
func regionBase(mr *fi.MemoryRegion) uint64 {
	if mr.Iface() == fi.MRIfaceCUDA {
		return uint64(mr.DevicePointer())
	}
	buf := mr.Bytes()
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// RemoteRegion is a previously-exchanged reference to a peer's registered
// memory, the "registered region base -> handle" mapping spec.md §3 assigns
// to the GIN communicator, from the writer's point of view: Base is the
// peer's own local base address for the region, and Key carries one
// provider remote key per data rail (spec.md §3 "one provider MR object
// per rail"). A RemoteRegion naming a signal MR only ever needs Base — no
// RMA write ever targets a signal region, so Key is unused in that role.
type RemoteRegion struct {
	Base uint64
	Key  []uint64
}

// regionTable resolves a remote base address named in an incoming metadata
// record back to this rank's own *fi.MemoryRegion for that region, so the
// receiver can apply a signal update without the sender ever telling it
// which local variable the region lives in — only the base address it was
// told about when the region was first registered and exchanged.
type regionTable struct {
	byBase map[uint64]*fi.MemoryRegion
}

func newRegionTable() *regionTable {
	return &regionTable{byBase: make(map[uint64]*fi.MemoryRegion)}
}

// register records rails[0] under the region's own local base address so a
// later metadata record naming that address (as this rank's signal_base,
// told to a peer when the region was exchanged) resolves back to it —
// every per-rail registration of the same buffer shares one base address,
// so any one of them suffices for local lookups. The returned RemoteRegion
// carries every rail's own remote key, in rail-index order.
func (t *regionTable) register(rails []*fi.MemoryRegion) (RemoteRegion, error) {
	if len(rails) == 0 || rails[0] == nil {
		return RemoteRegion{}, &InvalidArgumentError{Err: fmt.Errorf("gin: no per-rail registrations to record")}
	}
	base := regionBase(rails[0])
	t.byBase[base] = rails[0]
	keys := make([]uint64, len(rails))
	for i, mr := range rails {
		if mr == nil {
			return RemoteRegion{}, &InvalidArgumentError{Err: fmt.Errorf("gin: nil registration for rail %d", i)}
		}
		keys[i] = mr.Key()
	}
	return RemoteRegion{Base: base, Key: keys}, nil
}

func (t *regionTable) deregister(rails []*fi.MemoryRegion) {
	if len(rails) == 0 || rails[0] == nil {
		return
	}
	delete(t.byBase, regionBase(rails[0]))
}

func (t *regionTable) lookup(base uint64) (*fi.MemoryRegion, bool) {
	mr, ok := t.byBase[base]
	return mr, ok
}
