package gin

import (
	"testing"

	"github.com/rauteric/aws-ofi-nccl/fi"
)

// setupTestDomain opens a sockets-provider domain, skipping the test if the
// provider is unavailable on this system — GIN's memory registration and
// metadata-pool paths are exercised against a real domain even though the
// network posting side is faked, the same split rail.go's railEndpoint seam
// is built around.
func setupTestDomain(t *testing.T) *fi.Domain {
	t.Helper()
	discovery, err := fi.DiscoverDescriptors(fi.WithProvider("sockets"))
	if err != nil {
		t.Skipf("sockets provider discovery failed: %v", err)
	}
	t.Cleanup(discovery.Close)

	descs := discovery.Descriptors()
	if len(descs) == 0 {
		t.Skip("sockets provider not available on this system")
	}

	fabric, err := descs[0].OpenFabric()
	if err != nil {
		t.Skipf("unable to open fabric for sockets provider: %v", err)
	}
	t.Cleanup(func() { _ = fabric.Close() })

	domain, err := descs[0].OpenDomain(fabric)
	if err != nil {
		t.Skipf("unable to open domain for sockets provider: %v", err)
	}
	t.Cleanup(func() { _ = domain.Close() })
	return domain
}
