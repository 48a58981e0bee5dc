package gdrcopy

import "testing"

func TestOpen(t *testing.T) {
	ctx, err := Open()
	if err != nil {
		t.Skipf("gdrcopy unavailable in this environment: %v", err)
	}
	defer ctx.Close()
	if ctx.handle == nil {
		t.Fatalf("expected non-nil driver handle")
	}
}

func TestMapAndSignal(t *testing.T) {
	ctx, err := Open()
	if err != nil {
		t.Skipf("gdrcopy unavailable in this environment: %v", err)
	}
	defer ctx.Close()

	// A real device pointer requires a CUDA allocation; without one this
	// exercises only the load/open path, matching how the fi package skips
	// provider-backed tests when no real hardware is present.
	t.Skip("device buffer allocation requires a CUDA context, not available in this harness")
}
