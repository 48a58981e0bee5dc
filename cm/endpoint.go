package cm

import (
	"github.com/rauteric/aws-ofi-nccl/fi"
)

// cmEndpoint abstracts the subset of fi.Endpoint the CM facade drives,
// letting the handshake state machines and pending-queue logic be tested
// against a fake without a live libfabric provider, the same spirit as the
// teacher's interface-based Logger/Tracer/MetricHook seams.
type cmEndpoint interface {
	PostSend(req *fi.SendRequest) (*fi.CompletionContext, error)
	PostRecv(req *fi.RecvRequest) (*fi.CompletionContext, error)
	PostInject(buf []byte, dest fi.Address) error
	InjectLimit() uintptr
	OwnAddress() ([]byte, error)
	InsertPeerAddress(raw []byte) (fi.Address, error)
	ReadCompletion() (*fi.CompletionEvent, error)
	ReadCompletionError(flags uint64) (*fi.CompletionError, error)
	Close() error
}

// providerEndpoint adapts a real *fi.Endpoint (plus the address vector and
// completion queue it is bound to) to cmEndpoint.
type providerEndpoint struct {
	ep *fi.Endpoint
	av *fi.AddressVector
	cq *fi.CompletionQueue
}

func newProviderEndpoint(ep *fi.Endpoint, av *fi.AddressVector, cq *fi.CompletionQueue) *providerEndpoint {
	return &providerEndpoint{ep: ep, av: av, cq: cq}
}

func (p *providerEndpoint) ReadCompletion() (*fi.CompletionEvent, error) {
	return p.cq.ReadContext()
}

func (p *providerEndpoint) ReadCompletionError(flags uint64) (*fi.CompletionError, error) {
	return p.cq.ReadError(flags)
}

// PostSend always forces a tracked completion context before posting. The
// underlying fi.Endpoint.PostSend silently switches to an untracked inject
// when the payload is small and no context was supplied; the CM needs to
// know definitively that a completion will arrive so it can drive the
// SendConnector/Receiver "LocalDelivered" transition, so it pre-allocates
// the context to suppress that fallback.
func (p *providerEndpoint) PostSend(req *fi.SendRequest) (*fi.CompletionContext, error) {
	if req.Context == nil {
		ctx, err := fi.NewCompletionContext()
		if err != nil {
			return nil, err
		}
		req.Context = ctx
	}
	return p.ep.PostSend(req)
}

func (p *providerEndpoint) PostRecv(req *fi.RecvRequest) (*fi.CompletionContext, error) {
	return p.ep.PostRecv(req)
}

func (p *providerEndpoint) PostInject(buf []byte, dest fi.Address) error {
	return p.ep.PostInject(buf, dest)
}

func (p *providerEndpoint) InjectLimit() uintptr {
	return p.ep.InjectLimit()
}

func (p *providerEndpoint) OwnAddress() ([]byte, error) {
	return p.ep.Name()
}

func (p *providerEndpoint) InsertPeerAddress(raw []byte) (fi.Address, error) {
	return p.av.InsertRaw(raw, 0)
}

func (p *providerEndpoint) Close() error {
	epErr := p.ep.Close()
	cqErr := p.cq.Close()
	if epErr != nil {
		return epErr
	}
	return cqErr
}
