package gin

import (
	"github.com/rauteric/aws-ofi-nccl/fi"
)

// RailKind distinguishes a GIN rail's traffic: data rails carry
// write-with-immediate payload segments, control rails carry metadata
// sends/recvs and write-ack writes (spec.md §3 "Rail").
type RailKind int

const (
	RailData RailKind = iota
	RailControl
)

// railEndpoint is the provider-facing seam a Rail posts through, mirroring
// cm's cmEndpoint test-seam pattern (grounded on the teacher's
// client.Logger/Tracer/MetricHook narrow-interface style) so rails can be
// driven by an in-memory fake in tests without a live libfabric provider.
type railEndpoint interface {
	PostSend(req *fi.SendRequest) (*fi.CompletionContext, error)
	PostRecv(req *fi.RecvRequest) (*fi.CompletionContext, error)
	PostWriteWithImm(req *fi.RMARequest, data uint64) (*fi.CompletionContext, error)
	OwnAddress() ([]byte, error)
	InsertPeerAddress(raw []byte) (fi.Address, error)
	ReadCompletion() (*fi.CompletionEvent, error)
	ReadCompletionError(flags uint64) (*fi.CompletionError, error)
	Close() error
}

// Rail is one parallel network path of a GIN endpoint: its own provider
// endpoint, address vector, completion queue, and registration domain
// (spec.md §3 "Rail"). Rails may share a domain or each own a distinct one
// (distinct NICs); either way every region GIN registers is registered
// once per rail, since spec.md §3 requires "one provider MR object per
// rail" and a remote key is only meaningful within the domain that minted
// it.
type Rail struct {
	Index  int
	Kind   RailKind
	ep     railEndpoint
	domain *fi.Domain

	recvBufs [][]byte // outstanding standing recv buffers, control rails only
}

// Register registers buf against this rail's own domain, the per-rail half
// of a GIN memory registration.
func (r *Rail) Register(buf []byte, opts *fi.MRRegisterOptions) (*fi.MemoryRegion, error) {
	if opts != nil {
		return r.domain.RegisterMemoryWithOptions(buf, opts)
	}
	return r.domain.RegisterMemory(buf, fi.MRAccessLocal|fi.MRAccessRemoteRead|fi.MRAccessRemoteWrite)
}

// providerRail adapts a real fi.Endpoint/AddressVector/CompletionQueue
// triple to railEndpoint. PostSend and PostWriteWithImm always force a
// fresh completion context before delegating, for the same reason cm's
// providerEndpoint.PostSend does: the underlying fi.Endpoint.PostSend
// silently falls back to an untracked inject for small payloads with no
// context, and every GIN sub-request needs a definite completion to drive
// its parent request and the receiver's reassembly table.
type providerRail struct {
	ep *fi.Endpoint
	av *fi.AddressVector
	cq *fi.CompletionQueue
}

func newProviderRail(ep *fi.Endpoint, av *fi.AddressVector, cq *fi.CompletionQueue) *providerRail {
	return &providerRail{ep: ep, av: av, cq: cq}
}

// NewRail wraps a caller-opened endpoint/AV/CQ/domain quadruple (all bound
// to the same provider domain) as one GIN rail. The communicator never
// opens provider resources itself — like cm.NewConnectionManager, it takes
// already-configured handles and drives them.
func NewRail(index int, kind RailKind, ep *fi.Endpoint, av *fi.AddressVector, cq *fi.CompletionQueue, domain *fi.Domain) *Rail {
	return &Rail{Index: index, Kind: kind, ep: newProviderRail(ep, av, cq), domain: domain}
}

func (p *providerRail) PostSend(req *fi.SendRequest) (*fi.CompletionContext, error) {
	if req.Context == nil {
		ctx, err := fi.NewCompletionContext()
		if err != nil {
			return nil, err
		}
		req.Context = ctx
	}
	return p.ep.PostSend(req)
}

func (p *providerRail) PostRecv(req *fi.RecvRequest) (*fi.CompletionContext, error) {
	return p.ep.PostRecv(req)
}

func (p *providerRail) PostWriteWithImm(req *fi.RMARequest, data uint64) (*fi.CompletionContext, error) {
	if req.Context == nil {
		ctx, err := fi.NewCompletionContext()
		if err != nil {
			return nil, err
		}
		req.Context = ctx
	}
	return p.ep.PostWriteWithImm(req, data)
}

func (p *providerRail) OwnAddress() ([]byte, error) { return p.ep.Name() }

func (p *providerRail) InsertPeerAddress(raw []byte) (fi.Address, error) {
	return p.av.InsertRaw(raw, 0)
}

func (p *providerRail) ReadCompletion() (*fi.CompletionEvent, error) { return p.cq.ReadContext() }

func (p *providerRail) ReadCompletionError(flags uint64) (*fi.CompletionError, error) {
	return p.cq.ReadError(flags)
}

func (p *providerRail) Close() error {
	epErr := p.ep.Close()
	cqErr := p.cq.Close()
	if epErr != nil {
		return epErr
	}
	return cqErr
}
