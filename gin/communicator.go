package gin

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/rauteric/aws-ofi-nccl/cm"
	"github.com/rauteric/aws-ofi-nccl/fi"
	"github.com/rauteric/aws-ofi-nccl/internal/gdrcopy"
)

// maxCompletionsPerProgress bounds how many CQ entries a single public call
// drains per rail before returning, mirroring cm's constant of the same
// name and purpose.
const maxCompletionsPerProgress = 32

// Communicator is one GIN per-collective endpoint: a peer table, a rail
// rotation counter, a metadata freelist, a reassembly table, and an ack
// counter (spec.md §3 "GIN communicator"). One mutex guards all of it,
// never held across anything that can block, matching spec.md §5.
type Communicator struct {
	mu sync.Mutex

	myRank int
	ranks  int

	dataRails []*Rail
	ctrlRails []*Rail

	localCommID uint32
	peers       map[int]*PeerTableEntry

	dataAddrToPeer []map[fi.Address]int
	ctrlAddrToPeer []map[fi.Address]int

	reassembly *reassemblyTable
	regions    *regionTable

	pending pendingQueue
	railRR  int

	outstandingAcks int

	ackMRs []*fi.MemoryRegion // one per control rail, this rank's own ack-landing buffer
	ackKey []uint64

	metaPools []*fi.MRPool // one per control rail, metadata send-buffer freelist

	opts CommunicatorOptions

	closed bool
}

// Connect performs gin_connect (spec.md §4.4 "Initialization"): a
// ring-connect over bootstrapCM (connect to (myRank+1)%ranks, accept one),
// then an all-gather over the resulting ring connections to exchange a
// PeerHandle per rank, after which every peer's addresses are inserted
// into both kinds of rail address vectors. bootstrapCM must already be
// constructed with ConnMsgDataSize == RingMessageLen(len(dataRails),
// len(ctrlRails)), and bootstrapHandles[r] must be rank r's bootstrap
// listener Handle (obtained by the host runtime's own bootstrap channel
// before this call, matching spec.md's bootstrap_handles[] parameter).
func Connect(myRank, ranks int, commID uint32, bootstrapCM *cm.ConnectionManager, bootstrapHandles []cm.Handle, dataRails, ctrlRails []*Rail, opts CommunicatorOptions) (*Communicator, error) {
	opts = opts.withDefaults()
	if len(bootstrapHandles) != ranks {
		return nil, &InvalidArgumentError{Err: fmt.Errorf("gin: got %d bootstrap handles, want %d", len(bootstrapHandles), ranks)}
	}
	if len(dataRails) == 0 {
		return nil, &InvalidArgumentError{Err: fmt.Errorf("gin: at least one data rail is required")}
	}
	if len(ctrlRails) == 0 {
		return nil, &InvalidArgumentError{Err: fmt.Errorf("gin: at least one control rail is required")}
	}

	c := &Communicator{
		myRank:         myRank,
		ranks:          ranks,
		dataRails:      dataRails,
		ctrlRails:      ctrlRails,
		localCommID:    commID,
		peers:          make(map[int]*PeerTableEntry),
		dataAddrToPeer: make([]map[fi.Address]int, len(dataRails)),
		ctrlAddrToPeer: make([]map[fi.Address]int, len(ctrlRails)),
		reassembly:     newReassemblyTable(),
		regions:        newRegionTable(),
		opts:           opts,
	}
	for i := range c.dataAddrToPeer {
		c.dataAddrToPeer[i] = make(map[fi.Address]int)
	}
	for i := range c.ctrlAddrToPeer {
		c.ctrlAddrToPeer[i] = make(map[fi.Address]int)
	}

	if err := c.createAckBuffer(); err != nil {
		return nil, err
	}
	if err := c.createMetadataPools(); err != nil {
		return nil, err
	}

	myHandle, err := c.localHandle()
	if err != nil {
		return nil, err
	}

	handles, err := ringAllGather(myRank, ranks, bootstrapCM, bootstrapHandles, myHandle, len(dataRails), len(ctrlRails))
	if err != nil {
		return nil, err
	}

	for rank, h := range handles {
		if rank == myRank {
			continue
		}
		if err := c.addPeer(h); err != nil {
			return nil, err
		}
	}

	if err := c.postControlRecvPool(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Communicator) createAckBuffer() error {
	// Every rail registers the same underlying buffer, not a fresh one each
	// — regionBase's "one base address per buffer" assumption (region.go)
	// requires it, since the ack landing address is advertised once, not
	// once per rail.
	buf := make([]byte, 8)
	c.ackMRs = make([]*fi.MemoryRegion, len(c.ctrlRails))
	c.ackKey = make([]uint64, len(c.ctrlRails))
	for i, rail := range c.ctrlRails {
		mr, err := rail.Register(buf, &fi.MRRegisterOptions{Access: fi.MRAccessLocal | fi.MRAccessRemoteWrite})
		if err != nil {
			return &ProviderError{Op: "register ack buffer", Err: err}
		}
		c.ackMRs[i] = mr
		c.ackKey[i] = mr.Key()
	}
	return nil
}

func (c *Communicator) createMetadataPools() error {
	c.metaPools = make([]*fi.MRPool, len(c.ctrlRails))
	for i, rail := range c.ctrlRails {
		pool, err := fi.NewMRPool(rail.domain, metadataWireLen, fi.MRAccessLocal, c.opts.ControlRecvPoolSize)
		if err != nil {
			return &ProviderError{Op: "create metadata pool", Err: err}
		}
		c.metaPools[i] = pool
	}
	return nil
}

func (c *Communicator) localHandle() (*PeerHandle, error) {
	h := &PeerHandle{
		Rank:     c.myRank,
		CommID:   c.localCommID,
		DataAddr: make([][]byte, len(c.dataRails)),
		CtrlAddr: make([][]byte, len(c.ctrlRails)),
		AckKey:   c.ackKey,
	}
	if len(c.ackMRs) > 0 {
		h.AckBase = regionBase(c.ackMRs[0])
	}
	for i, rail := range c.dataRails {
		addr, err := rail.ep.OwnAddress()
		if err != nil {
			return nil, &ProviderError{Op: "get data rail address", Err: err}
		}
		h.DataAddr[i] = addr
	}
	for i, rail := range c.ctrlRails {
		addr, err := rail.ep.OwnAddress()
		if err != nil {
			return nil, &ProviderError{Op: "get control rail address", Err: err}
		}
		h.CtrlAddr[i] = addr
	}
	return h, nil
}

func (c *Communicator) addPeer(h *PeerHandle) error {
	entry := newPeerTableEntry(h.Rank, len(c.dataRails), len(c.ctrlRails), c.opts.MaxInflight)
	entry.LocalCommID = h.CommID
	entry.AckBase = h.AckBase
	copy(entry.AckKey, h.AckKey)

	for i, addr := range h.DataAddr {
		dest, err := c.dataRails[i].ep.InsertPeerAddress(addr)
		if err != nil {
			return &ProviderError{Op: "insert peer data address", Err: err}
		}
		entry.DataAddr[i] = dest
		c.dataAddrToPeer[i][dest] = h.Rank
	}
	for i, addr := range h.CtrlAddr {
		dest, err := c.ctrlRails[i].ep.InsertPeerAddress(addr)
		if err != nil {
			return &ProviderError{Op: "insert peer control address", Err: err}
		}
		entry.CtrlAddr[i] = dest
		c.ctrlAddrToPeer[i][dest] = h.Rank
	}
	c.peers[h.Rank] = entry
	return nil
}

func (c *Communicator) postControlRecvPool() error {
	for _, rail := range c.ctrlRails {
		for i := 0; i < c.opts.ControlRecvPoolSize; i++ {
			r := &request{kind: requestRXControl, comm: c, rail: rail, buf: make([]byte, metadataWireLen)}
			if err := r.progress(); err != nil {
				return &ProviderError{Op: "post initial control rx buffer", Err: err}
			}
			rail.recvBufs = append(rail.recvBufs, r.buf)
		}
	}
	return nil
}

// RegisterRegion registers buf on every data rail's domain and records the
// resulting base address for local signal resolution. The returned
// RemoteRegion is what a caller hands to a peer (out of band) so the peer
// can name this region as a dst_mr or sig_mr in its own iput_signal calls;
// the returned registrations are what a later DeregisterRegion call needs.
func (c *Communicator) RegisterRegion(buf []byte, opts *fi.MRRegisterOptions) (RemoteRegion, []*fi.MemoryRegion, error) {
	mrs := make([]*fi.MemoryRegion, len(c.dataRails))
	for i, rail := range c.dataRails {
		mr, err := rail.Register(buf, opts)
		if err != nil {
			closeRegistered(mrs[:i])
			return RemoteRegion{}, nil, &ProviderError{Op: "register region", Err: err}
		}
		mrs[i] = mr
	}

	if len(mrs) > 0 && mrs[0].Iface() == fi.MRIfaceCUDA {
		if err := c.validateDeviceMapping(mrs[0]); err != nil {
			closeRegistered(mrs)
			return RemoteRegion{}, nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	remote, err := c.regions.register(mrs)
	return remote, mrs, err
}

// validateDeviceMapping implements spec.md §4.4's "GDRCopy pin/map failure
// during reg_mr: deregister and fail" edge case: a CUDA-resident region that
// might later be named as a sig_mr must prove it can be pinned and mapped
// through GDRCopy at registration time, not the first time a signal lands
// on it.
func (c *Communicator) validateDeviceMapping(mr *fi.MemoryRegion) error {
	mapper := c.gdrMapper()
	if mapper == nil {
		return &ProviderError{Op: "gdrcopy map", Err: gdrcopy.ErrUnavailable}
	}
	mapping, err := mapper.Map(mr.DevicePointer(), pageAlign(8))
	if err != nil {
		return &ProviderError{Op: "gdrcopy map", Err: err}
	}
	return mapping.Unmap()
}

func closeRegistered(mrs []*fi.MemoryRegion) {
	for _, mr := range mrs {
		if mr != nil {
			_ = mr.Close()
		}
	}
}

// DeregisterRegion removes a region previously returned by RegisterRegion
// from local signal resolution and closes its per-rail registrations. It
// does not, and cannot, tell any peer to stop naming this region — that
// coordination is the host runtime's responsibility, the same way the
// runtime is responsible for exchanging the RemoteRegion in the first
// place.
func (c *Communicator) DeregisterRegion(mrs []*fi.MemoryRegion) {
	c.mu.Lock()
	c.regions.deregister(mrs)
	c.mu.Unlock()
	for _, mr := range mrs {
		if mr != nil {
			_ = mr.Close()
		}
	}
}

// Progress drains every rail's completion queue and the pending sub-request
// queue without waiting on any particular operation. It is the entry point
// behind the host runtime's standalone progress hook (spec.md §4's vtable
// listing): a rank with nothing of its own outstanding still has to pump its
// rails so it can reassemble and ack the writes other ranks send it.
// IputSignal, Request.TestReady, and Close all already progress as a side
// effect of their own work, so calling Progress too is only necessary when
// none of those are otherwise due to run.
func (c *Communicator) Progress() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

// progressLocked drains the pending sub-request queue, then every rail's
// completion queue, matching spec.md §4.3/§4.4's "Progress" discipline.
func (c *Communicator) progressLocked() error {
	if failed, err := c.pending.drain(); err != nil {
		op := "pending retry"
		if failed != nil {
			op = fmt.Sprintf("pending retry (kind %d)", failed.kind)
		}
		return &ProviderError{Op: op, Err: err}
	}
	allRails := append(append([]*Rail(nil), c.dataRails...), c.ctrlRails...)
	for i := 0; i < maxCompletionsPerProgress; i++ {
		advanced := false
		for _, rail := range allRails {
			a, err := c.pollOnceLocked(rail)
			if err != nil {
				return err
			}
			advanced = advanced || a
		}
		if !advanced {
			break
		}
	}
	return nil
}

func (c *Communicator) pollOnceLocked(rail *Rail) (bool, error) {
	event, err := rail.ep.ReadCompletion()
	if err == nil {
		c.dispatchCompletion(rail, event)
		return true, nil
	}
	if !errors.Is(err, fi.ErrNoCompletion) {
		return false, &ProviderError{Op: "cq read", Err: err}
	}

	cerr, err := rail.ep.ReadCompletionError(0)
	if err == nil {
		c.dispatchCompletionError(rail, cerr)
		return true, nil
	}
	if errors.Is(err, fi.ErrNoCompletion) {
		return false, nil
	}
	return false, &ProviderError{Op: "cq read error", Err: err}
}

// dispatchCompletion handles one clean completion entry. If it resolves to
// a request this communicator posted, that request's own handler runs;
// otherwise (a nil Context, since the target of a write-with-imm never
// posted anything) it is a remote write-with-imm arrival, handled directly
// from the raw event.
func (c *Communicator) dispatchCompletion(rail *Rail, event *fi.CompletionEvent) {
	ctx, err := event.Resolve()
	if err == nil {
		if r, ok := ctx.Value().(*request); ok && r != nil {
			r.handleCompletion(nil, event.Source)
		}
		return
	}
	c.onRemoteWrite(rail, event.Source, event.Data)
}

func (c *Communicator) dispatchCompletionError(rail *Rail, cerr *fi.CompletionError) {
	ctx, err := cerr.Resolve()
	if err != nil {
		c.opts.logf("gin: unresolvable completion error on rail %d: %v", rail.Index, cerr.Err)
		return
	}
	if r, ok := ctx.Value().(*request); ok && r != nil {
		r.handleCompletion(cerr.Err, fi.Address(0))
	}
}

// onRemoteWrite is the receiver side of every write-with-imm this
// communicator did not itself post: a payload segment landing on a data
// rail, or an ack landing on a control rail (spec.md §4.4 "Receiver side").
func (c *Communicator) onRemoteWrite(rail *Rail, src fi.Address, data uint64) {
	imm := ImmediateData(data)
	commID, seq, segCount := imm.Unpack()
	if commID != c.localCommID {
		c.opts.logf("gin: write-with-imm comm id %d does not match local comm id %d, dropping", commID, c.localCommID)
		return
	}

	if imm.IsAck() {
		peerRank, ok := c.ctrlAddrToPeer[rail.Index][src]
		if !ok {
			c.opts.logf("gin: %v", ErrAckPeerUnresolved)
			return
		}
		c.onAckReceived(peerRank, seq)
		return
	}

	peerRank, ok := c.dataAddrToPeer[rail.Index][src]
	if !ok {
		c.opts.logf("gin: write-with-imm from unresolvable source on data rail %d, dropping", rail.Index)
		return
	}
	c.reassembly.upsertWrite(peerRank, seq, segCount)
	c.runDeliveryLoop(peerRank)
}

func (c *Communicator) onAckReceived(peerRank int, seq uint32) {
	peer, ok := c.peers[peerRank]
	if !ok {
		c.opts.logf("gin: ack from unknown peer %d, dropping", peerRank)
		return
	}
	peer.releaseSlot(seq)
	c.outstandingAcks--
	if req, ok := peer.takePendingAck(seq); ok {
		req.ackDone(nil)
	}
	if m := c.opts.Metrics; m != nil {
		m.SignalAcked(map[string]string{labelPeerRank: fmt.Sprint(peerRank)})
	}
}

// onControlRecv is request.handleCompletion's hook for requestRXControl:
// decode the metadata record and upsert it into the reassembly table
// (spec.md §4.4 "Receiver side", second bullet).
func (c *Communicator) onControlRecv(rail *Rail, source fi.Address, buf []byte, err error) {
	if err != nil {
		if !IsBenign(err) {
			c.opts.logf("gin: control rx completion error: %v", err)
		}
		return
	}
	md, derr := decodeMetadata(buf)
	if derr != nil {
		c.opts.logf("gin: failed to decode metadata: %v", derr)
		return
	}
	if md.RemoteCommID != c.localCommID {
		c.opts.logf("gin: metadata comm id %d does not match local comm id %d, dropping", md.RemoteCommID, c.localCommID)
		return
	}
	peerRank, ok := c.ctrlAddrToPeer[rail.Index][source]
	if !ok {
		c.opts.logf("gin: metadata recv from unresolvable source on control rail %d, dropping", rail.Index)
		return
	}
	c.reassembly.upsertMetadata(peerRank, md.SeqNum, md)
	c.runDeliveryLoop(peerRank)
}

// runDeliveryLoop applies and acks every contiguously-complete entry
// starting at the peer's next_delivered_signal_seq_num, stopping at the
// first gap (spec.md §4.4's per-sequence state machine and §8's "GIN
// in-order delivery" invariant).
func (c *Communicator) runDeliveryLoop(peerRank int) {
	peer, ok := c.peers[peerRank]
	if !ok {
		return
	}
	for {
		entry := c.reassembly.get(peerRank, peer.nextDelivered)
		if entry == nil || !entry.complete() {
			return
		}
		seq := peer.nextDelivered
		if err := c.deliver(peerRank, seq, entry); err != nil {
			c.opts.logf("gin: failed to deliver seq %d from peer %d: %v", seq, peerRank, err)
			return
		}
		c.reassembly.delete(peerRank, seq)
		peer.nextDelivered = (seq + 1) & seqMask
		if m := c.opts.Metrics; m != nil {
			m.ReassemblyDelivered(map[string]string{labelPeerRank: fmt.Sprint(peerRank)})
		}
	}
}

func (c *Communicator) deliver(peerRank int, seq uint32, entry *ReassemblyEntry) error {
	if entry.MetadataReceived {
		if err := c.applyEntrySignal(entry.Metadata); err != nil {
			return err
		}
	}
	return c.sendAck(peerRank, seq)
}

func (c *Communicator) applyEntrySignal(md *MetadataMessage) error {
	mr, ok := c.regions.lookup(md.SignalBase)
	if !ok {
		return fmt.Errorf("gin: no local region registered at signal base %#x", md.SignalBase)
	}
	_, err := applySignal(mr, md.SignalOffset, md.SignalValue, c.gdrMapper())
	return err
}

// gdrMapper returns nil when no GDRCopy context is configured; applySignal
// only consults it for device-memory signal regions.
func (c *Communicator) gdrMapper() deviceSignalMapper {
	if c.opts.GDRCopy == nil {
		return nil
	}
	return gdrMapperAdapter{ctx: c.opts.GDRCopy}
}

func (c *Communicator) sendAck(peerRank int, seq uint32) error {
	peer, ok := c.peers[peerRank]
	if !ok {
		return ErrUnknownPeer
	}
	imm, err := PackImmediateData(peer.LocalCommID, seq, SegCountAck)
	if err != nil {
		return err
	}
	railIdx := seq % uint32(len(c.ctrlRails))
	rail := c.ctrlRails[railIdx]
	req := &request{
		kind: requestWriteAck,
		comm: c,
		rail: rail,
		writeReq: &fi.RMARequest{
			Address: peer.CtrlAddr[railIdx],
			Key:     peer.AckKey[railIdx],
			Offset:  peer.AckBase,
		},
		immData: uint64(imm),
	}
	if err := req.progress(); err != nil {
		if IsTemporarilyUnavailable(err) {
			c.pending.push(req)
			return nil
		}
		return &ProviderError{Op: "post ack write", Err: err}
	}
	return nil
}

// IputSignal implements iput_signal (spec.md §4.4): schedules a
// write-with-immediate for the payload (if size>0), a metadata send
// carrying the signal target (if sigOp != SignalNone), and returns a
// Request that only completes once both sub-requests and the receiver's
// write-ack have been observed.
func (c *Communicator) IputSignal(srcOff uint64, srcMR *fi.MemoryRegion, size uint64, dstOff uint64, dst RemoteRegion, peerRank int, sigOff uint64, sig RemoteRegion, sigVal uint64, sigOp SignalOp) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.progressLocked(); err != nil {
		return nil, err
	}
	if !sigOp.valid() {
		return nil, &InvalidArgumentError{Err: ErrInvalidSignalOp}
	}
	if size == 0 && sigOp == SignalNone {
		return nil, &InvalidArgumentError{Err: fmt.Errorf("gin: iput_signal with size 0 and no signal has nothing to send")}
	}
	peer, ok := c.peers[peerRank]
	if !ok {
		return nil, &InvalidArgumentError{Err: fmt.Errorf("%w: %d", ErrUnknownPeer, peerRank)}
	}

	seq, slot := peer.nextSeqSlot()
	if err := peer.activateSlot(seq, slot); err != nil {
		return nil, err
	}

	numSegments := uint32(0)
	if size > 0 {
		numSegments++
	}
	if sigOp != SignalNone {
		numSegments++
	}

	numSubs := int(numSegments)
	req := newRequest(c, numSubs)

	if size > 0 {
		railIdx := c.railRR % len(c.dataRails)
		c.railRR++
		rail := c.dataRails[railIdx]

		imm, err := PackImmediateData(peer.LocalCommID, seq, numSegments)
		if err != nil {
			return nil, err
		}
		payload, err := sliceRegion(srcMR, srcOff, size)
		if err != nil {
			return nil, err
		}
		sub := &request{
			kind: requestWriteSegment,
			comm: c,
			rail: rail,
			writeReq: &fi.RMARequest{
				Buffer:  payload,
				Address: peer.DataAddr[railIdx],
				Key:     dst.Key[railIdx],
				Offset:  dst.Base + dstOff,
			},
			immData: uint64(imm),
			parent:  req,
		}
		if err := sub.progress(); err != nil {
			if IsTemporarilyUnavailable(err) {
				c.pending.push(sub)
			} else {
				perr := &ProviderError{Op: "post write segment", Err: err}
				if m := c.opts.Metrics; m != nil {
					m.SignalFailed(perr, map[string]string{labelPeerRank: fmt.Sprint(peerRank)})
				}
				return nil, perr
			}
		}
	}

	if sigOp != SignalNone {
		railIdx := int(seq) % len(c.ctrlRails)
		rail := c.ctrlRails[railIdx]
		delta, err := signalDelta(sigOp, sigVal)
		if err != nil {
			return nil, err
		}
		md := &MetadataMessage{
			SeqNum:       seq,
			RemoteCommID: peer.LocalCommID,
			NumSegments:  numSegments,
			SignalBase:   sig.Base,
			SignalOffset: sigOff,
			SignalValue:  delta,
		}
		mr, err := c.metaPools[railIdx].Acquire()
		if err != nil {
			return nil, &ResourceExhaustedError{Err: err}
		}
		if err := encodeMetadata(mr.Bytes(), md); err != nil {
			c.metaPools[railIdx].Release(mr)
			return nil, err
		}
		sub := &request{
			kind:     requestSendMetadata,
			comm:     c,
			rail:     rail,
			dest:     peer.CtrlAddr[railIdx],
			metaMR:   mr,
			metaPool: c.metaPools[railIdx],
			parent:   req,
		}
		if err := sub.progress(); err != nil {
			if IsTemporarilyUnavailable(err) {
				c.pending.push(sub)
			} else {
				c.metaPools[railIdx].Release(mr)
				perr := &ProviderError{Op: "post metadata send", Err: err}
				if m := c.opts.Metrics; m != nil {
					m.SignalFailed(perr, map[string]string{labelPeerRank: fmt.Sprint(peerRank)})
				}
				return nil, perr
			}
		}
	}

	peer.setPendingAck(seq, req)
	c.outstandingAcks++

	if m := c.opts.Metrics; m != nil {
		m.SignalPosted(map[string]string{labelPeerRank: fmt.Sprint(peerRank)})
	}
	return req, nil
}

func sliceRegion(mr *fi.MemoryRegion, offset, size uint64) ([]byte, error) {
	buf := mr.Bytes()
	if offset+size > uint64(len(buf)) {
		return nil, &InvalidArgumentError{Err: fmt.Errorf("gin: src range [%d,%d) exceeds region of length %d", offset, offset+size, len(buf))}
	}
	return buf[offset : offset+size], nil
}

// Close tears the communicator down. It refuses while any sender-side ack
// is still outstanding, per spec.md §8 "GIN ack balance".
func (c *Communicator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.outstandingAcks != 0 {
		return &ProtocolViolationError{Err: fmt.Errorf("%w: %d acks outstanding", ErrClosedWithOutstandingAcks, c.outstandingAcks)}
	}
	c.closed = true
	for _, pool := range c.metaPools {
		pool.Close()
	}
	for _, mr := range c.ackMRs {
		_ = mr.Close()
	}
	var firstErr error
	for _, rail := range append(append([]*Rail(nil), c.dataRails...), c.ctrlRails...) {
		if err := rail.ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ringAllGather exchanges a PeerHandle per rank over a directed ring of
// fresh cm connections: each rank connects once to (rank+1)%ranks and
// accepts once from (rank-1+ranks)%ranks, shifting the running payload
// ranks-1 times until every rank has seen every other rank's handle
// (spec.md §4.4 "uses an all-gather over the resulting ring communicators").
func ringAllGather(myRank, ranks int, bootstrapCM *cm.ConnectionManager, handles []cm.Handle, mine *PeerHandle, numDataRails, numCtrlRails int) (map[int]*PeerHandle, error) {
	result := make(map[int]*PeerHandle, ranks)
	result[myRank] = mine

	listener, err := bootstrapCM.Listen()
	if err != nil {
		return nil, &ProviderError{Op: "bootstrap listen", Err: err}
	}
	defer listener.Close()

	msgLen := RingMessageLen(numDataRails, numCtrlRails)
	nextRank := (myRank + 1) % ranks

	ownerRank := myRank
	current := mine
	for round := 0; round < ranks-1; round++ {
		buf := make([]byte, msgLen)
		if err := encodeRingMessage(buf, ownerRank, current); err != nil {
			return nil, err
		}
		sc, err := bootstrapCM.Connect(handles[nextRank], buf)
		if err != nil {
			return nil, &ProviderError{Op: "bootstrap connect", Err: err}
		}

		var recv *cm.Receiver
		for recv == nil {
			var acceptErr error
			recv, acceptErr = listener.Accept()
			if acceptErr != nil {
				return nil, &ProviderError{Op: "bootstrap accept", Err: acceptErr}
			}
			if recv == nil {
				runtime.Gosched()
			}
		}
		if err := recv.SetConnRespMsgData(make([]byte, msgLen)); err != nil {
			return nil, err
		}

		if err := waitReady(sc); err != nil {
			return nil, err
		}
		if err := waitReady(recv); err != nil {
			return nil, err
		}

		gotOwner, gotHandle, err := decodeRingMessage(recv.ConnPayload(), numDataRails, numCtrlRails)
		if err != nil {
			return nil, err
		}
		result[gotOwner] = gotHandle

		_ = sc.Close()
		_ = recv.Close()

		ownerRank, current = gotOwner, gotHandle
	}
	return result, nil
}

type readyTester interface {
	TestReady() (bool, error)
}

func waitReady(t readyTester) error {
	for {
		ready, err := t.TestReady()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		runtime.Gosched()
	}
}
