// Package main drives a two-rank GIN iput_signal round trip end to end:
// ring-connect bootstrap, a 4KiB payload write, a SignalInc update, and the
// write-ack that releases the sender's sequence slot (spec.md §4.4, §8
// scenario 4).
package main

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rauteric/aws-ofi-nccl/cm"
	"github.com/rauteric/aws-ofi-nccl/gin"
	fi "github.com/rauteric/aws-ofi-nccl/fi"
	"go.uber.org/zap"
)

const payloadSize = 4096

func main() {
	log.SetFlags(0)

	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build zap logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	sugar := zapLogger.Sugar()

	provider := os.Getenv("AWS_OFI_NCCL_EXAMPLE_PROVIDER")
	if provider == "" {
		provider = "sockets"
		fmt.Println("defaulting to provider sockets; override with AWS_OFI_NCCL_EXAMPLE_PROVIDER")
	}

	discovery, err := fi.DiscoverDescriptors(
		fi.WithProvider(provider),
		fi.WithEndpointType(fi.EndpointTypeRDM),
		fi.WithCaps(fi.CapMsg|fi.CapRMA),
	)
	if err != nil {
		log.Fatalf("discover descriptors: %v", err)
	}
	defer discovery.Close()

	descs := discovery.Descriptors()
	if len(descs) == 0 {
		log.Fatalf("no MSG+RMA-capable RDM descriptors found for provider %s", provider)
	}
	desc := descs[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		log.Fatalf("open fabric: %v", err)
	}
	defer func() { _ = fabric.Close() }()

	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		log.Fatalf("open domain: %v", err)
	}
	defer func() { _ = domain.Close() }()

	const ranks = 2

	// Both ranks run as goroutines in this one process against a shared
	// domain, standing in for two real host-runtime processes each with
	// their own domain; gin.Connect and the CM handshake it drives are
	// otherwise exactly what a real two-process job would do.

	// The ring all-gather's bootstrap handles must be known to both ranks
	// before either calls gin.Connect; bootstrapHandles plays the role the
	// host runtime's own out-of-band bootstrap channel would play between
	// two real processes.
	bootstrapHandles := make([]cm.Handle, ranks)
	var handleWG sync.WaitGroup
	handleWG.Add(ranks)

	// regionExchange carries rank 1's registered payload/signal RemoteRegions
	// to rank 0, playing the role the host runtime's own out-of-band channel
	// plays in a real deployment (the same channel that, in practice,
	// already carries bootstrapHandles above).
	regionExchange := make(chan [2]gin.RemoteRegion, 1)

	results := make([]*rankResult, ranks)
	var runWG sync.WaitGroup
	runWG.Add(ranks)

	for rank := 0; rank < ranks; rank++ {
		go func(rank int) {
			defer runWG.Done()
			res := &rankResult{}
			results[rank] = res
			res.err = runRank(rank, ranks, desc, domain, bootstrapHandles, &handleWG, regionExchange, res, sugar)
		}(rank)
	}
	runWG.Wait()

	for rank, res := range results {
		if res.err != nil {
			log.Fatalf("rank %d failed: %v", rank, res.err)
		}
	}
	fmt.Printf("rank 1's signal value after the INC is %d\n", results[1].signalValueAfter)
	fmt.Printf("rank 1's payload buffer now reads %q\n", string(results[1].payloadReceived[:16]))
}

type rankResult struct {
	err              error
	signalValueAfter uint64
	payloadReceived  []byte
}

func runRank(rank, ranks int, desc fi.Descriptor, domain *fi.Domain, bootstrapHandles []cm.Handle, handleWG *sync.WaitGroup, regionExchange chan [2]gin.RemoteRegion, res *rankResult, logger *zap.SugaredLogger) error {
	bootstrapEP, err := newCMEndpoint(desc, domain)
	if err != nil {
		return fmt.Errorf("bootstrap endpoint: %w", err)
	}
	defer bootstrapEP.close()

	bootstrapCM, err := cm.NewConnectionManager(bootstrapEP.ep, bootstrapEP.av, bootstrapEP.cq, cm.Options{
		ConnMsgDataSize:  gin.RingMessageLen(1, 1),
		RecvPoolSize:     4,
		Logger:           logger,
		StructuredLogger: logger,
	})
	if err != nil {
		return fmt.Errorf("new connection manager: %w", err)
	}
	defer func() { _ = bootstrapCM.Close() }()

	listener, err := bootstrapCM.Listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = listener.Close() }()

	handle, err := listener.Handle()
	if err != nil {
		return fmt.Errorf("listener handle: %w", err)
	}
	bootstrapHandles[rank] = handle
	handleWG.Done()
	handleWG.Wait()

	dataEP, err := newCMEndpoint(desc, domain)
	if err != nil {
		return fmt.Errorf("data rail endpoint: %w", err)
	}
	defer dataEP.close()
	ctrlEP, err := newCMEndpoint(desc, domain)
	if err != nil {
		return fmt.Errorf("control rail endpoint: %w", err)
	}
	defer ctrlEP.close()

	dataRail := gin.NewRail(0, gin.RailData, dataEP.ep, dataEP.av, dataEP.cq, domain)
	ctrlRail := gin.NewRail(0, gin.RailControl, ctrlEP.ep, ctrlEP.av, ctrlEP.cq, domain)

	comm, err := gin.Connect(rank, ranks, uint32(1000+rank), bootstrapCM, bootstrapHandles,
		[]*gin.Rail{dataRail}, []*gin.Rail{ctrlRail}, gin.CommunicatorOptions{
			MaxInflight:         16,
			ControlRecvPoolSize: 4,
			Logger:              logger,
			StructuredLogger:    logger,
		})
	if err != nil {
		return fmt.Errorf("gin.Connect: %w", err)
	}
	defer func() { _ = comm.Close() }()

	signalBuf := make([]byte, 8) // initial value 7, matching spec.md §8 scenario 6
	signalBuf[0] = 7

	if rank == 1 {
		payloadBuf := make([]byte, payloadSize)
		payloadRemote, payloadMRs, err := comm.RegisterRegion(payloadBuf, &fi.MRRegisterOptions{Access: fi.MRAccessLocal | fi.MRAccessRemoteWrite})
		if err != nil {
			return fmt.Errorf("register payload region: %w", err)
		}
		defer comm.DeregisterRegion(payloadMRs)

		signalRemote, signalMRs, err := comm.RegisterRegion(signalBuf, &fi.MRRegisterOptions{Access: fi.MRAccessLocal | fi.MRAccessRemoteWrite})
		if err != nil {
			return fmt.Errorf("register signal region: %w", err)
		}
		defer comm.DeregisterRegion(signalMRs)

		regionExchange <- [2]gin.RemoteRegion{payloadRemote, signalRemote}
		if err := pumpUntilReady(comm, nil, 10*time.Second); err != nil {
			return err
		}
		res.payloadReceived = payloadBuf
		res.signalValueAfter = bytesToUint64(signalBuf)
		return nil
	}

	regions := <-regionExchange
	payloadRemote, signalRemote := regions[0], regions[1]

	srcBuf := []byte("iput_signal payload from rank 0, round-tripped over RDMA write-with-immediate")
	srcPadded := make([]byte, payloadSize)
	copy(srcPadded, srcBuf)
	_, srcMRs, err := comm.RegisterRegion(srcPadded, &fi.MRRegisterOptions{Access: fi.MRAccessLocal})
	if err != nil {
		return fmt.Errorf("register source region: %w", err)
	}
	defer comm.DeregisterRegion(srcMRs)

	req, err := comm.IputSignal(0, srcMRs[0], payloadSize, 0, payloadRemote, 1, 0, signalRemote, 0, gin.SignalInc)
	if err != nil {
		return fmt.Errorf("iput_signal: %w", err)
	}
	return pumpUntilReady(comm, req, 10*time.Second)
}

func pumpUntilReady(comm *gin.Communicator, req *gin.Request, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := comm.Progress(); err != nil {
			return err
		}
		if req != nil {
			ready, err := req.TestReady()
			if err != nil {
				return err
			}
			if ready {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for progress")
		}
	}
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

type cmEndpoint struct {
	ep *fi.Endpoint
	av *fi.AddressVector
	cq *fi.CompletionQueue
}

func newCMEndpoint(desc fi.Descriptor, domain *fi.Domain) (*cmEndpoint, error) {
	cq, err := domain.OpenCompletionQueue(nil)
	if err != nil {
		return nil, fmt.Errorf("open completion queue: %w", err)
	}
	av, err := domain.OpenAddressVector(nil)
	if err != nil {
		_ = cq.Close()
		return nil, fmt.Errorf("open address vector: %w", err)
	}
	ep, err := desc.OpenEndpoint(domain)
	if err != nil {
		_ = av.Close()
		_ = cq.Close()
		return nil, fmt.Errorf("open endpoint: %w", err)
	}
	if err := ep.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		_ = ep.Close()
		_ = av.Close()
		_ = cq.Close()
		return nil, fmt.Errorf("bind completion queue: %w", err)
	}
	if err := ep.BindAddressVector(av, 0); err != nil {
		_ = ep.Close()
		_ = av.Close()
		_ = cq.Close()
		return nil, fmt.Errorf("bind address vector: %w", err)
	}
	if err := ep.Enable(); err != nil {
		_ = ep.Close()
		_ = av.Close()
		_ = cq.Close()
		return nil, fmt.Errorf("enable endpoint: %w", err)
	}
	return &cmEndpoint{ep: ep, av: av, cq: cq}, nil
}

func (e *cmEndpoint) close() {
	_ = e.ep.Close()
	_ = e.av.Close()
	_ = e.cq.Close()
}
