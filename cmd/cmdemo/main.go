// Package main demonstrates a two-sided Connection Manager handshake:
// one process listens, the other connects, and both exchange an opaque
// payload over the CONNECT / CONNECT_RESP round trip (spec.md §4.3, §8
// scenario 1/2).
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rauteric/aws-ofi-nccl/cm"
	fi "github.com/rauteric/aws-ofi-nccl/fi"
	"go.uber.org/zap"
)

const connMsgDataSize = 64

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
		fi.WithCaps(fi.CapMsg),
	)
	if err != nil {
		log.Fatalf("discover descriptors: %v", err)
	}
	defer discovery.Close()

	descs := discovery.Descriptors()
	if len(descs) == 0 {
		log.Fatalf("no MSG-capable RDM descriptors found for provider %s", provider)
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

	a, err := newCMEndpoint(desc, domain)
	if err != nil {
		log.Fatalf("rank A: %v", err)
	}
	defer a.close()

	b, err := newCMEndpoint(desc, domain)
	if err != nil {
		log.Fatalf("rank B: %v", err)
	}
	defer b.close()

	// fi.Info does not surface the domain's control/data progress mode, so
	// this demo always drives CONNECT_RESP as a normal tracked send; set
	// AutoProgress: true here if your provider's domain_attr advertises
	// FI_PROGRESS_AUTO and you want to exercise the inject path instead.
	const autoProgress = false

	cmA, err := cm.NewConnectionManager(a.ep, a.av, a.cq, cm.Options{
		ConnMsgDataSize:  connMsgDataSize,
		RecvPoolSize:     4,
		AutoProgress:     autoProgress,
		Logger:           sugar,
		StructuredLogger: sugar,
	})
	if err != nil {
		log.Fatalf("rank A: new connection manager: %v", err)
	}
	defer func() { _ = cmA.Close() }()

	cmB, err := cm.NewConnectionManager(b.ep, b.av, b.cq, cm.Options{
		ConnMsgDataSize:  connMsgDataSize,
		RecvPoolSize:     4,
		AutoProgress:     autoProgress,
		Logger:           sugar,
		StructuredLogger: sugar,
	})
	if err != nil {
		log.Fatalf("rank B: new connection manager: %v", err)
	}
	defer func() { _ = cmB.Close() }()

	listener, err := cmA.Listen()
	if err != nil {
		log.Fatalf("rank A: listen: %v", err)
	}
	defer func() { _ = listener.Close() }()

	handle, err := listener.Handle()
	if err != nil {
		log.Fatalf("rank A: handle: %v", err)
	}

	payloadB := bytesOf(0x11, connMsgDataSize)
	connector, err := cmB.Connect(handle, payloadB)
	if err != nil {
		log.Fatalf("rank B: connect: %v", err)
	}

	var receiver *cm.Receiver
	deadline := time.Now().Add(5 * time.Second)
	for receiver == nil {
		receiver, err = listener.Accept()
		if err != nil {
			log.Fatalf("rank A: accept: %v", err)
		}
		if receiver == nil {
			if time.Now().After(deadline) {
				log.Fatalf("rank A: timed out waiting for incoming CONNECT")
			}
			continue
		}
	}

	payloadA := bytesOf(0x22, connMsgDataSize)
	if err := receiver.SetConnRespMsgData(payloadA); err != nil {
		log.Fatalf("rank A: set conn resp data: %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for {
		ready, err := receiver.TestReady()
		if err != nil {
			log.Fatalf("rank A: test ready: %v", err)
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			log.Fatalf("rank A: timed out waiting for delivery")
		}
	}

	deadline = time.Now().Add(5 * time.Second)
	for {
		ready, err := connector.TestReady()
		if err != nil {
			log.Fatalf("rank B: test ready: %v", err)
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			log.Fatalf("rank B: timed out waiting for CONNECT_RESP")
		}
	}

	fmt.Printf("rank A saw payload %x\n", receiver.ConnPayload()[:4])
	fmt.Printf("rank B saw payload %x\n", connector.ConnRespPayload()[:4])
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

func bytesOf(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
