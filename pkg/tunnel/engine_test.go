package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shadowmesh/tcptun/pkg/flowkey"
	"github.com/shadowmesh/tcptun/pkg/ipv4tcp"
	"github.com/shadowmesh/tcptun/pkg/upstream"
)

// fakeNIC is an in-memory virtual interface: test code pushes host-origin
// packets onto `in`, and packets the engine emits toward the host land on
// `out`.
type fakeNIC struct {
	in  chan []byte
	out chan []byte
}

func newFakeNIC() *fakeNIC {
	return &fakeNIC{in: make(chan []byte, 16), out: make(chan []byte, 16)}
}

func (n *fakeNIC) Recv() ([]byte, error) {
	p, ok := <-n.in
	if !ok {
		return nil, fmt.Errorf("fakeNIC closed")
	}
	return p, nil
}

func (n *fakeNIC) Send(packet []byte) error {
	cp := append([]byte(nil), packet...)
	n.out <- cp
	return nil
}

// fakeUpstream never dials out; it records every open_connection call and
// lets the test drive egress/ingress directly.
type fakeUpstream struct {
	mu       sync.Mutex
	opened   []flowkey.FlowKey
	rejectOn map[flowkey.FlowKey]error
	egress   map[flowkey.FlowKey]<-chan []byte
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		rejectOn: make(map[flowkey.FlowKey]error),
		egress:   make(map[flowkey.FlowKey]<-chan []byte),
	}
}

func (u *fakeUpstream) OpenConnection(
	ctx context.Context,
	key flowkey.FlowKey,
	egressSource <-chan []byte,
	ingressSink chan<- upstream.IngressPayload,
) (context.CancelFunc, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.opened = append(u.opened, key)
	u.egress[key] = egressSource

	if err := u.rejectOn[key]; err != nil {
		return nil, err
	}

	childCtx, cancel := context.WithCancel(ctx)
	go func() {
		// Drain egress so the engine's select-with-default never blocks
		// the test on a full channel; discard the bytes.
		for {
			select {
			case _, ok := <-egressSource:
				if !ok {
					return
				}
			case <-childCtx.Done():
				return
			}
		}
	}()
	return cancel, nil
}

func newTestEngine(nic *fakeNIC, up *fakeUpstream) *Engine {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewEngine(nic, up, log)
}

func synPacket(t *testing.T, srcPort, dstPort uint16, seq uint32) []byte {
	t.Helper()
	packet, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:   ipv4tcp.Endpoint{IP: net.ParseIP("10.0.0.2"), Port: srcPort},
		Dst:   ipv4tcp.Endpoint{IP: net.ParseIP("93.184.216.34"), Port: dstPort},
		Seq:   seq,
		Ack:   0,
		Flags: ipv4tcp.FlagSYN,
	})
	if err != nil {
		t.Fatalf("building SYN: %v", err)
	}
	return packet
}

func recvWithTimeout(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

// TestSynProducesSynAckAndFlow exercises scenario 2: SYN in, SYN|ACK out,
// a FlowState installed with our_ack = seq+1.
func TestSynProducesSynAckAndFlow(t *testing.T) {
	nic := newFakeNIC()
	up := newFakeUpstream()
	engine := newTestEngine(nic, up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	nic.in <- synPacket(t, 50000, 443, 1000)

	reply := recvWithTimeout(t, nic.out)
	seg, err := ipv4tcp.Parse(reply)
	if err != nil {
		t.Fatalf("parsing reply: %v", err)
	}
	if seg.Flags != ipv4tcp.FlagSYN|ipv4tcp.FlagACK {
		t.Fatalf("flags = %#x, want SYN|ACK", seg.Flags)
	}
	if seg.Ack != 1001 {
		t.Fatalf("ack = %d, want 1001", seg.Ack)
	}
	if !seg.SrcIP.Equal(net.ParseIP("93.184.216.34")) || seg.SrcPort != 443 {
		t.Fatalf("unexpected src %v:%d", seg.SrcIP, seg.SrcPort)
	}

	key := flowkey.New(net.ParseIP("93.184.216.34"), 443, 50000)
	flow, ok := engine.table.get(key)
	if !ok {
		t.Fatal("expected FlowState to exist after SYN")
	}
	if flow.ourAck != 1001 {
		t.Fatalf("flow our_ack = %d, want 1001", flow.ourAck)
	}
}

// TestDataSegmentAcks exercises the ACK half of scenario 3: a data segment
// bumps our_ack by the payload length and emits a bare ACK.
func TestDataSegmentAcks(t *testing.T) {
	nic := newFakeNIC()
	up := newFakeUpstream()
	engine := newTestEngine(nic, up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	nic.in <- synPacket(t, 50000, 443, 1000)
	recvWithTimeout(t, nic.out) // SYN|ACK

	payload := []byte("GET /\r\n\r\n")
	dataPacket, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:     ipv4tcp.Endpoint{IP: net.ParseIP("10.0.0.2"), Port: 50000},
		Dst:     ipv4tcp.Endpoint{IP: net.ParseIP("93.184.216.34"), Port: 443},
		Seq:     1001,
		Ack:     0,
		Flags:   ipv4tcp.FlagPSH | ipv4tcp.FlagACK,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("building data segment: %v", err)
	}
	nic.in <- dataPacket

	reply := recvWithTimeout(t, nic.out)
	seg, err := ipv4tcp.Parse(reply)
	if err != nil {
		t.Fatalf("parsing ack: %v", err)
	}
	if seg.Flags != ipv4tcp.FlagACK {
		t.Fatalf("flags = %#x, want bare ACK", seg.Flags)
	}
	if seg.Ack != 1001+uint32(len(payload)) {
		t.Fatalf("ack = %d, want %d", seg.Ack, 1001+uint32(len(payload)))
	}
}

// TestFinEmitsFinAckAndRemovesFlow exercises scenario 5.
func TestFinEmitsFinAckAndRemovesFlow(t *testing.T) {
	nic := newFakeNIC()
	up := newFakeUpstream()
	engine := newTestEngine(nic, up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	nic.in <- synPacket(t, 50000, 443, 1000)
	recvWithTimeout(t, nic.out)

	finPacket, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:   ipv4tcp.Endpoint{IP: net.ParseIP("10.0.0.2"), Port: 50000},
		Dst:   ipv4tcp.Endpoint{IP: net.ParseIP("93.184.216.34"), Port: 443},
		Seq:   1010,
		Ack:   0,
		Flags: ipv4tcp.FlagFIN | ipv4tcp.FlagACK,
	})
	if err != nil {
		t.Fatalf("building FIN: %v", err)
	}
	nic.in <- finPacket

	reply := recvWithTimeout(t, nic.out)
	seg, err := ipv4tcp.Parse(reply)
	if err != nil {
		t.Fatalf("parsing reply: %v", err)
	}
	if seg.Flags != ipv4tcp.FlagFIN|ipv4tcp.FlagACK {
		t.Fatalf("flags = %#x, want FIN|ACK", seg.Flags)
	}
	if seg.Ack != 1011 {
		t.Fatalf("ack = %d, want 1011", seg.Ack)
	}

	key := flowkey.New(net.ParseIP("93.184.216.34"), 443, 50000)
	if _, ok := engine.table.get(key); ok {
		t.Fatal("expected flow to be removed after FIN")
	}

	// A subsequent non-SYN packet on the same key is now dropped.
	postFin, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:   ipv4tcp.Endpoint{IP: net.ParseIP("10.0.0.2"), Port: 50000},
		Dst:   ipv4tcp.Endpoint{IP: net.ParseIP("93.184.216.34"), Port: 443},
		Seq:   2000,
		Flags: ipv4tcp.FlagACK,
	})
	if err != nil {
		t.Fatalf("building post-FIN packet: %v", err)
	}
	nic.in <- postFin

	select {
	case p := <-nic.out:
		t.Fatalf("expected no reply to post-FIN packet, got %d bytes", len(p))
	case <-time.After(200 * time.Millisecond):
	}
}

// TestUpstreamPayloadAdvancesOurSeq exercises scenario 4 plus the
// sequence-number fix-up: each PSH|ACK advances our_seq by the payload
// length, so repeated deliveries never reuse a sequence number.
func TestUpstreamPayloadAdvancesOurSeq(t *testing.T) {
	nic := newFakeNIC()
	up := newFakeUpstream()
	engine := newTestEngine(nic, up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	nic.in <- synPacket(t, 50000, 443, 1000)
	synAck := recvWithTimeout(t, nic.out)
	synAckSeg, _ := ipv4tcp.Parse(synAck)
	initialSeq := synAckSeg.Seq

	key := flowkey.New(net.ParseIP("93.184.216.34"), 443, 50000)

	first := []byte("200 OK\r\n")
	engine.upstreamIngress <- upstream.IngressPayload{FlowKey: key, Payload: first}
	reply1 := recvWithTimeout(t, nic.out)
	seg1, err := ipv4tcp.Parse(reply1)
	if err != nil {
		t.Fatalf("parsing reply1: %v", err)
	}
	if seg1.Flags != ipv4tcp.FlagPSH|ipv4tcp.FlagACK {
		t.Fatalf("flags = %#x, want PSH|ACK", seg1.Flags)
	}
	if seg1.Seq != initialSeq {
		t.Fatalf("first delivery seq = %d, want %d", seg1.Seq, initialSeq)
	}

	second := []byte("more data")
	engine.upstreamIngress <- upstream.IngressPayload{FlowKey: key, Payload: second}
	reply2 := recvWithTimeout(t, nic.out)
	seg2, err := ipv4tcp.Parse(reply2)
	if err != nil {
		t.Fatalf("parsing reply2: %v", err)
	}
	wantSeq := initialSeq + uint32(len(first))
	if seg2.Seq != wantSeq {
		t.Fatalf("second delivery seq = %d, want %d (our_seq should advance)", seg2.Seq, wantSeq)
	}
}

// TestSequenceWrap exercises P7: ack arithmetic must wrap at 2^32.
func TestSequenceWrap(t *testing.T) {
	nic := newFakeNIC()
	up := newFakeUpstream()
	engine := newTestEngine(nic, up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	nearMax := uint32(4294967290) // 2^32 - 6
	nic.in <- synPacket(t, 50000, 443, nearMax)
	recvWithTimeout(t, nic.out)

	payload := []byte("123456789") // 9 bytes, wraps past 2^32-1
	dataPacket, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:     ipv4tcp.Endpoint{IP: net.ParseIP("10.0.0.2"), Port: 50000},
		Dst:     ipv4tcp.Endpoint{IP: net.ParseIP("93.184.216.34"), Port: 443},
		Seq:     nearMax + 1,
		Flags:   ipv4tcp.FlagPSH | ipv4tcp.FlagACK,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("building data segment: %v", err)
	}
	nic.in <- dataPacket

	reply := recvWithTimeout(t, nic.out)
	seg, err := ipv4tcp.Parse(reply)
	if err != nil {
		t.Fatalf("parsing ack: %v", err)
	}
	wantAck := (nearMax + 1) + uint32(len(payload)) // wraps
	if seg.Ack != wantAck {
		t.Fatalf("ack = %d, want %d (wrapped)", seg.Ack, wantAck)
	}
}

// TestFlowUniqueness exercises P4: a second SYN for an existing key does
// not create a duplicate FlowState (the dispatch table has no rule for
// "flow exists, SYN set", so the engine falls through the "flow exists,
// no payload, no FIN" branch and swallows it).
func TestFlowUniqueness(t *testing.T) {
	nic := newFakeNIC()
	up := newFakeUpstream()
	engine := newTestEngine(nic, up)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	nic.in <- synPacket(t, 50000, 443, 1000)
	recvWithTimeout(t, nic.out)

	nic.in <- synPacket(t, 50000, 443, 1000)

	select {
	case p := <-nic.out:
		t.Fatalf("expected no second SYN|ACK, got %d bytes", len(p))
	case <-time.After(200 * time.Millisecond):
	}

	if engine.table.len() != 1 {
		t.Fatalf("table has %d entries, want 1", engine.table.len())
	}
}
