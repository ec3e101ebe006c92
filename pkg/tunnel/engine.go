// Package tunnel implements C6: the flow table and the single event loop
// that dispatches host-originated packets to per-flow state, drives the
// minimal TCP half-state-machine, and re-injects upstream payloads toward
// the virtual interface.
package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shadowmesh/tcptun/pkg/flowkey"
	"github.com/shadowmesh/tcptun/pkg/ipv4tcp"
	"github.com/shadowmesh/tcptun/pkg/upstream"
)

// NIC is the subset of tun.Device the event loop depends on.
type NIC interface {
	Recv() ([]byte, error)
	Send(packet []byte) error
}

// Upstream is the subset of upstream.Multiplexer the event loop depends on.
type Upstream interface {
	OpenConnection(
		ctx context.Context,
		key flowkey.FlowKey,
		egressSource <-chan []byte,
		ingressSink chan<- upstream.IngressPayload,
	) (context.CancelFunc, error)
}

// upstreamIngressQueueSize bounds the shared channel all flow workers use
// to hand payloads back to the event loop.
const upstreamIngressQueueSize = 1024

// hostIngressQueueSize bounds the channel between the NIC reader goroutine
// and the event loop.
const hostIngressQueueSize = 1024

// Engine holds the FlowTable and runs the single event loop described in
// §4.6. It is the sole mutator of the FlowTable: per-flow upstream workers
// never touch it directly.
type Engine struct {
	nic   NIC
	up    Upstream
	table *flowTable

	upstreamIngress chan upstream.IngressPayload

	log *logrus.Entry
}

// NewEngine constructs an Engine over nic and up.
func NewEngine(nic NIC, up Upstream, log *logrus.Logger) *Engine {
	return &Engine{
		nic:             nic,
		up:              up,
		table:           newFlowTable(),
		upstreamIngress: make(chan upstream.IngressPayload, upstreamIngressQueueSize),
		log:             log.WithField("component", "tunnel"),
	}
}

// Run drives the event loop until ctx is canceled or the virtual interface
// reports a fatal read error.
func (e *Engine) Run(ctx context.Context) error {
	hostPackets := make(chan []byte, hostIngressQueueSize)
	readErr := make(chan error, 1)

	go func() {
		for {
			packet, err := e.nic.Recv()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case hostPackets <- packet:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return fmt.Errorf("tunnel: interface read failed: %w", err)
		case packet := <-hostPackets:
			e.handleHostPacket(ctx, packet)
		case payload := <-e.upstreamIngress:
			e.handleUpstreamPayload(payload)
		}
	}
}

// handleHostPacket parses one raw IPv4 packet from the virtual interface
// and applies the dispatch table from §4.6.
func (e *Engine) handleHostPacket(ctx context.Context, packet []byte) {
	seg, err := ipv4tcp.Parse(packet)
	if err != nil {
		e.log.WithError(err).Debug("dropping unparseable packet")
		return
	}

	key := flowkey.New(seg.DstIP, seg.DstPort, seg.SrcPort)
	flow, exists := e.table.get(key)

	switch {
	case exists && seg.Flags&ipv4tcp.FlagFIN != 0:
		e.handleFIN(key, flow, seg)
	case exists && len(seg.Payload) > 0:
		e.handleData(key, flow, seg)
	case exists:
		// Pure ACK from the host: swallowed.
	case !exists && seg.Flags&ipv4tcp.FlagSYN != 0:
		e.handleSYN(ctx, key, seg)
	default:
		// No flow, SYN clear: drop.
	}
}

func (e *Engine) handleFIN(key flowkey.FlowKey, flow *flowState, seg *ipv4tcp.Segment) {
	flow.ourAck = seg.Seq + 1
	flow.ourSeq = seg.Ack

	if len(seg.Payload) > 0 {
		e.deliverToEgress(key, flow, seg.Payload)
	}

	packet, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:   flow.remote,
		Dst:   flow.local,
		Seq:   flow.ourSeq,
		Ack:   flow.ourAck,
		Flags: ipv4tcp.FlagFIN | ipv4tcp.FlagACK,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to build FIN|ACK")
	} else {
		e.send(packet)
	}

	e.table.remove(key)
}

func (e *Engine) handleData(key flowkey.FlowKey, flow *flowState, seg *ipv4tcp.Segment) {
	flow.ourAck = seg.Seq + uint32(len(seg.Payload))
	flow.ourSeq = seg.Ack

	e.deliverToEgress(key, flow, seg.Payload)

	packet, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:   flow.remote,
		Dst:   flow.local,
		Seq:   flow.ourSeq,
		Ack:   flow.ourAck,
		Flags: ipv4tcp.FlagACK,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to build ACK")
		return
	}
	e.send(packet)
}

func (e *Engine) handleSYN(ctx context.Context, key flowkey.FlowKey, seg *ipv4tcp.Segment) {
	ourISN, err := randomUint32()
	if err != nil {
		e.log.WithError(err).Error("failed to draw ISN, dropping SYN")
		return
	}
	kernelNext := seg.Seq + 1

	local := ipv4tcp.Endpoint{IP: seg.SrcIP, Port: seg.SrcPort}
	remote := ipv4tcp.Endpoint{IP: seg.DstIP, Port: seg.DstPort}

	flow := newFlowState(ourISN, kernelNext, local, remote, func() {})

	cancel, err := e.up.OpenConnection(ctx, key, flow.egressSink, e.upstreamIngress)
	if err != nil {
		var rejected *upstream.ConnectRejected
		if errors.As(err, &rejected) {
			e.emitRST(local, remote, seg)
		}
		e.log.WithField("flow", key.String()).WithError(err).Warn("dropping SYN: open_connection failed")
		return
	}
	flow.cancel = cancel

	e.table.insert(key, flow)

	packet, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:   remote,
		Dst:   local,
		Seq:   ourISN,
		Ack:   kernelNext,
		Flags: ipv4tcp.FlagSYN | ipv4tcp.FlagACK,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to build SYN|ACK")
		return
	}
	e.send(packet)
}

// emitRST sends RST|ACK toward the host when a SYN could not be honored,
// so the local application fails fast instead of hanging.
func (e *Engine) emitRST(local, remote ipv4tcp.Endpoint, seg *ipv4tcp.Segment) {
	packet, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:   remote,
		Dst:   local,
		Seq:   seg.Ack,
		Ack:   seg.Seq + 1,
		Flags: ipv4tcp.FlagRST | ipv4tcp.FlagACK,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to build RST|ACK")
		return
	}
	e.send(packet)
}

// handleUpstreamPayload synthesizes a PSH|ACK toward the host carrying a
// payload that arrived from the gateway, then advances our_seq by the
// payload length (see SPEC_FULL.md §9 on the sequence-number fix-up).
func (e *Engine) handleUpstreamPayload(payload upstream.IngressPayload) {
	flow, exists := e.table.get(payload.FlowKey)
	if !exists {
		return
	}

	packet, err := ipv4tcp.Build(ipv4tcp.BuildParams{
		Src:     flow.remote,
		Dst:     flow.local,
		Seq:     flow.ourSeq,
		Ack:     flow.ourAck,
		Flags:   ipv4tcp.FlagPSH | ipv4tcp.FlagACK,
		Payload: payload.Payload,
	})
	if err != nil {
		e.log.WithError(err).Error("failed to build PSH|ACK")
		return
	}

	flow.ourSeq += uint32(len(payload.Payload))
	e.send(packet)
}

// deliverToEgress forwards payload to flow's egress sink, dropping it with
// a logged warning if the worker is not keeping up.
func (e *Engine) deliverToEgress(key flowkey.FlowKey, flow *flowState, payload []byte) {
	select {
	case flow.egressSink <- payload:
	default:
		e.log.WithField("flow", key.String()).Warn("egress sink full, dropping segment payload")
	}
}

func (e *Engine) send(packet []byte) {
	if err := e.nic.Send(packet); err != nil {
		e.log.WithError(err).Error("failed to write packet to interface")
	}
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
