package tunnel

import (
	"context"

	"github.com/shadowmesh/tcptun/pkg/flowkey"
	"github.com/shadowmesh/tcptun/pkg/ipv4tcp"
)

// egressQueueSize bounds the channel between the event loop and a flow's
// upstream worker. When the queue is full the event loop drops the segment
// payload with a logged warning (see deliverToEgress); reads from the
// virtual interface are not slowed down.
const egressQueueSize = 256

// flowState is the per-flow record the event loop holds in its FlowTable.
// It is touched only by the event loop goroutine; per-flow upstream
// workers never read or write it directly.
type flowState struct {
	ourSeq uint32
	ourAck uint32

	local  ipv4tcp.Endpoint
	remote ipv4tcp.Endpoint

	egressSink chan []byte
	cancel     context.CancelFunc
}

// newFlowState allocates a flow's channels and records its initial
// sequence/ack numbers. local/remote are the socket addresses used when
// crafting response packets toward the host.
func newFlowState(ourSeq, ourAck uint32, local, remote ipv4tcp.Endpoint, cancel context.CancelFunc) *flowState {
	return &flowState{
		ourSeq:     ourSeq,
		ourAck:     ourAck,
		local:      local,
		remote:     remote,
		egressSink: make(chan []byte, egressQueueSize),
		cancel:     cancel,
	}
}

// close fires the flow's cancel signal and closes its egress sink, which
// the upstream worker observes as end-of-input.
func (f *flowState) close() {
	f.cancel()
	close(f.egressSink)
}

// flowTable is a mapping from FlowKey to flowState, owned solely by the
// event loop. No other goroutine reads or mutates it, so it needs no
// locking.
type flowTable struct {
	flows map[flowkey.FlowKey]*flowState
}

func newFlowTable() *flowTable {
	return &flowTable{flows: make(map[flowkey.FlowKey]*flowState)}
}

func (t *flowTable) get(key flowkey.FlowKey) (*flowState, bool) {
	f, ok := t.flows[key]
	return f, ok
}

func (t *flowTable) insert(key flowkey.FlowKey, f *flowState) {
	t.flows[key] = f
}

func (t *flowTable) remove(key flowkey.FlowKey) {
	if f, ok := t.flows[key]; ok {
		f.close()
		delete(t.flows, key)
	}
}

func (t *flowTable) len() int {
	return len(t.flows)
}
