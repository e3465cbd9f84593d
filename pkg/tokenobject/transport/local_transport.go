package transport

import (
	"sync"
	"time"

	"github.com/jabolina/go-tokenobject/pkg/tokenobject/types"
)

// hub is the shared, in-process backbone a group of Local transports is
// built on. It stands in for the MPI communicator in original_source/:
// one FIFO channel per (source, destination) ordered pair, plus a
// reusable barrier. There is no third-party in-process MPI-equivalent
// in the retrieved pack, so this piece is deliberately minimal stdlib
// (chan, sync) — see DESIGN.md.
type hub struct {
	size    int
	queues  [][]chan types.Message
	closed  []bool
	closeMu sync.Mutex

	barrierMu    sync.Mutex
	barrierCond  *sync.Cond
	barrierCount int
	barrierGen   int
}

const inboxDepth = 256

func newHub(size int) *hub {
	h := &hub{
		size:   size,
		queues: make([][]chan types.Message, size),
		closed: make([]bool, size),
	}
	h.barrierCond = sync.NewCond(&h.barrierMu)
	for dest := 0; dest < size; dest++ {
		h.queues[dest] = make([]chan types.Message, size)
		for src := 0; src < size; src++ {
			h.queues[dest][src] = make(chan types.Message, inboxDepth)
		}
	}
	return h
}

// NewLocalGroup builds size in-process Transport implementations that
// can exchange messages with each other, all sharing one hub.
func NewLocalGroup(size int) []Transport {
	h := newHub(size)
	peers := make([]Transport, size)
	for rank := 0; rank < size; rank++ {
		peers[rank] = &Local{hub: h, self: types.Rank(rank)}
	}
	return peers
}

// Local is a Transport backed by an in-process hub. It is the default
// collaborator used by tests and single-binary demonstrations.
type Local struct {
	hub  *hub
	self types.Rank
}

var _ Transport = (*Local)(nil)

func (l *Local) Rank() types.Rank { return l.self }

func (l *Local) Size() int { return l.hub.size }

func (l *Local) Send(dest types.Rank, msg types.Message) error {
	l.hub.closeMu.Lock()
	closed := l.hub.closed[dest]
	l.hub.closeMu.Unlock()
	if closed {
		return types.ErrTransportFailure
	}
	msg.Sender = l.self
	l.hub.queues[dest][l.self] <- msg
	return nil
}

func (l *Local) Probe(source types.Rank) bool {
	if source == AnyRank {
		for src := 0; src < l.hub.size; src++ {
			if len(l.hub.queues[l.self][src]) > 0 {
				return true
			}
		}
		return false
	}
	return len(l.hub.queues[l.self][source]) > 0
}

func (l *Local) Recv(source types.Rank, blocking bool) (types.Message, bool, error) {
	if source != AnyRank {
		ch := l.hub.queues[l.self][source]
		if blocking {
			msg, ok := <-ch
			return msg, ok, nil
		}
		select {
		case msg, ok := <-ch:
			return msg, ok, nil
		default:
			return types.Message{}, false, nil
		}
	}

	// A single goroutine per peer ever dequeues from this peer's
	// inboxes (the pump, plus at most one bootstrap caller filtering by
	// a specific source), so a simple round-robin poll is safe here and
	// avoids racing multiple goroutines against the same channel to
	// decide who "wins" a pending message.
	start := 0
	for {
		for i := 0; i < l.hub.size; i++ {
			src := (start + i) % l.hub.size
			select {
			case msg, ok := <-l.hub.queues[l.self][src]:
				return msg, ok, nil
			default:
			}
		}
		if !blocking {
			return types.Message{}, false, nil
		}
		start = (start + 1) % l.hub.size
		time.Sleep(time.Millisecond)
	}
}

func (l *Local) Barrier() {
	h := l.hub
	h.barrierMu.Lock()
	gen := h.barrierGen
	h.barrierCount++
	if h.barrierCount == h.size {
		h.barrierCount = 0
		h.barrierGen++
		h.barrierCond.Broadcast()
	} else {
		for gen == h.barrierGen {
			h.barrierCond.Wait()
		}
	}
	h.barrierMu.Unlock()
}

func (l *Local) Close() error {
	l.hub.closeMu.Lock()
	defer l.hub.closeMu.Unlock()
	if l.hub.closed[l.self] {
		return nil
	}
	l.hub.closed[l.self] = true
	for src := 0; src < l.hub.size; src++ {
		close(l.hub.queues[l.self][src])
	}
	return nil
}
