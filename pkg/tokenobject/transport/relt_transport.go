package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/go-tokenobject/pkg/tokenobject/types"
	"github.com/jabolina/relt/pkg/relt"
	"github.com/prometheus/common/log"
)

// Reliable is a Transport that crosses process boundaries, backed by
// github.com/jabolina/relt — the reliable multicast library the teacher
// repository this module is ported from already depends on. It follows
// the same marshal-then-broadcast shape as the teacher's
// core/transport.go ReliableTransport, adapted from message-multicast
// groups to the fixed-rank addressing this protocol needs: every peer
// joins its own exchange group, addressed by its rank.
type Reliable struct {
	log types.Logger

	self types.Rank
	size int

	relts     []*relt.Relt         // relts[r] is this peer's send handle into rank r's group
	addresses []relt.GroupAddress // addresses[r] is rank r's exchange address

	mu      sync.Mutex
	inboxes [][]types.Message // per-source FIFO buffers drained from the relt consumer

	context context.Context
	finish  context.CancelFunc

	barrier func()
}

// NewReliable builds a Reliable transport for peer `self` inside a
// fixed group of `size` peers. `groupName` is shared by every peer and
// used to derive each peer's own relt exchange address, exactly as the
// teacher's NewTransport derives conf.Exchange from the peer's
// partition name.
func NewReliable(self types.Rank, size int, groupName string, log types.Logger) (*Reliable, error) {
	relts := make([]*relt.Relt, size)
	addresses := make([]relt.GroupAddress, size)
	for r := 0; r < size; r++ {
		addr := relt.GroupAddress(fmt.Sprintf("%s-%d", groupName, r))
		conf := relt.DefaultReltConfiguration()
		conf.Name = fmt.Sprintf("%s-%d", groupName, self)
		conf.Exchange = addr
		rt, err := relt.NewRelt(*conf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
		}
		relts[r] = rt
		addresses[r] = addr
	}

	ctx, done := context.WithCancel(context.Background())
	t := &Reliable{
		log:       log,
		self:      self,
		size:      size,
		relts:     relts,
		addresses: addresses,
		inboxes:   make([][]types.Message, size),
		context:   ctx,
		finish:    done,
	}
	go t.poll()
	return t, nil
}

func (r *Reliable) Rank() types.Rank { return r.self }

func (r *Reliable) Size() int { return r.size }

func (r *Reliable) Send(dest types.Rank, msg types.Message) error {
	msg.Sender = r.self
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Errorf("failed marshalling message %s. %v", msg, err)
		return fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
	}

	send := relt.Send{
		Address: r.addresses[dest],
		Data:    data,
	}
	if err := r.relts[dest].Broadcast(r.context, send); err != nil {
		log.Errorf("failed sending to rank %d. %v", dest, err)
		return fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
	}
	return nil
}

// poll drains this peer's own relt consumer, parses each payload and
// files it into the per-source inbox, mirroring the teacher's
// ReliableTransport.poll/consume split.
func (r *Reliable) poll() {
	listener, err := r.relts[r.self].Consume()
	if err != nil {
		r.log.Fatalf("failed consuming from own exchange: %v", err)
		return
	}
	for {
		select {
		case <-r.context.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			r.consume(recv.Origin, recv.Data, recv.Error)
		}
	}
}

func (r *Reliable) consume(origin string, data []byte, recvErr error) {
	if recvErr != nil {
		log.Errorf("failed consuming message from %s on rank %d. %v", origin, r.self, recvErr)
		return
	}
	if data == nil {
		return
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		r.log.Errorf("failed unmarshalling message from %s on rank %d. %v", origin, r.self, err)
		return
	}

	r.mu.Lock()
	r.inboxes[msg.Sender] = append(r.inboxes[msg.Sender], msg)
	r.mu.Unlock()
}

func (r *Reliable) Probe(source types.Rank) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if source == AnyRank {
		for src := 0; src < r.size; src++ {
			if len(r.inboxes[src]) > 0 {
				return true
			}
		}
		return false
	}
	return len(r.inboxes[source]) > 0
}

func (r *Reliable) Recv(source types.Rank, blocking bool) (types.Message, bool, error) {
	for {
		if msg, ok := r.tryDequeue(source); ok {
			return msg, true, nil
		}
		if !blocking {
			return types.Message{}, false, nil
		}
		select {
		case <-r.context.Done():
			return types.Message{}, false, nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (r *Reliable) tryDequeue(source types.Rank) (types.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if source != AnyRank {
		q := r.inboxes[source]
		if len(q) == 0 {
			return types.Message{}, false
		}
		msg := q[0]
		r.inboxes[source] = q[1:]
		return msg, true
	}
	for src := 0; src < r.size; src++ {
		q := r.inboxes[src]
		if len(q) > 0 {
			msg := q[0]
			r.inboxes[src] = q[1:]
			return msg, true
		}
	}
	return types.Message{}, false
}

// Barrier is supplied by the embedding application via SetBarrier; the
// core protocol never calls it. A nil barrier is a no-op, matching the
// spec's statement that barriers are used only by application code.
func (r *Reliable) SetBarrier(fn func()) {
	r.barrier = fn
}

func (r *Reliable) Barrier() {
	if r.barrier != nil {
		r.barrier()
	}
}

func (r *Reliable) Close() error {
	r.finish()
	var firstErr error
	for _, rt := range r.relts {
		if err := rt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("%w: %v", types.ErrTransportFailure, firstErr)
	}
	return nil
}

var _ Transport = (*Reliable)(nil)
