// Package core implements the replicated-object façade that composes
// token acquisition with replica update and acknowledgement, plus the
// per-peer message pump that drives both it and the token manager.
package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/jabolina/go-tokenobject/pkg/tokenobject/token"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/transport"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/types"
)

// Object is a single peer's view of the replicated shared object: its
// local value, the token manager guarding read/write access to it, and
// the pump that drains the transport on this peer's behalf.
type Object struct {
	cfg       *types.Configuration
	manager   *token.Manager
	transport transport.Transport
	log       types.Logger

	valueMu sync.Mutex
	value   interface{}

	bootstrapped bool
	bootstrapCh  chan struct{}
	bootstrapOnce sync.Once

	ackMu      sync.Mutex
	ackWaiters map[types.Rank]chan struct{}

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New constructs a peer's replicated object. On rank 0, initial is
// stored directly. On every other rank, initial is ignored and the
// constructor blocks until a DATA_UPDATE arrives from rank 0 in
// response to a READ_REQUEST, exactly per §4.2's bootstrap handshake.
func New(cfg *types.Configuration, t transport.Transport, log types.Logger, initial interface{}) (*Object, error) {
	o := &Object{
		cfg:         cfg,
		transport:   t,
		log:         log,
		bootstrapCh: make(chan struct{}),
		ackWaiters:  make(map[types.Rank]chan struct{}),
		stop:        make(chan struct{}),
	}
	o.manager = token.NewManager(cfg, t, log)

	if cfg.Rank == 0 {
		o.value = initial
		o.markBootstrapped()
	}

	o.wg.Add(1)
	go o.pump()

	for i := 0; i < cfg.Size; i++ {
		if types.Rank(i) == cfg.Rank {
			continue
		}
		if err := t.Send(types.Rank(i), types.Message{Type: types.NewProcess}); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
		}
	}

	if cfg.Rank != 0 {
		if err := t.Send(0, types.Message{Type: types.ReadRequest}); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
		}
		<-o.bootstrapCh
	}

	return o, nil
}

// Read acquires a read token (blocking until at least one is held) and
// returns a deep, independent snapshot of the current value.
func (o *Object) Read() (interface{}, error) {
	if err := o.manager.AcquireReadToken(); err != nil {
		return nil, err
	}
	return snapshot(o.getValue())
}

// LocalTokens reports how many of the group's N tokens this peer
// currently holds. Exposed so callers outside this package (tests,
// property checks) can observe the ledger's conservation invariant
// without reaching into the unexported token manager.
func (o *Object) LocalTokens() int {
	return o.manager.LocalTokens()
}

// Write acquires all tokens (blocking until this peer holds every
// one), updates the local value, broadcasts it to every other peer and
// waits for each one's Acknowledge before releasing tokens. Invariant
// 3 — every peer observes v after Write returns — follows directly
// from collecting every ack before release.
func (o *Object) Write(v interface{}) error {
	if err := o.manager.AcquireWriteTokens(); err != nil {
		return err
	}
	o.setValue(v)

	data, err := encodeValue(v)
	if err != nil {
		return fmt.Errorf("tokenobject: failed encoding value: %w", err)
	}

	for i := 0; i < o.cfg.Size; i++ {
		if types.Rank(i) == o.cfg.Rank {
			continue
		}
		dest := types.Rank(i)
		waiter := o.registerAckWaiter(dest)
		if err := o.transport.Send(dest, types.Message{Type: types.DataUpdate, Value: data}); err != nil {
			o.clearAckWaiter(dest)
			return fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
		}

		select {
		case <-waiter:
		case <-time.After(o.cfg.AckTimeout):
			o.clearAckWaiter(dest)
			return fmt.Errorf("%w: timed out waiting for acknowledge from rank %d", types.ErrTransportFailure, dest)
		}
	}

	return o.manager.ReleaseTokens(true)
}

// Close signals the pump to exit and joins it with a bounded wait,
// then closes the underlying transport.
func (o *Object) Close() error {
	var closeErr error
	o.closeOnce.Do(func() {
		close(o.stop)
		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			o.log.Warnf("pump did not exit within the teardown bound")
		}
		closeErr = o.transport.Close()
	})
	return closeErr
}

func (o *Object) getValue() interface{} {
	o.valueMu.Lock()
	defer o.valueMu.Unlock()
	return o.value
}

func (o *Object) setValue(v interface{}) {
	o.valueMu.Lock()
	o.value = v
	o.valueMu.Unlock()
}

func (o *Object) markBootstrapped() {
	o.bootstrapOnce.Do(func() {
		o.bootstrapped = true
		close(o.bootstrapCh)
	})
}

func (o *Object) registerAckWaiter(from types.Rank) chan struct{} {
	ch := make(chan struct{}, 1)
	o.ackMu.Lock()
	o.ackWaiters[from] = ch
	o.ackMu.Unlock()
	return ch
}

func (o *Object) clearAckWaiter(from types.Rank) {
	o.ackMu.Lock()
	delete(o.ackWaiters, from)
	o.ackMu.Unlock()
}

func (o *Object) signalAck(from types.Rank) {
	o.ackMu.Lock()
	ch, ok := o.ackWaiters[from]
	if ok {
		delete(o.ackWaiters, from)
	}
	o.ackMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

// pump is the long-running message pump: it cooperatively polls the
// transport and classifies every inbound message, per §4.2.
func (o *Object) pump() {
	defer o.wg.Done()
	defer o.log.Debugf("rank %d pump exiting", o.cfg.Rank)

	for {
		select {
		case <-o.stop:
			return
		default:
		}

		if !o.transport.Probe(transport.AnyRank) {
			time.Sleep(o.cfg.PollInterval)
			continue
		}

		msg, ok, err := o.transport.Recv(transport.AnyRank, true)
		if !ok {
			return
		}
		if err != nil {
			o.log.Errorf("rank %d failed receiving message: %v", o.cfg.Rank, err)
			continue
		}
		o.dispatch(msg)
	}
}

func (o *Object) dispatch(msg types.Message) {
	switch msg.Type {
	case types.TokenRequest, types.WriteRequest, types.TokenRelease, types.NewProcess:
		if err := o.manager.HandleMessage(msg); err != nil {
			o.log.Warnf("rank %d token manager dropped message %s: %v", o.cfg.Rank, msg, err)
		}

	case types.ReadRequest:
		if !o.manager.HasReadAccess() {
			return
		}
		data, err := encodeValue(o.getValue())
		if err != nil {
			o.log.Errorf("rank %d failed encoding value for read request: %v", o.cfg.Rank, err)
			return
		}
		if err := o.transport.Send(msg.Sender, types.Message{Type: types.DataUpdate, Value: data}); err != nil {
			o.log.Errorf("rank %d failed replying to read request from %d: %v", o.cfg.Rank, msg.Sender, err)
		}

	case types.DataUpdate:
		v, err := decodeValue(msg.Value)
		if err != nil {
			o.log.Errorf("rank %d failed decoding data update from %d: %v", o.cfg.Rank, msg.Sender, err)
			return
		}
		o.setValue(v)
		o.markBootstrapped()
		if err := o.transport.Send(msg.Sender, types.Message{Type: types.Acknowledge}); err != nil {
			o.log.Errorf("rank %d failed acknowledging %d: %v", o.cfg.Rank, msg.Sender, err)
		}

	case types.Acknowledge:
		o.signalAck(msg.Sender)

	default:
		o.log.Warnf("rank %d pump dropping message of unknown kind %s", o.cfg.Rank, msg.Type)
	}
}
