// Package tokentest provides a small test harness for building and
// tearing down a full group of replicated objects over an in-process
// transport, modeled on the teacher repository's test.UnityCluster.
package tokentest

import (
	"sync"
	"time"

	"github.com/jabolina/go-tokenobject/pkg/tokenobject"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/transport"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/types"
)

// Group is a fixed-size set of replicated objects sharing one in-process
// transport hub, plus round-robin access for tests that want to pick a
// peer without caring which one.
type Group struct {
	Objects []*tokenobject.Object

	mu    sync.Mutex
	index int
}

// NewGroup constructs size peers, rank 0 seeded with initial, and
// blocks until every peer has finished its bootstrap handshake (the
// non-zero ranks already block on this inside tokenobject.New).
func NewGroup(size int, initial interface{}) (*Group, error) {
	transports := transport.NewLocalGroup(size)
	objects := make([]*tokenobject.Object, size)

	// Rank 0 must exist before any other rank's bootstrap READ_REQUEST
	// can be answered, but every peer's constructor runs its own pump
	// goroutine immediately, so building them in rank order is enough:
	// by the time rank i>0 blocks on its bootstrap channel, rank 0's
	// pump is already servicing READ_REQUEST.
	for rank := 0; rank < size; rank++ {
		cfg := types.DefaultConfiguration(types.Rank(rank), size)
		obj, err := tokenobject.New(cfg, transports[rank], initial)
		if err != nil {
			return nil, err
		}
		objects[rank] = obj
	}

	return &Group{Objects: objects}, nil
}

// Next returns peers in round-robin order across calls.
func (g *Group) Next() *tokenobject.Object {
	g.mu.Lock()
	defer g.mu.Unlock()
	o := g.Objects[g.index]
	g.index = (g.index + 1) % len(g.Objects)
	return o
}

// Close tears down every peer concurrently and waits for all of them.
func (g *Group) Close() {
	var wg sync.WaitGroup
	for _, o := range g.Objects {
		wg.Add(1)
		go func(obj *tokenobject.Object) {
			defer wg.Done()
			obj.Close()
		}(o)
	}
	wg.Wait()
}

// WaitOrTimeout runs cb in its own goroutine and reports whether it
// finished before duration elapsed.
func WaitOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
