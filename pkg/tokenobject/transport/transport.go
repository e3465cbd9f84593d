package transport

import "github.com/jabolina/go-tokenobject/pkg/tokenobject/types"

// Transport is the external collaborator the core depends on but does
// not implement the deployment side of: a reliable, FIFO-per-pair,
// point-to-point message channel between the peers of a fixed group.
//
// Send is reliable and FIFO between any given (source, destination)
// pair; no ordering is assumed between different pairs. Recv filters by
// source whether or not it blocks; Probe never blocks.
type Transport interface {
	// Send delivers msg to dest. Successive sends to the same dest
	// from this peer are observed by dest in the order they were sent.
	Send(dest types.Rank, msg types.Message) error

	// Recv returns the next pending message from source. When blocking
	// is true it waits until one arrives or the transport is closed
	// (second return value false). When blocking is false it returns
	// immediately with ok=false if nothing is pending.
	Recv(source types.Rank, blocking bool) (msg types.Message, ok bool, err error)

	// Probe reports whether a message from source is pending, without
	// consuming it.
	Probe(source types.Rank) bool

	// Barrier blocks until every peer in the group has called Barrier.
	// Used only by application/test code, never by the core protocol.
	Barrier()

	// Rank is this peer's identity.
	Rank() types.Rank

	// Size is the fixed group size.
	Size() int

	// Close releases transport resources. Pending Recv calls return
	// ok=false.
	Close() error
}

// AnyRank is passed to Recv/Probe to mean "from whichever peer has a
// message pending first", mirroring MPI's ANY_SOURCE.
const AnyRank types.Rank = -1
