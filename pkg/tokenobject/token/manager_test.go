package token

import (
	"testing"
	"time"

	"github.com/jabolina/go-tokenobject/pkg/tokenobject/definition"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/transport"
	"github.com/jabolina/go-tokenobject/pkg/tokenobject/types"
)

func newTestManagers(t *testing.T, size int) ([]*Manager, []transport.Transport) {
	t.Helper()
	transports := transport.NewLocalGroup(size)
	managers := make([]*Manager, size)
	for rank := 0; rank < size; rank++ {
		cfg := types.DefaultConfiguration(types.Rank(rank), size)
		log := definition.NewDefaultLogger("test")
		managers[rank] = NewManager(cfg, transports[rank], log)
	}
	return managers, transports
}

func totalLocalTokens(managers []*Manager) int {
	total := 0
	for _, m := range managers {
		total += m.LocalTokens()
	}
	return total
}

func pumpOnce(t *testing.T, managers []*Manager, transports []transport.Transport, rank int) bool {
	t.Helper()
	tr := transports[rank]
	if !tr.Probe(transport.AnyRank) {
		return false
	}
	msg, ok, err := tr.Recv(transport.AnyRank, false)
	if !ok || err != nil {
		return false
	}
	if err := managers[rank].HandleMessage(msg); err != nil {
		t.Logf("rank %d dropped %s: %v", rank, msg, err)
	}
	return true
}

// drain runs a bounded number of rounds of pumping every peer's pending
// messages, enough for the token protocol's bounded message fan-out to
// settle (each request produces at most one reply per peer).
func drain(t *testing.T, managers []*Manager, transports []transport.Transport) {
	t.Helper()
	for round := 0; round < 10*len(managers); round++ {
		progressed := false
		for rank := range managers {
			for pumpOnce(t, managers, transports, rank) {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

func TestNewManagerBootstrapOwnership(t *testing.T) {
	managers, _ := newTestManagers(t, 3)
	if got := managers[0].LocalTokens(); got != 3 {
		t.Fatalf("rank 0 local tokens = %d, want 3", got)
	}
	for rank := 1; rank < 3; rank++ {
		if got := managers[rank].LocalTokens(); got != 0 {
			t.Fatalf("rank %d local tokens = %d, want 0", rank, got)
		}
	}
	if total := totalLocalTokens(managers); total != 3 {
		t.Fatalf("total local tokens = %d, want 3 (conservation)", total)
	}
}

func TestSingleProcessHasImplicitWriteAccess(t *testing.T) {
	managers, _ := newTestManagers(t, 1)
	if !managers[0].HasWriteAccess() {
		t.Fatalf("sole peer must already hold write access")
	}
	if err := managers[0].AcquireWriteTokens(); err != nil {
		t.Fatalf("AcquireWriteTokens: %v", err)
	}
	if err := managers[0].ReleaseTokens(true); err != nil {
		t.Fatalf("ReleaseTokens: %v", err)
	}
}

func TestTokenRequestDonatesAboveThreshold(t *testing.T) {
	managers, transports := newTestManagers(t, 2)

	done := make(chan error, 1)
	go func() {
		done <- managers[1].AcquireReadToken()
	}()

	drain(t, managers, transports)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AcquireReadToken: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("rank 1 never acquired a read token")
	}

	if got := managers[1].LocalTokens(); got < 1 {
		t.Fatalf("rank 1 local tokens = %d, want >= 1", got)
	}
	if total := totalLocalTokens(managers); total != 2 {
		t.Fatalf("total local tokens = %d, want 2 (conservation)", total)
	}
}

func TestWriteRequestSurrendersAllTokens(t *testing.T) {
	managers, transports := newTestManagers(t, 3)

	done := make(chan error, 1)
	go func() {
		done <- managers[2].AcquireWriteTokens()
	}()

	drain(t, managers, transports)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AcquireWriteTokens: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("rank 2 never acquired write tokens")
	}

	if !managers[2].HasWriteAccess() {
		t.Fatalf("rank 2 should hold write access")
	}
	if managers[0].LocalTokens() != 0 || managers[1].LocalTokens() != 0 {
		t.Fatalf("ranks 0 and 1 should hold no tokens while rank 2 writes")
	}
	if total := totalLocalTokens(managers); total != 3 {
		t.Fatalf("total local tokens = %d, want 3 (conservation)", total)
	}
}

func TestReleaseAfterWriteRedistributesOneEach(t *testing.T) {
	managers, transports := newTestManagers(t, 4)

	done := make(chan error, 1)
	go func() {
		if err := managers[0].AcquireWriteTokens(); err != nil {
			done <- err
			return
		}
		done <- managers[0].ReleaseTokens(true)
	}()

	drain(t, managers, transports)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write+release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("rank 0's write+release never completed")
	}

	drain(t, managers, transports)

	for rank := 1; rank < 4; rank++ {
		if got := managers[rank].LocalTokens(); got != 1 {
			t.Fatalf("rank %d local tokens after release = %d, want 1", rank, got)
		}
	}
	if got := managers[0].LocalTokens(); got != 1 {
		t.Fatalf("rank 0 local tokens after release = %d, want 1", got)
	}
	if total := totalLocalTokens(managers); total != 4 {
		t.Fatalf("total local tokens = %d, want 4 (conservation)", total)
	}
}

func TestDonateIgnoredAtOrBelowThreshold(t *testing.T) {
	managers, _ := newTestManagers(t, 2)

	// rank 0 holds 2 tokens (donateThreshold=1), so a single donate call
	// should give up exactly one and then refuse a second.
	if err := managers[0].donate(1); err != nil {
		t.Fatalf("donate: %v", err)
	}
	if got := managers[0].LocalTokens(); got != 1 {
		t.Fatalf("after first donate, rank 0 local tokens = %d, want 1", got)
	}
	if err := managers[0].donate(1); err != nil {
		t.Fatalf("donate: %v", err)
	}
	if got := managers[0].LocalTokens(); got != 1 {
		t.Fatalf("after second donate at threshold, rank 0 local tokens = %d, want 1 (no donation)", got)
	}
}

func TestSurrenderIgnoredWhileWriting(t *testing.T) {
	managers, _ := newTestManagers(t, 2)
	managers[0].mutex.Lock()
	managers[0].writeMode = true
	managers[0].mutex.Unlock()

	if err := managers[0].surrenderAll(1); err != nil {
		t.Fatalf("surrenderAll: %v", err)
	}
	if got := managers[0].LocalTokens(); got != 2 {
		t.Fatalf("writer must not surrender tokens mid-write, got %d want 2", got)
	}
}

func TestHandleMessageUnknownTypeReturnsError(t *testing.T) {
	managers, _ := newTestManagers(t, 2)
	err := managers[0].HandleMessage(types.Message{Type: types.ReadRequest})
	if err != types.ErrUnknownMessageType {
		t.Fatalf("HandleMessage(ReadRequest) error = %v, want ErrUnknownMessageType", err)
	}
}
