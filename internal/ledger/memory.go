package ledger

import (
	"context"
	"sync"
	"time"
)

// entry holds one workspace's counters.
type entry struct {
	tier             string
	requestsInWindow int
	concurrentRuns   int
	spentThisPeriod  float64
	lastCall         time.Time
}

// Memory is an in-memory Ledger. All mutations take a single lock, so the
// increment-and-observe sequence is atomic per call; two concurrent Begins
// for the same workspace can never observe the same pre-increment count.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry

	// now is swappable for tests.
	now func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (m *Memory) get(workspaceID string) *entry {
	e, ok := m.entries[workspaceID]
	if !ok {
		e = &entry{tier: "starter"}
		m.entries[workspaceID] = e
	}
	return e
}

// Snapshot implements Ledger.
func (m *Memory) Snapshot(_ context.Context, workspaceID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(workspaceID)
	requests := e.requestsInWindow
	if !e.lastCall.IsZero() && m.now().Sub(e.lastCall) > Window {
		requests = 0
	}
	return Snapshot{
		Tier:             e.tier,
		RequestsInWindow: requests,
		ConcurrentRuns:   e.concurrentRuns,
		SpentThisPeriod:  e.spentThisPeriod,
	}, nil
}

// Begin implements Ledger. The limit checks and the increments happen under
// one lock acquisition, so a Begin that races another never sees a stale
// pre-increment count.
func (m *Memory) Begin(_ context.Context, workspaceID string, maxRequests, maxConcurrent int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(workspaceID)
	now := m.now()
	requests := e.requestsInWindow
	if !e.lastCall.IsZero() && now.Sub(e.lastCall) > Window {
		requests = 0
	}
	if maxRequests > 0 && requests >= maxRequests {
		return false, nil
	}
	if maxConcurrent > 0 && e.concurrentRuns >= maxConcurrent {
		return false, nil
	}
	e.requestsInWindow = requests + 1
	e.concurrentRuns++
	e.lastCall = now
	return true, nil
}

// End implements Ledger. Decrements below zero are clamped.
func (m *Memory) End(_ context.Context, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.get(workspaceID)
	if e.concurrentRuns > 0 {
		e.concurrentRuns--
	}
	return nil
}

// AddCost implements Ledger.
func (m *Memory) AddCost(_ context.Context, workspaceID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.get(workspaceID).spentThisPeriod += amount
	return nil
}

// SetTier implements Ledger.
func (m *Memory) SetTier(_ context.Context, workspaceID, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.get(workspaceID).tier = tier
	return nil
}

// ResetPeriod implements Ledger.
func (m *Memory) ResetPeriod(_ context.Context, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.get(workspaceID).spentThisPeriod = 0
	return nil
}
