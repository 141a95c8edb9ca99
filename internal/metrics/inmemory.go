package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	HTTPRequests  map[string]uint64 // "METHOD route status"
	ARMRequests   map[string]uint64 // "operation outcome"
	Purchases     map[string]uint64
	StateChanges  map[string]uint64
	KeyRotations  map[string]uint64
	UserLookups   map[string]uint64
	ARMDurationNs int64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{snap: newSnapshot()}
}

func newSnapshot() Snapshot {
	return Snapshot{
		HTTPRequests: map[string]uint64{},
		ARMRequests:  map[string]uint64{},
		Purchases:    map[string]uint64{},
		StateChanges: map[string]uint64{},
		KeyRotations: map[string]uint64{},
		UserLookups:  map[string]uint64{},
	}
}

// Snapshot returns a deep copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := newSnapshot()
	copyInto(out.HTTPRequests, m.snap.HTTPRequests)
	copyInto(out.ARMRequests, m.snap.ARMRequests)
	copyInto(out.Purchases, m.snap.Purchases)
	copyInto(out.StateChanges, m.snap.StateChanges)
	copyInto(out.KeyRotations, m.snap.KeyRotations)
	copyInto(out.UserLookups, m.snap.UserLookups)
	out.ARMDurationNs = m.snap.ARMDurationNs
	return out
}

func copyInto(dst, src map[string]uint64) {
	for k, v := range src {
		dst[k] = v
	}
}

func (m *InMemoryRecorder) inc(counter map[string]uint64, key string) {
	m.mu.Lock()
	counter[key]++
	m.mu.Unlock()
}

// ObserveHTTPRequest counts a served request.
func (m *InMemoryRecorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	m.inc(m.snap.HTTPRequests, method+" "+route+" "+strconv.Itoa(status))
}

// ObserveARMRequest counts an ARM call and accumulates its duration.
func (m *InMemoryRecorder) ObserveARMRequest(operation, outcome string, duration time.Duration) {
	m.mu.Lock()
	m.snap.ARMRequests[operation+" "+outcome]++
	m.snap.ARMDurationNs += duration.Nanoseconds()
	m.mu.Unlock()
}

// IncPurchase counts a purchase outcome.
func (m *InMemoryRecorder) IncPurchase(outcome string) { m.inc(m.snap.Purchases, outcome) }

// IncStateChange counts a state transition.
func (m *InMemoryRecorder) IncStateChange(state string) { m.inc(m.snap.StateChanges, state) }

// IncKeyRotation counts a key regeneration.
func (m *InMemoryRecorder) IncKeyRotation(keyType string) { m.inc(m.snap.KeyRotations, keyType) }

// IncUserLookup counts a user lookup outcome.
func (m *InMemoryRecorder) IncUserLookup(outcome string) { m.inc(m.snap.UserLookups, outcome) }
