package orchestrator

import (
	"sync"
	"time"
)

// outcome is the single value a pending entry resolves to.
type outcome struct {
	payload any
	err     error
}

// pendingKey identifies a device-scoped pending operation.
type pendingKey struct {
	deviceID string
	kind     string
}

// pendingEntry is one outstanding command exchange. The channel is
// buffered so the resolving side never blocks on a caller that has
// already given up.
type pendingEntry struct {
	key   pendingKey
	jobID string
	ch    chan outcome
	timer *time.Timer

	// refillIngredients remembers which ingredients the refill requested,
	// so the acknowledgement can be answered with their current aggregate
	// amounts.
	refillIngredients []int64
}

// pendingTable tracks who is waiting for which acknowledgement. Entries
// start under a (device, kind) key; a blend entry is re-keyed by job id
// once a status event identifies the job. One mutex guards both maps so
// the re-keying is atomic: a concurrent timeout or resolution always
// finds the entry under exactly one key, never both, never neither.
//
// The table is a cache of in-process waiters, disposable on restart.
type pendingTable struct {
	mu       sync.Mutex
	byDevice map[pendingKey]*pendingEntry
	byJob    map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		byDevice: make(map[pendingKey]*pendingEntry),
		byJob:    make(map[string]*pendingEntry),
	}
}

// register admits a new pending operation. Returns false when the key is
// already occupied; the existing entry is never overwritten.
func (t *pendingTable) register(deviceID, kind string) (*pendingEntry, bool) {
	key := pendingKey{deviceID: deviceID, kind: kind}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byDevice[key]; exists {
		return nil, false
	}
	e := &pendingEntry{key: key, ch: make(chan outcome, 1)}
	t.byDevice[key] = e
	return e, true
}

// takeDevice removes and returns the entry for (device, kind), or nil.
func (t *pendingTable) takeDevice(deviceID, kind string) *pendingEntry {
	key := pendingKey{deviceID: deviceID, kind: kind}

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.byDevice[key]
	delete(t.byDevice, key)
	return e
}

// takeJob removes and returns the entry keyed by job id, or nil.
func (t *pendingTable) takeJob(jobID string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.byJob[jobID]
	delete(t.byJob, jobID)
	return e
}

// handoff re-keys a device-scoped entry by job id. A no-op when the entry
// has already been handed off, resolved or timed out.
func (t *pendingTable) handoff(deviceID, kind, jobID string) {
	key := pendingKey{deviceID: deviceID, kind: kind}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byDevice[key]
	if !ok {
		return
	}
	delete(t.byDevice, key)
	e.jobID = jobID
	t.byJob[jobID] = e
}

// bind attaches metadata to an entry after registration. Sharing the
// table mutex makes the fields visible to whichever side later takes the
// entry.
func (t *pendingTable) bind(e *pendingEntry, fn func(*pendingEntry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(e)
}

// remove deletes a specific entry from whichever map holds it. Returns
// false when the entry is already gone, in which case the caller lost the
// race and must not act. This is the timeout side of the timeout/ack
// race; both sides commit through a single map removal under the lock.
func (t *pendingTable) remove(e *pendingEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.byDevice[e.key]; ok && cur == e {
		delete(t.byDevice, e.key)
		return true
	}
	if e.jobID != "" {
		if cur, ok := t.byJob[e.jobID]; ok && cur == e {
			delete(t.byJob, e.jobID)
			return true
		}
	}
	return false
}

// resolve stops the entry's timer and delivers the outcome. Callers must
// have removed the entry from the table first.
func (e *pendingEntry) resolve(payload any, err error) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.ch <- outcome{payload: payload, err: err}
}
