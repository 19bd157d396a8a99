package bridge

import (
	"encoding/json"
	"sync"
	"time"
)

// Callback receives the outcome of a request: the response payload on
// success, or a non-nil error (remote error, timeout).
type Callback func(payload json.RawMessage, err error)

// pendingRequest is owned by the pendingTable from creation until it is
// taken by exactly one of: a matching response, the timeout sweeper, or an
// explicit cancel.
type pendingRequest struct {
	id        string
	event     string
	callback  Callback
	createdAt time.Time
	timeout   time.Duration
}

// pendingTable correlates in-flight request IDs to their callbacks.
// Removal is first-wins: take and takeExpired atomically remove the entry
// under the lock, so a callback can never fire twice.
type pendingTable struct {
	mu   sync.Mutex
	reqs map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{reqs: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(p *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reqs[p.id] = p
}

// take removes and returns the entry for id, if present.
func (t *pendingTable) take(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.reqs[id]
	if ok {
		delete(t.reqs, id)
	}
	return p, ok
}

// takeExpired removes and returns every entry whose age exceeds its own
// timeout as of now.
func (t *pendingTable) takeExpired(now time.Time) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []*pendingRequest
	for id, p := range t.reqs {
		if now.Sub(p.createdAt) > p.timeout {
			expired = append(expired, p)
			delete(t.reqs, id)
		}
	}
	return expired
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reqs)
}
