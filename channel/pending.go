package channel

import (
	"sync"

	"github.com/zhubert/plural-kernel/message"
)

// PendingSet tracks requests that have been sent and not yet answered.
type PendingSet struct {
	mu  sync.Mutex
	ids map[string]message.Type
}

// NewPendingSet returns an empty set.
func NewPendingSet() *PendingSet {
	return &PendingSet{ids: make(map[string]message.Type)}
}

// Add records an outstanding request.
func (p *PendingSet) Add(id string, t message.Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[id] = t
}

// Resolve removes id and returns the type of the request it named.
func (p *PendingSet) Resolve(id string) (message.Type, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.ids[id]
	if ok {
		delete(p.ids, id)
	}
	return t, ok
}

// Contains reports whether id is outstanding.
func (p *PendingSet) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

// IDs returns the outstanding request ids in no particular order.
func (p *PendingSet) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.ids))
	for id := range p.ids {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of outstanding requests.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}
