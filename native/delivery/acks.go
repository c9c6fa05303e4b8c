package delivery

import "sync"

// AckRegistry tracks delivery acknowledgements by client id for publishes in
// flight. Entries exist only between Wait and Forget; acks for ids nobody
// waits on are ignored since the inbox persists the sent state itself.
type AckRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewAckRegistry returns an empty registry.
func NewAckRegistry() *AckRegistry {
	return &AckRegistry{waiters: make(map[string]chan struct{})}
}

// Wait returns a channel closed once clientID is acknowledged.
func (r *AckRegistry) Wait(clientID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.waiters[clientID]
	if !ok {
		ch = make(chan struct{})
		r.waiters[clientID] = ch
	}
	return ch
}

// Len reports how many publishes are waiting.
func (r *AckRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Ack releases the waiter for clientID. It reports false when nobody waits
// or the id was already acknowledged.
func (r *AckRegistry) Ack(clientID string) bool {
	if clientID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.waiters[clientID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		return false
	default:
		close(ch)
		return true
	}
}

// Acked reports whether clientID has been acknowledged.
func (r *AckRegistry) Acked(clientID string) bool {
	r.mu.Lock()
	ch, ok := r.waiters[clientID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Forget drops the entry once the publish call returns.
func (r *AckRegistry) Forget(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, clientID)
}
