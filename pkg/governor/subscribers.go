package governor

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is how many undelivered change events a subscriber may
// lag behind before events are dropped for it.
const subscriberBuffer = 4

// subscriberRegistry fans governor changes out to observers. Delivery is
// fire-and-forget: a slow or abandoned subscriber loses events instead of
// blocking the publisher.
type subscriberRegistry struct {
	mu   sync.RWMutex
	subs map[string]chan string
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{subs: make(map[string]chan string)}
}

func (r *subscriberRegistry) add() (string, <-chan string) {
	id := uuid.NewString()
	ch := make(chan string, subscriberBuffer)

	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()

	return id, ch
}

func (r *subscriberRegistry) remove(id string) {
	r.mu.Lock()
	ch, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if ok {
		close(ch)
	}
}

func (r *subscriberRegistry) publish(governor string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- governor:
		default:
		}
	}
}
