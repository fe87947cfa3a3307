package osmbridge

import (
	"sync"
	"time"
)

const (
	ChangeMerged   = "merged"
	ChangeStubbed  = "stubbed"
	ChangeConflict = "conflict"
)

// EntityChange is one committed change broadcast to feed subscribers.
type EntityChange struct {
	Op            string    `json:"op"`
	Kind          Kind      `json:"kind"`
	ID            int64     `json:"id"`
	Version       int64     `json:"version"`
	CorrelationID string    `json:"correlationId,omitempty"`
	At            time.Time `json:"at"`
}

// ChangeFeed fans committed entity changes out to subscribers. Slow
// subscribers drop changes rather than blocking the merge path.
type ChangeFeed struct {
	mu          sync.Mutex
	subscribers map[int64]chan EntityChange
	nextID      int64
	buffer      int
}

func NewChangeFeed(buffer int) *ChangeFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChangeFeed{
		subscribers: map[int64]chan EntityChange{},
		buffer:      buffer,
	}
}

// Subscribe returns a change channel and a cancel function. The channel is
// closed on cancel.
func (f *ChangeFeed) Subscribe() (<-chan EntityChange, func()) {
	if f == nil {
		ch := make(chan EntityChange)
		close(ch)
		return ch, func() {}
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	ch := make(chan EntityChange, f.buffer)
	f.subscribers[id] = ch
	f.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, id)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (f *ChangeFeed) Publish(change EntityChange) {
	if f == nil {
		return
	}
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}
