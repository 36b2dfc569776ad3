package gapfill

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// Broadcaster fans out per-room change notifications. Notifications coalesce:
// a subscriber that has not consumed the previous signal receives only one.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[id.RoomID]map[int]chan struct{}
	next int
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[id.RoomID]map[int]chan struct{}{}}
}

// Subscribe registers for changes to roomID. The returned function unsubscribes
// and closes the channel.
func (b *Broadcaster) Subscribe(roomID id.RoomID) (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{}, 1)
	key := b.next
	b.next++
	if b.subs[roomID] == nil {
		b.subs[roomID] = map[int]chan struct{}{}
	}
	b.subs[roomID][key] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[roomID], key)
			if len(b.subs[roomID]) == 0 {
				delete(b.subs, roomID)
			}
			close(ch)
		})
	}
}

// Publish signals every subscriber of roomID without blocking.
func (b *Broadcaster) Publish(roomID id.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[roomID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type roomLocks struct {
	mu    sync.Mutex
	locks map[id.RoomID]*sync.Mutex
}

func (l *roomLocks) lock(roomID id.RoomID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[id.RoomID]*sync.Mutex{}
	}
	m, ok := l.locks[roomID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[roomID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
