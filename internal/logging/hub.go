package logging

import "sync"

const defaultStreamBuffer = 100

// LogHub fans live entries out to stream subscribers. Delivery is lossy:
// a subscriber that falls behind misses entries rather than stalling the
// logging path.
type LogHub struct {
	mu      sync.RWMutex
	streams map[uint64]chan LogEntry
	lastID  uint64
	closed  bool
}

func NewLogHub() *LogHub {
	return &LogHub{
		streams: make(map[uint64]chan LogEntry),
	}
}

// Subscribe registers a live stream. The cancel func is idempotent and
// closes the returned channel.
func (h *LogHub) Subscribe(buffer int) (<-chan LogEntry, func()) {
	if h == nil {
		return nil, func() {}
	}
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	ch := make(chan LogEntry, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.lastID++
	id := h.lastID
	h.streams[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if stream, ok := h.streams[id]; ok {
				delete(h.streams, id)
				close(stream)
			}
		})
	}
}

// Broadcast delivers an entry to every live stream. Sends happen under the
// read lock so a stream can never be closed mid-send.
func (h *LogHub) Broadcast(entry LogEntry) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, stream := range h.streams {
		select {
		case stream <- entry:
		default:
		}
	}
}

func (h *LogHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, stream := range h.streams {
		delete(h.streams, id)
		close(stream)
	}
}
