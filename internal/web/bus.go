package web

import (
	"errors"
	"sync"
)

// maxSSEClients bounds concurrent result streams.
const maxSSEClients = 16

// ErrTooManyClients is returned by Subscribe when maxSSEClients are connected.
var ErrTooManyClients = errors.New("too many stream clients")

// ResultBus fans published results out to stream clients and keeps a ring of
// the most recent ones.
type ResultBus struct {
	mu       sync.RWMutex
	clients  map[chan []byte]struct{}
	ring     [][]byte
	ringSize int
	ringPos  int
	ringLen  int
}

// NewResultBus creates a bus that remembers the last size results.
func NewResultBus(size int) *ResultBus {
	if size < 1 {
		size = 1
	}
	return &ResultBus{
		clients:  make(map[chan []byte]struct{}),
		ring:     make([][]byte, size),
		ringSize: size,
	}
}

// Publish records data and sends it to every client. Slow clients miss it.
func (b *ResultBus) Publish(data []byte) {
	data = append([]byte(nil), data...)

	b.mu.Lock()
	b.ring[b.ringPos] = data
	b.ringPos = (b.ringPos + 1) % b.ringSize
	if b.ringLen < b.ringSize {
		b.ringLen++
	}
	clients := make([]chan []byte, 0, len(b.clients))
	for ch := range b.clients {
		clients = append(clients, ch)
	}
	b.mu.Unlock()

	for _, ch := range clients {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe registers a client. The returned func unsubscribes it.
func (b *ResultBus) Subscribe() (chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) >= maxSSEClients {
		return nil, nil, ErrTooManyClients
	}
	ch := make(chan []byte, 64)
	b.clients[ch] = struct{}{}
	return ch, func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
	}, nil
}

// Recent returns the remembered results, oldest first.
func (b *ResultBus) Recent() [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([][]byte, 0, b.ringLen)
	start := (b.ringPos - b.ringLen + b.ringSize) % b.ringSize
	for i := 0; i < b.ringLen; i++ {
		out = append(out, b.ring[(start+i)%b.ringSize])
	}
	return out
}
