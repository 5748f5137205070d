package zwave

import (
	"log/slog"
	"sync"
)

// Subscribers is a registry of ValueChanged handlers shared by the transport
// implementations.
type Subscribers struct {
	mu       sync.RWMutex
	handlers map[uint64]func(ValueChanged)
	nextID   uint64
	logger   *slog.Logger
}

// NewSubscribers creates an empty registry.
func NewSubscribers(logger *slog.Logger) *Subscribers {
	return &Subscribers{
		handlers: make(map[uint64]func(ValueChanged)),
		logger:   logger,
	}
}

// Add registers a handler. Returns an unsubscribe function.
func (s *Subscribers) Add(handler func(ValueChanged)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

// Publish delivers n to every handler. A panicking handler is recovered.
func (s *Subscribers) Publish(n ValueChanged) {
	s.mu.RLock()
	handlers := make([]func(ValueChanged), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("value handler panic", "value", n.ID.String(), "panic", r)
				}
			}()
			h(n)
		}()
	}
}
