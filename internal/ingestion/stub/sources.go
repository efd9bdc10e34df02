package stub

import (
	"context"
	"sync"

	"token-payment-reconciler/internal/domain"
)

// Source is a channel-fed transfer source for tests.
// Implements ingestion.TransferSource interface.
type Source struct {
	mu        sync.Mutex
	ch        chan domain.TransferEvent
	closed    bool
	subscribe error
}

// NewSource creates a source with a buffer of the given size.
func NewSource(buffer int) *Source {
	return &Source{ch: make(chan domain.TransferEvent, buffer)}
}

// SetSubscribeError makes Subscribe fail with err.
func (s *Source) SetSubscribeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribe = err
}

// Subscribe returns the source channel.
func (s *Source) Subscribe(_ context.Context) (<-chan domain.TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribe != nil {
		return nil, s.subscribe
	}
	return s.ch, nil
}

// Send delivers events in order. Blocks if the buffer is full.
func (s *Source) Send(events ...domain.TransferEvent) {
	for _, ev := range events {
		s.ch <- ev
	}
}

// Close ends the stream. Safe to call more than once.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
}
