package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/emergent-company/branchgraph/pkg/logger"
)

// Handler receives events. Errors are logged; they never reach the
// publisher.
type Handler func(ctx context.Context, e Event) error

type subscriber struct {
	id   string
	name string
	fn   Handler
}

// Service fans events out to subscribers asynchronously.
type Service struct {
	log         *slog.Logger
	mu          sync.RWMutex
	subscribers map[Type][]subscriber
	wg          sync.WaitGroup
}

// NewService creates an empty bus.
func NewService(log *slog.Logger) *Service {
	return &Service{
		log:         log.With(logger.Scope("events")),
		subscribers: make(map[Type][]subscriber),
	}
}

// Subscribe registers fn for each of types under name and returns a function
// that removes it.
func (s *Service) Subscribe(name string, fn Handler, types ...Type) func() {
	id := uuid.NewString()
	s.mu.Lock()
	for _, t := range types {
		s.subscribers[t] = append(s.subscribers[t], subscriber{id: id, name: name, fn: fn})
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, t := range types {
			subs := s.subscribers[t]
			for i, sub := range subs {
				if sub.id == id {
					s.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(s.subscribers[t]) == 0 {
				delete(s.subscribers, t)
			}
		}
	}
}

// SubscriberCount returns the number of subscribers for t.
func (s *Service) SubscriberCount(t Type) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[t])
}

// Emit delivers e to every subscriber of its type, each in its own
// goroutine. The request id on ctx is copied onto the event when unset.
func (s *Service) Emit(ctx context.Context, e Event) {
	e = stamp(e)
	if e.RequestID == "" {
		e.RequestID = logger.RequestIDFromContext(ctx)
	}

	s.mu.RLock()
	subs := append([]subscriber(nil), s.subscribers[e.Type]...)
	s.mu.RUnlock()

	if len(subs) == 0 {
		s.log.Debug("no subscribers for event", slog.String("type", string(e.Type)))
		return
	}

	deliverCtx := context.WithoutCancel(ctx)
	if e.RequestID != "" {
		deliverCtx = logger.WithRequestID(deliverCtx, e.RequestID)
	}
	for _, sub := range subs {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deliver(deliverCtx, sub, e)
		}()
	}
}

func (s *Service) deliver(ctx context.Context, sub subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event subscriber panicked",
				slog.String("subscriber", sub.name),
				slog.String("type", string(e.Type)),
				slog.Any("panic", r))
		}
	}()
	if err := sub.fn(ctx, e); err != nil {
		s.log.Warn("event subscriber failed",
			slog.String("subscriber", sub.name),
			slog.String("type", string(e.Type)),
			slog.String("request_id", e.RequestID),
			logger.Error(err))
	}
}

// Wait blocks until every delivery started so far has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}
