// Package emitter provides ordered event handler registration with
// panic isolation: a misbehaving handler is logged and skipped, never
// allowed to break the emitting component.
package emitter

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives the event payload.
type Handler func(payload any)

type entry struct {
	id int
	fn Handler
}

// Emitter maps event names to ordered handler lists.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string][]entry
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Emitter {
	return &Emitter{
		handlers: make(map[string][]entry),
		logger:   logger,
	}
}

// On registers a handler for an event and returns a token for Off.
func (e *Emitter) On(event string, fn Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	e.handlers[event] = append(e.handlers[event], entry{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes a previously registered handler. Unknown tokens are ignored.
func (e *Emitter) Off(event string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.handlers[event]
	for i, en := range entries {
		if en.id == id {
			e.handlers[event] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Emit invokes every handler registered for the event, in registration
// order. Panics raised by handlers are recovered and logged.
func (e *Emitter) Emit(event string, payload any) {
	e.mu.RLock()
	entries := make([]entry, len(e.handlers[event]))
	copy(entries, e.handlers[event])
	e.mu.RUnlock()

	for _, en := range entries {
		e.safeCall(event, en.fn, payload)
	}
}

func (e *Emitter) safeCall(event string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				zap.String("event", event),
				zap.Any("panic", r),
			)
		}
	}()
	fn(payload)
}
