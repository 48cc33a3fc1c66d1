package media

import (
	"fmt"
	"log/slog"
	"sync"
)

// portFailureLimit is the number of bind failures after which a port is
// quarantined instead of returned to the pool. A port held by another
// process would otherwise be retried on every allocation.
const portFailureLimit = 3

// Engine owns the port pool and the live relay handlers, one per call.
type Engine struct {
	pool   *PortPool
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[string]*RelayHandler
	bindFails map[int]int
}

// NewEngine creates a relay engine over the configured port range.
func NewEngine(portMin, portMax int, logger *slog.Logger) *Engine {
	return &Engine{
		pool:      NewPortPool(portMin, portMax),
		logger:    logger.With("component", "media"),
		handlers:  make(map[string]*RelayHandler),
		bindFails: make(map[int]int),
	}
}

// Allocate reserves a port pair for the call, binds the relay socket and
// starts its reader. A port that cannot be bound (taken by another process)
// is skipped and the next free one tried; a port that keeps failing is
// quarantined out of the pool.
func (e *Engine) Allocate(callID string) (*RelayHandler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.handlers[callID]; ok {
		return nil, fmt.Errorf("call %s already has a relay", callID)
	}

	var skipped []int
	defer func() {
		for _, p := range skipped {
			e.pool.Release(p)
		}
	}()

	for {
		port, err := e.pool.Allocate(callID)
		if err != nil {
			return nil, err
		}

		handler, err := NewRelayHandler(callID, port, e.logger)
		if err != nil {
			e.bindFails[port]++
			if e.bindFails[port] >= portFailureLimit {
				// Not appended to skipped: the pair stays out of the pool.
				e.logger.Error("relay port quarantined after repeated bind failures",
					"port", port, "failures", e.bindFails[port], "error", err)
				continue
			}
			e.logger.Warn("relay port unusable, trying next", "port", port, "error", err)
			skipped = append(skipped, port)
			continue
		}
		delete(e.bindFails, port)

		handler.Start()
		e.handlers[callID] = handler
		return handler, nil
	}
}

// Get returns the call's relay handler, or nil.
func (e *Engine) Get(callID string) *RelayHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handlers[callID]
}

// Release stops the call's relay and returns its port pair to the pool.
// Returns the handler's final QoS summaries, or nil when no relay existed.
func (e *Engine) Release(callID string) *[2]DirectionSummary {
	e.mu.Lock()
	handler, ok := e.handlers[callID]
	if ok {
		delete(e.handlers, callID)
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}

	handler.Stop()
	a, b := handler.Summaries()
	if err := e.pool.Release(handler.Port()); err != nil {
		e.logger.Error("relay port release failed", "call_id", callID, "error", err)
	}
	return &[2]DirectionSummary{a, b}
}

// ReleaseAll tears down every relay. Used during shutdown.
func (e *Engine) ReleaseAll() {
	e.mu.Lock()
	handlers := make([]*RelayHandler, 0, len(e.handlers))
	ids := make([]string, 0, len(e.handlers))
	for id, h := range e.handlers {
		handlers = append(handlers, h)
		ids = append(ids, id)
	}
	e.handlers = make(map[string]*RelayHandler)
	e.mu.Unlock()

	for i, h := range handlers {
		h.Stop()
		if err := e.pool.Release(h.Port()); err != nil {
			e.logger.Error("relay port release failed", "call_id", ids[i], "error", err)
		}
	}
}

// ActiveCount returns the number of live relays.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// FreePortPairs exposes the pool's free pair count for metrics.
func (e *Engine) FreePortPairs() int {
	return e.pool.FreeCount()
}
