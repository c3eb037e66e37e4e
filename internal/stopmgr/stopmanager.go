// Package stopmgr implements the process-wide cancellation broadcaster
// the Relay Engine subscribes to, adapted from the publish/subscribe
// shape of the teacher daemon's event bus.
package stopmgr

import (
	"sync"
	"sync/atomic"
)

// Handle identifies a registered listener, returned so callers that
// need to unregister later can do so.
type Handle int

// StopManager broadcasts a single, one-shot stop signal to every
// registered listener and exposes IsStop for callers that poll instead
// of subscribing.
type StopManager struct {
	mu        sync.Mutex
	listeners map[Handle]func()
	names     map[Handle]string
	next      Handle
	stopped   atomic.Bool
}

// New returns a ready-to-use StopManager.
func New() *StopManager {
	return &StopManager{
		listeners: make(map[Handle]func()),
		names:     make(map[Handle]string),
	}
}

// AddListener registers cb to run when Stop is called. If Stop has
// already fired, cb runs immediately (synchronously, on the caller's
// goroutine) instead of being registered. The handle is returned as
// `any` (it is a stopmgr.Handle underneath) so callers outside this
// package can satisfy a narrow local interface without importing
// stopmgr for the type alone.
func (sm *StopManager) AddListener(name string, cb func()) (any, error) {
	if sm.stopped.Load() {
		cb()
		return Handle(-1), nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	h := sm.next
	sm.next++
	sm.listeners[h] = cb
	sm.names[h] = name
	return h, nil
}

// RemoveListener unregisters a previously added listener. No-op if the
// handle is unknown or already fired.
func (sm *StopManager) RemoveListener(h Handle) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.listeners, h)
	delete(sm.names, h)
}

// Stop flips the stop flag, then fires every registered listener
// exactly once. Safe to call more than once; only the first call has
// an effect.
func (sm *StopManager) Stop() {
	if !sm.stopped.CompareAndSwap(false, true) {
		return
	}

	sm.mu.Lock()
	cbs := make([]func(), 0, len(sm.listeners))
	for _, cb := range sm.listeners {
		cbs = append(cbs, cb)
	}
	sm.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// IsStop reports whether Stop has been called.
func (sm *StopManager) IsStop() bool {
	return sm.stopped.Load()
}
