package util

import "sync"

/* UnblockSignal
 * simple wrapper around a go channel to make it easier to block a goroutine from continuing and then let it continue when Trigger() is called
 * EXAMPLE USE: exiting the relay read loop when the client is closed from another goroutine
 */
type UnblockSignal struct {
	once       sync.Once
	mu         sync.RWMutex
	err        error // passed back to the blocked goroutine(s)
	exitSignal chan struct{}
}

func NewUnblockSignal() *UnblockSignal {
	return &UnblockSignal{exitSignal: make(chan struct{})}
}

func (e *UnblockSignal) Trigger() {
	e.TriggerWithError(nil)
}

// TriggerWithError unblocks every waiter, only the first trigger's error is kept.
func (e *UnblockSignal) TriggerWithError(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.exitSignal)
	})
}

func (e *UnblockSignal) Wait() error {
	<-e.exitSignal
	return e.GetError()
}

func (e *UnblockSignal) GetSignal() <-chan struct{} {
	return e.exitSignal
}

func (e *UnblockSignal) HasTriggered() bool {
	select {
	case <-e.exitSignal:
		return true
	default:
		return false
	}
}

func (e *UnblockSignal) GetError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}
