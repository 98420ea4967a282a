package rterrors

import "sync"

// Latch holds the pipeline's first fatal error. Once set, the pipeline
// is failed for good: later Set calls are ignored so every caller sees
// the original cause.
type Latch struct {
	mu  sync.Mutex
	err error
}

// Set records err if no error has been recorded yet. Reports whether
// this call latched it.
func (l *Latch) Set(err error) bool {
	if err == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false
	}
	l.err = err
	return true
}

// Err returns the latched error, or nil.
func (l *Latch) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
