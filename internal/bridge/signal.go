package bridge

import "sync"

// ShutdownSignal is a process-wide, set-once flag. Any component may set
// it; every long-running unit observes it and stops. It cannot be reset.
// Create it with NewShutdownSignal; the zero value is not usable.
type ShutdownSignal struct {
	once sync.Once
	done chan struct{}
}

// NewShutdownSignal returns an unset signal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{done: make(chan struct{})}
}

// Set raises the signal. Calling it again has no effect.
func (s *ShutdownSignal) Set() {
	s.once.Do(func() { close(s.done) })
}

// IsSet reports whether the signal has been raised.
func (s *ShutdownSignal) IsSet() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the signal is raised.
func (s *ShutdownSignal) Done() <-chan struct{} {
	return s.done
}
