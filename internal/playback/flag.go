package playback

import (
	"context"
	"sync"
)

// Flag is a sticky, manually reset signal. Once Set it stays set until
// Clear is called, so a Wait that starts after Set returns immediately.
type Flag struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

// NewFlag returns a cleared flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Set raises the flag. Setting a raised flag is a no-op.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		f.set = true
		close(f.ch)
	}
}

// Clear lowers the flag.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		f.set = false
		f.ch = make(chan struct{})
	}
}

// IsSet reports whether the flag is raised.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Wait blocks until the flag is raised or ctx is done.
func (f *Flag) Wait(ctx context.Context) error {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
