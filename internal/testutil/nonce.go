package testutil

import "sync"

// NonceSource hands out block nonces for generated chains.
//
// Two chains that fork from each other share a source, so blocks mined at
// the same height on different branches still get distinct hashes. A fresh
// source always yields the same sequence, so generated chains are
// reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type NonceSource struct {
	mu    sync.Mutex
	nonce uint32
}

// NewNonceSource creates a source whose first nonce is 1.
func NewNonceSource() *NonceSource {
	return &NonceSource{}
}

// Next increments and returns the next nonce.
func (s *NonceSource) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	return s.nonce
}

// Current returns the last nonce handed out without incrementing.
func (s *NonceSource) Current() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// Reset restarts the sequence. After Reset, Next returns 1.
func (s *NonceSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce = 0
}
