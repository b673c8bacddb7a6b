package ratelimit

import (
	"sync"
)

// DefaultMaxPerAddr is the per-address ceiling used when none is configured.
const DefaultMaxPerAddr = 5

// ConnLimiter bounds concurrently open channels per network address. Entries
// are removed when their count drops to zero.
type ConnLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func NewConnLimiter(max int) *ConnLimiter {
	if max <= 0 {
		max = DefaultMaxPerAddr
	}
	return &ConnLimiter{max: max, counts: make(map[string]int)}
}

// Admit reserves a slot for addr. Every successful Admit must be paired with
// one Release.
func (l *ConnLimiter) Admit(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[addr] >= l.max {
		return false
	}
	l.counts[addr]++
	return true
}

func (l *ConnLimiter) Release(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.counts[addr]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.counts, addr)
		return
	}
	l.counts[addr] = n - 1
}

// Open returns the number of slots held by addr.
func (l *ConnLimiter) Open(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[addr]
}

// Tracked returns how many addresses currently hold slots.
func (l *ConnLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}
