package scheduler

import "sync/atomic"

// kindSemaphore is a channel-based semaphore with pre-filled tokens, one per
// reminder kind.
type kindSemaphore struct {
	ch    chan struct{}
	inUse atomic.Int64
}

func newKindSemaphore(limit int) *kindSemaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &kindSemaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *kindSemaphore) limit() int { return cap(s.ch) }

func (s *kindSemaphore) tryAcquire() bool {
	select {
	case <-s.ch:
		s.inUse.Add(1)
		return true
	default:
		return false
	}
}

// reserve takes up to n free tokens without blocking and returns how many.
func (s *kindSemaphore) reserve(n int) int {
	got := 0
	for got < n && s.tryAcquire() {
		got++
	}
	return got
}

func (s *kindSemaphore) release() {
	// Never block on release.
	select {
	case s.ch <- struct{}{}:
		s.inUse.Add(-1)
	default:
	}
}

func (s *kindSemaphore) releaseN(n int) {
	for i := 0; i < n; i++ {
		s.release()
	}
}
