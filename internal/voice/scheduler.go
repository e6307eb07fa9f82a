package voice

import (
	"sync"
	"time"
)

// scheduler tracks the delayed tasks of one session so they can all be
// canceled when the session ends.
type scheduler struct {
	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[*time.Timer]struct{})}
}

// after runs fn once d has elapsed unless the scheduler is stopped first.
func (s *scheduler) after(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, t)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	s.timers[t] = struct{}{}
	return true
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
}
