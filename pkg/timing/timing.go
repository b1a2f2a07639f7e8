// Package timing provides the cooperative timer service that drives SIP
// retransmission, ICE pacing and registration refresh. Callbacks fire only
// from Fire, on the calling goroutine.
package timing

import (
	"container/heap"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// MockClock is a manually advanced clock for tests.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMockClock() *MockClock {
	return &MockClock{now: time.Unix(1136239445, 0)}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Elapse advances the clock. It does not fire timers; call Service.Fire after.
func (c *MockClock) Elapse(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// ID identifies a started timer. The zero ID is never issued.
type ID uint64

type timer struct {
	id       ID
	deadline time.Time
	seq      uint64 // insertion order, ties broken first-started-first-fired
	fn       func()
	index    int
	stopped  bool
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Service is a deadline-ordered timer queue. It is not goroutine-safe:
// ownership belongs to the loop that calls Fire.
type Service struct {
	clock   Clock
	heap    timerHeap
	byID    map[ID]*timer
	nextID  ID
	nextSeq uint64
}

func NewService(clock Clock) *Service {
	if clock == nil {
		clock = SystemClock()
	}
	return &Service{
		clock: clock,
		byID:  make(map[ID]*timer),
	}
}

func (s *Service) Clock() Clock { return s.clock }

// Start schedules fn to run once after d. Timers started from inside a
// callback fire no earlier than the next Fire.
func (s *Service) Start(d time.Duration, fn func()) ID {
	s.nextID++
	s.nextSeq++
	t := &timer{
		id:       s.nextID,
		deadline: s.clock.Now().Add(d),
		seq:      s.nextSeq,
		fn:       fn,
	}
	heap.Push(&s.heap, t)
	s.byID[t.id] = t
	return t.id
}

// Stop cancels a timer. A stopped timer never fires.
func (s *Service) Stop(id ID) bool {
	t, ok := s.byID[id]
	if !ok || t.stopped {
		return false
	}
	t.stopped = true
	delete(s.byID, id)
	if t.index >= 0 {
		heap.Remove(&s.heap, t.index)
	}
	return true
}

// Reset reschedules an existing timer, keeping its callback.
// Returns false if the timer already fired or was stopped.
func (s *Service) Reset(id ID, d time.Duration) bool {
	t, ok := s.byID[id]
	if !ok || t.stopped {
		return false
	}
	t.deadline = s.clock.Now().Add(d)
	s.nextSeq++
	t.seq = s.nextSeq
	heap.Fix(&s.heap, t.index)
	return true
}

// Fire runs every callback whose deadline has passed and returns how many
// ran. Callbacks run synchronously in deadline order (insertion order on
// ties). A timer started during Fire is not run in the same call.
func (s *Service) Fire() int {
	now := s.clock.Now()
	barrier := s.nextSeq
	fired := 0
	for len(s.heap) > 0 {
		head := s.heap[0]
		if head.deadline.After(now) || head.seq > barrier {
			break
		}
		heap.Pop(&s.heap)
		delete(s.byID, head.id)
		if !head.stopped {
			head.fn()
			fired++
		}
	}
	return fired
}

// Until reports the duration until the earliest pending deadline.
// ok is false when no timer is pending.
func (s *Service) Until() (d time.Duration, ok bool) {
	if len(s.heap) == 0 {
		return 0, false
	}
	d = s.heap[0].deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len reports the number of pending timers.
func (s *Service) Len() int { return len(s.heap) }
