package runtime

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/HerbHall/fruwatch/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ plugin.Scheduler = (*Scheduler)(nil)

// Scheduler fires module ticks from a single goroutine. Pending ticks are kept
// in a min-heap ordered by fire time, then priority (higher first), then
// insertion order. Firing only hands a trigger to the module, so a slow
// module never delays another.
type Scheduler struct {
	mu      sync.Mutex
	pending tickHeap
	byTick  map[plugin.Tickable]*tick
	seq     uint64
	wake    chan struct{}
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type tick struct {
	target plugin.Tickable
	at     time.Time
	prio   int
	seq    uint64
	index  int
}

type tickHeap []*tick

func (h tickHeap) Len() int { return len(h) }

func (h tickHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if a.prio != b.prio {
		return a.prio > b.prio
	}
	return a.seq < b.seq
}

func (h tickHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *tickHeap) Push(x any) {
	t := x.(*tick)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *tickHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// NewScheduler creates a stopped scheduler. Ticks may be scheduled before
// Start; they fire once it runs.
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		byTick: make(map[plugin.Tickable]*tick),
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Schedule sets the pending tick for t to at, replacing any earlier one.
// A zero at means as soon as possible.
func (s *Scheduler) Schedule(t plugin.Tickable, at time.Time) {
	s.mu.Lock()
	s.seq++
	if existing, ok := s.byTick[t]; ok {
		existing.at = at
		existing.seq = s.seq
		heap.Fix(&s.pending, existing.index)
	} else {
		tk := &tick{target: t, at: at, prio: t.Priority(), seq: s.seq}
		heap.Push(&s.pending, tk)
		s.byTick[t] = tk
	}
	s.mu.Unlock()
	s.poke()
}

// Cancel drops the pending tick for t, if any.
func (s *Scheduler) Cancel(t plugin.Tickable) {
	s.mu.Lock()
	if existing, ok := s.byTick[t]; ok {
		heap.Remove(&s.pending, existing.index)
		delete(s.byTick, t)
	}
	s.mu.Unlock()
	s.poke()
}

// Pending returns the number of scheduled ticks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop ends the dispatch loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := s.next(time.Now())
		for _, t := range due {
			t.Fire()
		}
		if len(due) > 0 {
			continue
		}

		if wait < 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// next pops every tick due at now in heap order. When nothing is due it
// returns the delay until the earliest pending tick, or -1 if none.
func (s *Scheduler) next(now time.Time) ([]plugin.Tickable, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []plugin.Tickable
	for s.pending.Len() > 0 {
		head := s.pending[0]
		if head.at.After(now) {
			break
		}
		heap.Pop(&s.pending)
		delete(s.byTick, head.target)
		due = append(due, head.target)
	}
	if len(due) > 0 {
		return due, 0
	}
	if s.pending.Len() == 0 {
		return nil, -1
	}
	return nil, s.pending[0].at.Sub(now)
}
