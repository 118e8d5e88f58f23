package scheduler

import "container/heap"

// Task is the body of a timer. now is the time RunDue was called with.
type Task func(now int64)

// Scheduler is a named set of one-shot and fixed-rate timers.
//
// Usage:
//
//	s := scheduler.New()
//	s.ScheduleAtFixedRate("job-deadlines", now+1000, 1000, checkDeadlines)
//
//	for {
//	    due, ok := s.NextDue()
//	    // ... wait for a record or until due ...
//	    s.RunDue(clock.Millis(c))
//	}
//
// A Scheduler is NOT safe for concurrent use; it belongs to one loop.
type Scheduler struct {
	h      minHeap
	byName map[string]*item
	seq    uint64

	// running is the item whose task is executing, so that the task can
	// cancel its own fixed-rate timer.
	running *item
}

// New creates an empty Scheduler.
func New() *Scheduler {
	h := make(minHeap, 0, 8)
	heap.Init(&h)
	return &Scheduler{h: h, byName: make(map[string]*item)}
}

// Schedule runs task once at dueAt. Scheduling a name that is already
// pending replaces the old entry.
func (s *Scheduler) Schedule(name string, dueAt int64, task Task) {
	s.push(name, dueAt, 0, task)
}

// ScheduleAtFixedRate runs task at firstDueAt and then every interval ms.
// If the loop falls behind, missed runs are coalesced into one.
func (s *Scheduler) ScheduleAtFixedRate(name string, firstDueAt, interval int64, task Task) {
	if interval <= 0 {
		interval = 1
	}
	s.push(name, firstDueAt, interval, task)
}

func (s *Scheduler) push(name string, dueAt, interval int64, task Task) {
	if prev, ok := s.byName[name]; ok {
		s.h.remove(prev.heapIdx)
	}
	s.seq++
	it := &item{name: name, dueAt: dueAt, interval: interval, task: task, seq: s.seq}
	heap.Push(&s.h, it)
	s.byName[name] = it
}

// Cancel removes the named timer. It reports whether a timer was pending.
func (s *Scheduler) Cancel(name string) bool {
	if s.running != nil && s.running.name == name && !s.running.cancelled {
		s.running.cancelled = true
		return true
	}
	it, ok := s.byName[name]
	if !ok {
		return false
	}
	s.h.remove(it.heapIdx)
	delete(s.byName, name)
	return true
}

// NextDue returns the due time of the earliest timer.
func (s *Scheduler) NextDue() (int64, bool) {
	if len(s.h) == 0 {
		return 0, false
	}
	return s.h[0].dueAt, true
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int { return len(s.h) }

// RunDue pops and runs every timer due at or before now, in due order, and
// returns how many ran. Fixed-rate timers are re-armed after they run unless
// the task replaced or cancelled them.
func (s *Scheduler) RunDue(now int64) int {
	ran := 0
	for len(s.h) > 0 && s.h[0].dueAt <= now {
		it := heap.Pop(&s.h).(*item)
		delete(s.byName, it.name)

		s.running = it
		it.task(now)
		s.running = nil
		ran++

		if it.interval > 0 && !it.cancelled {
			if _, replaced := s.byName[it.name]; replaced {
				continue
			}
			next := it.dueAt + it.interval
			if next <= now {
				next = now + it.interval
			}
			s.seq++
			it.dueAt, it.seq = next, s.seq
			heap.Push(&s.h, it)
			s.byName[it.name] = it
		}
	}
	return ran
}
