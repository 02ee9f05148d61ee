package circuit

import (
	"container/heap"
	"sync"
	"time"
)

// timerHandle identifies one scheduled one-shot wake-up. The zero value
// denotes "no timer scheduled". Cancellation works by generation-count
// comparison rather than heap removal, mirroring the teacher's
// eventloop timer wheel: an entry popped whose generation no longer
// matches the live generation for its id is simply discarded.
type timerHandle struct {
	id  uint64
	gen uint64
}

type timerEntry struct {
	deadline time.Time
	seq      uint64 // tie-break for entries with an identical deadline
	id       uint64
	gen      uint64
	fire     func()
}

type timerHeapData []*timerEntry

func (h timerHeapData) Len() int { return len(h) }
func (h timerHeapData) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeapData) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeapData) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeapData) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerWheel is a min-heap-based time wheel driving one-shot wake-ups for
// FSM timed states. It owns a single background goroutine that sleeps
// until the next deadline (or forever, if empty) and fires entries whose
// generation is still current onto the circuit's single execution thread
// via the callback supplied to scheduleOnce.
type timerWheel struct {
	mu      sync.Mutex
	heap    timerHeapData
	nextID  uint64
	nextSeq uint64
	gen     map[uint64]uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newTimerWheel() *timerWheel {
	w := &timerWheel{
		gen:  make(map[uint64]uint64),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// scheduleOnce arranges for fire to be invoked after d elapses, returning
// a handle that can be passed to cancel.
func (w *timerWheel) scheduleOnce(d time.Duration, fire func()) timerHandle {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.nextSeq++
	w.gen[id] = 1
	entry := &timerEntry{
		deadline: time.Now().Add(d),
		seq:      w.nextSeq,
		id:       id,
		gen:      1,
		fire:     fire,
	}
	heap.Push(&w.heap, entry)
	w.mu.Unlock()
	w.poke()
	return timerHandle{id: id, gen: 1}
}

// cancel invalidates h. If the timer already fired, or h is the zero
// value, this is a harmless no-op.
func (w *timerWheel) cancel(h timerHandle) {
	if h.id == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen[h.id] == h.gen {
		w.gen[h.id]++
	}
}

func (w *timerWheel) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *timerWheel) close() {
	close(w.stop)
	<-w.done
}

func (w *timerWheel) run() {
	defer close(w.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		w.mu.Lock()
		var wait time.Duration
		if w.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(w.heap[0].deadline)
			if wait < 0 {
				wait = 0
			}
		}
		w.mu.Unlock()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-w.stop:
			return
		case <-w.wake:
			continue
		case <-timer.C:
			w.fireDue()
		}
	}
}

func (w *timerWheel) fireDue() {
	now := time.Now()
	for {
		w.mu.Lock()
		if w.heap.Len() == 0 || w.heap[0].deadline.After(now) {
			w.mu.Unlock()
			return
		}
		entry := heap.Pop(&w.heap).(*timerEntry)
		live := w.gen[entry.id] == entry.gen
		delete(w.gen, entry.id)
		w.mu.Unlock()
		if live && entry.fire != nil {
			entry.fire()
		}
	}
}
