package evtsched

// scheduler.go holds the virtual-time event queue that drives a simulation.
// Every other component schedules its work against a Scheduler, which is
// constructed explicitly and handed to each component at setup, so that
// several independent simulations may live in one process.

import (
	"container/heap"
	"errors"
	"fmt"
	"math"

	"github.com/iti/evt/vrtime"
)

var (
	// ErrNegativeDelay is returned when an event would be placed before the current time
	ErrNegativeDelay = errors.New("evtsched: negative scheduling delay")

	// ErrNilAction is returned when Schedule is called without an action
	ErrNilAction = errors.New("evtsched: nil action")

	// ErrAlreadyRun is returned by a second call to RunUntil
	ErrAlreadyRun = errors.New("evtsched: scheduler has already run")

	// ErrStopped is returned when scheduling against a scheduler whose run has ended
	ErrStopped = errors.New("evtsched: scheduler has stopped")
)

// Action is the work an event performs when it fires
type Action func()

// Handle identifies a scheduled event so that it can be cancelled.
// The zero Handle refers to no event.
type Handle struct {
	seq uint64
}

// Valid reports whether the handle was returned by a successful Schedule call
func (h Handle) Valid() bool {
	return h.seq != 0
}

// Seq returns the sequence number given to the event at scheduling time
func (h Handle) Seq() uint64 {
	return h.seq
}

// Schedulable is the capability components need from the simulation clock
type Schedulable interface {
	Now() float64
	CurrentTime() vrtime.Time
	Schedule(delay float64, action Action) (Handle, error)
	ScheduleAt(at float64, action Action) (Handle, error)
	Cancel(h Handle) bool
}

// event is the record kept in the queue
type event struct {
	at     float64
	seq    uint64
	action Action
	index  int // position in the heap, -1 once popped or removed
}

// eventQueue orders events by (at, seq) and implements heap.Interface
type eventQueue []*event

func (eq eventQueue) Len() int { return len(eq) }

func (eq eventQueue) Less(i, j int) bool {
	if eq[i].at == eq[j].at {
		return eq[i].seq < eq[j].seq
	}
	return eq[i].at < eq[j].at
}

func (eq eventQueue) Swap(i, j int) {
	eq[i], eq[j] = eq[j], eq[i]
	eq[i].index = i
	eq[j].index = j
}

func (eq *eventQueue) Push(x any) {
	evt := x.(*event)
	evt.index = len(*eq)
	*eq = append(*eq, evt)
}

func (eq *eventQueue) Pop() any {
	old := *eq
	n := len(old)
	evt := old[n-1]
	old[n-1] = nil
	evt.index = -1
	*eq = old[:n-1]
	return evt
}

// Scheduler is a single-threaded virtual-time event queue
type Scheduler struct {
	now       float64
	nxtSeq    uint64
	queue     eventQueue
	pending   map[uint64]*event // events not yet fired, indexed by seq
	fired     int
	cancelled int
	running   bool
	ran       bool
	halt      bool
}

// New is a constructor
func New() *Scheduler {
	sched := new(Scheduler)
	sched.queue = make(eventQueue, 0)
	sched.pending = make(map[uint64]*event)
	heap.Init(&sched.queue)
	return sched
}

// Now returns the current virtual time in seconds
func (sched *Scheduler) Now() float64 {
	return sched.now
}

// CurrentTime returns the current virtual time as a vrtime.Time
func (sched *Scheduler) CurrentTime() vrtime.Time {
	return vrtime.SecondsToTime(sched.now)
}

// Schedule places action at the current time plus delay (in seconds)
func (sched *Scheduler) Schedule(delay float64, action Action) (Handle, error) {
	if math.IsNaN(delay) || delay < 0 {
		return Handle{}, fmt.Errorf("%w: %g", ErrNegativeDelay, delay)
	}
	return sched.insert(roundFloat(sched.now+delay, rdigits), action)
}

// ScheduleAt places action at the absolute virtual time at
func (sched *Scheduler) ScheduleAt(at float64, action Action) (Handle, error) {
	if math.IsNaN(at) || at < sched.now {
		return Handle{}, fmt.Errorf("%w: time %g is before now %g", ErrNegativeDelay, at, sched.now)
	}
	return sched.insert(roundFloat(at, rdigits), action)
}

func (sched *Scheduler) insert(at float64, action Action) (Handle, error) {
	if action == nil {
		return Handle{}, ErrNilAction
	}
	if sched.ran && !sched.running {
		return Handle{}, ErrStopped
	}

	sched.nxtSeq += 1
	evt := &event{at: at, seq: sched.nxtSeq, action: action}
	heap.Push(&sched.queue, evt)
	sched.pending[evt.seq] = evt
	return Handle{seq: evt.seq}, nil
}

// Cancel removes a pending event. It returns false, doing nothing, if the event
// has already fired or been cancelled.
func (sched *Scheduler) Cancel(h Handle) bool {
	evt, present := sched.pending[h.seq]
	if !present {
		return false
	}
	delete(sched.pending, h.seq)
	if evt.index >= 0 {
		heap.Remove(&sched.queue, evt.index)
	}
	sched.cancelled += 1
	return true
}

// Stop ends an ongoing run once the executing action returns.
// Events still pending are discarded as if the stop time had been reached.
func (sched *Scheduler) Stop() {
	sched.halt = true
}

// RunUntil fires events in (time, seq) order until the queue is empty or the next
// event lies beyond stop.  Events left over are discarded and the clock is left at stop.
// A Scheduler runs once.
func (sched *Scheduler) RunUntil(stop float64) error {
	if sched.ran {
		return ErrAlreadyRun
	}
	if math.IsNaN(stop) || stop < sched.now {
		return fmt.Errorf("%w: stop time %g is before now %g", ErrNegativeDelay, stop, sched.now)
	}
	sched.ran = true
	sched.running = true
	defer func() { sched.running = false }()

	for sched.queue.Len() > 0 && !sched.halt {
		// peek; the minimum sits at the root of the heap
		if sched.queue[0].at > stop {
			break
		}
		evt := heap.Pop(&sched.queue).(*event)
		delete(sched.pending, evt.seq)

		sched.now = evt.at
		sched.fired += 1
		evt.action()
	}

	// whatever remains is past the horizon
	for sched.queue.Len() > 0 {
		evt := heap.Pop(&sched.queue).(*event)
		delete(sched.pending, evt.seq)
	}

	if !sched.halt && sched.now < stop {
		sched.now = stop
	}
	return nil
}

// Fired returns the number of events whose action has been invoked
func (sched *Scheduler) Fired() int {
	return sched.fired
}

// Pending returns the number of events waiting in the queue
func (sched *Scheduler) Pending() int {
	return sched.queue.Len()
}

// Cancelled returns the number of events removed through Cancel
func (sched *Scheduler) Cancelled() int {
	return sched.cancelled
}

// Done reports whether the scheduler's single run has completed
func (sched *Scheduler) Done() bool {
	return sched.ran && !sched.running
}

var rdigits uint = 15

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
