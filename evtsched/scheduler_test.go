package evtsched

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleOrdersByTimeThenInsertion(t *testing.T) {
	sched := New()
	var fired []string
	record := func(label string) Action {
		return func() { fired = append(fired, label) }
	}

	_, err := sched.Schedule(2.0, record("c"))
	require.NoError(t, err)
	_, err = sched.Schedule(1.0, record("a"))
	require.NoError(t, err)
	_, err = sched.Schedule(1.0, record("b"))
	require.NoError(t, err)
	_, err = sched.Schedule(0.0, record("first"))
	require.NoError(t, err)

	require.NoError(t, sched.RunUntil(10))
	assert.Equal(t, []string{"first", "a", "b", "c"}, fired)
	assert.Equal(t, 4, sched.Fired())
	assert.Equal(t, 10.0, sched.Now())
}

func TestScheduleRejectsNegativeDelay(t *testing.T) {
	sched := New()
	h, err := sched.Schedule(-0.5, func() {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNegativeDelay))
	assert.False(t, h.Valid())
	assert.Equal(t, 0, sched.Pending())

	_, err = sched.Schedule(1, nil)
	assert.ErrorIs(t, err, ErrNilAction)
}

func TestRunUntilNeverFiresPastStop(t *testing.T) {
	sched := New()
	var times []float64
	for _, at := range []float64{0.5, 1.0, 1.5, 2.0, 2.5, 7} {
		at := at
		_, err := sched.ScheduleAt(at, func() { times = append(times, sched.Now()) })
		require.NoError(t, err)
	}

	require.NoError(t, sched.RunUntil(2.0))
	assert.Equal(t, []float64{0.5, 1.0, 1.5, 2.0}, times)
	assert.Equal(t, 0, sched.Pending(), "events past the stop time are discarded")
	assert.Equal(t, 2.0, sched.Now())
}

func TestActionsScheduleFurtherWork(t *testing.T) {
	sched := New()
	count := 0
	var tick Action
	tick = func() {
		count += 1
		_, err := sched.Schedule(1.0, tick)
		require.NoError(t, err)
	}
	_, err := sched.Schedule(0, tick)
	require.NoError(t, err)

	// one hundred thousand self-rescheduling steps run from the drive loop, not the stack
	require.NoError(t, sched.RunUntil(99999))
	assert.Equal(t, 100000, count)
}

func TestCancelRemovesExactlyOneEvent(t *testing.T) {
	sched := New()
	var fired []int
	handles := make([]Handle, 0)
	for idx := 0; idx < 5; idx++ {
		idx := idx
		h, err := sched.Schedule(float64(idx%2), func() { fired = append(fired, idx) })
		require.NoError(t, err)
		handles = append(handles, h)
	}

	assert.True(t, sched.Cancel(handles[2]))
	assert.False(t, sched.Cancel(handles[2]), "second cancel is a no-op")
	assert.False(t, sched.Cancel(Handle{}), "zero handle is a no-op")

	require.NoError(t, sched.RunUntil(5))
	assert.Equal(t, []int{0, 4, 1, 3}, fired)
	assert.Equal(t, 1, sched.Cancelled())

	// already fired
	assert.False(t, sched.Cancel(handles[0]))
}

func TestCancelFromInsideAction(t *testing.T) {
	sched := New()
	fired := false
	victim, err := sched.Schedule(2, func() { fired = true })
	require.NoError(t, err)
	_, err = sched.Schedule(1, func() { sched.Cancel(victim) })
	require.NoError(t, err)

	require.NoError(t, sched.RunUntil(3))
	assert.False(t, fired)
}

func TestRunOnlyOnce(t *testing.T) {
	sched := New()
	require.NoError(t, sched.RunUntil(1))
	assert.ErrorIs(t, sched.RunUntil(2), ErrAlreadyRun)

	_, err := sched.Schedule(1, func() {})
	assert.ErrorIs(t, err, ErrStopped)
	assert.True(t, sched.Done())
}

func TestStopFromAction(t *testing.T) {
	sched := New()
	count := 0
	for idx := 1; idx <= 5; idx++ {
		idx := idx
		_, err := sched.ScheduleAt(float64(idx), func() {
			count += 1
			if idx == 3 {
				sched.Stop()
			}
		})
		require.NoError(t, err)
	}
	require.NoError(t, sched.RunUntil(10))
	assert.Equal(t, 3, count)
	assert.Equal(t, 3.0, sched.Now())
}

func TestCurrentTimeTracksClock(t *testing.T) {
	sched := New()
	_, err := sched.ScheduleAt(1.25, func() {
		assert.InDelta(t, 1.25, sched.CurrentTime().Seconds(), 1e-9)
	})
	require.NoError(t, err)
	require.NoError(t, sched.RunUntil(2))
}

// replay schedules the same delays against a fresh scheduler and returns the
// order in which the actions were invoked
func replay(delays []uint8) []int {
	sched := New()
	order := make([]int, 0, len(delays))
	for idx, d := range delays {
		idx := idx
		// coarse delays force many ties
		if _, err := sched.Schedule(float64(d%8)*0.25, func() { order = append(order, idx) }); err != nil {
			panic(err)
		}
	}
	if err := sched.RunUntil(10); err != nil {
		panic(err)
	}
	return order
}

func TestSchedulerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("identical schedule sequences fire identically", prop.ForAll(
		func(delays []uint8) bool {
			first := replay(delays)
			second := replay(delays)
			if len(first) != len(second) {
				return false
			}
			for idx := range first {
				if first[idx] != second[idx] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("run never passes the stop time", prop.ForAll(
		func(delays []float64, stop float64) bool {
			sched := New()
			ok := true
			for _, d := range delays {
				if _, err := sched.Schedule(d, func() {
					if sched.Now() > stop {
						ok = false
					}
				}); err != nil {
					return false
				}
			}
			if err := sched.RunUntil(stop); err != nil {
				return false
			}
			return ok
		},
		gen.SliceOf(gen.Float64Range(0, 100)),
		gen.Float64Range(0, 100),
	))

	properties.Property("equal times keep insertion order", prop.ForAll(
		func(n int) bool {
			order := replay(make([]uint8, n))
			for idx := range order {
				if order[idx] != idx {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}
