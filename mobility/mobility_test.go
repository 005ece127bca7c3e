package mobility

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock lets tests move time by hand
type manualClock struct {
	now float64
}

func (mc *manualClock) Now() float64 { return mc.now }

func TestFixedEntityStaysPut(t *testing.T) {
	clock := &manualClock{}
	me := CreateEngine(clock)
	require.NoError(t, me.Add("enb", Vec3{X: 10, Y: 20}, Vec3{}))

	for _, tm := range []float64{0, 1, 100, 1e6} {
		pos, err := me.PositionAt("enb", tm)
		require.NoError(t, err)
		assert.Equal(t, Vec3{X: 10, Y: 20}, pos)
	}
}

func TestConstantVelocity(t *testing.T) {
	clock := &manualClock{}
	me := CreateEngine(clock)
	require.NoError(t, me.Add("ue", Vec3{}, Vec3{X: 3}))

	pos, err := me.PositionAt("ue", 20)
	require.NoError(t, err)
	assert.InDelta(t, 60.0, pos.X, 1e-12)

	dist, err := me.Distance("ue", "ue", 5)
	require.NoError(t, err)
	assert.Zero(t, dist)
}

func TestSetVelocityRebases(t *testing.T) {
	clock := &manualClock{}
	me := CreateEngine(clock)
	require.NoError(t, me.Add("ue", Vec3{}, Vec3{X: 2}))

	clock.now = 5
	require.NoError(t, me.SetVelocity("ue", Vec3{Y: 1}))

	pos, err := me.PositionAt("ue", 7)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, pos.X, 1e-12)
	assert.InDelta(t, 2.0, pos.Y, 1e-12)

	_, err = me.PositionAt("ue", 4)
	assert.ErrorIs(t, err, ErrPastQuery)

	state, ok := me.StateOf("ue")
	require.True(t, ok)
	assert.Equal(t, 5.0, state.LastUpdate)
}

func TestUnknownEntity(t *testing.T) {
	me := CreateEngine(&manualClock{})
	_, err := me.PositionAt("ghost", 0)
	assert.ErrorIs(t, err, ErrUnknownEntity)
	assert.ErrorIs(t, me.SetPosition("ghost", Vec3{}), ErrUnknownEntity)
	assert.ErrorIs(t, me.SetVelocity("ghost", Vec3{}), ErrUnknownEntity)

	require.NoError(t, me.Add("a", Vec3{}, Vec3{}))
	assert.ErrorIs(t, me.Add("a", Vec3{}, Vec3{}), ErrDuplicateEntity)
	assert.Equal(t, []string{"a"}, me.Entities())
}

func TestLinearMotionLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	coord := gen.Float64Range(-1e4, 1e4)

	properties.Property("position_at(t) == p0 + v*(t-t0)", prop.ForAll(
		func(px, py, vx, vy, t0, dt float64) bool {
			clock := &manualClock{now: t0}
			me := CreateEngine(clock)
			if err := me.Add("e", Vec3{X: px, Y: py}, Vec3{X: vx, Y: vy}); err != nil {
				return false
			}
			pos, err := me.PositionAt("e", t0+dt)
			if err != nil {
				return false
			}
			wantX := px + vx*dt
			wantY := py + vy*dt
			return math.Abs(pos.X-wantX) < 1e-6 && math.Abs(pos.Y-wantY) < 1e-6 && pos.Z == 0
		},
		coord, coord,
		gen.Float64Range(-100, 100), gen.Float64Range(-100, 100),
		gen.Float64Range(0, 1000), gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}
