package mobility

// mobility.go holds the per-entity position and velocity state used by the
// channel models.  Positions are not stepped forward by events; they are
// extrapolated at query time from the last update, so an entity moving at
// constant velocity costs nothing between queries.

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrUnknownEntity is returned when no mobility state is held for an id
	ErrUnknownEntity = errors.New("mobility: unknown entity")

	// ErrPastQuery is returned when a position is requested for a time before the last update
	ErrPastQuery = errors.New("mobility: query time precedes last update")

	// ErrDuplicateEntity is returned by Add when the id is already present
	ErrDuplicateEntity = errors.New("mobility: entity already present")
)

// Vec3 is a cartesian vector, in metres (positions) or metres/sec (velocities)
type Vec3 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Add returns v + other
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns v - other
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Scale returns v*s
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Norm returns the Euclidean norm of the vector
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// DistanceTo returns the straight-line distance between two points
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Clock gives the engine the current virtual time
type Clock interface {
	Now() float64
}

// PositionSource is what channel models need from mobility
type PositionSource interface {
	PositionAt(id string, t float64) (Vec3, error)
}

// State is the mobility state of one entity.  Between updates the entity
// moves in a straight line at Velocity.
type State struct {
	Position   Vec3    `json:"position" yaml:"position"`
	Velocity   Vec3    `json:"velocity" yaml:"velocity"`
	LastUpdate float64 `json:"lastupdate" yaml:"lastupdate"`
}

// at extrapolates the state to time t
func (ms State) at(t float64) Vec3 {
	return ms.Position.Add(ms.Velocity.Scale(t - ms.LastUpdate))
}

// Engine holds the mobility state of every entity in a simulation
type Engine struct {
	clock  Clock
	states map[string]*State
}

// CreateEngine is a constructor
func CreateEngine(clock Clock) *Engine {
	me := new(Engine)
	me.clock = clock
	me.states = make(map[string]*State)
	return me
}

// Add gives the named entity an initial position and velocity at the current time.
// A fixed entity is one added with the zero velocity.
func (me *Engine) Add(id string, pos, vel Vec3) error {
	if _, present := me.states[id]; present {
		return fmt.Errorf("%w: %s", ErrDuplicateEntity, id)
	}
	me.states[id] = &State{Position: pos, Velocity: vel, LastUpdate: me.clock.Now()}
	return nil
}

// SetPosition moves the entity to pos at the current time, keeping its velocity
func (me *Engine) SetPosition(id string, pos Vec3) error {
	ms, present := me.states[id]
	if !present {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	ms.Position = pos
	ms.LastUpdate = me.clock.Now()
	return nil
}

// SetVelocity changes the entity's velocity from the current time on.
// The position is first brought up to now so that motion before the change is kept.
func (me *Engine) SetVelocity(id string, vel Vec3) error {
	ms, present := me.states[id]
	if !present {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	now := me.clock.Now()
	ms.Position = ms.at(now)
	ms.Velocity = vel
	ms.LastUpdate = now
	return nil
}

// PositionAt returns the position of the entity at time t, which may not precede
// the entity's last update
func (me *Engine) PositionAt(id string, t float64) (Vec3, error) {
	ms, present := me.states[id]
	if !present {
		return Vec3{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if t < ms.LastUpdate {
		return Vec3{}, fmt.Errorf("%w: %s at %g, last update %g", ErrPastQuery, id, t, ms.LastUpdate)
	}
	return ms.at(t), nil
}

// Position returns the entity's position at the current time
func (me *Engine) Position(id string) (Vec3, error) {
	return me.PositionAt(id, me.clock.Now())
}

// VelocityOf returns the entity's current velocity
func (me *Engine) VelocityOf(id string) (Vec3, error) {
	ms, present := me.states[id]
	if !present {
		return Vec3{}, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	return ms.Velocity, nil
}

// StateOf returns a copy of the entity's mobility state
func (me *Engine) StateOf(id string) (State, bool) {
	ms, present := me.states[id]
	if !present {
		return State{}, false
	}
	return *ms, true
}

// Distance returns the separation of two entities at time t
func (me *Engine) Distance(idA, idB string, t float64) (float64, error) {
	posA, err := me.PositionAt(idA, t)
	if err != nil {
		return 0, err
	}
	posB, err := me.PositionAt(idB, t)
	if err != nil {
		return 0, err
	}
	return posA.DistanceTo(posB), nil
}

// Entities lists the ids held by the engine, sorted
func (me *Engine) Entities() []string {
	ids := make([]string, 0, len(me.states))
	for id := range me.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
