// Package realtime implements client-side prediction, reconciliation and
// time-delayed interpolation for entities simulated by a remote authority.
// The movement rules here must stay in lockstep with the server simulation.
package realtime

import "math"

// Vec2 is a 2D vector in world units.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{X: v.X + o.X, Y: v.Y + o.Y}
}

func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{X: v.X * s, Y: v.Y * s}
}

func (v Vec2) Len() float64 {
	return math.Hypot(v.X, v.Y)
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Vec2) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Entity is one simulated participant as carried in authoritative snapshots.
// LastInputSequence is the highest input sequence the server has applied for
// this entity, used to decide which local inputs still need replay.
type Entity struct {
	ID                string  `json:"id"`
	Position          Vec2    `json:"position"`
	Velocity          Vec2    `json:"velocity"`
	Rotation          float64 `json:"rotation"`
	LastInputSequence uint64  `json:"lastInputSequence"`
}

// WorldSnapshot is one authoritative world state pushed by the server.
type WorldSnapshot struct {
	Entities  []Entity `json:"entities"`
	Timestamp int64    `json:"timestamp"`
}

// Entity returns the entity with the given id, if present.
func (s WorldSnapshot) Entity(id string) (Entity, bool) {
	for _, e := range s.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// InputKind distinguishes continuous inputs, which coalesce per flush
// interval, from discrete ones which are sent the moment they happen.
type InputKind string

const (
	InputMove   InputKind = "move"
	InputRotate InputKind = "rotate"
	InputFire   InputKind = "fire"
)

// Direction qualifies a continuous input.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionLeft     Direction = "left"
	DirectionRight    Direction = "right"
)

// InputCommand is one user input as sent to the server and kept in the
// replay history. Sequence is strictly increasing per client session.
type InputCommand struct {
	Kind      InputKind `json:"kind"`
	Direction Direction `json:"direction,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
}
