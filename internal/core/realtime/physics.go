package realtime

import "math"

// Simulation constants shared with the server. Changing any of these without
// changing the server breaks prediction accuracy.
const (
	ThrustAccel    = 500.0
	MaxSpeed       = 300.0
	RotationSpeed  = 4.0 // radians per second
	Friction       = 0.98
	WorldWidth     = 800.0
	WorldHeight    = 600.0
	SimulationStep = 1.0 / 60.0
)

// ApplyFunc applies one input command to an entity over a fixed timestep.
type ApplyFunc func(e *Entity, cmd InputCommand, dt float64)

// ApplyInput is the standard movement rule: thrust along the current
// heading with a speed clamp, or rotate at a fixed angular rate. Discrete
// inputs such as fire have no client-visible physics effect.
func ApplyInput(e *Entity, cmd InputCommand, dt float64) {
	switch cmd.Kind {
	case InputMove:
		dir := 1.0
		if cmd.Direction == DirectionBackward {
			dir = -1.0
		}
		thrust := ThrustAccel * dt * dir
		e.Velocity.X += math.Cos(e.Rotation) * thrust
		e.Velocity.Y += math.Sin(e.Rotation) * thrust
		if speed := e.Velocity.Len(); speed > MaxSpeed {
			e.Velocity = e.Velocity.Scale(MaxSpeed / speed)
		}
	case InputRotate:
		delta := RotationSpeed * dt
		if cmd.Direction == DirectionLeft {
			e.Rotation -= delta
		} else {
			e.Rotation += delta
		}
		e.Rotation = NormalizeAngle(e.Rotation)
	case InputFire:
		// Projectiles are resolved by the server.
	}
}

// Step integrates continuous motion for one frame: friction, position
// advance, world wrap. Called every render tick, not just on input.
func Step(e *Entity, dt float64) {
	e.Velocity.X *= Friction
	e.Velocity.Y *= Friction
	e.Position.X = wrap(e.Position.X+e.Velocity.X*dt, WorldWidth)
	e.Position.Y = wrap(e.Position.Y+e.Velocity.Y*dt, WorldHeight)
}

// NormalizeAngle maps an angle into [0, 2π).
func NormalizeAngle(a float64) float64 {
	return wrap(a, 2*math.Pi)
}

func wrap(v, bound float64) float64 {
	return math.Mod(math.Mod(v, bound)+bound, bound)
}

// Lerp linearly interpolates between a and b with t clamped to [0, 1].
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*clamp01(t)
}

// LerpAngle interpolates between two angles along the shortest arc, so an
// entity crossing the ±π boundary does not spin the long way around.
func LerpAngle(a, b, t float64) float64 {
	diff := b - a
	for diff > math.Pi {
		diff -= 2 * math.Pi
	}
	for diff < -math.Pi {
		diff += 2 * math.Pi
	}
	return a + diff*clamp01(t)
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
