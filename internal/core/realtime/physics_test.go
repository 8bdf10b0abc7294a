package realtime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLerpEndpoints(t *testing.T) {
	assert.Equal(t, 10.0, Lerp(10, 20, 0))
	assert.Equal(t, 20.0, Lerp(10, 20, 1))
	assert.Equal(t, 15.0, Lerp(10, 20, 0.5))

	// t is clamped, never extrapolated.
	assert.Equal(t, 10.0, Lerp(10, 20, -3))
	assert.Equal(t, 20.0, Lerp(10, 20, 7))
}

func TestLerpAngleEndpoints(t *testing.T) {
	assert.InDelta(t, 1.0, LerpAngle(1.0, 2.0, 0), 1e-9)
	assert.InDelta(t, 2.0, LerpAngle(1.0, 2.0, 1), 1e-9)
}

func TestLerpAngleShortestArc(t *testing.T) {
	// 3.0 to -3.0 is 0.28 radians the short way, through the pi boundary.
	mid := LerpAngle(3.0, -3.0, 0.5)
	assert.InDelta(t, math.Pi, mid, 1e-6)

	// The long way would have passed through zero.
	assert.Greater(t, mid, 3.0)
}

func TestThrustRespectsHeadingAndSpeedClamp(t *testing.T) {
	e := Entity{Rotation: 0}
	cmd := InputCommand{Kind: InputMove, Direction: DirectionForward}

	ApplyInput(&e, cmd, SimulationStep)
	assert.InDelta(t, ThrustAccel*SimulationStep, e.Velocity.X, 1e-9)
	assert.InDelta(t, 0, e.Velocity.Y, 1e-9)

	// Enough thrust pulses to exceed the cap; speed never passes MaxSpeed.
	for i := 0; i < 200; i++ {
		ApplyInput(&e, cmd, SimulationStep)
	}
	assert.InDelta(t, MaxSpeed, e.Velocity.Len(), 1e-6)
}

func TestBackwardThrustReversesDirection(t *testing.T) {
	e := Entity{Rotation: 0}
	ApplyInput(&e, InputCommand{Kind: InputMove, Direction: DirectionBackward}, SimulationStep)
	assert.Negative(t, e.Velocity.X)
}

func TestRotationNormalized(t *testing.T) {
	e := Entity{}
	left := InputCommand{Kind: InputRotate, Direction: DirectionLeft}
	ApplyInput(&e, left, SimulationStep)

	// Rotating left from zero wraps into [0, 2*pi).
	assert.InDelta(t, 2*math.Pi-RotationSpeed*SimulationStep, e.Rotation, 1e-9)

	right := InputCommand{Kind: InputRotate, Direction: DirectionRight}
	ApplyInput(&e, right, SimulationStep)
	assert.InDelta(t, 0, e.Rotation, 1e-9)
}

func TestStepAppliesFrictionAndWraps(t *testing.T) {
	e := Entity{
		Position: Vec2{X: WorldWidth - 1, Y: WorldHeight - 1},
		Velocity: Vec2{X: 100, Y: 100},
	}
	Step(&e, 1.0)

	assert.InDelta(t, 98.0, e.Velocity.X, 1e-9)
	assert.InDelta(t, 98.0, e.Velocity.Y, 1e-9)

	// Position crossed the bounds and wrapped.
	assert.InDelta(t, math.Mod(WorldWidth-1+98, WorldWidth), e.Position.X, 1e-9)
	assert.InDelta(t, math.Mod(WorldHeight-1+98, WorldHeight), e.Position.Y, 1e-9)
}

func TestFireHasNoPhysicsEffect(t *testing.T) {
	e := Entity{Position: Vec2{X: 10, Y: 10}, Velocity: Vec2{X: 1, Y: 1}, Rotation: 1}
	before := e
	ApplyInput(&e, InputCommand{Kind: InputFire}, SimulationStep)
	assert.Equal(t, before, e)
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 5.0, Distance(Vec2{X: 0, Y: 0}, Vec2{X: 3, Y: 4}), 1e-9)
}
