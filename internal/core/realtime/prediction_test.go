package realtime

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nudgeApply moves the entity one unit along X per input, which keeps the
// replay arithmetic exact.
func nudgeApply(e *Entity, cmd InputCommand, dt float64) {
	e.Position.X++
}

func TestFlushCoalescesContinuousInputs(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	p.Bind(Entity{ID: "me"})

	// Holding a key re-registers the same kind many times per interval.
	for i := 0; i < 5; i++ {
		p.Press(InputMove, DirectionForward)
		p.Press(InputRotate, DirectionLeft)
	}

	batch := p.Flush()
	require.Len(t, batch, 2)
	assert.Equal(t, InputMove, batch[0].Kind)
	assert.Equal(t, InputRotate, batch[1].Kind)
	assert.Equal(t, uint64(1), batch[0].Sequence)
	assert.Equal(t, uint64(2), batch[1].Sequence)
}

func TestFlushAppliesLocallyBeforeConfirmation(t *testing.T) {
	config := DefaultPredictorConfig()
	config.Apply = nudgeApply
	p := NewPredictor(config)
	p.Bind(Entity{ID: "me", Position: Vec2{X: 100, Y: 100}})

	p.Press(InputMove, DirectionForward)
	p.Flush()

	e, ok := p.Entity()
	require.True(t, ok)
	assert.Equal(t, 101.0, e.Position.X)
}

func TestReleaseStopsFlushing(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	p.Bind(Entity{ID: "me"})

	p.Press(InputMove, DirectionForward)
	p.Release(InputMove)
	assert.Empty(t, p.Flush())
}

func TestFireIsImmediateAndRecorded(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	p.Bind(Entity{ID: "me"})

	cmd, ok := p.Fire()
	require.True(t, ok)
	assert.Equal(t, InputFire, cmd.Kind)
	assert.Equal(t, uint64(1), cmd.Sequence)
	assert.NotZero(t, cmd.Timestamp)

	// Flushing afterwards continues the sequence.
	p.Press(InputMove, DirectionForward)
	batch := p.Flush()
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(2), batch[0].Sequence)
}

func TestUnboundPredictorDropsInputs(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	p.Press(InputMove, DirectionForward)
	assert.Empty(t, p.Flush())

	_, ok := p.Fire()
	assert.False(t, ok)

	_, bound := p.Entity()
	assert.False(t, bound)
}

func TestHistoryIsBounded(t *testing.T) {
	config := DefaultPredictorConfig()
	config.HistorySize = 4
	config.Apply = nudgeApply
	p := NewPredictor(config)
	p.Bind(Entity{ID: "me"})

	for i := 0; i < 10; i++ {
		p.Press(InputMove, DirectionForward)
		p.Flush()
	}

	// Only the 4 newest inputs survive for replay; older ones were
	// evicted and cannot be re-applied even with a stale ack.
	snapped := p.Reconcile(Entity{ID: "me", Position: Vec2{X: 500, Y: 0}, LastInputSequence: 0})
	require.True(t, snapped)
	e, _ := p.Entity()
	assert.Equal(t, 504.0, e.Position.X)
}

func TestReconcileWithinThresholdKeepsPrediction(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	p.Bind(Entity{ID: "me", Position: Vec2{X: 100, Y: 100}})

	snapped := p.Reconcile(Entity{ID: "me", Position: Vec2{X: 103, Y: 100}, LastInputSequence: 7})
	assert.False(t, snapped)

	e, _ := p.Entity()
	assert.Equal(t, 100.0, e.Position.X)
	// The ack still advances even without a snap.
	assert.Equal(t, uint64(7), e.LastInputSequence)
}

func TestReconcileSnapsAndReplaysUnacknowledgedInputs(t *testing.T) {
	config := DefaultPredictorConfig()
	config.Apply = nudgeApply
	p := NewPredictor(config)
	p.Bind(Entity{ID: "me", Position: Vec2{X: 100, Y: 100}})

	for i := 0; i < 3; i++ {
		p.Press(InputMove, DirectionForward)
		p.Flush()
	}

	// Authority disagrees by 10 units and has acknowledged none of the
	// three inputs. Snap to (110,100), replay three nudges.
	snapped := p.Reconcile(Entity{ID: "me", Position: Vec2{X: 110, Y: 100}, LastInputSequence: 0})
	require.True(t, snapped)

	e, _ := p.Entity()
	assert.Equal(t, Vec2{X: 113, Y: 100}, e.Position)
}

func TestReconcileSkipsAcknowledgedInputs(t *testing.T) {
	config := DefaultPredictorConfig()
	config.Apply = nudgeApply
	p := NewPredictor(config)
	p.Bind(Entity{ID: "me", Position: Vec2{X: 0, Y: 0}})

	for i := 0; i < 5; i++ {
		p.Press(InputMove, DirectionForward)
		p.Flush()
	}

	// Sequences 1..3 are acknowledged; only 4 and 5 replay.
	p.Reconcile(Entity{ID: "me", Position: Vec2{X: 50, Y: 0}, LastInputSequence: 3})

	e, _ := p.Entity()
	assert.Equal(t, 52.0, e.Position.X)
}

func TestReconcileBeforeBindAdoptsServerState(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	snapped := p.Reconcile(Entity{ID: "me", Position: Vec2{X: 42, Y: 7}})
	assert.False(t, snapped)

	e, ok := p.Entity()
	require.True(t, ok)
	assert.Equal(t, Vec2{X: 42, Y: 7}, e.Position)
}

func TestAdvanceIntegratesBetweenFlushes(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	p.Bind(Entity{ID: "me", Velocity: Vec2{X: 100, Y: 0}})

	p.Advance(SimulationStep)

	e, _ := p.Entity()
	assert.InDelta(t, 100*Friction, e.Velocity.X, 1e-9)
	assert.InDelta(t, 100*Friction*SimulationStep, e.Position.X, 1e-9)
}

func TestSequencesAreStrictlyIncreasing(t *testing.T) {
	p := NewPredictor(DefaultPredictorConfig())
	p.Bind(Entity{ID: "me"})

	var last uint64
	for i := 0; i < 20; i++ {
		p.Press(InputMove, DirectionForward)
		for _, cmd := range p.Flush() {
			require.Greater(t, cmd.Sequence, last, fmt.Sprintf("iteration %d", i))
			last = cmd.Sequence
		}
	}
}
