package realtime

import (
	"sync"
	"time"
)

// DefaultHistorySize bounds the replay window; inputs older than this are
// assumed acknowledged and can never be replayed.
const DefaultHistorySize = 60

// DefaultSnapThreshold is the divergence distance, in world units, beyond
// which the predicted state snaps to the authoritative one.
const DefaultSnapThreshold = 5.0

// DefaultFlushInterval batches continuous inputs at 20 Hz regardless of the
// render frame rate.
const DefaultFlushInterval = 50 * time.Millisecond

type PredictorConfig struct {
	HistorySize   int
	SnapThreshold float64
	FlushInterval time.Duration
	// Step is the fixed timestep each input is applied with, on both the
	// immediate path and the replay path.
	Step float64
	// Apply overrides the movement rule. Defaults to ApplyInput.
	Apply ApplyFunc
}

func DefaultPredictorConfig() PredictorConfig {
	return PredictorConfig{
		HistorySize:   DefaultHistorySize,
		SnapThreshold: DefaultSnapThreshold,
		FlushInterval: DefaultFlushInterval,
		Step:          SimulationStep,
		Apply:         ApplyInput,
	}
}

// Predictor applies the local participant's inputs immediately, before any
// server confirmation, and keeps a bounded history of unacknowledged inputs
// so a reconciliation snap can replay them.
type Predictor struct {
	config PredictorConfig

	mu       sync.Mutex
	bound    bool
	entity   Entity
	sequence uint64
	pending  map[InputKind]InputCommand
	history  []InputCommand
}

func NewPredictor(config PredictorConfig) *Predictor {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	if config.SnapThreshold <= 0 {
		config.SnapThreshold = DefaultSnapThreshold
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.Step <= 0 {
		config.Step = SimulationStep
	}
	if config.Apply == nil {
		config.Apply = ApplyInput
	}
	return &Predictor{
		config:  config,
		pending: make(map[InputKind]InputCommand),
	}
}

// Bind adopts the server's view of the local entity as the starting
// predicted state. Until bound, all inputs are dropped.
func (p *Predictor) Bind(entity Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound = true
	p.entity = entity
}

// Entity returns a copy of the current predicted state.
func (p *Predictor) Entity() (Entity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entity, p.bound
}

// Press registers a continuous input. Inputs coalesce by kind, so holding a
// key across many frames produces one command per flush interval.
func (p *Predictor) Press(kind InputKind, direction Direction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[kind] = InputCommand{Kind: kind, Direction: direction}
}

// Release clears a continuous input.
func (p *Predictor) Release(kind InputKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, kind)
}

// Fire stamps and applies a discrete input immediately, bypassing the flush
// interval. The returned command must be sent to the server right away.
func (p *Predictor) Fire() (InputCommand, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound {
		return InputCommand{}, false
	}
	cmd := p.stamp(InputCommand{Kind: InputFire})
	return cmd, true
}

// Flush stamps every pending continuous input, applies each to the
// predicted state at the fixed timestep, records it for replay and returns
// the batch for transmission. Called on the flush timer, not per frame.
func (p *Predictor) Flush() []InputCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound || len(p.pending) == 0 {
		return nil
	}

	// Stable kind order keeps sequence assignment deterministic.
	out := make([]InputCommand, 0, len(p.pending))
	for _, kind := range []InputKind{InputMove, InputRotate} {
		if cmd, ok := p.pending[kind]; ok {
			out = append(out, p.stamp(cmd))
		}
	}
	return out
}

// stamp assigns the next sequence number, applies the command locally and
// appends it to the bounded history. Caller holds the lock.
func (p *Predictor) stamp(cmd InputCommand) InputCommand {
	p.sequence++
	cmd.Sequence = p.sequence
	cmd.Timestamp = time.Now().UnixMilli()

	p.config.Apply(&p.entity, cmd, p.config.Step)

	p.history = append(p.history, cmd)
	if len(p.history) > p.config.HistorySize {
		p.history = p.history[len(p.history)-p.config.HistorySize:]
	}
	return cmd
}

// Advance integrates the predicted entity's continuous motion for one
// render frame so movement stays smooth between network flushes.
func (p *Predictor) Advance(dt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound {
		return
	}
	Step(&p.entity, dt)
}

// Reconcile compares the predicted position against the server's copy of
// the local entity. Within the snap threshold the prediction stands. Beyond
// it, the predicted state snaps to the server's values and every input the
// server has not yet acknowledged is replayed in order, restoring
// responsiveness without waiting for another round trip. Returns whether a
// snap happened.
func (p *Predictor) Reconcile(server Entity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bound {
		p.bound = true
		p.entity = server
		return false
	}

	if Distance(p.entity.Position, server.Position) <= p.config.SnapThreshold {
		p.entity.LastInputSequence = server.LastInputSequence
		return false
	}

	p.entity.Position = server.Position
	p.entity.Velocity = server.Velocity
	p.entity.Rotation = server.Rotation
	p.entity.LastInputSequence = server.LastInputSequence

	for _, cmd := range p.history {
		if cmd.Sequence > server.LastInputSequence {
			p.config.Apply(&p.entity, cmd, p.config.Step)
		}
	}
	return true
}
