package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/core/protocol"
	"github.com/driftsync/driftsync/internal/core/realtime"
)

// SessionConfig binds a synced table to the realtime engines.
type SessionConfig struct {
	// Table carries the shared world state.
	Table string
	// WorldKey is the key the authority writes full world snapshots to.
	WorldKey string
	// InputKeyPrefix prefixes the per-client key input batches are sent
	// under.
	InputKeyPrefix string
	// FlushInterval is the continuous-input send cadence.
	FlushInterval time.Duration

	Predictor    realtime.PredictorConfig
	Interpolator realtime.InterpolatorConfig
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Table:          "game_state",
		WorldKey:       "world",
		InputKeyPrefix: "input:",
		FlushInterval:  realtime.DefaultFlushInterval,
		Predictor:      realtime.DefaultPredictorConfig(),
		Interpolator:   realtime.DefaultInterpolatorConfig(),
	}
}

// GameStateHandler receives the interpolated render view once per frame.
type GameStateHandler func(view realtime.WorldSnapshot)

// Session is the realtime layer on top of a sync client: the local
// participant's inputs apply instantly through the predictor, authoritative
// world snapshots feed the interpolator, and each frame yields a smoothed
// view where every remote entity is rendered slightly in the past and the
// local entity is rendered from live prediction.
type Session struct {
	client       *Client
	config       SessionConfig
	predictor    *realtime.Predictor
	interpolator *realtime.Interpolator
	logger       log.Log

	mu          sync.Mutex
	onGameState GameStateHandler

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	flusherWG sync.WaitGroup
}

func NewSession(c *Client, config SessionConfig) *Session {
	if config.Table == "" {
		config.Table = "game_state"
	}
	if config.WorldKey == "" {
		config.WorldKey = "world"
	}
	if config.InputKeyPrefix == "" {
		config.InputKeyPrefix = "input:"
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = realtime.DefaultFlushInterval
	}

	return &Session{
		client:       c,
		config:       config,
		predictor:    realtime.NewPredictor(config.Predictor),
		interpolator: realtime.NewInterpolator(config.Interpolator),
		stop:         make(chan struct{}),
		logger:       c.logger.With(log.String("component", "session")),
	}
}

// OnGameState registers the per-frame render callback.
func (s *Session) OnGameState(fn GameStateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGameState = fn
}

// Start subscribes to the world table and begins flushing inputs. The
// client must already be connected.
func (s *Session) Start() error {
	var err error
	s.startOnce.Do(func() {
		s.client.OnUpdate(s.config.Table, s.handleUpdate)
		s.client.OnSnapshot(s.config.Table, s.handleSnapshot)
		if err = s.client.Subscribe(s.config.Table); err != nil {
			return
		}

		s.flusherWG.Add(1)
		go s.flushLoop()
	})
	return err
}

// Stop ends input flushing. The underlying client stays connected.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.flusherWG.Wait()
}

// Press registers a held continuous input.
func (s *Session) Press(kind realtime.InputKind, direction realtime.Direction) {
	s.predictor.Press(kind, direction)
}

// Release clears a held input.
func (s *Session) Release(kind realtime.InputKind) {
	s.predictor.Release(kind)
}

// Fire sends a discrete input immediately, outside the flush cadence.
func (s *Session) Fire() {
	cmd, ok := s.predictor.Fire()
	if !ok {
		return
	}
	s.sendInputs([]realtime.InputCommand{cmd})
}

// Frame advances local prediction by dt and delivers the interpolated view
// for rendering. Call once per render tick.
func (s *Session) Frame(dt float64) {
	s.predictor.Advance(dt)

	var local *realtime.Entity
	if e, ok := s.predictor.Entity(); ok {
		local = &e
	}

	view, ok := s.interpolator.View(time.Now(), s.client.ID(), local)
	if !ok {
		return
	}

	s.mu.Lock()
	fn := s.onGameState
	s.mu.Unlock()
	if fn != nil {
		fn(view)
	}
}

// Predictor exposes the prediction engine, mainly for inspection.
func (s *Session) Predictor() *realtime.Predictor {
	return s.predictor
}

func (s *Session) flushLoop() {
	defer s.flusherWG.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if batch := s.predictor.Flush(); len(batch) > 0 {
				s.sendInputs(batch)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Session) sendInputs(batch []realtime.InputCommand) {
	key := s.config.InputKeyPrefix + s.client.ID()
	if _, err := s.client.Set(s.config.Table, key, batch); err != nil {
		s.logger.Warn("Failed to send inputs", log.Error(err))
	}
}

func (s *Session) handleUpdate(_ string, op protocol.Operation, _ uint64) {
	if op.Kind != protocol.OpSet || op.Key != s.config.WorldKey {
		return
	}
	s.ingestWorld(op.Value)
}

func (s *Session) handleSnapshot(_ string, data map[string]json.RawMessage, _ uint64) {
	raw, ok := data[s.config.WorldKey]
	if !ok {
		return
	}
	s.ingestWorld(raw)
}

// ingestWorld feeds one authoritative snapshot to interpolation and, when
// the server's copy of the local entity is present, reconciles prediction
// against it. A snapshot without the local entity skips reconciliation.
func (s *Session) ingestWorld(raw json.RawMessage) {
	var world realtime.WorldSnapshot
	if err := json.Unmarshal(raw, &world); err != nil {
		s.logger.Warn("Discarding malformed world snapshot", log.Error(err))
		return
	}

	s.interpolator.Push(world, time.Now())

	if server, ok := world.Entity(s.client.ID()); ok {
		if s.predictor.Reconcile(server) {
			s.logger.Debug("Reconciled predicted state",
				log.String("entity", server.ID))
		}
	}
}
