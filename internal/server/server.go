// Package server implements the sync protocol engine: a single dispatch
// loop that validates inbound messages, mutates table state, persists the
// result and fans updates out to subscribers.
package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/core/dedup"
	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/core/protocol"
	"github.com/driftsync/driftsync/internal/core/registry"
	"github.com/driftsync/driftsync/internal/core/storage"
	"github.com/driftsync/driftsync/internal/core/table"
	"github.com/driftsync/driftsync/internal/core/transport"
)

// Server is a driftsync server instance. All table mutation happens on one
// dispatch goroutine: every inbound message is processed to completion
// before the next begins, which makes version numbers a total order per
// table without per-table locking.
type Server struct {
	config    Config
	logger    log.Log
	tables    *table.Store
	tracker   *dedup.Tracker
	registry  *registry.Registry
	transport transport.Transport

	inbox        chan envelope
	opsProcessed uint64 // atomic

	running  int32 // atomic bool
	closed   int32 // atomic bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	workers  *errgroup.Group
}

// envelope is one inbound transport message awaiting dispatch.
type envelope struct {
	peer transport.Peer
	data []byte
}

// Stats contains server statistics.
type Stats struct {
	Clients      int
	Tables       int
	ProcessedOps uint64
}

// NewServer creates a server over the given persistence backend and
// transport.
func NewServer(config Config, backing storage.Store, tr transport.Transport, logger log.Log) *Server {
	return &Server{
		config:    config,
		logger:    logger.With(log.String("component", "server")),
		tables:    table.NewStore(backing),
		tracker:   dedup.NewTracker(config.DedupHighWater),
		registry:  registry.New(),
		transport: tr,
		inbox:     make(chan envelope, config.InboxSize),
		stopChan:  make(chan struct{}),
	}
}

// Start begins accepting connections and dispatching messages.
func (s *Server) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	group, groupCtx := errgroup.WithContext(runCtx)
	s.workers = group
	group.Go(func() error {
		s.dispatchLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		s.sweepLoop(groupCtx)
		return nil
	})

	if err := s.transport.Start(ctx, s); err != nil {
		cancel()
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("start transport: %w", err)
	}

	s.logger.Info("Server started", log.String("listen_addr", s.config.ListenAddr))
	return nil
}

// Stop shuts the transport down and drains the workers.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return ErrServerNotRunning
	}
	atomic.StoreInt32(&s.closed, 1)

	close(s.stopChan)
	if err := s.transport.Stop(ctx); err != nil {
		s.logger.Error("Transport stop error", log.Error(err))
	}
	s.cancel()
	_ = s.workers.Wait()

	s.logger.Info("Server stopped")
	return nil
}

// GetStats returns a snapshot of server statistics.
func (s *Server) GetStats() Stats {
	return Stats{
		Clients:      s.registry.Len(),
		Tables:       s.tables.Count(),
		ProcessedOps: atomic.LoadUint64(&s.opsProcessed),
	}
}

// HandleConnect implements transport.Handler.
func (s *Server) HandleConnect(peer transport.Peer) {
	id := s.registry.Register(peer)
	s.logger.Info("Sync client connected",
		log.String("client_id", id),
		log.Int("total_clients", s.registry.Len()))
}

// HandleMessage implements transport.Handler. Messages queue into the inbox
// and are dispatched one at a time; a full inbox applies backpressure to the
// peer's read loop rather than dropping operations.
func (s *Server) HandleMessage(peer transport.Peer, data []byte) {
	select {
	case s.inbox <- envelope{peer: peer, data: data}:
	case <-s.stopChan:
	}
}

// HandleDisconnect implements transport.Handler.
func (s *Server) HandleDisconnect(peer transport.Peer) {
	if s.registry.Unregister(peer.ID()) {
		s.logger.Info("Sync client disconnected",
			log.String("client_id", peer.ID()),
			log.Int("total_clients", s.registry.Len()))
	}
}

// dispatchLoop serializes all message processing.
func (s *Server) dispatchLoop(ctx context.Context) {
	s.logger.Debug("Dispatch loop started")
	defer s.logger.Debug("Dispatch loop stopped")

	for {
		select {
		case env := <-s.inbox:
			s.dispatch(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

// sweepLoop periodically evicts clients that have gone silent.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := s.registry.SweepStale(s.config.ClientMaxIdle.Std())
			for _, id := range removed {
				s.logger.Info("Evicted inactive client", log.String("client_id", id))
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch processes a single inbound message to completion.
func (s *Server) dispatch(ctx context.Context, env envelope) {
	msg, err := protocol.Decode(env.data)
	if err != nil {
		s.sendError(env.peer, "Invalid message format")
		return
	}

	s.registry.Touch(env.peer.ID())

	switch msg.Type {
	case protocol.MessageTypeSubscribe:
		s.handleSubscribe(ctx, env.peer, msg)
	case protocol.MessageTypeUnsubscribe:
		s.handleUnsubscribe(env.peer, msg)
	case protocol.MessageTypeOperation:
		s.handleOperation(ctx, env.peer, msg)
	case protocol.MessageTypeSnapshot:
		s.handleSnapshotRequest(ctx, env.peer, msg)
	default:
		s.sendError(env.peer, fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

func (s *Server) handleSubscribe(ctx context.Context, peer transport.Peer, msg *protocol.Message) {
	for _, tableName := range msg.Tables() {
		s.registry.Subscribe(peer.ID(), tableName)
		s.logger.Debug("Client subscribed",
			log.String("client_id", peer.ID()),
			log.String("table", tableName))
		s.sendSnapshot(ctx, peer, tableName)
	}
}

func (s *Server) handleUnsubscribe(peer transport.Peer, msg *protocol.Message) {
	if msg.Table == "" {
		return
	}
	s.registry.Unsubscribe(peer.ID(), msg.Table)
	s.logger.Debug("Client unsubscribed",
		log.String("client_id", peer.ID()),
		log.String("table", msg.Table))
}

func (s *Server) handleOperation(ctx context.Context, peer transport.Peer, msg *protocol.Message) {
	op, err := msg.DecodeOperation()
	if err != nil {
		s.sendError(peer, "Operation requires table and payload")
		return
	}
	op.OriginID = peer.ID()

	// Replayed operations are dropped without side effects: no version
	// bump, no persistence, no broadcast.
	if op.OpID != "" && s.tracker.Seen(op.OpID) {
		s.logger.Debug("Ignoring duplicate operation", log.String("op_id", op.OpID))
		return
	}

	version, timestamp, err := s.tables.Apply(ctx, op)
	if err != nil {
		s.logger.Error("Failed to apply operation",
			log.String("table", op.Table),
			log.Error(err))
		s.sendError(peer, "Failed to process operation")
		return
	}

	if op.OpID != "" {
		s.tracker.Mark(op.OpID)
	}
	atomic.AddUint64(&s.opsProcessed, 1)

	// Persistence is best-effort: the in-memory state is already the
	// authority and the broadcast below goes out regardless. A crash
	// before the next successful persist loses this operation.
	if err := s.tables.Persist(ctx, op.Table); err != nil {
		s.logger.Error("Failed to persist table",
			log.String("table", op.Table),
			log.Error(err))
	}

	update, err := protocol.NewUpdateMessage(op, version, timestamp)
	if err != nil {
		s.logger.Error("Failed to encode update", log.Error(err))
		return
	}
	s.broadcast(op.Table, update, peer.ID())
}

func (s *Server) handleSnapshotRequest(ctx context.Context, peer transport.Peer, msg *protocol.Message) {
	if msg.Table == "" {
		s.sendError(peer, "Snapshot request requires table name")
		return
	}
	s.sendSnapshot(ctx, peer, msg.Table)
}

func (s *Server) sendSnapshot(ctx context.Context, peer transport.Peer, tableName string) {
	snap, err := s.tables.Snapshot(ctx, tableName)
	if err != nil {
		s.logger.Error("Failed to load table snapshot",
			log.String("table", tableName),
			log.Error(err))
		s.sendError(peer, "Failed to load table snapshot")
		return
	}

	msg, err := protocol.NewSnapshotMessage(snap.Table, snap.Data, snap.Version, snap.LastModified)
	if err != nil {
		s.logger.Error("Failed to encode snapshot", log.Error(err))
		return
	}
	s.send(peer, msg)
}

// broadcast delivers an update to every other subscriber of the table. A
// send failure evicts only that peer.
func (s *Server) broadcast(tableName string, msg *protocol.Message, excludeClientID string) {
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error("Failed to encode broadcast", log.Error(err))
		return
	}

	for _, peer := range s.registry.Subscribers(tableName, excludeClientID) {
		if err := peer.Send(data); err != nil {
			s.dropPeer(peer, err)
		}
	}
}

func (s *Server) sendError(peer transport.Peer, reason string) {
	s.send(peer, protocol.NewErrorMessage(reason))
}

func (s *Server) send(peer transport.Peer, msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error("Failed to encode message", log.Error(err))
		return
	}
	if err := peer.Send(data); err != nil {
		s.dropPeer(peer, err)
	}
}

func (s *Server) dropPeer(peer transport.Peer, cause error) {
	s.logger.Warn("Dropping unreachable client",
		log.String("client_id", peer.ID()),
		log.Error(cause))
	s.registry.Unregister(peer.ID())
	_ = peer.Close()
}
