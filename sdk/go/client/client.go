// Package client provides a high-level table sync client SDK for DriftSync.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/core/protocol"
	"github.com/driftsync/driftsync/internal/core/transport"
)

// Dialer opens one connection to the server. Overridable for tests.
type Dialer func(ctx context.Context) (transport.Conn, error)

// Config holds configuration for the client
type Config struct {
	// ServerAddr is "host:port" for QUIC or a full ws:// URL for WebSocket.
	ServerAddr string
	Transport  string

	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	// ReconnectInterval grows linearly: attempt N waits N times this long.
	ReconnectInterval time.Duration

	LogLevel log.Level

	// Dialer overrides the transport-based dialer.
	Dialer Dialer
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		ServerAddr:           "ws://localhost:8080/sync",
		Transport:            "websocket",
		ConnectTimeout:       30 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectInterval:    time.Second,
		LogLevel:             log.LevelInfo,
	}
}

// UpdateHandler receives one remote mutation applied to a subscribed table.
type UpdateHandler func(table string, op protocol.Operation, version uint64)

// SnapshotHandler receives a full table state, sent on subscribe or on an
// explicit snapshot request.
type SnapshotHandler func(table string, data map[string]json.RawMessage, version uint64)

// Client keeps a set of named key-value tables synchronized with a DriftSync
// server. Local mutations are sent as idempotent operations; remote
// mutations arrive through the registered handlers.
type Client struct {
	config Config
	logger log.Log

	id   string
	dial Dialer

	connMu sync.Mutex
	conn   transport.Conn

	// subscriptions are replayed after every reconnect.
	stateMu       sync.Mutex
	subscriptions map[string]struct{}

	handlerMu          sync.RWMutex
	updateHandlers     map[string][]UpdateHandler
	snapshotHandlers   map[string][]SnapshotHandler
	onConnectionChange func(bool)
	onError            func(error)

	connected int32
	closed    int32
	done      chan struct{}
	// closeCtx is cancelled by Close so reconnect backoff sleeps abort
	// immediately instead of running out their delay.
	closeCtx    context.Context
	closeCancel context.CancelFunc
	readerWG    sync.WaitGroup
}

// New creates a client. Connect must be called before any table operation.
func New(config Config) (*Client, error) {
	logger := log.New(config.LogLevel)

	closeCtx, closeCancel := context.WithCancel(context.Background())
	c := &Client{
		config:           config,
		id:               protocol.GenerateClientID(),
		subscriptions:    make(map[string]struct{}),
		updateHandlers:   make(map[string][]UpdateHandler),
		snapshotHandlers: make(map[string][]SnapshotHandler),
		done:             make(chan struct{}),
		closeCtx:         closeCtx,
		closeCancel:      closeCancel,
		logger:           logger.With(log.String("component", "client")),
	}

	c.dial = config.Dialer
	if c.dial == nil {
		switch config.Transport {
		case "websocket":
			c.dial = func(ctx context.Context) (transport.Conn, error) {
				return transport.DialWebSocket(ctx, config.ServerAddr)
			}
		case "quic":
			c.dial = func(ctx context.Context) (transport.Conn, error) {
				return transport.DialQUIC(ctx, config.ServerAddr)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, config.Transport)
		}
	}

	return c, nil
}

// ID returns the client's session identity.
func (c *Client) ID() string {
	return c.id
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// OnConnectionChange registers the connectivity callback. Called with true
// after every successful connect and false on every loss.
func (c *Client) OnConnectionChange(fn func(bool)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onConnectionChange = fn
}

// OnError registers the terminal error callback.
func (c *Client) OnError(fn func(error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onError = fn
}

// OnUpdate registers a handler for remote mutations to a table.
func (c *Client) OnUpdate(table string, handler UpdateHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.updateHandlers[table] = append(c.updateHandlers[table], handler)
}

// OnSnapshot registers a handler for full-table snapshots.
func (c *Client) OnSnapshot(table string, handler SnapshotHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.snapshotHandlers[table] = append(c.snapshotHandlers[table], handler)
}

// Connect establishes the connection and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx)
	if err != nil {
		atomic.StoreInt32(&c.connected, 0)
		c.logger.Error("Failed to connect",
			log.String("addr", c.config.ServerAddr),
			log.Error(err))
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("Connected", log.String("addr", c.config.ServerAddr))
	c.notifyConnection(true)

	c.readerWG.Add(1)
	go c.readLoop(conn)

	return nil
}

// Close tears the client down. It does not attempt to reconnect.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.done)
	c.closeCancel()

	atomic.StoreInt32(&c.connected, 0)
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()

	c.readerWG.Wait()
	c.logger.Info("Client closed")
	return nil
}

// Subscribe asks the server for push updates to the named tables. The
// server answers with one snapshot per table.
func (c *Client) Subscribe(tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	c.stateMu.Lock()
	for _, table := range tables {
		c.subscriptions[table] = struct{}{}
	}
	c.stateMu.Unlock()

	return c.send(&protocol.Message{
		Type:          protocol.MessageTypeSubscribe,
		Subscriptions: tables,
	})
}

// Unsubscribe stops push updates for a table.
func (c *Client) Unsubscribe(table string) error {
	c.stateMu.Lock()
	delete(c.subscriptions, table)
	c.stateMu.Unlock()

	return c.send(&protocol.Message{
		Type:  protocol.MessageTypeUnsubscribe,
		Table: table,
	})
}

// Set writes a key in a table. Returns the operation's idempotency key; the
// server applies each distinct opId exactly once even across retries.
func (c *Client) Set(table, key string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return c.sendOperation(protocol.Operation{
		Table: table,
		Key:   key,
		Value: raw,
		Kind:  protocol.OpSet,
	})
}

// SetRaw writes an already-encoded value.
func (c *Client) SetRaw(table, key string, value json.RawMessage) (string, error) {
	return c.sendOperation(protocol.Operation{
		Table: table,
		Key:   key,
		Value: value,
		Kind:  protocol.OpSet,
	})
}

// Delete removes a key from a table.
func (c *Client) Delete(table, key string) (string, error) {
	return c.sendOperation(protocol.Operation{
		Table: table,
		Key:   key,
		Kind:  protocol.OpDelete,
	})
}

// RequestSnapshot asks for the current full state of a table without
// subscribing to it.
func (c *Client) RequestSnapshot(table string) error {
	return c.send(&protocol.Message{
		Type:  protocol.MessageTypeSnapshot,
		Table: table,
	})
}

func (c *Client) sendOperation(op protocol.Operation) (string, error) {
	op.OpID = protocol.GenerateOpID()
	op.OriginID = c.id

	msg, err := protocol.NewOperationMessage(op)
	if err != nil {
		return "", err
	}
	if err := c.send(msg); err != nil {
		return "", err
	}
	return op.OpID, nil
}

func (c *Client) send(msg *protocol.Message) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}
	if atomic.LoadInt32(&c.connected) == 0 {
		return ErrNotConnected
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(data)
}

// readLoop drains one connection until it fails, then hands off to the
// reconnect path.
func (c *Client) readLoop(conn transport.Conn) {
	defer c.readerWG.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}
			c.logger.Warn("Connection lost", log.Error(err))
			atomic.StoreInt32(&c.connected, 0)
			c.notifyConnection(false)
			c.reconnect()
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("Discarding malformed server message", log.Error(err))
		return
	}

	switch msg.Type {
	case protocol.MessageTypeUpdate:
		op, err := msg.DecodeOperation()
		if err != nil {
			c.logger.Warn("Discarding malformed update", log.Error(err))
			return
		}
		op.OpID = msg.OpID
		op.OriginID = msg.OriginID
		c.handlerMu.RLock()
		handlers := c.updateHandlers[msg.Table]
		c.handlerMu.RUnlock()
		for _, handler := range handlers {
			handler(msg.Table, op, msg.TableVersion)
		}

	case protocol.MessageTypeSnapshot:
		var state map[string]json.RawMessage
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			c.logger.Warn("Discarding malformed snapshot", log.Error(err))
			return
		}
		c.handlerMu.RLock()
		handlers := c.snapshotHandlers[msg.Table]
		c.handlerMu.RUnlock()
		for _, handler := range handlers {
			handler(msg.Table, state, msg.TableVersion)
		}

	case protocol.MessageTypeError:
		c.logger.Warn("Server reported error", log.String("reason", msg.Error))
		c.notifyError(fmt.Errorf("server error: %s", msg.Error))

	default:
		c.logger.Debug("Ignoring message", log.String("type", string(msg.Type)))
	}
}

// reconnect retries the dial with linearly growing delays, then replays the
// subscription set so snapshots and updates resume seamlessly. Gives up
// after the configured attempt budget.
func (c *Client) reconnect() {
	budget := c.config.MaxReconnectAttempts
	if budget < 1 {
		budget = 1
	}
	// WithMaxRetries counts retries after the first try, so a budget of N
	// dials allows N-1 retries. The close context aborts backoff sleeps so
	// Close does not wait out the remaining delay.
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(c.config.ReconnectInterval), uint64(budget-1)),
		c.closeCtx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		select {
		case <-c.done:
			return backoff.Permanent(ErrClientClosed)
		default:
		}

		c.logger.Info("Reconnection attempt", log.Int("attempt", attempt))

		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		defer cancel()
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		atomic.StoreInt32(&c.connected, 1)
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if atomic.LoadInt32(&c.closed) == 1 {
			return
		}
		c.logger.Error("Reconnection exhausted", log.Error(err))
		c.notifyError(ErrReconnectExhausted)
		return
	}

	c.logger.Info("Reconnected")
	c.notifyConnection(true)
	c.resubscribe()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	c.readerWG.Add(1)
	go c.readLoop(conn)
}

func (c *Client) resubscribe() {
	c.stateMu.Lock()
	tables := make([]string, 0, len(c.subscriptions))
	for table := range c.subscriptions {
		tables = append(tables, table)
	}
	c.stateMu.Unlock()

	if len(tables) == 0 {
		return
	}
	if err := c.send(&protocol.Message{
		Type:          protocol.MessageTypeSubscribe,
		Subscriptions: tables,
	}); err != nil {
		c.logger.Error("Failed to resubscribe", log.Error(err))
	}
}

func (c *Client) notifyConnection(connected bool) {
	c.handlerMu.RLock()
	fn := c.onConnectionChange
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(connected)
	}
}

func (c *Client) notifyError(err error) {
	c.handlerMu.RLock()
	fn := c.onError
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// linearBackOff waits interval, 2*interval, 3*interval and so on.
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func newLinearBackOff(interval time.Duration) *linearBackOff {
	return &linearBackOff{interval: interval}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.interval
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
