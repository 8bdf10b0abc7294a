package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/core/protocol"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsPongTimeout   = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsSendQueueSize = 64
)

var _ Transport = (*WebSocketTransport)(nil)

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	Addr           string
	Path           string
	MaxMessageSize int64
	BufferSize     int
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Addr:           "127.0.0.1:8080",
		Path:           "/sync",
		MaxMessageSize: 1024 * 1024, // 1MB
		BufferSize:     4096,
	}
}

// WebSocketTransport serves the sync protocol over WebSocket connections.
type WebSocketTransport struct {
	config   WebSocketConfig
	logger   log.Log
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	handler  Handler
	running  int32

	peers   map[string]*wsPeer
	peersMu sync.Mutex
}

func NewWebSocketTransport(config WebSocketConfig, logger log.Log) *WebSocketTransport {
	return &WebSocketTransport{
		config: config,
		logger: logger.With(log.String("transport", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.BufferSize,
			WriteBufferSize: config.BufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[string]*wsPeer),
	}
}

func (t *WebSocketTransport) Start(_ context.Context, handler Handler) error {
	if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
		return ErrTransportRunning
	}
	t.handler = handler

	listener, err := net.Listen("tcp", t.config.Addr)
	if err != nil {
		atomic.StoreInt32(&t.running, 0)
		return fmt.Errorf("listen %s: %w", t.config.Addr, err)
	}
	t.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(t.config.Path, t.handleUpgrade)
	t.server = &http.Server{Handler: mux}

	go func() {
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			t.logger.Error("WebSocket server error", log.Error(err))
		}
	}()

	t.logger.Info("WebSocket transport started", log.String("addr", listener.Addr().String()))
	return nil
}

func (t *WebSocketTransport) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.running, 1, 0) {
		return ErrTransportStopped
	}

	t.peersMu.Lock()
	for _, peer := range t.peers {
		_ = peer.Close()
	}
	t.peers = make(map[string]*wsPeer)
	t.peersMu.Unlock()

	if err := t.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown websocket server: %w", err)
	}
	t.logger.Info("WebSocket transport stopped")
	return nil
}

func (t *WebSocketTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("WebSocket upgrade failed", log.Error(err))
		return
	}

	peer := &wsPeer{
		id:     protocol.GenerateClientID(),
		conn:   conn,
		sendCh: make(chan []byte, wsSendQueueSize),
		done:   make(chan struct{}),
	}

	t.peersMu.Lock()
	t.peers[peer.id] = peer
	t.peersMu.Unlock()

	t.logger.Info("Peer connected",
		log.String("peer_id", peer.id),
		log.String("remote_addr", conn.RemoteAddr().String()))

	t.handler.HandleConnect(peer)

	go peer.writePump()
	go t.readPump(peer)
}

// readPump drains inbound frames for one peer and tears the peer down when
// the connection dies.
func (t *WebSocketTransport) readPump(peer *wsPeer) {
	defer func() {
		t.peersMu.Lock()
		delete(t.peers, peer.id)
		t.peersMu.Unlock()

		_ = peer.Close()
		t.handler.HandleDisconnect(peer)
		t.logger.Info("Peer disconnected", log.String("peer_id", peer.id))
	}()

	peer.conn.SetReadLimit(t.config.MaxMessageSize)
	_ = peer.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	peer.conn.SetPongHandler(func(string) error {
		return peer.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("WebSocket read error",
					log.String("peer_id", peer.id),
					log.Error(err))
			}
			return
		}
		t.handler.HandleMessage(peer, data)
	}
}

var _ Peer = (*wsPeer)(nil)

// wsPeer serializes writes through a single pump goroutine, which is what
// gorilla/websocket requires.
type wsPeer struct {
	id        string
	conn      *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *wsPeer) ID() string           { return p.id }
func (p *wsPeer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

func (p *wsPeer) Send(data []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	case p.sendCh <- data:
		return nil
	default:
		// A peer that cannot drain its queue is treated as dead.
		return ErrPeerClosed
	}
}

func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
	return nil
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-p.sendCh:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = p.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				_ = p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

var _ Conn = (*wsClientConn)(nil)

type wsClientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket connects to a sync server's WebSocket endpoint.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetPingHandler(func(appData string) error {
		p := []byte(appData)
		return conn.WriteControl(websocket.PongMessage, p, time.Now().Add(wsWriteTimeout))
	})
	return &wsClientConn{conn: conn}, nil
}

func (c *wsClientConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, ErrConnectionClosed
	}
	return data, nil
}

func (c *wsClientConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClientConn) Close() error {
	return c.conn.Close()
}
