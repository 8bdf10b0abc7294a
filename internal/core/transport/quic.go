package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/driftsync/driftsync/internal/core/observability/log"
	"github.com/driftsync/driftsync/internal/core/protocol"
)

const (
	quicALPN         = "driftsync"
	quicWriteTimeout = 10 * time.Second
	quicMaxFrameSize = 1 << 20 // 1MB
)

var _ Transport = (*QUICTransport)(nil)

// QUICConfig configures the QUIC transport. With empty cert paths a
// self-signed certificate is generated, which is only suitable for
// development.
type QUICConfig struct {
	Addr     string
	CertFile string
	KeyFile  string
}

func DefaultQUICConfig() QUICConfig {
	return QUICConfig{Addr: "127.0.0.1:8443"}
}

// QUICTransport serves the sync protocol over QUIC. Each message travels on
// its own bidirectional stream with a 4-byte length prefix.
type QUICTransport struct {
	config   QUICConfig
	logger   log.Log
	listener *quic.Listener
	handler  Handler
	running  int32
	cancel   context.CancelFunc

	peers   map[string]*quicPeer
	peersMu sync.Mutex
}

func NewQUICTransport(config QUICConfig, logger log.Log) *QUICTransport {
	return &QUICTransport{
		config: config,
		logger: logger.With(log.String("transport", "quic")),
		peers:  make(map[string]*quicPeer),
	}
}

func (t *QUICTransport) Start(ctx context.Context, handler Handler) error {
	if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
		return ErrTransportRunning
	}
	t.handler = handler

	tlsConfig, err := t.buildTLSConfig()
	if err != nil {
		atomic.StoreInt32(&t.running, 0)
		return err
	}

	listener, err := quic.ListenAddr(t.config.Addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		atomic.StoreInt32(&t.running, 0)
		return fmt.Errorf("listen quic %s: %w", t.config.Addr, err)
	}
	t.listener = listener

	acceptCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.acceptLoop(acceptCtx)

	t.logger.Info("QUIC transport started", log.String("addr", listener.Addr().String()))
	return nil
}

func (t *QUICTransport) Stop(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.running, 1, 0) {
		return ErrTransportStopped
	}
	t.cancel()

	t.peersMu.Lock()
	for _, peer := range t.peers {
		_ = peer.Close()
	}
	t.peers = make(map[string]*quicPeer)
	t.peersMu.Unlock()

	if err := t.listener.Close(); err != nil {
		return fmt.Errorf("close quic listener: %w", err)
	}
	t.logger.Info("QUIC transport stopped")
	return nil
}

func (t *QUICTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *QUICTransport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			if atomic.LoadInt32(&t.running) == 1 {
				t.logger.Error("QUIC accept error", log.Error(err))
			}
			return
		}

		peer := &quicPeer{
			id:   protocol.GenerateClientID(),
			conn: conn,
			done: make(chan struct{}),
		}

		t.peersMu.Lock()
		t.peers[peer.id] = peer
		t.peersMu.Unlock()

		t.logger.Info("Peer connected",
			log.String("peer_id", peer.id),
			log.String("remote_addr", conn.RemoteAddr().String()))

		t.handler.HandleConnect(peer)
		go t.readLoop(ctx, peer)
	}
}

func (t *QUICTransport) readLoop(ctx context.Context, peer *quicPeer) {
	defer func() {
		t.peersMu.Lock()
		delete(t.peers, peer.id)
		t.peersMu.Unlock()

		_ = peer.Close()
		t.handler.HandleDisconnect(peer)
		t.logger.Info("Peer disconnected", log.String("peer_id", peer.id))
	}()

	for {
		stream, err := peer.conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		data, err := readFrame(stream)
		if err != nil {
			t.logger.Warn("QUIC frame read error",
				log.String("peer_id", peer.id),
				log.Error(err))
			return
		}
		t.handler.HandleMessage(peer, data)
	}
}

func (t *QUICTransport) buildTLSConfig() (*tls.Config, error) {
	if t.config.CertFile != "" && t.config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.config.CertFile, t.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quicALPN},
			MinVersion:   tls.VersionTLS13,
		}, nil
	}
	return generateSelfSignedTLS()
}

// generateSelfSignedTLS builds a throwaway certificate for development
// deployments that did not configure one.
func generateSelfSignedTLS() (*tls.Config, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"driftsync"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  privateKey,
		}},
		NextProtos: []string{quicALPN},
		MinVersion: tls.VersionTLS13,
	}, nil
}

var _ Peer = (*quicPeer)(nil)

type quicPeer struct {
	id        string
	conn      quic.Connection
	done      chan struct{}
	closeOnce sync.Once
}

func (p *quicPeer) ID() string           { return p.id }
func (p *quicPeer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

func (p *quicPeer) Send(data []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), quicWriteTimeout)
	defer cancel()

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	return writeFrame(stream, data)
}

func (p *quicPeer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.CloseWithError(0, "closed")
	})
	return nil
}

var _ Conn = (*quicClientConn)(nil)

type quicClientConn struct {
	conn quic.Connection
}

// DialQUIC connects to a sync server's QUIC endpoint. Verification is
// skipped because development servers use self-signed certificates.
func DialQUIC(ctx context.Context, addr string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
	}, &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial quic %s: %w", addr, err)
	}
	return &quicClientConn{conn: conn}, nil
}

func (c *quicClientConn) ReadMessage() ([]byte, error) {
	stream, err := c.conn.AcceptStream(context.Background())
	if err != nil {
		return nil, ErrConnectionClosed
	}
	return readFrame(stream)
}

func (c *quicClientConn) WriteMessage(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), quicWriteTimeout)
	defer cancel()

	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return ErrConnectionClosed
	}
	defer stream.Close()

	return writeFrame(stream, data)
}

func (c *quicClientConn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

// readFrame reads one length-prefixed message from a stream.
func readFrame(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
	if length > quicMaxFrameSize {
		return nil, ErrMessageTooLarge
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return data, nil
}

// writeFrame writes one length-prefixed message to a stream.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > quicMaxFrameSize {
		return ErrMessageTooLarge
	}

	length := len(data)
	frame := make([]byte, 0, 4+length)
	frame = append(frame,
		byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	frame = append(frame, data...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
