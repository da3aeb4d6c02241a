package nymea

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Transport owns the byte stream to the hub. It holds at most one live
// connection and creates a fresh one on demand after Close.
type Transport struct {
	host           string
	addr           string
	tlsEnabled     bool
	maxMessageSize int
	dialer         net.Dialer
	logger         *zap.Logger

	conn       net.Conn
	reader     *FrameReader
	generation uint64
}

// NewTransport creates a transport for host:port. No connection is opened
// until Connect.
func NewTransport(host string, port int, tlsEnabled bool, logger *zap.Logger) *Transport {
	return &Transport{
		host:           host,
		addr:           net.JoinHostPort(host, strconv.Itoa(port)),
		tlsEnabled:     tlsEnabled,
		maxMessageSize: DefaultMaxMessageSize,
		logger:         logger,
	}
}

// Connect opens the connection if none is open.
func (t *Transport) Connect(ctx context.Context) error {
	if t.conn != nil {
		t.logger.Debug("Reusing existing connection", zap.String("addr", t.addr))
		return nil
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return connectionError("dial "+t.addr, err)
	}

	if t.tlsEnabled {
		tlsConn := tls.Client(conn, clientTLSConfig(t.host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return connectionError("tls handshake with "+t.addr, err)
		}
		conn = tlsConn
	}

	t.conn = conn
	t.reader = NewFrameReader(conn, t.maxMessageSize)
	t.generation++
	t.logger.Debug("Connected to hub",
		zap.String("addr", t.addr),
		zap.Bool("tls", t.tlsEnabled))
	return nil
}

// clientTLSConfig accepts any certificate: nymea hubs ship self-signed ones.
func clientTLSConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// IsConnected reports whether a connection is open.
func (t *Transport) IsConnected() bool {
	return t.conn != nil
}

// Generation increases every time a new connection is established.
func (t *Transport) Generation() uint64 {
	return t.generation
}

// Send writes payload followed by a newline.
func (t *Transport) Send(ctx context.Context, payload []byte) error {
	if t.conn == nil {
		return connectionError("send", ErrNotConnected)
	}

	release := t.bindContext(ctx)
	defer release()

	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')

	if _, err := t.conn.Write(line); err != nil {
		return connectionError("write", err)
	}
	return nil
}

// ReadMessage reads the next complete JSON document from the connection.
func (t *Transport) ReadMessage(ctx context.Context) (json.RawMessage, error) {
	if t.conn == nil {
		return nil, connectionError("read", ErrNotConnected)
	}

	release := t.bindContext(ctx)
	defer release()

	return t.reader.ReadMessage()
}

// Close shuts the connection down, aborting it if the graceful close fails.
// The handle is always cleared. Close never returns an error.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}

	conn := t.conn
	t.conn = nil
	t.reader = nil

	if err := conn.Close(); err != nil {
		t.logger.Warn("Error closing connection, aborting", zap.Error(err))
		abort(conn)
		t.logger.Debug("Connection forcefully closed")
		return nil
	}

	t.logger.Debug("Connection closed cleanly")
	return nil
}

// abort drops the underlying TCP connection without a graceful shutdown.
func abort(conn net.Conn) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}
	_ = conn.Close()
}

// bindContext applies ctx's deadline to the connection and expires it early
// if ctx is cancelled. The returned func restores an unbounded deadline.
func (t *Transport) bindContext(ctx context.Context) func() {
	conn := t.conn
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
		close(fired)
	})

	return func() {
		if !stop() {
			<-fired
		}
		_ = conn.SetDeadline(time.Time{})
	}
}
