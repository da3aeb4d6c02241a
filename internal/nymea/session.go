package nymea

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nymeahem/internal/metrics"

	"go.uber.org/zap"
)

// Session is the single source of truth for one hub connection: the
// transport, the request id counter, the token and the negotiated server
// metadata. It is not safe for concurrent use; Client serializes access.
type Session struct {
	transport *Transport
	username  string
	password  string
	logger    *zap.Logger
	metrics   *metrics.Metrics

	msgID      int
	token      string
	serverInfo *ServerInfo
	state      SessionState
}

// NewSession creates a session over transport using the given credentials.
func NewSession(transport *Transport, username, password string, logger *zap.Logger, m *metrics.Metrics) *Session {
	return &Session{
		transport: transport,
		username:  username,
		password:  password,
		logger:    logger,
		metrics:   m,
		state:     StateDisconnected,
	}
}

// nextMsgID returns the next request id. Ids increase for the lifetime of
// the session, across reconnects.
func (s *Session) nextMsgID() int {
	s.msgID++
	return s.msgID
}

// Call sends one request and reads the next complete document as its
// response. The response status is not interpreted here.
func (s *Session) Call(ctx context.Context, method string, params any, requiresToken bool) (*Response, error) {
	req := Request{
		ID:     s.nextMsgID(),
		Method: method,
		Params: params,
	}
	if requiresToken && s.token != "" {
		req.Token = s.token
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	start := time.Now()
	resp, err := s.roundTrip(ctx, payload)
	if err != nil {
		s.metrics.ObserveCall(method, "error", time.Since(start))
		if isStreamError(err) {
			s.drop()
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	s.metrics.ObserveCall(method, outcome(resp.Status), time.Since(start))

	if resp.ID != req.ID {
		s.logger.Warn("Response id does not match request",
			zap.String("method", method),
			zap.Int("request_id", req.ID),
			zap.Int("response_id", resp.ID))
	}

	s.logger.Debug("RPC call completed",
		zap.String("method", method),
		zap.Int("id", req.ID),
		zap.String("status", resp.Status))

	return resp, nil
}

func (s *Session) roundTrip(ctx context.Context, payload []byte) (*Response, error) {
	if err := s.transport.Send(ctx, payload); err != nil {
		return nil, err
	}

	raw, err := s.transport.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

func outcome(status string) string {
	if status == "" {
		return "unknown"
	}
	return status
}

// drop closes a connection whose stream can no longer be trusted. The token
// is kept so the next Hello can resume the session.
func (s *Session) drop() {
	s.transport.Close()
	s.state = StateDisconnected
	s.metrics.SetConnected(false)
}

// Reset closes the connection and forgets the token, forcing a full
// authentication on next use.
func (s *Session) Reset() {
	s.drop()
	s.token = ""
}

// Close closes the connection. The token is kept.
func (s *Session) Close() error {
	s.drop()
	return nil
}

// Token returns the session token, or "" if none is held.
func (s *Session) Token() string {
	return s.token
}

// ServerInfo returns the metadata from the last successful handshake.
func (s *Session) ServerInfo() *ServerInfo {
	return s.serverInfo
}

// State returns the handshake state.
func (s *Session) State() SessionState {
	if !s.transport.IsConnected() {
		return StateDisconnected
	}
	return s.state
}

// Generation identifies the current connection; it changes on reconnect.
func (s *Session) Generation() uint64 {
	return s.transport.Generation()
}
