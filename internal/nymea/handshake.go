package nymea

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SessionState tracks progress through connect, hello and authenticate
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateHelloSent
	StateHelloAcked
	StateAuthSent
	StateAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateHelloSent:
		return "hello_sent"
	case StateHelloAcked:
		return "hello_acked"
	case StateAuthSent:
		return "auth_sent"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// connect opens the transport if needed.
func (s *Session) connect(ctx context.Context) error {
	if s.transport.IsConnected() {
		return nil
	}
	if err := s.transport.Connect(ctx); err != nil {
		s.state = StateDisconnected
		return err
	}
	s.state = StateConnected
	s.metrics.SetConnected(true)
	return nil
}

// Hello performs the JSONRPC.Hello handshake, sending the held token if any
// so the hub can resume the session. ServerInfo is replaced only on success.
func (s *Session) Hello(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}

	s.state = StateHelloSent
	resp, err := s.Call(ctx, MethodHello, nil, true)
	if err != nil {
		s.logger.Error("Error during handshake", zap.Error(err))
		return err
	}

	if resp.Status != StatusSuccess {
		s.state = StateConnected
		s.serverInfo = nil
		err := &ServerError{
			Kind:    ErrHandshake,
			Method:  MethodHello,
			Status:  resp.Status,
			Message: resp.ErrorMessage(),
		}
		s.logger.Error("Handshake rejected", zap.Error(err))
		return err
	}

	var info ServerInfo
	if err := resp.decodeParams(&info); err != nil {
		s.state = StateConnected
		s.serverInfo = nil
		return fmt.Errorf("%w: failed to decode server info: %w", ErrHandshake, err)
	}

	s.serverInfo = &info
	s.state = StateHelloAcked
	s.logger.Info("Handshake completed",
		zap.String("server", info.Server),
		zap.String("name", info.Name),
		zap.String("version", info.Version),
		zap.String("protocol_version", info.ProtocolVersion),
		zap.Bool("authentication_required", info.AuthenticationRequired))
	return nil
}

// Authenticate connects, runs the handshake and logs in. It runs every step
// even when the session is already authenticated.
func (s *Session) Authenticate(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		s.logger.Error("Authentication error", zap.Error(err))
		return err
	}
	if err := s.Hello(ctx); err != nil {
		return err
	}

	s.state = StateAuthSent
	resp, err := s.Call(ctx, MethodAuthenticate, authenticateParams{
		Username:   s.username,
		Password:   s.password,
		DeviceName: DeviceName,
	}, false)
	if err != nil {
		s.logger.Error("Authentication error", zap.Error(err))
		return err
	}

	var result authenticateResult
	if err := resp.decodeParams(&result); err != nil {
		s.state = StateHelloAcked
		return fmt.Errorf("%w: failed to decode authentication result: %w", ErrAuthentication, err)
	}

	if !result.Success || result.Token == "" {
		s.state = StateHelloAcked
		message := result.AuthenticationError
		if message == "" {
			message = resp.ErrorMessage()
		}
		err := &ServerError{
			Kind:    ErrAuthentication,
			Method:  MethodAuthenticate,
			Status:  resp.Status,
			Message: message,
		}
		s.logger.Error("Authentication failed", zap.Error(err))
		return err
	}

	s.token = result.Token
	s.state = StateAuthenticated
	s.logger.Info("Authenticated successfully", zap.String("username", s.username))
	return nil
}

// EnsureAuthenticated authenticates when there is no live connection or no
// token. Otherwise it does nothing: a dead connection is only noticed when
// the next call fails.
func (s *Session) EnsureAuthenticated(ctx context.Context) error {
	switch {
	case !s.transport.IsConnected():
		s.logger.Debug("No active connection, authenticating")
	case s.token == "":
		s.logger.Debug("No valid token, authenticating")
	default:
		return nil
	}
	return s.Authenticate(ctx)
}

// authenticated reports whether a connection and token are both held.
func (s *Session) authenticated() bool {
	return s.transport.IsConnected() && s.token != ""
}
