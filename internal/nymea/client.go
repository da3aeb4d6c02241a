package nymea

import (
	"context"
	"errors"
	"sync"

	"nymeahem/internal/metrics"

	"go.uber.org/zap"
)

// Hub defines the operations consumers need from a nymea hub
type Hub interface {
	Authenticate(ctx context.Context) error
	GetThings(ctx context.Context) ([]Thing, error)
	GetThingClassDetails(ctx context.Context, thingClassID string) ([]ThingClass, error)
	ServerInfo() *ServerInfo
	IsConnected() bool
	Close() error
}

// Options configures a Client
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool

	// MaxMessageSize bounds a single response; 0 uses DefaultMaxMessageSize.
	MaxMessageSize int

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Client implements Hub over a single serialized session
type Client struct {
	mu      sync.Mutex
	session *Session
	logger  *zap.Logger
	metrics *metrics.Metrics

	classes    map[string][]ThingClass
	classesGen uint64
}

// NewClient creates a client. Nothing is dialed until the first call.
func NewClient(opts Options, logger *zap.Logger) *Client {
	transport := NewTransport(opts.Host, opts.Port, opts.TLS, logger)
	if opts.MaxMessageSize > 0 {
		transport.maxMessageSize = opts.MaxMessageSize
	}

	return &Client{
		session: NewSession(transport, opts.Username, opts.Password, logger, opts.Metrics),
		logger:  logger,
		metrics: opts.Metrics,
		classes: make(map[string][]ThingClass),
	}
}

// Authenticate connects, performs the handshake and logs in.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Authenticate(ctx)
}

// GetThings returns the full thing inventory in the order the hub sent it.
func (c *Client) GetThings(ctx context.Context) ([]Thing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.privileged(ctx, MethodGetThings, nil)
	if err != nil {
		c.logger.Error("Error fetching things", zap.Error(err))
		return nil, err
	}

	if resp.Status != StatusSuccess {
		c.logger.Warn("GetThings returned non-success status",
			zap.String("status", resp.Status),
			zap.String("error", resp.ErrorMessage()))
	}

	var result getThingsResult
	if err := resp.decodeParams(&result); err != nil {
		return nil, &ServerError{Kind: ErrQuery, Method: MethodGetThings, Status: resp.Status, Message: err.Error()}
	}
	if result.Things == nil {
		result.Things = []Thing{}
	}

	c.logger.Info("Retrieved things", zap.Int("count", len(result.Things)))
	return result.Things, nil
}

// GetThingClassDetails returns the class description for thingClassID.
// Results are cached for the lifetime of the current connection.
func (c *Client) GetThingClassDetails(ctx context.Context, thingClassID string) ([]ThingClass, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if classes, ok := c.cachedClasses(thingClassID); ok {
		return classes, nil
	}

	resp, err := c.privileged(ctx, MethodGetThingClasses, getThingClassesParams{
		ThingClassIDs: []string{thingClassID},
	})
	if err != nil {
		c.logger.Error("Error fetching thing class details",
			zap.String("thing_class_id", thingClassID),
			zap.Error(err))
		return nil, err
	}

	if resp.Status != StatusSuccess {
		return nil, &ServerError{
			Kind:    ErrQuery,
			Method:  MethodGetThingClasses,
			Status:  resp.Status,
			Message: resp.ErrorMessage(),
		}
	}

	var result getThingClassesResult
	if err := resp.decodeParams(&result); err != nil {
		return nil, &ServerError{Kind: ErrQuery, Method: MethodGetThingClasses, Status: resp.Status, Message: err.Error()}
	}
	if result.ThingClasses == nil {
		result.ThingClasses = []ThingClass{}
	}

	c.storeClasses(thingClassID, result.ThingClasses)
	return result.ThingClasses, nil
}

// privileged runs an authenticated call. If a session that was already
// established turns out to be dead or unauthorized, the client tears it
// down, authenticates again and retries exactly once.
func (c *Client) privileged(ctx context.Context, method string, params any) (*Response, error) {
	established := c.session.authenticated()

	resp, err := c.attempt(ctx, method, params)
	if !established || !needsReauth(resp, err) || ctx.Err() != nil {
		return resp, err
	}

	c.logger.Info("Session lost, re-authenticating",
		zap.String("method", method),
		zap.Error(err))
	c.metrics.IncReconnects()
	c.session.Reset()

	return c.attempt(ctx, method, params)
}

func (c *Client) attempt(ctx context.Context, method string, params any) (*Response, error) {
	if err := c.session.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}
	return c.session.Call(ctx, method, params, true)
}

func needsReauth(resp *Response, err error) bool {
	if err != nil {
		return isStreamError(err)
	}
	return resp != nil && resp.Status == StatusUnauthorized
}

func (c *Client) cachedClasses(thingClassID string) ([]ThingClass, bool) {
	if !c.session.transport.IsConnected() || c.classesGen != c.session.Generation() {
		return nil, false
	}
	classes, ok := c.classes[thingClassID]
	return classes, ok
}

func (c *Client) storeClasses(thingClassID string, classes []ThingClass) {
	if gen := c.session.Generation(); c.classesGen != gen {
		c.classes = make(map[string][]ThingClass)
		c.classesGen = gen
	}
	c.classes[thingClassID] = classes
}

// ServerInfo returns the metadata from the last successful handshake, or nil.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := c.session.ServerInfo()
	if info == nil {
		return nil
	}
	snapshot := *info
	snapshot.Experiences = append([]Experience(nil), info.Experiences...)
	return &snapshot
}

// IsConnected returns true if a connection is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.transport.IsConnected()
}

// State returns the handshake state of the session.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State()
}

// Token returns the held session token.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Token()
}

// Close closes the connection. A later call reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Close()
}

// IsAuthError reports whether err is a rejected handshake or login, which
// retrying with the same credentials will not fix.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrHandshake)
}
