// Package coordinator polls the hub on a fixed interval and keeps the latest
// inventory and its sensors available to readers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nymeahem/internal/clock"
	"nymeahem/internal/metrics"
	"nymeahem/internal/nymea"
	"nymeahem/internal/sensor"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrPollInProgress is returned by Refresh while another refresh is running
var ErrPollInProgress = errors.New("poll already in progress")

// DefaultPollInterval is used when Options.PollInterval is zero
const DefaultPollInterval = 60 * time.Second

// Snapshot is the result of one successful poll cycle. Unresolved lists the
// things whose class lookup failed; their sensors are missing until a later
// poll resolves them.
type Snapshot struct {
	Things     []nymea.Thing
	Sensors    []*sensor.Sensor
	Unresolved []string
	UpdatedAt  time.Time
}

// Options configures a Coordinator
type Options struct {
	PollInterval time.Duration
	// RequestTimeout bounds each poll cycle; zero means no bound
	RequestTimeout time.Duration
	Clock          clock.Clock
	Metrics        *metrics.Metrics
	// NewBackOff builds the retry policy for the initial login
	NewBackOff func() backoff.BackOff
}

// Coordinator owns the poll loop
type Coordinator struct {
	hub     nymea.Hub
	builder *sensor.Builder
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	interval   time.Duration
	timeout    time.Duration
	newBackOff func() backoff.BackOff

	polling atomic.Bool

	mu       sync.RWMutex
	snapshot *Snapshot
	lastErr  error

	listenersMu sync.Mutex
	listeners   map[int]func(Snapshot)
	nextID      int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator for hub
func New(hub nymea.Hub, opts Options, logger *zap.Logger) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			b.MaxInterval = 5 * time.Minute
			return b
		}
	}

	return &Coordinator{
		hub:        hub,
		builder:    sensor.NewBuilder(hub, logger),
		logger:     logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		interval:   opts.PollInterval,
		timeout:    opts.RequestTimeout,
		newBackOff: opts.NewBackOff,
		listeners:  make(map[int]func(Snapshot)),
	}
}

// Start logs in, runs the first poll and launches the poll loop.
// Login is retried until it succeeds, ctx ends or the hub rejects the
// credentials. A failed first poll is logged and does not stop the loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("Initial poll failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx)

	c.logger.Info("Poll loop started", zap.Duration("interval", c.interval))
	return nil
}

// Stop ends the poll loop and waits for it to exit
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (c *Coordinator) login(ctx context.Context) error {
	operation := func() error {
		err := c.hub.Authenticate(ctx)
		if nymea.IsAuthError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Hub login failed, retrying",
			zap.Error(err),
			zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("initial login: %w", err)
	}

	if info := c.hub.ServerInfo(); info != nil {
		c.logger.Info("Connected to hub",
			zap.String("name", info.Name),
			zap.String("version", info.Version),
			zap.String("uuid", info.UUID))
	}
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.interval):
		}

		if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrPollInProgress) {
			c.logger.Warn("Poll failed", zap.Error(err))
		}
	}
}

// Refresh runs one poll cycle. On failure the previous snapshot is kept.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.polling.CompareAndSwap(false, true) {
		return ErrPollInProgress
	}
	defer c.polling.Store(false)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := c.clock.Now()
	things, err := c.hub.GetThings(ctx)
	if err != nil {
		c.metrics.ObservePoll("failure", c.clock.Since(start))
		c.metrics.SetConnected(c.hub.IsConnected())
		c.setError(err)
		return fmt.Errorf("fetching things: %w", err)
	}

	c.mu.RLock()
	previous := c.snapshot
	c.mu.RUnlock()

	var (
		sensors    []*sensor.Sensor
		unresolved []string
	)
	if previous != nil && len(previous.Unresolved) == 0 && sameThings(previous.Things, things) {
		sensors = previous.Sensors
	} else {
		sensors, unresolved = c.builder.Build(ctx, things)
		c.logger.Info("Sensors rebuilt",
			zap.Int("things", len(things)),
			zap.Int("sensors", len(sensors)))
		if len(unresolved) > 0 {
			c.logger.Warn("Things without class details, retrying next poll",
				zap.Strings("things", unresolved))
		}
	}

	snap := Snapshot{Things: things, Sensors: sensors, Unresolved: unresolved, UpdatedAt: c.clock.Now()}

	c.mu.Lock()
	c.snapshot = &snap
	c.lastErr = nil
	c.mu.Unlock()

	c.metrics.ObservePoll("success", c.clock.Since(start))
	c.metrics.SetSensors(len(sensors))
	c.metrics.SetConnected(true)

	c.notify(snap)
	return nil
}

func (c *Coordinator) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// Snapshot returns the latest successful poll result, or false before the
// first one.
func (c *Coordinator) Snapshot() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return Snapshot{}, false
	}
	return *c.snapshot, true
}

// Sensors returns the sensors of the latest snapshot
func (c *Coordinator) Sensors() []*sensor.Sensor {
	snap, _ := c.Snapshot()
	return snap.Sensors
}

// LastError returns the error of the last poll, nil if it succeeded
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Hub returns the hub being polled
func (c *Coordinator) Hub() nymea.Hub {
	return c.hub
}

// Subscribe registers fn to receive every new snapshot. The returned func
// removes it.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) notify(snap Snapshot) {
	c.listenersMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// sameThings reports whether a and b hold the same set of thing ids
func sameThings(a, b []nymea.Thing) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]struct{}, len(a))
	for _, t := range a {
		ids[t.ID] = struct{}{}
	}
	for _, t := range b {
		if _, ok := ids[t.ID]; !ok {
			return false
		}
	}
	return true
}
