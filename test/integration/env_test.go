// Package integration runs the client, poller and API together against the
// in-process fake hub.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nymeahem/internal/api"
	"nymeahem/internal/clock"
	"nymeahem/internal/coordinator"
	"nymeahem/internal/metrics"
	"nymeahem/internal/nymea"
	"nymeahem/pkg/testutil"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testUser     = "admin"
	testPassword = "hunter2"
	pollInterval = time.Minute
)

var epoch = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// env is a running hub, client, poller and API server
type env struct {
	Hub     *testutil.MockHubServer
	Client  *nymea.Client
	Poller  *coordinator.Coordinator
	Clock   *clock.MockClock
	Metrics *metrics.Metrics
	API     *httptest.Server
}

type envOptions struct {
	tls      bool
	password string
}

func meterClass() testutil.ThingClass {
	return testutil.ThingClass{
		ID:          "c1a5b7e0-0000-4000-8000-000000000001",
		Name:        "energyMeter",
		DisplayName: "Energy meter",
		StateTypes: []testutil.StateType{
			{ID: "st-power", Name: "currentPower", DisplayName: "Current power", Type: "Double", Unit: "UnitWatt"},
			{ID: "st-energy", Name: "totalEnergyConsumed", DisplayName: "Total energy", Type: "Double", Unit: "UnitKiloWattHour"},
			{ID: "st-connected", Name: "connected", DisplayName: "Connected", Type: "Bool"},
			{ID: "st-phases", Name: "phaseCount", DisplayName: "Phases", Type: "Uint"},
		},
	}
}

func meter(id, name string, power any) testutil.Thing {
	return testutil.Thing{
		ID:           id,
		Name:         name,
		ThingClassID: meterClass().ID,
		Interfaces:   []string{"energymeter"},
		States: []testutil.State{
			{StateTypeID: "st-power", Value: power},
			{StateTypeID: "st-energy", Value: 4521.75},
			{StateTypeID: "st-connected", Value: true},
			{StateTypeID: "st-phases", Value: 3},
			{StateTypeID: "st-unknown", Value: "ignored"},
		},
	}
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)

	hub := testutil.NewMockHubServer(testUser, testPassword)
	if opts.tls {
		hub.EnableTLS()
	}
	hub.AddThingClass(meterClass())
	hub.SetThings([]testutil.Thing{meter("thing-main", "Main meter", 1250.5)})
	require.NoError(t, hub.Start())
	t.Cleanup(func() { _ = hub.Stop() })

	password := opts.password
	if password == "" {
		password = testPassword
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	client := nymea.NewClient(nymea.Options{
		Host:     hub.Host(),
		Port:     hub.Port(),
		Username: testUser,
		Password: password,
		TLS:      opts.tls,
		Metrics:  m,
	}, logger)
	t.Cleanup(func() { _ = client.Close() })

	clk := clock.NewMockClock(epoch)
	poller := coordinator.New(client, coordinator.Options{
		PollInterval:   pollInterval,
		RequestTimeout: 5 * time.Second,
		Clock:          clk,
		Metrics:        m,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 3)
		},
	}, logger)
	t.Cleanup(poller.Stop)

	server := api.NewServer(poller, client, reg, logger, 0)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &env{Hub: hub, Client: client, Poller: poller, Clock: clk, Metrics: m, API: ts}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.Poller.Start(context.Background()))
}

// tick advances the clock by one interval and waits for the resulting poll
func (e *env) tick(t *testing.T) {
	t.Helper()
	done := make(chan struct{}, 1)
	unsubscribe := e.Poller.Subscribe(func(coordinator.Snapshot) {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	require.True(t, e.Clock.BlockUntil(1, time.Second), "poll loop not waiting")
	e.Clock.Advance(pollInterval)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not complete")
	}
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.API.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
