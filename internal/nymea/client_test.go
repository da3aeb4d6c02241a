package nymea

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"nymeahem/internal/metrics"
	"nymeahem/pkg/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	testUser     = "admin"
	testPassword = "secret"
	classMeter   = "{5e2a1c2b-9c44-4d4f-8a0f-4c0f4c7a0001}"
	statePower   = "{5e2a1c2b-9c44-4d4f-8a0f-4c0f4c7a0002}"
)

// mockHub starts a mock hub with one energy meter and registers cleanup.
func mockHub(t *testing.T) *testutil.MockHubServer {
	t.Helper()

	server := testutil.NewMockHubServer(testUser, testPassword)
	server.AddThingClass(testutil.ThingClass{
		ID:   classMeter,
		Name: "energyMeter",
		StateTypes: []testutil.StateType{
			{ID: statePower, Name: "currentPower", DisplayName: "Current power", Type: "Double", Unit: "UnitWatt"},
		},
	})
	server.SetThings([]testutil.Thing{
		{
			ID:           "{thing-1}",
			Name:         "Main meter",
			ThingClassID: classMeter,
			Interfaces:   []string{"energymeter"},
			States:       []testutil.State{{StateTypeID: statePower, Value: 1234.5}},
		},
	})

	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server
}

func newTestClient(t *testing.T, server *testutil.MockHubServer, useTLS bool) *Client {
	t.Helper()

	client := NewClient(Options{
		Host:     server.Host(),
		Port:     server.Port(),
		Username: testUser,
		Password: testPassword,
		TLS:      useTLS,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_Authenticate(t *testing.T) {
	t.Run("successful login stores token and server info", func(t *testing.T) {
		server := mockHub(t)
		server.SetFixedToken("abc123")
		client := newTestClient(t, server, false)

		err := client.Authenticate(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "abc123", client.Token())
		assert.Equal(t, StateAuthenticated, client.State())
		assert.True(t, client.IsConnected())

		info := client.ServerInfo()
		require.NotNil(t, info)
		assert.Equal(t, "mock-hub", info.Name)
		assert.Equal(t, "nymea", info.Server)
		assert.Equal(t, "8.0", info.ProtocolVersion)
		assert.True(t, info.AuthenticationRequired)
		require.Len(t, info.Experiences, 1)
		assert.Equal(t, "NymeaEnergy", info.Experiences[0].Name)

		auth := server.RequestsFor(MethodAuthenticate)
		require.Len(t, auth, 1)
		var params authenticateParams
		require.NoError(t, json.Unmarshal(auth[0].Params, &params))
		assert.Equal(t, testUser, params.Username)
		assert.Equal(t, DeviceName, params.DeviceName)
		assert.Empty(t, auth[0].Token)
	})

	t.Run("handshake rejected", func(t *testing.T) {
		server := mockHub(t)
		server.SetHelloError("Protocol version mismatch")
		client := newTestClient(t, server, false)

		err := client.Authenticate(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandshake)

		var serverErr *ServerError
		require.True(t, errors.As(err, &serverErr))
		assert.Equal(t, "Protocol version mismatch", serverErr.Message)
		assert.Nil(t, client.ServerInfo())
		assert.Empty(t, server.RequestsFor(MethodAuthenticate))
	})

	t.Run("rejected handshake clears earlier server info", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)

		require.NoError(t, client.Authenticate(context.Background()))
		require.NotNil(t, client.ServerInfo())

		server.SetHelloError("Hub is shutting down")
		err := client.Authenticate(context.Background())
		require.ErrorIs(t, err, ErrHandshake)
		assert.Nil(t, client.ServerInfo())
	})

	t.Run("wrong password", func(t *testing.T) {
		server := mockHub(t)
		client := NewClient(Options{
			Host:     server.Host(),
			Port:     server.Port(),
			Username: testUser,
			Password: "wrong",
		}, zap.NewNop())
		defer client.Close()

		err := client.Authenticate(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAuthentication)
		assert.Contains(t, err.Error(), "AuthenticationErrorAuthenticationFailed")
		assert.Empty(t, client.Token())
		assert.True(t, IsAuthError(err))
	})

	t.Run("authenticate always re-runs the handshake", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)

		require.NoError(t, client.Authenticate(context.Background()))
		require.NoError(t, client.Authenticate(context.Background()))

		assert.Len(t, server.RequestsFor(MethodHello), 2)
		assert.Len(t, server.RequestsFor(MethodAuthenticate), 2)
		assert.Equal(t, 1, server.Connections())
	})

	t.Run("over TLS with a self-signed certificate", func(t *testing.T) {
		server := testutil.NewMockHubServer(testUser, testPassword)
		server.EnableTLS()
		require.NoError(t, server.Start())
		defer server.Stop()

		client := newTestClient(t, server, true)
		require.NoError(t, client.Authenticate(context.Background()))
		assert.NotEmpty(t, client.Token())
	})

	t.Run("connection refused", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := listener.Addr().(*net.TCPAddr).Port
		listener.Close()

		client := NewClient(Options{Host: "127.0.0.1", Port: port, Username: testUser, Password: testPassword}, zap.NewNop())
		err = client.Authenticate(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnection)
		assert.Equal(t, StateDisconnected, client.State())
	})
}

func TestClient_GetThings(t *testing.T) {
	t.Run("attaches the session token", func(t *testing.T) {
		server := mockHub(t)
		server.SetFixedToken("abc123")
		client := newTestClient(t, server, false)

		require.NoError(t, client.Authenticate(context.Background()))
		things, err := client.GetThings(context.Background())
		require.NoError(t, err)

		require.Len(t, things, 1)
		assert.Equal(t, "Main meter", things[0].Name)
		assert.Equal(t, classMeter, things[0].ThingClassID)
		assert.Equal(t, []string{"energymeter"}, things[0].Interfaces)
		value, ok := things[0].StateValue(statePower)
		require.True(t, ok)
		assert.Equal(t, 1234.5, value)

		reqs := server.RequestsFor(MethodGetThings)
		require.Len(t, reqs, 1)
		assert.Equal(t, "abc123", reqs[0].Token)
	})

	t.Run("authenticates exactly once on first use", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)

		_, err := client.GetThings(context.Background())
		require.NoError(t, err)
		_, err = client.GetThings(context.Background())
		require.NoError(t, err)

		assert.Len(t, server.RequestsFor(MethodHello), 1)
		assert.Len(t, server.RequestsFor(MethodAuthenticate), 1)
		assert.Len(t, server.RequestsFor(MethodGetThings), 2)
		assert.Equal(t, 1, server.Connections())

		methods := []string{}
		for _, r := range server.Requests() {
			methods = append(methods, r.Method)
		}
		assert.Equal(t, []string{MethodHello, MethodAuthenticate, MethodGetThings, MethodGetThings}, methods)
	})

	t.Run("empty inventory", func(t *testing.T) {
		server := mockHub(t)
		server.SetThings(nil)
		client := newTestClient(t, server, false)

		things, err := client.GetThings(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, things)
		assert.Empty(t, things)
	})

	t.Run("request ids increase", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)

		for i := 0; i < 3; i++ {
			_, err := client.GetThings(context.Background())
			require.NoError(t, err)
		}

		reqs := server.Requests()
		for i := 1; i < len(reqs); i++ {
			assert.Greater(t, reqs[i].ID, reqs[i-1].ID)
		}
	})

	t.Run("chunked responses", func(t *testing.T) {
		server := mockHub(t)
		server.SetChunking(7, time.Millisecond)
		client := newTestClient(t, server, false)

		things, err := client.GetThings(context.Background())
		require.NoError(t, err)
		assert.Len(t, things, 1)
	})
}

func TestClient_Reauthentication(t *testing.T) {
	t.Run("dropped connection is retried once", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)
		require.NoError(t, client.Authenticate(context.Background()))

		server.DropNext(MethodGetThings)
		things, err := client.GetThings(context.Background())
		require.NoError(t, err)
		assert.Len(t, things, 1)

		assert.Equal(t, 2, server.Connections())
		assert.Len(t, server.RequestsFor(MethodAuthenticate), 2)
	})

	t.Run("invalidated token is retried once", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)
		require.NoError(t, client.Authenticate(context.Background()))
		firstToken := client.Token()

		server.InvalidateTokens()
		_, err := client.GetThings(context.Background())
		require.NoError(t, err)

		assert.NotEqual(t, firstToken, client.Token())
		assert.Len(t, server.RequestsFor(MethodAuthenticate), 2)
		assert.Len(t, server.RequestsFor(MethodGetThings), 2)
	})

	t.Run("second failure is returned", func(t *testing.T) {
		server := mockHub(t)
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		client := NewClient(Options{
			Host:     server.Host(),
			Port:     server.Port(),
			Username: testUser,
			Password: testPassword,
			Metrics:  m,
		}, zaptest.NewLogger(t))
		defer client.Close()
		require.NoError(t, client.Authenticate(context.Background()))

		server.DropNext(MethodGetThings)
		server.DropNext(MethodHello)
		_, err := client.GetThings(context.Background())
		require.Error(t, err)
		assert.True(t, isStreamError(err))
		assert.Equal(t, 1.0, promtestutil.ToFloat64(m.Reconnects))
		assert.False(t, client.IsConnected())
	})

	t.Run("closed client resumes with its token", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)
		require.NoError(t, client.Authenticate(context.Background()))
		token := client.Token()

		require.NoError(t, client.Close())
		assert.False(t, client.IsConnected())
		assert.Equal(t, StateDisconnected, client.State())

		_, err := client.GetThings(context.Background())
		require.NoError(t, err)

		hellos := server.RequestsFor(MethodHello)
		require.Len(t, hellos, 2)
		assert.Empty(t, hellos[0].Token)
		assert.Equal(t, token, hellos[1].Token)
	})

	t.Run("fresh session is not retried", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)

		server.DropNext(MethodGetThings)
		_, err := client.GetThings(context.Background())
		require.Error(t, err)
		assert.True(t, isStreamError(err))
		assert.Len(t, server.RequestsFor(MethodAuthenticate), 1)
	})
}

func TestClient_GetThingClassDetails(t *testing.T) {
	t.Run("returns the class", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)

		classes, err := client.GetThingClassDetails(context.Background(), classMeter)
		require.NoError(t, err)
		require.Len(t, classes, 1)
		assert.Equal(t, classMeter, classes[0].ID)

		st, ok := classes[0].StateType(statePower)
		require.True(t, ok)
		assert.Equal(t, "Double", st.Type)
		assert.Equal(t, "UnitWatt", st.Unit)

		reqs := server.RequestsFor(MethodGetThingClasses)
		require.Len(t, reqs, 1)
		assert.JSONEq(t, `{"thingClassIds":["`+classMeter+`"]}`, string(reqs[0].Params))
		assert.NotEmpty(t, reqs[0].Token)
	})

	t.Run("cached per connection", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)

		_, err := client.GetThingClassDetails(context.Background(), classMeter)
		require.NoError(t, err)
		_, err = client.GetThingClassDetails(context.Background(), classMeter)
		require.NoError(t, err)
		assert.Len(t, server.RequestsFor(MethodGetThingClasses), 1)

		require.NoError(t, client.Close())
		_, err = client.GetThingClassDetails(context.Background(), classMeter)
		require.NoError(t, err)
		assert.Len(t, server.RequestsFor(MethodGetThingClasses), 2)
	})

	t.Run("server error", func(t *testing.T) {
		server := mockHub(t)
		server.SetMethodError(MethodGetThingClasses, "Invalid thing class id")
		client := newTestClient(t, server, false)

		_, err := client.GetThingClassDetails(context.Background(), "{nope}")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrQuery)
		assert.Contains(t, err.Error(), "Invalid thing class id")
	})

	t.Run("unknown class yields empty result", func(t *testing.T) {
		server := mockHub(t)
		client := newTestClient(t, server, false)

		classes, err := client.GetThingClassDetails(context.Background(), "{unknown}")
		require.NoError(t, err)
		assert.Empty(t, classes)
	})
}

func TestClient_ContextCancellation(t *testing.T) {
	// A peer that accepts and reads but never answers.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	client := NewClient(Options{Host: "127.0.0.1", Port: port, Username: testUser, Password: testPassword}, zap.NewNop())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = client.Authenticate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, client.IsConnected())
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	server := mockHub(t)
	transport := NewTransport(server.Host(), server.Port(), false, zap.NewNop())

	require.NoError(t, transport.Connect(context.Background()))
	assert.True(t, transport.IsConnected())
	assert.Equal(t, uint64(1), transport.Generation())

	require.NoError(t, transport.Connect(context.Background()))
	assert.Equal(t, uint64(1), transport.Generation())

	assert.NoError(t, transport.Close())
	assert.NoError(t, transport.Close())
	assert.False(t, transport.IsConnected())

	err := transport.Send(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestResponse_ErrorMessage(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"id":1,"status":"error","error":"No such method"}`, "No such method"},
		{`{"id":1,"status":"error","error":{"code":-32601}}`, `{"code":-32601}`},
		{`{"id":1,"status":"error"}`, ""},
		{`{"id":1,"status":"error","error":null}`, ""},
	}

	for _, tc := range cases {
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(tc.raw), &resp))
		assert.Equal(t, tc.want, resp.ErrorMessage())
	}
}

func TestServerInfo_NumericVersions(t *testing.T) {
	raw := `{"name":"hub","protocol version":5.4,"experiences":[{"name":"NymeaEnergy","version":1}],"authenticationRequired":true}`

	var info ServerInfo
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	assert.Equal(t, "hub", info.Name)
	assert.Equal(t, "5.4", info.ProtocolVersion)
	assert.True(t, info.AuthenticationRequired)
	require.Len(t, info.Experiences, 1)
	assert.Equal(t, "1", info.Experiences[0].Version)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "hello_acked", StateHelloAcked.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
