package nymea

import (
	"context"
	"fmt"
	"sync"
)

// MockClient implements Hub for testing consumers
type MockClient struct {
	things     []Thing
	classes    map[string][]ThingClass
	classErrs  map[string]error
	thingsErr  error
	authErr    error
	serverInfo *ServerInfo
	dataMu     sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	calls   []MockCall
	callsMu sync.Mutex
}

// MockCall records a call made against the mock
type MockCall struct {
	Method       string
	ThingClassID string
}

// NewMockClient creates a new mock hub client
func NewMockClient() *MockClient {
	return &MockClient{
		classes:   make(map[string][]ThingClass),
		classErrs: make(map[string]error),
	}
}

// Authenticate simulates logging in
func (m *MockClient) Authenticate(ctx context.Context) error {
	m.record(MockCall{Method: MethodAuthenticate})

	m.dataMu.RLock()
	err := m.authErr
	m.dataMu.RUnlock()
	if err != nil {
		return err
	}

	m.connMu.Lock()
	m.connected = true
	m.connMu.Unlock()
	return nil
}

// GetThings returns the configured inventory
func (m *MockClient) GetThings(ctx context.Context) ([]Thing, error) {
	m.record(MockCall{Method: MethodGetThings})

	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	if m.thingsErr != nil {
		return nil, m.thingsErr
	}
	things := make([]Thing, len(m.things))
	copy(things, m.things)
	return things, nil
}

// GetThingClassDetails returns the configured class for thingClassID
func (m *MockClient) GetThingClassDetails(ctx context.Context, thingClassID string) ([]ThingClass, error) {
	m.record(MockCall{Method: MethodGetThingClasses, ThingClassID: thingClassID})

	m.dataMu.RLock()
	defer m.dataMu.RUnlock()

	if err, ok := m.classErrs[thingClassID]; ok {
		return nil, err
	}
	classes, ok := m.classes[thingClassID]
	if !ok {
		return nil, &ServerError{
			Kind:    ErrQuery,
			Method:  MethodGetThingClasses,
			Status:  "error",
			Message: fmt.Sprintf("thing class %s not found", thingClassID),
		}
	}
	return classes, nil
}

// ServerInfo returns the configured server info
func (m *MockClient) ServerInfo() *ServerInfo {
	m.dataMu.RLock()
	defer m.dataMu.RUnlock()
	return m.serverInfo
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// Close simulates disconnecting
func (m *MockClient) Close() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connected = false
	return nil
}

// SetThings replaces the inventory returned by GetThings
func (m *MockClient) SetThings(things []Thing) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.things = things
}

// SetThingClass registers the class returned for class.ID
func (m *MockClient) SetThingClass(class ThingClass) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.classes[class.ID] = []ThingClass{class}
}

// SetThingClassError makes lookups of thingClassID fail with err; nil clears it
func (m *MockClient) SetThingClassError(thingClassID string, err error) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if err == nil {
		delete(m.classErrs, thingClassID)
		return
	}
	m.classErrs[thingClassID] = err
}

// SetThingsError makes GetThings fail with err; nil clears it
func (m *MockClient) SetThingsError(err error) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.thingsErr = err
}

// SetAuthError makes Authenticate fail with err; nil clears it
func (m *MockClient) SetAuthError(err error) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.authErr = err
}

// SetServerInfo sets the value returned by ServerInfo
func (m *MockClient) SetServerInfo(info *ServerInfo) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.serverInfo = info
}

// Calls returns all recorded calls
func (m *MockClient) Calls() []MockCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]MockCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CountCalls returns how many times method was called
func (m *MockClient) CountCalls(method string) int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *MockClient) record(call MockCall) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.calls = append(m.calls, call)
}
