// Package testutil provides testing utilities for the nymea client.
// This package contains a mock nymea hub that speaks the JSON-RPC protocol
// over TCP or TLS.
package testutil

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is a request as received by the mock hub
type Request struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Token  string          `json:"token,omitempty"`
}

// Response is a response sent by the mock hub
type Response struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Params any    `json:"params,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Thing is a thing served by the mock hub
type Thing struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	ThingClassID string   `json:"thingClassId"`
	Interfaces   []string `json:"interfaces,omitempty"`
	States       []State  `json:"states"`
}

// State is a thing state served by the mock hub
type State struct {
	StateTypeID string `json:"stateTypeId"`
	Value       any    `json:"value"`
}

// ThingClass is a thing class served by the mock hub
type ThingClass struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	StateTypes  []StateType `json:"stateTypes"`
}

// StateType is a state type served by the mock hub
type StateType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
	Unit        string `json:"unit,omitempty"`
}

// MockHubServer simulates a nymea hub
type MockHubServer struct {
	username string
	password string
	useTLS   bool
	uuid     string

	listener net.Listener
	conns    []net.Conn
	connsMu  sync.Mutex
	wg       sync.WaitGroup

	mu          sync.Mutex
	things      []Thing
	classes     map[string]ThingClass
	tokens      map[string]bool
	fixedToken  string
	helloError  string
	methodError map[string]string
	dropOnce    map[string]bool
	chunkSize   int
	chunkDelay  time.Duration
	requests    []Request
	connections int
}

// NewMockHubServer creates a mock hub accepting the given credentials
func NewMockHubServer(username, password string) *MockHubServer {
	return &MockHubServer{
		username:    username,
		password:    password,
		uuid:        uuid.NewString(),
		classes:     make(map[string]ThingClass),
		tokens:      make(map[string]bool),
		methodError: make(map[string]string),
		dropOnce:    make(map[string]bool),
	}
}

// EnableTLS makes Start serve TLS with a freshly generated self-signed certificate
func (s *MockHubServer) EnableTLS() {
	s.useTLS = true
}

// Start listens on a random loopback port
func (s *MockHubServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if s.useTLS {
		cert, err := selfSignedCertificate()
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to create certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and all open connections
func (s *MockHubServer) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.DropConnections()
	s.wg.Wait()
	return err
}

// DropConnections closes every open client connection
func (s *MockHubServer) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

// Host returns the listening host
func (s *MockHubServer) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the listening port
func (s *MockHubServer) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// SetThings replaces the inventory
func (s *MockHubServer) SetThings(things []Thing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.things = things
}

// AddThingClass registers a thing class
func (s *MockHubServer) AddThingClass(class ThingClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[class.ID] = class
}

// SetFixedToken makes every successful login return token
func (s *MockHubServer) SetFixedToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixedToken = token
}

// SetHelloError makes JSONRPC.Hello fail with message; "" restores success
func (s *MockHubServer) SetHelloError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.helloError = message
}

// SetMethodError makes method respond with status "error"; "" clears it
func (s *MockHubServer) SetMethodError(method, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if message == "" {
		delete(s.methodError, method)
		return
	}
	s.methodError[method] = message
}

// DropNext closes the connection the next time method is received, without answering
func (s *MockHubServer) DropNext(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOnce[method] = true
}

// InvalidateTokens forgets all issued tokens, as after a hub restart
func (s *MockHubServer) InvalidateTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// SetChunking splits each response into writes of size bytes separated by delay
func (s *MockHubServer) SetChunking(size int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkSize = size
	s.chunkDelay = delay
}

// Requests returns all requests received so far
func (s *MockHubServer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := make([]Request, len(s.requests))
	copy(reqs, s.requests)
	return reqs
}

// RequestsFor returns the requests received for method
func (s *MockHubServer) RequestsFor(method string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Connections returns how many connections have been accepted
func (s *MockHubServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

func (s *MockHubServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("Mock hub accept error: %v", err)
			}
			return
		}

		s.connsMu.Lock()
		s.conns = append(s.conns, conn)
		s.connsMu.Unlock()

		s.mu.Lock()
		s.connections++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *MockHubServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	dec := json.NewDecoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		drop := s.dropOnce[req.Method]
		delete(s.dropOnce, req.Method)
		s.mu.Unlock()

		if drop {
			return
		}

		if err := s.write(conn, s.handle(req)); err != nil {
			return
		}
	}
}

func (s *MockHubServer) handle(req Request) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := Response{ID: req.ID, Status: "success"}
	if message, ok := s.methodError[req.Method]; ok {
		resp.Status = "error"
		resp.Error = message
		return resp
	}

	switch req.Method {
	case "JSONRPC.Hello":
		if s.helloError != "" {
			resp.Status = "error"
			resp.Error = s.helloError
			return resp
		}
		resp.Params = map[string]any{
			"name":                   "mock-hub",
			"server":                 "nymea",
			"version":                "1.9.0",
			"protocol version":       "8.0",
			"uuid":                   s.uuid,
			"locale":                 "en_US",
			"language":               "en_US",
			"authenticationRequired": true,
			"initialSetupRequired":   false,
			"experiences": []map[string]any{
				{"name": "NymeaEnergy", "version": "0.6"},
			},
		}

	case "JSONRPC.Authenticate":
		var params struct {
			Username   string `json:"username"`
			Password   string `json:"password"`
			DeviceName string `json:"deviceName"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if params.Username != s.username || params.Password != s.password {
			resp.Params = map[string]any{
				"success":             false,
				"authenticationError": "AuthenticationErrorAuthenticationFailed",
			}
			return resp
		}
		token := s.fixedToken
		if token == "" {
			token = uuid.NewString()
		}
		s.tokens[token] = true
		resp.Params = map[string]any{"success": true, "token": token}

	case "Integrations.GetThings":
		if !s.tokens[req.Token] {
			return unauthorized(req)
		}
		things := s.things
		if things == nil {
			things = []Thing{}
		}
		resp.Params = map[string]any{"things": things}

	case "Integrations.GetThingClasses":
		if !s.tokens[req.Token] {
			return unauthorized(req)
		}
		var params struct {
			ThingClassIDs []string `json:"thingClassIds"`
		}
		_ = json.Unmarshal(req.Params, &params)
		classes := []ThingClass{}
		for _, id := range params.ThingClassIDs {
			if class, ok := s.classes[id]; ok {
				classes = append(classes, class)
			}
		}
		resp.Params = map[string]any{"thingClasses": classes}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("No such method: %s", req.Method)
	}

	return resp
}

func unauthorized(req Request) Response {
	return Response{ID: req.ID, Status: "unauthorized", Error: "Forbidden: Invalid token."}
}

func (s *MockHubServer) write(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	size, delay := s.chunkSize, s.chunkDelay
	s.mu.Unlock()

	if size <= 0 {
		_, err := conn.Write(data)
		return err
	}

	r := bytes.NewReader(data)
	chunk := make([]byte, size)
	for {
		n, _ := r.Read(chunk)
		if n == 0 {
			return nil
		}
		if _, err := conn.Write(chunk[:n]); err != nil {
			return err
		}
		time.Sleep(delay)
	}
}

func selfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "nymea"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
