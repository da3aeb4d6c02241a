package nymea

import (
	"bytes"
	"encoding/json"
	"strings"
)

// JSON-RPC methods consumed from the hub
const (
	MethodHello           = "JSONRPC.Hello"
	MethodAuthenticate    = "JSONRPC.Authenticate"
	MethodGetThings       = "Integrations.GetThings"
	MethodGetThingClasses = "Integrations.GetThingClasses"
)

// Response status values
const (
	StatusSuccess      = "success"
	StatusUnauthorized = "unauthorized"
)

// DeviceName identifies this client to the hub when authenticating
const DeviceName = "nymea-hem-go"

// Request is a JSON-RPC request sent to the hub
type Request struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	Token  string `json:"token,omitempty"`
}

// Response is a JSON-RPC response from the hub
type Response struct {
	ID     int             `json:"id"`
	Status string          `json:"status"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// ErrorMessage renders the error field, which the hub sends as a string but
// is not guaranteed to be one.
func (r *Response) ErrorMessage() string {
	if len(r.Error) == 0 || bytes.Equal(r.Error, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return string(r.Error)
}

// decodeParams unmarshals the params object into v. Missing params leave v untouched.
func (r *Response) decodeParams(v any) error {
	if len(r.Params) == 0 || bytes.Equal(r.Params, []byte("null")) {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

// ServerInfo is the hub metadata returned by JSONRPC.Hello
type ServerInfo struct {
	Name                   string       `json:"name"`
	Server                 string       `json:"server"`
	Version                string       `json:"version"`
	ProtocolVersion        string       `json:"protocol version"`
	UUID                   string       `json:"uuid"`
	Locale                 string       `json:"locale"`
	Language               string       `json:"language"`
	AuthenticationRequired bool         `json:"authenticationRequired"`
	InitialSetupRequired   bool         `json:"initialSetupRequired"`
	Experiences            []Experience `json:"experiences"`
}

// Experience is an optional feature set advertised by the hub
type Experience struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Thing is a device managed by the hub
type Thing struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	ThingClassID   string   `json:"thingClassId"`
	ThingClassName string   `json:"thingClassName,omitempty"`
	Interfaces     []string `json:"interfaces,omitempty"`
	States         []State  `json:"states"`
}

// StateValue returns the raw value of the state with the given type id.
func (t *Thing) StateValue(stateTypeID string) (any, bool) {
	for _, s := range t.States {
		if s.StateTypeID == stateTypeID {
			return s.Value, true
		}
	}
	return nil, false
}

// State is the current value of one state of a thing
type State struct {
	StateTypeID string `json:"stateTypeId"`
	Value       any    `json:"value"`
}

// ThingClass describes the states a class of things exposes
type ThingClass struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Interfaces  []string    `json:"interfaces,omitempty"`
	StateTypes  []StateType `json:"stateTypes"`
}

// StateType finds the state type with the given id.
func (c *ThingClass) StateType(id string) (StateType, bool) {
	for _, st := range c.StateTypes {
		if st.ID == id {
			return st, true
		}
	}
	return StateType{}, false
}

// StateType declares the name, value type and unit of a state
type StateType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Type        string `json:"type"`
	Unit        string `json:"unit,omitempty"`
}

// UnmarshalJSON accepts version fields sent either as strings or as numbers.
func (s *ServerInfo) UnmarshalJSON(data []byte) error {
	type plain ServerInfo
	var wire struct {
		plain
		ProtocolVersion json.RawMessage `json:"protocol version"`
		Experiences     []struct {
			Name    string          `json:"name"`
			Version json.RawMessage `json:"version"`
		} `json:"experiences"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*s = ServerInfo(wire.plain)
	s.ProtocolVersion = looseString(wire.ProtocolVersion)
	s.Experiences = make([]Experience, 0, len(wire.Experiences))
	for _, e := range wire.Experiences {
		s.Experiences = append(s.Experiences, Experience{Name: e.Name, Version: looseString(e.Version)})
	}
	return nil
}

// looseString renders a JSON scalar as text: strings are unquoted, numbers
// and booleans keep their literal form.
func looseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

type authenticateParams struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	DeviceName string `json:"deviceName"`
}

type authenticateResult struct {
	Success             bool   `json:"success"`
	Token               string `json:"token"`
	AuthenticationError string `json:"authenticationError,omitempty"`
}

type getThingsResult struct {
	Things []Thing `json:"things"`
}

type getThingClassesParams struct {
	ThingClassIDs []string `json:"thingClassIds"`
}

type getThingClassesResult struct {
	ThingClasses []ThingClass `json:"thingClasses"`
}
