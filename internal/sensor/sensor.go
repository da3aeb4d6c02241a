// Package sensor turns hub things into one sensor per state, the shape a
// host application consumes.
package sensor

import (
	"context"

	"nymeahem/internal/nymea"
	"nymeahem/internal/value"

	"go.uber.org/zap"
)

// UnknownValue is reported when a sensor's state is missing from a snapshot
const UnknownValue = "Unknown"

// deviceClasses maps a thing's primary interface to a host device class
var deviceClasses = map[string]string{
	"temperaturesensor":  "temperature",
	"energymeter":        "energy",
	"smartmeter":         "energy",
	"smartmeterproducer": "power",
	"powersocket":        "power",
	"humiditysensor":     "humidity",
}

// Sensor is one state of one thing
type Sensor struct {
	UniqueID       string          `json:"unique_id"`
	Name           string          `json:"name"`
	Unit           string          `json:"unit,omitempty"`
	DeviceClass    string          `json:"device_class,omitempty"`
	ValueType      value.Type      `json:"-"`
	ThingID        string          `json:"thing_id"`
	ThingName      string          `json:"thing_name"`
	ThingClassID   string          `json:"thing_class_id"`
	ThingClassName string          `json:"thing_class_name,omitempty"`
	Interfaces     []string        `json:"interfaces"`
	StateType      nymea.StateType `json:"-"`
}

// New builds the sensor for stateType on thing.
func New(thing nymea.Thing, stateType nymea.StateType) *Sensor {
	displayName := stateType.DisplayName
	if displayName == "" {
		displayName = stateType.Name
	}
	if displayName == "" {
		displayName = UnknownValue
	}

	typeTag := stateType.Type
	if typeTag == "" {
		typeTag = "String"
	}

	interfaces := thing.Interfaces
	if interfaces == nil {
		interfaces = []string{}
	}

	var deviceClass string
	if len(interfaces) > 0 {
		deviceClass = deviceClasses[interfaces[0]]
	}

	return &Sensor{
		UniqueID:       thing.ID + "_" + stateType.ID,
		Name:           thing.Name + " " + displayName,
		Unit:           value.Unit(stateType.Unit),
		DeviceClass:    deviceClass,
		ValueType:      value.ParseType(typeTag),
		ThingID:        thing.ID,
		ThingName:      thing.Name,
		ThingClassID:   thing.ThingClassID,
		ThingClassName: thing.ThingClassName,
		Interfaces:     interfaces,
		StateType:      stateType,
	}
}

// NativeValue finds this sensor's state in things and converts it. It
// returns UnknownValue if the thing or the state is absent.
func (s *Sensor) NativeValue(things []nymea.Thing, converter *value.Converter) any {
	for i := range things {
		if things[i].ID != s.ThingID {
			continue
		}
		raw, ok := things[i].StateValue(s.StateType.ID)
		if !ok {
			return UnknownValue
		}
		if raw == nil {
			return UnknownValue
		}
		return converter.Convert(raw, s.ValueType)
	}
	return UnknownValue
}

// Attributes returns the extra attributes exposed alongside the value.
func (s *Sensor) Attributes() map[string]any {
	return map[string]any{
		"state_type_id":    s.StateType.ID,
		"state_name":       s.StateType.Name,
		"state_type":       s.typeTag(),
		"thing_id":         s.ThingID,
		"unit":             s.Unit,
		"thing_name":       s.ThingName,
		"thing_class_id":   s.ThingClassID,
		"interfaces":       s.Interfaces,
		"thing_class_name": s.ThingClassName,
	}
}

func (s *Sensor) typeTag() string {
	if s.StateType.Type == "" {
		return "String"
	}
	return s.StateType.Type
}

// ClassSource resolves thing class ids; nymea.Hub satisfies it.
type ClassSource interface {
	GetThingClassDetails(ctx context.Context, thingClassID string) ([]nymea.ThingClass, error)
}

// Builder creates sensors for an inventory, looking up each thing's class.
type Builder struct {
	hub    ClassSource
	logger *zap.Logger
}

// NewBuilder creates a builder that queries hub for class details.
func NewBuilder(hub ClassSource, logger *zap.Logger) *Builder {
	return &Builder{hub: hub, logger: logger}
}

// Build returns one sensor per state whose state type is declared by the
// thing's class, plus the ids of things whose class could not be resolved.
// Those things are skipped and logged; states without a matching state type
// are skipped silently.
func (b *Builder) Build(ctx context.Context, things []nymea.Thing) ([]*Sensor, []string) {
	sensors := make([]*Sensor, 0)
	var unresolved []string

	for _, thing := range things {
		classes, err := b.hub.GetThingClassDetails(ctx, thing.ThingClassID)
		if err != nil {
			b.logger.Error("Error fetching thing class details",
				zap.String("thing", thing.Name),
				zap.String("thing_class_id", thing.ThingClassID),
				zap.Error(err))
			unresolved = append(unresolved, thing.ID)
			continue
		}
		if len(classes) == 0 {
			b.logger.Warn("No class details found for thing", zap.String("thing", thing.Name))
			unresolved = append(unresolved, thing.ID)
			continue
		}

		class := classes[0]
		if len(thing.Interfaces) == 0 && len(class.Interfaces) > 0 {
			thing.Interfaces = class.Interfaces
		}
		if thing.ThingClassName == "" {
			thing.ThingClassName = class.Name
		}

		for _, state := range thing.States {
			stateType, ok := class.StateType(state.StateTypeID)
			if !ok {
				continue
			}
			sensors = append(sensors, New(thing, stateType))
		}
	}

	b.logger.Debug("Built sensors",
		zap.Int("count", len(sensors)),
		zap.Int("unresolved", len(unresolved)))
	return sensors, unresolved
}
