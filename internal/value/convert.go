// Package value converts hub state values into native Go values according to
// the type and unit declared by their state type.
package value

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

var errNilValue = errors.New("value is null")

// Type is the declared value type of a state type
type Type int

const (
	Unknown Type = iota
	Bool
	Double
	Int
	Uint
	String
	Object
	Color
)

var typeNames = map[Type]string{
	Bool:   "Bool",
	Double: "Double",
	Int:    "Int",
	Uint:   "Uint",
	String: "String",
	Object: "Object",
	Color:  "Color",
}

var typesByName = map[string]Type{
	"Bool":   Bool,
	"Double": Double,
	"Int":    Int,
	"Uint":   Uint,
	"String": String,
	"Object": Object,
	"Color":  Color,
}

// ParseType maps a wire type tag onto a Type. Unrecognised tags yield Unknown.
func ParseType(tag string) Type {
	return typesByName[tag]
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Converter converts raw state values and logs values that do not fit their
// declared type.
type Converter struct {
	logger *zap.Logger
}

// NewConverter creates a converter. A nil logger discards warnings.
func NewConverter(logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{logger: logger}
}

// Convert returns v as the native type for t:
// Bool as bool, Double as float64, Int as int64, Uint as uint64 and String as
// string. Object, Color and Unknown values are returned unchanged. A value
// that cannot be converted is logged and returned unchanged.
func (c *Converter) Convert(v any, t Type) any {
	out, err := convert(v, t)
	if err != nil {
		c.logger.Warn("Could not convert value",
			zap.Any("value", v),
			zap.Stringer("type", t),
			zap.Error(err))
		return v
	}
	return out
}

// Convert converts v without logging failures.
func Convert(v any, t Type) any {
	out, err := convert(v, t)
	if err != nil {
		return v
	}
	return out
}

func convert(v any, t Type) (any, error) {
	if v == nil && (t == Double || t == Int || t == Uint) {
		return nil, errNilValue
	}

	switch t {
	case Bool:
		return truthy(v), nil
	case Double:
		return cast.ToFloat64E(v)
	case Int:
		return toInt64(v)
	case Uint:
		// Negative values are mirrored, not rejected: -5 becomes 5.
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return uint64(-n), nil
		}
		return uint64(n), nil
	case String:
		return cast.ToStringE(v)
	default:
		return v, nil
	}
}

// truthy never fails: nil, false, zero numbers and empty strings, slices and
// maps are false, everything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return cast.ToFloat64(v) != 0
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}

// toInt64 truncates floats toward zero and parses strings as base-10
// integers. Floats outside the int64 range and NaN are rejected.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case float32:
		return floatToInt64(float64(x))
	case float64:
		return floatToInt64(x)
	default:
		return cast.ToInt64E(v)
	}
}

func floatToInt64(f float64) (int64, error) {
	if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v out of int64 range", f)
	}
	return int64(f), nil
}
