package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Kind int

const (
	KindContainer Kind = iota
	KindLeaf
)

func (k Kind) String() string {
	switch k {
	case KindContainer:
		return "container"
	case KindLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type ValueType string

const (
	TypeBoolean ValueType = "boolean"
	TypeNumber  ValueType = "number"
	TypeString  ValueType = "string"
)

// Role is the semantic meaning of a leaf, derived from its base name.
type Role string

const (
	RoleBattery     Role = "battery charge"
	RoleTemperature Role = "temperature"
	RoleVoltage     Role = "voltage"
	RoleCurrent     Role = "current"
	RolePower       Role = "power"
	RoleDuration    Role = "duration"
	RoleDateTime    Role = "datetime"
	RoleAlarm       Role = "alarm"
	RoleIndicator   Role = "indicator"
	RoleSignal      Role = "signal strength"
	RoleFirmware    Role = "firmware"
	RoleIPAddress   Role = "ip address"
	RoleLevel       Role = "level"
	RoleSwitch      Role = "switch"
	RoleText        Role = "text"
	RoleGeneric     Role = "generic"
)

// rolePatterns is matched in order against the lower-cased base name; the
// first substring hit wins ("batterysoc" must resolve to RoleBattery before
// anything else gets a chance).
var rolePatterns = []struct {
	pattern string
	role    Role
}{
	{"soc", RoleBattery},
	{"temperature", RoleTemperature},
	{"voltage", RoleVoltage},
	{"current", RoleCurrent},
	{"power", RolePower},
	{"uptime", RoleDuration},
	{"date", RoleDateTime},
	{"error", RoleAlarm},
	{"isdaytime", RoleIndicator},
	{"wifistrength", RoleSignal},
	{"firmwareversion", RoleFirmware},
	{"ip_addr", RoleIPAddress},
	{"serverip", RoleIPAddress},
	{"meterip", RoleIPAddress},
}

// RoleFor resolves the semantic role of a leaf from its base name.
func RoleFor(name string) Role {
	key := strings.ToLower(name)
	for _, p := range rolePatterns {
		if strings.Contains(key, p.pattern) {
			return p.role
		}
	}
	return RoleGeneric
}

// Node describes an addressable entry of the state tree. Only Value and Ack
// change after creation; everything here is fixed on first observation.
type Node struct {
	Path        string         `json:"path"`
	Name        string         `json:"name"`
	Kind        Kind           `json:"kind"`
	ValueType   ValueType      `json:"valueType,omitempty"`
	Role        Role           `json:"role,omitempty"`
	Writable    bool           `json:"writable"`
	Min         *float64       `json:"min,omitempty"`
	Max         *float64       `json:"max,omitempty"`
	States      map[int]string `json:"states,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Container returns a container node for path.
func Container(path, name string) Node {
	return Node{Path: path, Name: name, Kind: KindContainer}
}

// TelemetryLeaf returns the read-only leaf created for an ingested scalar.
func TelemetryLeaf(path, name string, v any) Node {
	return Node{
		Path:      path,
		Name:      name,
		Kind:      KindLeaf,
		ValueType: TypeOf(v),
		Role:      RoleFor(name),
	}
}

// Value is the last known value of a leaf. Ack is true when the value
// reflects device-reported state and false for a pending user request.
type Value struct {
	Val       any       `json:"val"`
	Ack       bool      `json:"ack"`
	UpdatedAt time.Time `json:"ts"`
}

// TypeOf classifies a decoded JSON scalar.
func TypeOf(v any) ValueType {
	switch v.(type) {
	case bool:
		return TypeBoolean
	case float64, float32, int, int64, int32, uint, uint64, uint32, json.Number:
		return TypeNumber
	default:
		return TypeString
	}
}

// Float converts a scalar to float64. Strings are not parsed.
func Float(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
