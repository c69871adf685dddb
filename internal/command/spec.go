package command

import (
	"math"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

// ParameterSpec describes one writable device setting.
type ParameterSpec struct {
	ID          string
	Description string
	Type        state.ValueType
	Min         float64
	Max         float64
	States      map[int]string
	Role        state.Role
}

// Clamp returns v limited to [Min, Max] and whether it had to be changed.
// NaN has no place in the range and becomes Min.
func (p ParameterSpec) Clamp(v float64) (float64, bool) {
	if math.IsNaN(v) || v < p.Min {
		return p.Min, true
	}
	if v > p.Max {
		return p.Max, true
	}
	return v, false
}

// Node is the writable leaf for this parameter below device.
func (p ParameterSpec) Node(device string) state.Node {
	lo, hi := p.Min, p.Max
	return state.Node{
		Path:        Path(device, p.ID),
		Name:        p.ID,
		Kind:        state.KindLeaf,
		ValueType:   p.Type,
		Role:        p.Role,
		Writable:    true,
		Min:         &lo,
		Max:         &hi,
		States:      p.States,
		Description: p.Description,
	}
}

const Namespace = "sendcommand"

// Path is the state path of a command parameter.
func Path(device, param string) string {
	return state.Join(device, Namespace, param)
}

// Table is an immutable set of parameter specs keyed by id.
type Table struct {
	order []ParameterSpec
	byID  map[string]ParameterSpec
}

func NewTable(specs ...ParameterSpec) *Table {
	t := &Table{byID: make(map[string]ParameterSpec, len(specs))}
	for _, s := range specs {
		t.order = append(t.order, s)
		t.byID[s.ID] = s
	}
	return t
}

func (t *Table) Lookup(id string) (ParameterSpec, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// All returns the specs in declaration order.
func (t *Table) All() []ParameterSpec {
	return append([]ParameterSpec(nil), t.order...)
}

// Well-known parameter ids used by the control loops.
const (
	ParamMaxOutputPower = "maxOutputPower"
	ParamOfflinePower   = "offlinePower"
	ParamBaseLoad       = "baseLoad"
	ParamThreshold      = "threshold"
	ParamMinSOC         = "minSOC"
	ParamMaxSOC         = "maxSOC"
	ParamDCAlgorithm    = "dcAlgorithm"
)

// DefaultTable is the parameter set understood by CCU firmware.
func DefaultTable() *Table {
	return NewTable(
		ParameterSpec{ID: ParamMaxOutputPower, Description: "Micro-inverter maximum power (W)", Type: state.TypeNumber, Min: 300, Max: 2300, Role: state.RoleLevel},
		ParameterSpec{ID: ParamOfflinePower, Description: "Offline output power (W)", Type: state.TypeNumber, Min: 50, Max: 600, Role: state.RoleLevel},
		ParameterSpec{ID: ParamBaseLoad, Description: "Adjust output (W)", Type: state.TypeNumber, Min: -100, Max: 100, Role: state.RoleLevel},
		ParameterSpec{ID: ParamThreshold, Description: "Response tolerance (W)", Type: state.TypeNumber, Min: 5, Max: 50, Role: state.RoleLevel},
		ParameterSpec{ID: ParamMinSOC, Description: "Minimum battery discharge", Type: state.TypeNumber, Min: 0, Max: 99, Role: state.RoleLevel},
		ParameterSpec{ID: ParamMaxSOC, Description: "Maximum battery discharge", Type: state.TypeNumber, Min: 20, Max: 100, Role: state.RoleLevel},
		ParameterSpec{
			ID:          ParamDCAlgorithm,
			Description: "CCU control behavior (algorithm)",
			Type:        state.TypeNumber,
			Min:         1,
			Max:         2,
			States:      map[int]string{1: "Basic (0.38)", 2: "Forced (0.40+)"},
			Role:        state.RoleLevel,
		},
	)
}
