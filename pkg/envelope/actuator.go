package envelope

import (
	"errors"
	"fmt"
	"sort"
)

// ActuatorMessage is the body of actuator_request_type and
// actuator_response_type: a single actuator name mapped to free-form fields.
type ActuatorMessage map[string]map[string]any

// Name returns the actuator the message is addressed to.
func (m ActuatorMessage) Name() (string, error) {
	switch len(m) {
	case 0:
		return "", errors.New("no actuator named")
	case 1:
		for name := range m {
			return name, nil
		}
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return "", fmt.Errorf("multiple actuators named: %v", names)
}

// String returns a string field of the named actuator, or "" when absent or
// not a string.
func (m ActuatorMessage) String(actuator, field string) string {
	fields, ok := m[actuator]
	if !ok {
		return ""
	}
	s, _ := fields[field].(string)
	return s
}

// NewActuatorRequest builds an actuator request envelope.
func NewActuatorRequest(actuator string, fields map[string]any) Envelope {
	return Envelope{
		Title:           "SSPL-LL Actuator Request",
		Description:     "Storage Platform Library - Low Level - Actuator Request",
		Header:          DefaultHeader(),
		ActuatorRequest: ActuatorMessage{actuator: fields},
	}
}

// NewActuatorResponse builds an actuator response envelope.
func NewActuatorResponse(actuator string, fields map[string]any) Envelope {
	return Envelope{
		Title:            "SSPL-LL Actuator Response",
		Description:      "Storage Platform Library - Low Level - Actuator Response",
		Header:           DefaultHeader(),
		ActuatorResponse: ActuatorMessage{actuator: fields},
	}
}

// DebugControl is the sspl_ll_debug control variant. It toggles debug mode
// on the named module.
type DebugControl struct {
	Component string `json:"debug_component"`
	Enabled   bool   `json:"debug_enabled"`
}

// NewDebugControl builds a debug toggle for a module.
func NewDebugControl(component string, enabled bool) Envelope {
	return Envelope{
		Header: DefaultHeader(),
		Debug:  &DebugControl{Component: component, Enabled: enabled},
	}
}
