// Package envelope defines the messages exchanged over the internal bus and the
// external broker. Every envelope carries the fixed SSPL header and exactly one
// body variant; the variant determines the message family, its schema, its
// broker routing key and its internal route.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Header versions stamped on envelopes produced by this agent.
const (
	SchemaVersion = "1.0.0"
	SSPLVersion   = "1.0.0"
	MsgVersion    = "1.0.0"
)

// Kind names the body variant of an envelope. The value is the JSON key the
// variant is serialised under.
type Kind string

const (
	KindSensorRequest    Kind = "sensor_request_type"
	KindActuatorRequest  Kind = "actuator_request_type"
	KindActuatorResponse Kind = "actuator_response_type"
	KindDebug            Kind = "sspl_ll_debug"
)

// ErrMalformed is returned when an envelope does not carry exactly one body
// variant or its header is missing.
var ErrMalformed = errors.New("malformed envelope")

// Header is the fixed sspl_ll_msg_header block.
type Header struct {
	SchemaVersion string `json:"schema_version"`
	SSPLVersion   string `json:"sspl_version"`
	MsgVersion    string `json:"msg_version"`
}

// DefaultHeader returns the header for envelopes created by this agent.
func DefaultHeader() Header {
	return Header{
		SchemaVersion: SchemaVersion,
		SSPLVersion:   SSPLVersion,
		MsgVersion:    MsgVersion,
	}
}

// Envelope is the unit carried by the bus and the broker.
type Envelope struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	// Security fields, populated by the broker signer when signing is enabled.
	Username  string `json:"username,omitempty"`
	Signature string `json:"signature,omitempty"`
	Time      string `json:"time,omitempty"`
	Expires   int64  `json:"expires,omitempty"`

	Header Header `json:"sspl_ll_msg_header"`

	SensorRequest    *SensorRequest  `json:"sensor_request_type,omitempty"`
	ActuatorRequest  ActuatorMessage `json:"actuator_request_type,omitempty"`
	ActuatorResponse ActuatorMessage `json:"actuator_response_type,omitempty"`
	Debug            *DebugControl   `json:"sspl_ll_debug,omitempty"`
}

// Kind reports which body variant is set. It returns "" when none or more
// than one is set; Validate reports that case as an error.
func (e Envelope) Kind() Kind {
	var kinds []Kind
	if e.SensorRequest != nil {
		kinds = append(kinds, KindSensorRequest)
	}
	if e.ActuatorRequest != nil {
		kinds = append(kinds, KindActuatorRequest)
	}
	if e.ActuatorResponse != nil {
		kinds = append(kinds, KindActuatorResponse)
	}
	if e.Debug != nil {
		kinds = append(kinds, KindDebug)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Validate checks the structural invariants every envelope must hold before
// it is allowed onto the bus or the broker.
func (e Envelope) Validate() error {
	if e.Header.SchemaVersion == "" {
		return fmt.Errorf("%w: missing sspl_ll_msg_header.schema_version", ErrMalformed)
	}
	kind := e.Kind()
	if kind == "" {
		return fmt.Errorf("%w: expected exactly one body variant", ErrMalformed)
	}
	switch kind {
	case KindSensorRequest:
		if e.SensorRequest.EnclosureAlert == nil {
			return fmt.Errorf("%w: sensor_request_type without enclosure_alert", ErrMalformed)
		}
	case KindActuatorRequest:
		if _, err := e.ActuatorRequest.Name(); err != nil {
			return fmt.Errorf("%w: actuator_request_type: %v", ErrMalformed, err)
		}
	case KindActuatorResponse:
		if _, err := e.ActuatorResponse.Name(); err != nil {
			return fmt.Errorf("%w: actuator_response_type: %v", ErrMalformed, err)
		}
	case KindDebug:
		if e.Debug.Component == "" {
			return fmt.Errorf("%w: sspl_ll_debug without debug_component", ErrMalformed)
		}
	}
	return nil
}

// Marshal serialises the envelope after validating it.
func Marshal(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates an envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// AsDocument converts the envelope into generic JSON values (maps, slices,
// float64, string, bool, nil) for schema validation.
func AsDocument(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}
