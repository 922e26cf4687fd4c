// Package schema validates envelope bodies against the JSON Schema document
// registered for their message family. Documents are JSONC and compiled once
// at construction, so a malformed document stops the agent at startup.
package schema

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/tidwall/jsonc"
)

// Compile-time interface guard.
var _ plugin.SchemaValidator = (*Validator)(nil)

// Schema IDs, one per message family.
const (
	SensorRequest    = "sensor_request"
	ActuatorRequest  = "actuator_request"
	ActuatorResponse = "actuator_response"
	Debug            = "debug"
)

// headerID names the shared header document; it is made available to every
// family as #/$defs/header rather than registered on its own.
const headerID = "header"

var (
	// ErrSchemaViolation is returned when a body does not conform.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrUnknownSchema is returned for an unregistered schema ID.
	ErrUnknownSchema = errors.New("unknown schema")
)

//go:embed schemas/*.jsonc
var embedded embed.FS

// Validator holds the compiled schema documents.
type Validator struct {
	schemas map[string]*jsonschema.Resolved
}

// New compiles the built-in schema documents.
func New() (*Validator, error) {
	sub, err := fs.Sub(embedded, "schemas")
	if err != nil {
		return nil, fmt.Errorf("open embedded schemas: %w", err)
	}
	return NewFromFS(sub)
}

// NewFromFS compiles every *.jsonc document at the root of fsys. The file
// name without extension is the schema ID.
func NewFromFS(fsys fs.FS) (*Validator, error) {
	files, err := fs.Glob(fsys, "*.jsonc")
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}

	raw := make(map[string][]byte, len(files))
	for _, name := range files {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		raw[strings.TrimSuffix(path.Base(name), ".jsonc")] = jsonc.ToJSON(data)
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Resolved)}
	for id, data := range raw {
		if id == headerID {
			continue
		}
		s, err := parse(id, data)
		if err != nil {
			return nil, err
		}
		if header, ok := raw[headerID]; ok {
			hs, err := parse(headerID, header)
			if err != nil {
				return nil, err
			}
			if s.Defs == nil {
				s.Defs = make(map[string]*jsonschema.Schema)
			}
			hs.Schema = ""
			s.Defs[headerID] = hs
		}
		resolved, err := s.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", id, err)
		}
		v.schemas[id] = resolved
	}
	return v, nil
}

func parse(id string, data []byte) (*jsonschema.Schema, error) {
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", id, err)
	}
	return &s, nil
}

// Validate checks body against the schema registered under schemaID. body
// may be an envelope, any JSON-encodable value, or raw JSON bytes.
func (v *Validator) Validate(body any, schemaID string) error {
	resolved, ok := v.schemas[schemaID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSchema, schemaID)
	}

	var doc any
	switch b := body.(type) {
	case []byte:
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSchemaViolation, schemaID, err)
		}
	default:
		d, err := envelope.AsDocument(body)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSchemaViolation, schemaID, err)
		}
		doc = d
	}

	if err := resolved.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSchemaViolation, schemaID, err)
	}
	return nil
}

// IDs returns the registered schema IDs.
func (v *Validator) IDs() []string {
	ids := make([]string, 0, len(v.schemas))
	for id := range v.schemas {
		ids = append(ids, id)
	}
	return ids
}

// IDForKind maps an envelope kind to its schema ID.
func IDForKind(kind envelope.Kind) string {
	switch kind {
	case envelope.KindSensorRequest:
		return SensorRequest
	case envelope.KindActuatorRequest:
		return ActuatorRequest
	case envelope.KindActuatorResponse:
		return ActuatorResponse
	case envelope.KindDebug:
		return Debug
	default:
		return ""
	}
}

// ValidateEnvelope validates env against the schema for its kind.
func ValidateEnvelope(v plugin.SchemaValidator, env envelope.Envelope) error {
	id := IDForKind(env.Kind())
	if id == "" {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, envelope.ErrMalformed)
	}
	return v.Validate(env, id)
}
