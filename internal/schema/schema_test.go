package schema

import (
	"errors"
	"sort"
	"testing"
	"testing/fstest"

	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func TestNew_CompilesBuiltins(t *testing.T) {
	v := mustNew(t)
	ids := v.IDs()
	sort.Strings(ids)
	assert.Equal(t, []string{ActuatorRequest, ActuatorResponse, Debug, SensorRequest}, ids)
}

func TestValidateEnvelope(t *testing.T) {
	v := mustNew(t)

	alert := envelope.NewEnclosureAlert(envelope.EnclosureAlert{
		SensorType:   "enclosure_psu_alert",
		ResourceType: "fru",
		AlertType:    envelope.AlertFault,
		Status:       envelope.AlertStatusUpdate,
	}, map[string]any{"health": "Fault"}, nil)

	badAlert := alert
	badAlert.SensorRequest = &envelope.SensorRequest{EnclosureAlert: &envelope.EnclosureAlert{
		SensorType:   "enclosure_psu_alert",
		ResourceType: "fru",
		AlertType:    "exploded",
		Status:       envelope.AlertStatusUpdate,
	}}

	badHeader := envelope.NewDebugControl("psu-sensor", true)
	badHeader.Header.SchemaVersion = "one"

	tests := []struct {
		name    string
		env     envelope.Envelope
		wantErr bool
	}{
		{"alert", alert, false},
		{"alert with unknown type", badAlert, true},
		{"thread controller request", envelope.NewActuatorRequest("thread_controller", map[string]any{
			"module_name": "psu-sensor", "thread_request": "restart",
		}), false},
		{"thread controller request with bad verb", envelope.NewActuatorRequest("thread_controller", map[string]any{
			"module_name": "psu-sensor", "thread_request": "explode",
		}), true},
		{"thread controller request without module", envelope.NewActuatorRequest("thread_controller", map[string]any{
			"thread_request": "status",
		}), true},
		{"other actuator", envelope.NewActuatorRequest("node_controller", map[string]any{"anything": 1}), false},
		{"thread controller response", envelope.NewActuatorResponse("thread_controller", map[string]any{
			"module_name": "psu-sensor", "thread_response": "Restart Successful",
		}), false},
		{"debug", envelope.NewDebugControl("psu-sensor", true), false},
		{"bad header", badHeader, true},
		{"no variant", envelope.Envelope{Header: envelope.DefaultHeader()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvelope(v, tt.env)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrSchemaViolation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidate_RawJSON(t *testing.T) {
	v := mustNew(t)
	raw := []byte(`{
		"sspl_ll_msg_header": {"schema_version": "1.0.0", "sspl_version": "1.0.0", "msg_version": "1.0.0"},
		"sspl_ll_debug": {"debug_component": "egress", "debug_enabled": false}
	}`)
	require.NoError(t, v.Validate(raw, Debug))
	assert.ErrorIs(t, v.Validate([]byte(`{nope`), Debug), ErrSchemaViolation)
	assert.ErrorIs(t, v.Validate(raw, SensorRequest), ErrSchemaViolation)
}

func TestValidate_UnknownSchema(t *testing.T) {
	v := mustNew(t)
	err := v.Validate(map[string]any{}, "drive_alert")
	assert.True(t, errors.Is(err, ErrUnknownSchema))
}

func TestNewFromFS_FailsFastOnMalformedSchema(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"type": `},
		{"bad keyword type", `{"type": 42}`},
		{"dangling ref", `{"$ref": "#/$defs/nowhere"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFromFS(fstest.MapFS{"broken.jsonc": {Data: []byte(tt.doc)}})
			assert.Error(t, err)
		})
	}
}

func TestNewFromFS_StripsComments(t *testing.T) {
	v, err := NewFromFS(fstest.MapFS{
		"ping.jsonc": {Data: []byte(`
			// ping carries a single required field
			{
				"type": "object",
				"required": ["seq"], /* sequence number */
				"properties": {"seq": {"type": "integer"}}
			}`)},
	})
	require.NoError(t, err)
	assert.NoError(t, v.Validate(map[string]any{"seq": 1}, "ping"))
	assert.ErrorIs(t, v.Validate(map[string]any{}, "ping"), ErrSchemaViolation)
}
