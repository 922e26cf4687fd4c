package envelope

// AlertType classifies an enclosure alert.
type AlertType string

const (
	AlertFault         AlertType = "fault"
	AlertFaultResolved AlertType = "fault_resolved"
	AlertMissing       AlertType = "missing"
	AlertInsertion     AlertType = "insertion"
)

// AlertStatusUpdate is the status carried by every FRU alert.
const AlertStatusUpdate = "update"

// SensorRequest is the sensor_request_type body variant.
type SensorRequest struct {
	EnclosureAlert *EnclosureAlert `json:"enclosure_alert"`
	Info           map[string]any  `json:"info,omitempty"`
	ExtendedInfo   map[string]any  `json:"extended_info,omitempty"`
}

// EnclosureAlert describes one FRU health transition.
type EnclosureAlert struct {
	SensorType   string    `json:"sensor_type"`
	ResourceType string    `json:"resource_type"`
	AlertType    AlertType `json:"alert_type"`
	Status       string    `json:"status"`
}

// NewEnclosureAlert builds a complete alert envelope.
func NewEnclosureAlert(alert EnclosureAlert, info, extended map[string]any) Envelope {
	return Envelope{
		Title:       "SSPL-LL Sensor Response",
		Description: "Storage Platform Library - Low Level - Sensor Response",
		Header:      DefaultHeader(),
		SensorRequest: &SensorRequest{
			EnclosureAlert: &alert,
			Info:           info,
			ExtendedInfo:   extended,
		},
	}
}
