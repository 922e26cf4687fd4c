package sensors

// Kind describes one class of enclosure FRU: where it is read from and how
// its alerts are labelled.
type Kind struct {
	Name               string // module name
	SensorType         string
	ResourceType       string
	Path               string // enclosure API path
	Collection         string // response key holding the items
	CacheName          string
	InfoFields         []string
	ExtendedInfoFields []string
}

var commonInfo = []string{
	"enclosure-id",
	"serial-number",
	"description",
	"revision",
	"model",
	"vendor",
	"location",
	"part-number",
	"fru-shortname",
	"mfg-date",
	"mfg-vendor-id",
	"health",
	"health-reason",
	"health-recommendation",
	"status",
}

// PSU monitors power supplies.
var PSU = Kind{
	Name:         "psu-sensor",
	SensorType:   "enclosure_psu_alert",
	ResourceType: "fru",
	Path:         "/api/show/power-supplies",
	Collection:   "power-supplies",
	CacheName:    "psudata",
	InfoFields: append(append([]string(nil), commonInfo...),
		"dc12v", "dc5v", "dc33v", "dc12i", "dc5i", "dctemp"),
	ExtendedInfoFields: []string{"durable-id", "position"},
}

// Fan monitors fan modules.
var Fan = Kind{
	Name:               "fan-sensor",
	SensorType:         "enclosure_fan_module_alert",
	ResourceType:       "fru",
	Path:               "/api/show/fan-modules",
	Collection:         "fan-modules",
	CacheName:          "fanmoduledata",
	InfoFields:         append(append([]string(nil), commonInfo...), "name"),
	ExtendedInfoFields: []string{"durable-id", "position"},
}

// Controller monitors storage controllers.
var Controller = Kind{
	Name:         "controller-sensor",
	SensorType:   "enclosure_controller_alert",
	ResourceType: "fru",
	Path:         "/api/show/controllers",
	Collection:   "controllers",
	CacheName:    "controllerdata",
	InfoFields: append(append([]string(nil), commonInfo...),
		"controller-id", "ip-address", "sc-fw"),
	ExtendedInfoFields: []string{"durable-id", "position"},
}

// Kinds returns every built-in kind.
func Kinds() []Kind {
	return []Kind{PSU, Fan, Controller}
}
