// Package plugin provides the public SDK types for fruwatch modules.
// Every sensor, actuator and broker processor implements these interfaces.
package plugin

import (
	"context"
	"database/sql"
	"time"

	"github.com/HerbHall/fruwatch/pkg/envelope"
	"go.uber.org/zap"
)

// API version constants for module compatibility checking.
// The registry rejects modules outside the supported range.
const (
	APIVersionMin     = 1 // Oldest module API version this agent supports
	APIVersionCurrent = 1 // Current module API version
)

// Plugin defines the interface that all fruwatch modules must implement.
type Plugin interface {
	// Info returns the module's metadata and dependency declarations.
	Info() PluginInfo

	// Init initializes the module with its dependencies.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins the module's scheduled execution.
	Start(ctx context.Context) error

	// Stop cancels the next scheduled tick and waits for any in-flight
	// iteration to finish.
	Stop(ctx context.Context) error
}

// PluginInfo contains module metadata and dependency declarations.
type PluginInfo struct {
	Name         string   // Unique identifier, also the module's bus queue name
	Version      string   // Semantic version string
	Description  string   // Human-readable summary
	Priority     int      // Breaks ties between modules due at the same instant; higher runs first
	Dependencies []string // Module names that must initialize first
	Required     bool     // If true, the agent refuses to start without this module
	Roles        []string // Roles this module fills: "sensor", "actuator", "transport"
	APIVersion   int      // Module API version targeted (currently 1)
}

// Dependencies provides controlled access to shared services.
// Injected by the registry during Init.
type Dependencies struct {
	Config    Config      // Scoped to this module's config section
	Logger    *zap.Logger // Named logger for this module
	Bus       MessageBus  // Named-queue bus for inter-module messages
	Scheduler Scheduler   // Shared tick scheduler
	Validator SchemaValidator
	Plugins   PluginResolver
}

// State is the lifecycle state of a module.
type State int

const (
	StateInitialized State = iota
	StateRunning
	StateSuspended
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateShutDown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Poller is the capability every scheduled module provides: a stateless
// snapshot of the data it monitors and one poll-and-alert iteration.
type Poller interface {
	// ReadData returns a snapshot of the monitored resource without mutating
	// module state.
	ReadData(ctx context.Context) (any, error)

	// PollOnce runs one iteration. Returned errors are logged by the runtime;
	// the module is rescheduled regardless.
	PollOnce(ctx context.Context) error
}

// MessageHandler is implemented by modules that consume envelopes addressed
// to their bus queue. Control envelopes are handled by the runtime and never
// reach HandleMessage.
type MessageHandler interface {
	HandleMessage(ctx context.Context, env envelope.Envelope) error
}

// Restarter is implemented by modules that hold state which a restart
// request should clear (connections, backoff counters).
type Restarter interface {
	Reset(ctx context.Context) error
}

// Controllable exposes a module's runtime to the thread controller.
type Controllable interface {
	Suspend()
	Resume()
	Restart(ctx context.Context) error
	State() State
}

// HealthChecker is implemented by modules that report health status.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// HealthStatus represents a module's health report.
type HealthStatus struct {
	Status  string            `json:"status"` // "healthy", "degraded", "unhealthy"
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// MessageBus is the internal named-queue bus. Each module owns the queue
// registered under its name.
type MessageBus interface {
	Register(name string) error
	Write(ctx context.Context, target string, env envelope.Envelope) error
	ReadNoWait(name string) ([]envelope.Envelope, error)
	ReadBlocking(ctx context.Context, name string) (envelope.Envelope, error)
}

// Scheduler fires module ticks. Implemented by internal/runtime.
// Each Tickable has at most one pending tick; scheduling it again moves
// that tick.
type Scheduler interface {
	Schedule(t Tickable, at time.Time)
	Cancel(t Tickable)
}

// Tickable is a scheduled entity. Fire must not block.
type Tickable interface {
	Name() string
	Priority() int
	Fire()
}

// SchemaValidator checks an envelope body against the schema registered for
// its message family.
type SchemaValidator interface {
	Validate(body any, schemaID string) error
}

// Config abstracts configuration access. Wraps Viper today, replaceable later.
type Config interface {
	Unmarshal(target any) error
	Get(key string) any
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
}

// PluginResolver allows modules to locate other modules by name or role.
type PluginResolver interface {
	Resolve(name string) (Plugin, bool)
	ResolveByRole(role string) []Plugin
}

// Migration is a versioned schema change applied by a Store.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Store provides access to the shared SQLite database.
type Store interface {
	DB() *sql.DB
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
	Migrate(ctx context.Context, owner string, migrations []Migration) error
}
