// Package sensors polls the enclosure for FRU health and raises an alert for
// every transition the fault cache reports.
package sensors

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/HerbHall/fruwatch/internal/broker"
	"github.com/HerbHall/fruwatch/internal/faultcache"
	"github.com/HerbHall/fruwatch/internal/runtime"
	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*FRUSensor)(nil)
	_ plugin.Poller        = (*FRUSensor)(nil)
	_ plugin.HealthChecker = (*FRUSensor)(nil)
)

// DefaultInterval is the delay between polls when none is configured.
const DefaultInterval = 10 * time.Second

// Lister reads one collection from the enclosure API. *enclosure.Client
// satisfies it.
type Lister interface {
	List(ctx context.Context, path, collection string) ([]map[string]any, error)
}

// StoreFactory opens the fault cache store for a cache name.
type StoreFactory func(ctx context.Context, cacheName string) (faultcache.Store, error)

// FRUSensor monitors one Kind.
type FRUSensor struct {
	runtime.Base

	kind    Kind
	client  Lister
	stores  StoreFactory
	tracker *faultcache.Tracker
	bus     plugin.MessageBus
	logger  *zap.Logger
}

// New creates a sensor for kind. The enclosure client is shared by every
// sensor.
func New(kind Kind, client Lister, stores StoreFactory) *FRUSensor {
	return &FRUSensor{kind: kind, client: client, stores: stores}
}

func (s *FRUSensor) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         s.kind.Name,
		Version:      "0.1.0",
		Description:  "Monitors enclosure " + s.kind.Collection,
		Priority:     10,
		Dependencies: []string{broker.EgressName},
		Roles:        []string{"sensor"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (s *FRUSensor) Init(ctx context.Context, deps plugin.Dependencies) error {
	s.logger = deps.Logger
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.bus = deps.Bus
	if s.client == nil {
		return fmt.Errorf("%s: enclosure client not configured", s.kind.Name)
	}

	var opts []faultcache.Option
	if deps.Config != nil {
		if pattern := deps.Config.GetString("missing_pattern"); pattern != "" {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("%s: missing_pattern: %w", s.kind.Name, err)
			}
			opts = append(opts, faultcache.WithMissingPattern(re))
		}
	}

	store, err := s.stores(ctx, s.kind.CacheName)
	if err != nil {
		return fmt.Errorf("%s: open fault cache: %w", s.kind.Name, err)
	}
	s.tracker = faultcache.New(ctx, s.kind.CacheName, store, s.logger, opts...)

	ropts := runtime.OptionsFromConfig(s.Info(), deps.Config)
	if ropts.Interval <= 0 {
		ropts.Interval = DefaultInterval
	}
	s.Setup(ropts, s, deps)

	s.logger.Info("sensor initialized",
		zap.String("path", s.kind.Path),
		zap.String("cache", s.kind.CacheName),
		zap.Duration("interval", ropts.Interval),
	)
	return nil
}

// ReadData returns the current items of the sensor's collection. It does not
// touch the fault cache.
func (s *FRUSensor) ReadData(ctx context.Context) (any, error) {
	return s.client.List(ctx, s.kind.Path, s.kind.Collection)
}

// PollOnce reads the collection and raises an alert for each transition.
// A failed read leaves the fault cache untouched.
func (s *FRUSensor) PollOnce(ctx context.Context) error {
	items, err := s.client.List(ctx, s.kind.Path, s.kind.Collection)
	if err != nil {
		pollFailuresTotal.WithLabelValues(s.kind.Name).Inc()
		return fmt.Errorf("poll %s: %w", s.kind.Collection, err)
	}
	itemsGauge.WithLabelValues(s.kind.Name).Set(float64(len(items)))

	n, err := s.tracker.Process(ctx, s.observations(items), s.emit(ctx))
	alertsTotal.WithLabelValues(s.kind.Name).Add(float64(n))
	return err
}

func (s *FRUSensor) observations(items []map[string]any) []faultcache.Observation {
	out := make([]faultcache.Observation, 0, len(items))
	for _, item := range items {
		id := field(item, "durable-id")
		if id == "" {
			s.logger.Warn("skipping item without durable-id", zap.String("collection", s.kind.Collection))
			continue
		}
		obs := faultcache.Observation{
			ID:     id,
			Health: field(item, "health"),
			Reason: field(item, "health-reason"),
			Data:   item,
		}
		if rt := s.Runtime(); rt != nil {
			rt.LogDebug("observed",
				zap.String("durable_id", obs.ID),
				zap.String("health", obs.Health),
			)
		}
		out = append(out, obs)
	}
	return out
}

func (s *FRUSensor) emit(ctx context.Context) func(faultcache.Transition) error {
	return func(tr faultcache.Transition) error {
		env := s.alert(tr)
		if err := s.bus.Write(ctx, broker.EgressName, env); err != nil {
			return err
		}
		s.logger.Info("fru transition",
			zap.String("durable_id", tr.Observation.ID),
			zap.String("alert_type", string(tr.AlertType)),
			zap.String("health", tr.Observation.Health),
		)
		return nil
	}
}

func (s *FRUSensor) alert(tr faultcache.Transition) envelope.Envelope {
	return envelope.NewEnclosureAlert(envelope.EnclosureAlert{
		SensorType:   s.kind.SensorType,
		ResourceType: s.kind.ResourceType,
		AlertType:    tr.AlertType,
		Status:       envelope.AlertStatusUpdate,
	}, pick(tr.Observation.Data, s.kind.InfoFields), pick(tr.Observation.Data, s.kind.ExtendedInfoFields))
}

// Health adds the fault cache view to the runtime health. A cache write
// pending retry degrades the module.
func (s *FRUSensor) Health(ctx context.Context) plugin.HealthStatus {
	h := s.Base.Health(ctx)
	if s.tracker == nil {
		return h
	}
	if h.Details == nil {
		h.Details = make(map[string]string)
	}
	h.Details["faulty"] = strconv.Itoa(len(s.tracker.Snapshot()))
	if s.tracker.Dirty() {
		h.Details["cache"] = "write pending"
		if h.Status == "healthy" {
			h.Status = "degraded"
			h.Message = faultcache.ErrPersistence.Error()
		}
	}
	return h
}

// Faulty returns a copy of the sensor's fault map.
func (s *FRUSensor) Faulty() map[string]faultcache.Record {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Snapshot()
}

func field(item map[string]any, key string) string {
	switch v := item[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// pick copies the listed fields that item carries.
func pick(item map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := item[k]; ok {
			out[k] = v
		}
	}
	return out
}
