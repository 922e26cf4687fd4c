// Package faultcache tracks FRU health across polls. It decides which
// observations are alert-worthy transitions, suppresses repeats of a fault
// already reported, and persists the set of currently faulty FRUs so a
// restarted agent resumes with the same view.
package faultcache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"sync"

	"github.com/HerbHall/fruwatch/pkg/envelope"
	"go.uber.org/zap"
)

// ErrPersistence is returned when the fault map could not be written.
var ErrPersistence = errors.New("fault cache persistence failed")

// ErrNotFound is returned by a Store that holds no map yet.
var ErrNotFound = errors.New("fault cache not found")

// DefaultMissingPattern marks a FAULT whose health reason says the FRU is
// absent.
const DefaultMissingPattern = `(?i)not installed`

// Health is a hardware-reported FRU health value, lower-cased.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthFault    Health = "fault"
)

// ParseHealth normalises a raw API health string.
func ParseHealth(s string) Health {
	return Health(strings.ToLower(strings.TrimSpace(s)))
}

// Record is the persisted state of one faulty FRU.
type Record struct {
	Health    Health             `json:"health"`
	AlertType envelope.AlertType `json:"alert_type"`
}

// Observation is one FRU as reported by a poll.
type Observation struct {
	ID     string // durable-id
	Health string
	Reason string // health-reason
	Data   map[string]any
}

// Transition is an alert-worthy change for one FRU.
type Transition struct {
	Observation Observation
	AlertType   envelope.AlertType
}

// Store loads and saves one sensor kind's fault map.
type Store interface {
	Load(ctx context.Context) (map[string]Record, error)
	Save(ctx context.Context, records map[string]Record) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMissingPattern overrides the "not installed" match.
func WithMissingPattern(re *regexp.Regexp) Option {
	return func(t *Tracker) { t.missing = re }
}

// Tracker is the per-sensor-kind fault state machine. It is owned by one
// module and must only be driven from that module's iterations.
type Tracker struct {
	name    string
	store   Store
	logger  *zap.Logger
	missing *regexp.Regexp

	mu      sync.Mutex
	records map[string]Record
	dirty   bool
}

// New loads the persisted map for name. A missing or unreadable map starts
// the tracker empty; the empty map is written on the spot when possible.
func New(ctx context.Context, name string, store Store, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		name:    name,
		store:   store,
		logger:  logger,
		missing: regexp.MustCompile(DefaultMissingPattern),
		records: make(map[string]Record),
	}
	for _, o := range opts {
		o(t)
	}

	records, err := store.Load(ctx)
	switch {
	case err == nil:
		if records != nil {
			t.records = maps.Clone(records)
		}
		t.logger.Info("fault cache loaded",
			zap.String("cache", name),
			zap.Int("faulty", len(t.records)),
		)
		return t
	case errors.Is(err, ErrNotFound):
		t.logger.Info("no fault cache yet, starting empty", zap.String("cache", name))
	default:
		t.logger.Warn("fault cache unreadable, starting empty",
			zap.String("cache", name),
			zap.Error(err),
		)
	}

	if err := t.flush(ctx); err != nil {
		t.logger.Warn("writing initial fault cache", zap.String("cache", name), zap.Error(err))
	}
	return t
}

// Process applies one poll's observations in order. Only the first
// observation of a durable-id counts; repeats in the same poll are skipped.
// For every transition it
// calls emit and, only when emit succeeds, updates the map and persists it
// before moving on. A failed emit leaves the FRU's state untouched so the
// next poll detects the transition again.
//
// It returns the number of transitions emitted. The error joins emit
// failures and ErrPersistence; the in-memory map stays authoritative and a
// failed write is retried at the start of the next call.
func (t *Tracker) Process(ctx context.Context, observations []Observation, emit func(Transition) error) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.dirty {
		if err := t.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	emitted := 0
	seen := make(map[string]struct{}, len(observations))
	for _, obs := range observations {
		if _, dup := seen[obs.ID]; dup {
			t.logger.Warn("durable-id repeated in one poll, keeping the first",
				zap.String("cache", t.name),
				zap.String("durable_id", obs.ID),
			)
			continue
		}
		seen[obs.ID] = struct{}{}

		tr, apply, ok := t.transition(obs)
		if !ok {
			continue
		}
		if err := emit(tr); err != nil {
			errs = append(errs, fmt.Errorf("emit %s alert for %s: %w", tr.AlertType, obs.ID, err))
			continue
		}
		emitted++
		apply()
		transitionsTotal.WithLabelValues(t.name, string(tr.AlertType)).Inc()
		if err := t.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return emitted, errors.Join(errs...)
}

// transition decides the outcome for one observation. apply mutates the map
// and is only called once the alert has been emitted.
func (t *Tracker) transition(obs Observation) (Transition, func(), bool) {
	prev, known := t.records[obs.ID]

	switch ParseHealth(obs.Health) {
	case HealthFault:
		if known {
			return Transition{}, nil, false
		}
		alert := envelope.AlertFault
		if t.missing.MatchString(obs.Reason) {
			alert = envelope.AlertMissing
		}
		return Transition{Observation: obs, AlertType: alert}, func() {
			t.records[obs.ID] = Record{Health: HealthFault, AlertType: alert}
		}, true

	case HealthDegraded:
		if known {
			return Transition{}, nil, false
		}
		return Transition{Observation: obs, AlertType: envelope.AlertFault}, func() {
			t.records[obs.ID] = Record{Health: HealthDegraded, AlertType: envelope.AlertFault}
		}, true

	case HealthOK:
		if !known {
			return Transition{}, nil, false
		}
		alert := envelope.AlertFaultResolved
		if prev.AlertType == envelope.AlertMissing {
			alert = envelope.AlertInsertion
		}
		return Transition{Observation: obs, AlertType: alert}, func() {
			delete(t.records, obs.ID)
		}, true
	}
	return Transition{}, nil, false
}

func (t *Tracker) flush(ctx context.Context) error {
	if err := t.store.Save(ctx, maps.Clone(t.records)); err != nil {
		t.dirty = true
		persistenceFailuresTotal.WithLabelValues(t.name).Inc()
		t.logger.Warn("persisting fault cache failed, will retry next poll",
			zap.String("cache", t.name),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s: %v", ErrPersistence, t.name, err)
	}
	t.dirty = false
	faultyGauge.WithLabelValues(t.name).Set(float64(len(t.records)))
	return nil
}

// Snapshot returns a copy of the current fault map.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.records)
}

// Dirty reports whether the last write failed and is pending a retry.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// Name returns the cache name.
func (t *Tracker) Name() string { return t.name }
