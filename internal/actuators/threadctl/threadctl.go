// Package threadctl implements the thread_controller actuator: it starts,
// stops, restarts and reports on other modules on request and answers each
// request on the egress queue.
package threadctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/fruwatch/internal/broker"
	"github.com/HerbHall/fruwatch/internal/runtime"
	"github.com/HerbHall/fruwatch/pkg/envelope"
	"github.com/HerbHall/fruwatch/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin         = (*Controller)(nil)
	_ plugin.Poller         = (*Controller)(nil)
	_ plugin.MessageHandler = (*Controller)(nil)
)

const (
	// Name is the module and bus queue name.
	Name = "thread-controller"
	// Actuator is the actuator key this module answers to.
	Actuator = "thread_controller"
)

// Requests.
const (
	RequestStart   = "start"
	RequestStop    = "stop"
	RequestRestart = "restart"
	RequestStatus  = "status"
)

const (
	defaultInterval = 100 * time.Millisecond
	defaultWait     = 500 * time.Millisecond
)

var (
	errUnknownModule   = errors.New("unknown module")
	errNotControllable = errors.New("module cannot be controlled")
	errNoResolver      = errors.New("module resolver unavailable")
)

// Controller is the thread-controller module.
type Controller struct {
	runtime.Base

	resolver plugin.PluginResolver
	bus      plugin.MessageBus
	logger   *zap.Logger
	wait     time.Duration
}

// New creates the thread controller.
func New() *Controller {
	return &Controller{}
}

func (c *Controller) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:         Name,
		Version:      "0.1.0",
		Description:  "Starts, stops, restarts and reports on modules",
		Priority:     50,
		Dependencies: []string{broker.EgressName},
		Roles:        []string{"actuator"},
		APIVersion:   plugin.APIVersionCurrent,
	}
}

func (c *Controller) Init(_ context.Context, deps plugin.Dependencies) error {
	c.logger = deps.Logger
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.bus = deps.Bus
	c.resolver = deps.Plugins

	c.wait = defaultWait
	if deps.Config != nil && deps.Config.IsSet("poll_wait") {
		c.wait = deps.Config.GetDuration("poll_wait")
	}
	opts := runtime.OptionsFromConfig(c.Info(), deps.Config)
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	c.Setup(opts, c, deps)
	return nil
}

// ReadData has nothing to report; the controller holds no state.
func (c *Controller) ReadData(_ context.Context) (any, error) {
	return nil, nil
}

// PollOnce waits briefly for the next request so requests are answered
// without waiting for a full interval.
func (c *Controller) PollOnce(ctx context.Context) error {
	_, err := c.Runtime().Receive(ctx, c.wait)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// HandleMessage executes one thread_controller request and writes the
// response to the egress queue.
func (c *Controller) HandleMessage(ctx context.Context, env envelope.Envelope) error {
	if env.Kind() != envelope.KindActuatorRequest {
		return fmt.Errorf("unexpected %s envelope", env.Kind())
	}
	if _, ok := env.ActuatorRequest[Actuator]; !ok {
		name, _ := env.ActuatorRequest.Name()
		return fmt.Errorf("unexpected actuator %q", name)
	}
	module := env.ActuatorRequest.String(Actuator, "module_name")
	request := env.ActuatorRequest.String(Actuator, "thread_request")

	response, err := c.execute(ctx, module, request)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		response = "Error: " + err.Error()
		c.logger.Warn("thread request failed",
			zap.String("target", module),
			zap.String("request", request),
			zap.Error(err),
		)
	} else {
		c.logger.Info("thread request executed",
			zap.String("target", module),
			zap.String("request", request),
		)
	}
	requestsTotal.WithLabelValues(request, outcome).Inc()

	resp := envelope.NewActuatorResponse(Actuator, map[string]any{
		"module_name":     module,
		"thread_response": response,
	})
	if werr := c.bus.Write(ctx, broker.EgressName, resp); werr != nil {
		return fmt.Errorf("write %s response for %s: %w", request, module, werr)
	}
	return nil
}

func (c *Controller) execute(ctx context.Context, module, request string) (string, error) {
	switch request {
	case RequestStart, RequestStop, RequestRestart, RequestStatus:
	default:
		return "", fmt.Errorf("unsupported thread_request %q", request)
	}

	target, info, err := c.lookup(module)
	if err != nil {
		return "", err
	}

	switch request {
	case RequestStart:
		if err := active(module, target); err != nil {
			return "", err
		}
		target.Resume()
		return "Start Successful", nil

	case RequestStop:
		if info.Required {
			return "", fmt.Errorf("%s is required and cannot be stopped", module)
		}
		if err := active(module, target); err != nil {
			return "", err
		}
		target.Suspend()
		return "Stop Successful", nil

	case RequestRestart:
		if err := target.Restart(ctx); err != nil {
			return "", err
		}
		return "Restart Successful", nil

	default:
		return "Status: " + target.State().String(), nil
	}
}

func (c *Controller) lookup(module string) (plugin.Controllable, plugin.PluginInfo, error) {
	if c.resolver == nil {
		return nil, plugin.PluginInfo{}, errNoResolver
	}
	p, ok := c.resolver.Resolve(module)
	if !ok {
		return nil, plugin.PluginInfo{}, fmt.Errorf("%w %q", errUnknownModule, module)
	}
	target, ok := p.(plugin.Controllable)
	if !ok {
		return nil, plugin.PluginInfo{}, fmt.Errorf("%s: %w", module, errNotControllable)
	}
	return target, p.Info(), nil
}

// active rejects modules that were never started or are shut down.
func active(module string, target plugin.Controllable) error {
	switch state := target.State(); state {
	case plugin.StateRunning, plugin.StateSuspended:
		return nil
	default:
		return fmt.Errorf("%s is %s", module, state)
	}
}
