package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/nutritrack/commercekit/internal/metrics"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// Handler executes a named action. On success the returned Params populate
// the response; on error the response carries the error string and empty
// parameters. Handlers may run concurrently with the transaction-stream
// listener and must not assume exclusive access to shared state.
type Handler func(ctx context.Context, params Params) (Params, error)

// Sender delivers a correlated response back across the bridge.
type Sender interface {
	Send(resp Response) error
}

// Dispatcher routes inbound bridge requests to registered handlers.
//
// Unknown action names are dropped without a response: older native builds
// must tolerate newer web content, so an unrecognized action is a forward
// compatibility case, not an error.
type Dispatcher struct {
	log     *logger.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("bridge-dispatcher")
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		log:      log,
		metrics:  m,
		handlers: make(map[string]Handler),
	}
}

// Register binds an action name to a handler. Re-registering replaces the
// previous handler.
func (d *Dispatcher) Register(action string, h Handler) {
	d.mu.Lock()
	d.handlers[action] = h
	d.mu.Unlock()
}

// Actions returns the registered action names.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch resolves and runs the handler for req, sending exactly one
// correlated response through send for every known action, whatever the
// handler outcome. A handler panic is contained and reported as an action
// error; nothing escapes across the bridge boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, send Sender) {
	d.mu.RLock()
	handler, ok := d.handlers[req.Action]
	d.mu.RUnlock()

	if !ok {
		d.log.WithField("action", req.Action).WithField("id", req.ID).
			Debug("unknown bridge action dropped")
		d.metrics.BridgeDispatches.WithLabelValues(req.Action, "unknown").Inc()
		return
	}

	result, err := d.run(ctx, handler, req)

	resp := Response{ID: req.ID}
	outcome := "ok"
	if err != nil {
		resp.Error = err.Error()
		outcome = "error"
		d.log.WithError(err).WithField("action", req.Action).WithField("id", req.ID).
			Warn("bridge action failed")
	} else {
		resp.Parameters = result
	}
	d.metrics.BridgeDispatches.WithLabelValues(req.Action, outcome).Inc()

	if serr := send.Send(resp); serr != nil {
		d.log.WithError(serr).WithField("id", req.ID).Warn("bridge response delivery failed")
	}
}

func (d *Dispatcher) run(ctx context.Context, handler Handler, req Request) (result Params, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("bridge: action %s panicked: %v", req.Action, r)
		}
	}()
	return handler(ctx, req.Params)
}
