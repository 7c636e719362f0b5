// Package entitlement reconciles the local store view of purchases with the
// remote billing authority into a single subscription flag downstream
// consumers can trust.
//
// The reconciliation bias is deliberately conservative: a failed remote
// check never downgrades an already-subscribed state, and the remote
// authority is only consulted when the local check comes back negative and
// the caller asked for an extensive check. The asymmetry (trust a local
// positive, distrust a local negative only sometimes) is a business
// tradeoff, not a defect.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nutritrack/commercekit/internal/metrics"
	"github.com/nutritrack/commercekit/internal/storekit"
	"github.com/nutritrack/commercekit/internal/telemetry"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// ErrOverrideDisabled is returned when the debug override is used without
// being enabled in configuration.
var ErrOverrideDisabled = errors.New("entitlement: debug override is disabled")

// StoreChecker is the local purchase authority.
type StoreChecker interface {
	FetchPurchasedProducts(ctx context.Context) ([]string, error)
	ObserveTransactions(ctx context.Context, sink func(storekit.Transaction))
}

// RemoteChecker is the remote billing authority.
type RemoteChecker interface {
	IsSubscribed(ctx context.Context, uid string) (bool, error)
}

// State is the reconciled entitlement state.
type State struct {
	Subscribed   bool
	ReconciledAt time.Time
}

// Config configures the engine.
type Config struct {
	// UID returns the persisted user identifier for remote checks.
	UID func() string
	// AllowDebugOverride arms the test-only override path. Leave unset in
	// production wiring.
	AllowDebugOverride bool
	// Metrics receives reconciliation counters. Optional.
	Metrics *metrics.Metrics
}

// Engine owns the process-wide subscription flag. All writes go through the
// engine's mutex; the debug override shadows but never writes the
// reconciled value.
type Engine struct {
	store         StoreChecker
	remote        RemoteChecker
	events        telemetry.Logger
	log           *logger.Logger
	metrics       *metrics.Metrics
	uid           func() string
	allowOverride bool
	now           func() time.Time

	mu       sync.Mutex
	state    State
	override *bool
}

// NewEngine creates a reconciliation engine. remote may be nil, in which
// case extensive checks degrade to local-only.
func NewEngine(store StoreChecker, remote RemoteChecker, events telemetry.Logger, cfg Config, log *logger.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("entitlement: store checker is required")
	}
	if events == nil {
		events = telemetry.NopLogger{}
	}
	if log == nil {
		log = logger.NewDefault("entitlement")
	}
	uid := cfg.UID
	if uid == nil {
		uid = func() string { return "" }
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		store:         store,
		remote:        remote,
		events:        events,
		log:           log,
		metrics:       m,
		uid:           uid,
		allowOverride: cfg.AllowDebugOverride,
		now:           time.Now,
	}, nil
}

// Subscribed returns the current entitlement flag. An armed debug override
// shadows the reconciled value.
func (e *Engine) Subscribed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.override != nil {
		return *e.override
	}
	return e.state.Subscribed
}

// State returns the reconciled state, ignoring any debug override.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reconcile recomputes the subscription flag. The local purchased set wins
// when non-empty. When it is empty and extensive is set, the remote
// authority is consulted and its answer is final; a remote failure
// preserves the previous value and is reported to the caller, but never
// treated as "not subscribed".
func (e *Engine) Reconcile(ctx context.Context, extensive bool) (bool, error) {
	mode := "local"
	if extensive {
		mode = "extensive"
	}

	held, err := e.store.FetchPurchasedProducts(ctx)
	if err != nil {
		e.log.WithError(err).Warn("local entitlement check failed, keeping previous state")
		e.metrics.Reconciliations.WithLabelValues("error", mode).Inc()
		return e.Subscribed(), fmt.Errorf("entitlement: local check: %w", err)
	}

	if len(held) > 0 {
		e.setSubscribed(true, "local")
		e.metrics.Reconciliations.WithLabelValues("subscribed", mode).Inc()
		return true, nil
	}

	if !extensive || e.remote == nil {
		// A plain local check never downgrades an existing subscription;
		// only the extensive path may confirm a negative.
		e.mu.Lock()
		prev := e.state.Subscribed
		if !prev {
			e.state.ReconciledAt = e.now().UTC()
		}
		e.mu.Unlock()
		e.metrics.Reconciliations.WithLabelValues(resultLabel(prev), mode).Inc()
		return prev, nil
	}

	subscribed, err := e.remote.IsSubscribed(ctx, e.uid())
	if err != nil {
		e.log.WithError(err).Warn("remote entitlement check failed, keeping previous state")
		e.metrics.Reconciliations.WithLabelValues("error", mode).Inc()
		return e.Subscribed(), fmt.Errorf("entitlement: remote check: %w", err)
	}

	e.setSubscribed(subscribed, "remote")
	e.metrics.Reconciliations.WithLabelValues(resultLabel(subscribed), mode).Inc()
	return subscribed, nil
}

func resultLabel(subscribed bool) string {
	if subscribed {
		return "subscribed"
	}
	return "unsubscribed"
}

func (e *Engine) setSubscribed(subscribed bool, source string) {
	e.mu.Lock()
	changed := e.state.Subscribed != subscribed
	e.state.Subscribed = subscribed
	e.state.ReconciledAt = e.now().UTC()
	e.mu.Unlock()

	if changed {
		e.log.WithField("subscribed", subscribed).WithField("source", source).
			Info("entitlement state changed")
		e.events.Log(telemetry.Event{
			Name: telemetry.EventSubscriptionChecked,
			Info: map[string]string{
				"subscribed": fmt.Sprintf("%t", subscribed),
				"source":     source,
			},
		})
	}
}

// SignOut explicitly clears the subscription flag and any override.
// The only non-reconciled path that may transition true to false.
func (e *Engine) SignOut() {
	e.mu.Lock()
	e.state.Subscribed = false
	e.state.ReconciledAt = e.now().UTC()
	e.override = nil
	e.mu.Unlock()
	e.log.Info("entitlement cleared by sign-out")
}

// SetOverride arms the debug override. Fails unless enabled in config.
func (e *Engine) SetOverride(subscribed bool) error {
	if !e.allowOverride {
		return ErrOverrideDisabled
	}
	e.mu.Lock()
	e.override = &subscribed
	e.mu.Unlock()
	e.log.WithField("subscribed", subscribed).Warn("debug entitlement override armed")
	return nil
}

// ClearOverride disarms the debug override.
func (e *Engine) ClearOverride() error {
	if !e.allowOverride {
		return ErrOverrideDisabled
	}
	e.mu.Lock()
	e.override = nil
	e.mu.Unlock()
	return nil
}
