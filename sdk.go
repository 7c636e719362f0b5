// Package commercekit is the embeddable commerce SDK. It wires the encrypted
// persistent store, the install identity, the platform store client, the
// remote entitlement authority, the reconciliation engine, and the web
// content bridge into one explicit context object owned by the host.
package commercekit

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/nutritrack/commercekit/internal/bridge"
	"github.com/nutritrack/commercekit/internal/config"
	"github.com/nutritrack/commercekit/internal/entitlement"
	"github.com/nutritrack/commercekit/internal/identity"
	"github.com/nutritrack/commercekit/internal/metrics"
	"github.com/nutritrack/commercekit/internal/remote"
	"github.com/nutritrack/commercekit/internal/securestore"
	"github.com/nutritrack/commercekit/internal/storekit"
	"github.com/nutritrack/commercekit/internal/telemetry"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// ProtocolVersion is the bridge protocol generation announced in the
// post-navigation handshake.
const ProtocolVersion = 2

// Options configures the SDK.
type Options struct {
	Config   *config.Config
	Platform storekit.Platform

	// VerifyKey is the public key signed transactions are checked against.
	VerifyKey *ecdsa.PublicKey

	// Locale, Region and RTL describe the host presentation environment and
	// are relayed to web content in the handshake.
	Locale string
	Region string
	RTL    bool

	Log     *logger.Logger
	Metrics *metrics.Metrics
}

// SDK bundles every service the host needs. Construct with New, start the
// transaction observation with Start, and release with Close.
type SDK struct {
	cfg      *config.Config
	locale   string
	region   string
	log      *logger.Logger
	metrics  *metrics.Metrics
	store    *securestore.Store
	identity *identity.Manager
	storekit *storekit.Client
	remote   *remote.Client
	engine   *entitlement.Engine
	recent   *telemetry.RingBuffer
	emitter  *telemetry.Emitter

	dispatcher *bridge.Dispatcher
	transport  *bridge.Transport
}

// New constructs and wires the SDK. The identity is resolved immediately, so
// install bookkeeping reflects this launch by the time New returns.
func New(opts Options) (*SDK, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("commercekit: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("commercekit: platform is required")
	}
	if opts.VerifyKey == nil {
		return nil, fmt.Errorf("commercekit: verify key is required")
	}
	cfg := opts.Config

	log := opts.Log
	if log == nil {
		log = logger.New("commercekit", cfg.LogLevel)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNop()
	}

	store, err := securestore.Open(cfg.Store.Path, []byte(cfg.Store.Secret), log.WithField("component", "securestore"))
	if err != nil {
		return nil, err
	}

	ids := identity.NewManager(store, log.WithField("component", "identity"))
	snap, err := ids.Ensure()
	if err != nil {
		store.Close()
		return nil, err
	}

	remoteClient, err := remote.New(remote.Config{
		BaseURL: cfg.BaseURL,
		AppID:   cfg.AppID,
		Metrics: m,
	}, log.WithField("component", "remote"))
	if err != nil {
		store.Close()
		return nil, err
	}

	recent := telemetry.NewRingBuffer(256)
	emitter := telemetry.NewEmitter(recent, remoteClient, log.WithField("component", "telemetry"))

	verifier, err := storekit.NewVerifier(opts.VerifyKey)
	if err != nil {
		store.Close()
		return nil, err
	}
	storeClient, err := storekit.NewClient(opts.Platform, verifier, log.WithField("component", "storekit"))
	if err != nil {
		store.Close()
		return nil, err
	}
	storeClient.Instrument(m)

	engine, err := entitlement.NewEngine(storeClient, remoteClient, emitter, entitlement.Config{
		UID:                func() string { return ids.Current().UserID },
		AllowDebugOverride: cfg.AllowDebugOverride,
		Metrics:            m,
	}, log.WithField("component", "entitlement"))
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &SDK{
		cfg:      cfg,
		locale:   opts.Locale,
		region:   opts.Region,
		log:      log,
		metrics:  m,
		store:    store,
		identity: ids,
		storekit: storeClient,
		remote:   remoteClient,
		engine:   engine,
		recent:   recent,
		emitter:  emitter,
	}

	s.dispatcher = bridge.NewDispatcher(log.WithField("component", "bridge"), m)
	actions := &bridge.Actions{
		Store:      storeClient,
		Engine:     engine,
		Quantities: remoteClient,
		Persist:    store,
		Meta:       s.installMeta,
		Log:        log.WithField("component", "bridge-actions"),
	}
	actions.RegisterAll(s.dispatcher)

	s.transport = bridge.NewTransport(s.dispatcher, func() bridge.Handshake {
		return bridge.Handshake{
			Locale:          opts.Locale,
			Region:          opts.Region,
			RTL:             opts.RTL,
			ProtocolVersion: ProtocolVersion,
			SessionID:       ids.Current().SessionID,
		}
	}, emitter, log.WithField("component", "bridge-transport"))

	if snap.NumberOfInstalls == 1 {
		emitter.Log(telemetry.Event{
			Name:        telemetry.EventInstall,
			UID:         snap.UserID,
			SessionID:   snap.SessionID,
			InstallTime: snap.FirstInstallAt,
		})
	}
	return s, nil
}

func (s *SDK) installMeta() remote.InstallMeta {
	snap := s.identity.Current()
	return remote.InstallMeta{
		UID:            snap.UserID,
		FirstInstallAt: snap.FirstInstallAt,
		Locale:         s.locale,
		Region:         s.region,
	}
}

// Start begins the transaction stream observation and runs an initial
// local-only entitlement reconcile. It returns immediately; observation
// continues until ctx is cancelled.
func (s *SDK) Start(ctx context.Context) {
	s.engine.StartListener(ctx)
	if _, err := s.engine.Reconcile(ctx, false); err != nil {
		s.log.WithError(err).Warn("startup reconcile failed")
	}
}

// Close releases the transport, waits for telemetry deliveries, and closes
// the persistent store.
func (s *SDK) Close() error {
	s.transport.DetachHost()
	s.emitter.Close()
	return s.store.Close()
}

// Transport returns the bridge transport for host surface attachment.
func (s *SDK) Transport() *bridge.Transport { return s.transport }

// Dispatcher returns the action dispatcher, letting hosts register
// application-specific actions alongside the built-in vocabulary.
func (s *SDK) Dispatcher() *bridge.Dispatcher { return s.dispatcher }

// Entitlements returns the reconciliation engine.
func (s *SDK) Entitlements() *entitlement.Engine { return s.engine }

// Identity returns the resolved install identity.
func (s *SDK) Identity() identity.Snapshot { return s.identity.Current() }

// RecentEvents returns the buffered telemetry, oldest first.
func (s *SDK) RecentEvents() []telemetry.Event { return s.recent.Recent() }

// NavigationPolicy returns the header guard hosts call before letting an
// outbound navigation proceed.
func (s *SDK) NavigationPolicy() bridge.NavigationPolicy {
	return bridge.NavigationPolicy{AppID: s.cfg.AppID}
}
