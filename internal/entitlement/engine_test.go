package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nutritrack/commercekit/internal/storekit"
	"github.com/nutritrack/commercekit/internal/telemetry"
	"github.com/nutritrack/commercekit/pkg/logger"
)

type stubStore struct {
	mu   sync.Mutex
	held []string
	err  error
	sink func(storekit.Transaction)
}

func (s *stubStore) FetchPurchasedProducts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]string(nil), s.held...), nil
}

func (s *stubStore) ObserveTransactions(ctx context.Context, sink func(storekit.Transaction)) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *stubStore) deliver(tx storekit.Transaction) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(tx)
	}
}

func (s *stubStore) setHeld(held ...string) {
	s.mu.Lock()
	s.held = held
	s.mu.Unlock()
}

type stubRemote struct {
	subscribed bool
	err        error
	calls      int
}

func (r *stubRemote) IsSubscribed(ctx context.Context, uid string) (bool, error) {
	r.calls++
	if r.err != nil {
		return false, r.err
	}
	return r.subscribed, nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *captureEvents) Log(e telemetry.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureEvents) named(name telemetry.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, store StoreChecker, remote RemoteChecker, events telemetry.Logger, cfg Config) *Engine {
	t.Helper()
	if cfg.UID == nil {
		cfg.UID = func() string { return "uid-1" }
	}
	e, err := NewEngine(store, remote, events, cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestInitialStateNotSubscribed(t *testing.T) {
	e := newTestEngine(t, &stubStore{}, nil, nil, Config{})
	if e.Subscribed() {
		t.Error("Subscribed() = true at init, want false")
	}
}

func TestLocalPositiveWins(t *testing.T) {
	store := &stubStore{held: []string{"premium.monthly"}}
	remote := &stubRemote{}
	e := newTestEngine(t, store, remote, nil, Config{})

	subscribed, err := e.Reconcile(context.Background(), true)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !subscribed || !e.Subscribed() {
		t.Error("local positive should set subscribed")
	}
	if remote.calls != 0 {
		t.Errorf("remote consulted %d times on a local positive, want 0", remote.calls)
	}
}

func TestLocalOnlyCheckNeverDowngrades(t *testing.T) {
	store := &stubStore{held: []string{"premium.monthly"}}
	e := newTestEngine(t, store, &stubRemote{}, nil, Config{})

	if _, err := e.Reconcile(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	store.setHeld() // all entitlements gone
	subscribed, err := e.Reconcile(context.Background(), false)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !subscribed || !e.Subscribed() {
		t.Error("local-only zero result downgraded a subscribed state")
	}
}

func TestExtensiveCheckRemoteIsFinal(t *testing.T) {
	store := &stubStore{}
	remote := &stubRemote{subscribed: true}
	e := newTestEngine(t, store, remote, nil, Config{})

	subscribed, err := e.Reconcile(context.Background(), true)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if !subscribed {
		t.Error("remote positive should set subscribed")
	}

	// Remote now confirms not subscribed; local is still zero.
	remote.subscribed = false
	subscribed, err = e.Reconcile(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if subscribed || e.Subscribed() {
		t.Error("zero local products plus remote negative should clear subscribed")
	}
}

func TestRemoteFailurePreservesSubscribed(t *testing.T) {
	store := &stubStore{held: []string{"premium.monthly"}}
	remote := &stubRemote{}
	e := newTestEngine(t, store, remote, nil, Config{})

	if _, err := e.Reconcile(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	store.setHeld()
	remote.err = errors.New("network down")

	subscribed, err := e.Reconcile(context.Background(), true)
	if err == nil {
		t.Fatal("Reconcile() error = nil, want remote failure surfaced")
	}
	if !subscribed || !e.Subscribed() {
		t.Error("remote failure must never flip subscribed to false")
	}
}

func TestLocalFailurePreservesState(t *testing.T) {
	store := &stubStore{held: []string{"premium.monthly"}}
	e := newTestEngine(t, store, nil, nil, Config{})
	if _, err := e.Reconcile(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	store.err = errors.New("store unavailable")
	store.mu.Unlock()

	subscribed, err := e.Reconcile(context.Background(), false)
	if err == nil {
		t.Fatal("Reconcile() error = nil, want local failure surfaced")
	}
	if !subscribed {
		t.Error("local failure must preserve the previous state")
	}
}

func TestSignOutClears(t *testing.T) {
	store := &stubStore{held: []string{"premium.monthly"}}
	e := newTestEngine(t, store, nil, nil, Config{})
	if _, err := e.Reconcile(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	e.SignOut()
	if e.Subscribed() {
		t.Error("Subscribed() = true after SignOut")
	}
}

// =============================================================================
// Transaction listener
// =============================================================================

func renewalTx() storekit.Transaction {
	return storekit.Transaction{TransactionID: 1, ProductID: "premium.monthly", Reason: storekit.ReasonRenewal}
}

func TestListenerRenewalSetsSubscribedAndEmits(t *testing.T) {
	store := &stubStore{}
	events := &captureEvents{}
	e := newTestEngine(t, store, &stubRemote{}, events, Config{})

	e.StartListener(context.Background())
	store.setHeld("premium.monthly")
	store.deliver(renewalTx())

	if !e.Subscribed() {
		t.Error("renewal should set subscribed")
	}
	if events.named(telemetry.EventSubscriptionRenewed) != 1 {
		t.Error("renewal did not emit subscription_renewed")
	}
}

func TestListenerRestorationEmits(t *testing.T) {
	store := &stubStore{}
	events := &captureEvents{}
	e := newTestEngine(t, store, &stubRemote{}, events, Config{})

	e.StartListener(context.Background())
	store.setHeld("premium.yearly")

	restoration := storekit.Transaction{
		TransactionID: 2, ProductID: "premium.yearly", Reason: storekit.ReasonPurchase,
	}
	// A purchase whose timestamps differ is a restoration.
	restoration.PurchaseAt = restoration.OriginalPurchaseAt.Add(1)

	store.deliver(restoration)

	if !e.Subscribed() {
		t.Error("restoration should set subscribed")
	}
	if events.named(telemetry.EventSubscriptionRestored) != 1 {
		t.Error("restoration did not emit subscription_restored")
	}
}

func TestListenerDoesNotConsultRemote(t *testing.T) {
	store := &stubStore{}
	remote := &stubRemote{}
	e := newTestEngine(t, store, remote, nil, Config{})

	e.StartListener(context.Background())
	store.setHeld("premium.monthly")
	store.deliver(renewalTx())

	if remote.calls != 0 {
		t.Errorf("listener consulted remote %d times, want 0 (platform is authoritative)", remote.calls)
	}
}

// =============================================================================
// Debug override
// =============================================================================

func TestOverrideDisabledByDefault(t *testing.T) {
	e := newTestEngine(t, &stubStore{}, nil, nil, Config{})
	if err := e.SetOverride(true); !errors.Is(err, ErrOverrideDisabled) {
		t.Errorf("SetOverride() error = %v, want ErrOverrideDisabled", err)
	}
}

func TestOverrideShadowsWithoutWriting(t *testing.T) {
	e := newTestEngine(t, &stubStore{}, nil, nil, Config{AllowDebugOverride: true})

	if err := e.SetOverride(true); err != nil {
		t.Fatalf("SetOverride() error = %v", err)
	}
	if !e.Subscribed() {
		t.Error("override not visible through Subscribed()")
	}
	if e.State().Subscribed {
		t.Error("override leaked into the reconciled state")
	}

	if err := e.ClearOverride(); err != nil {
		t.Fatal(err)
	}
	if e.Subscribed() {
		t.Error("Subscribed() = true after ClearOverride")
	}
}
