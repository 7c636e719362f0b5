package commercekit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nutritrack/commercekit/internal/bridge"
	"github.com/nutritrack/commercekit/internal/config"
	"github.com/nutritrack/commercekit/internal/storekit"
	"github.com/nutritrack/commercekit/internal/telemetry"
	"github.com/nutritrack/commercekit/pkg/logger"
)

func testOptions(t *testing.T, storePath string) (Options, *storekit.FakePlatform) {
	t.Helper()
	platform, err := storekit.NewFakePlatform()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.AppID = "app-test"
	cfg.Store.Path = storePath
	cfg.Store.Secret = "test-secret"
	return Options{
		Config:    cfg,
		Platform:  platform,
		VerifyKey: platform.PublicKey(),
		Locale:    "en-US",
		Region:    "US",
		Log:       logger.NewNop(),
	}, platform
}

func TestInstallBookkeepingAcrossLaunches(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "ck.db")

	opts, _ := testOptions(t, storePath)
	first, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	snap1 := first.Identity()
	if snap1.NumberOfInstalls != 1 {
		t.Errorf("first launch installs = %d, want 1", snap1.NumberOfInstalls)
	}
	if !snap1.FirstInstallAt.Equal(snap1.LastInstallAt) {
		t.Error("first launch should record first == last install")
	}

	var sawInstall bool
	for _, e := range first.RecentEvents() {
		if e.Name == telemetry.EventInstall {
			sawInstall = true
		}
	}
	if !sawInstall {
		t.Error("first launch should emit an install event")
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	opts2, _ := testOptions(t, storePath)
	second, err := New(opts2)
	if err != nil {
		t.Fatalf("New() second launch error = %v", err)
	}
	defer second.Close()

	snap2 := second.Identity()
	if snap2.UserID != snap1.UserID {
		t.Errorf("user id changed across launches: %q vs %q", snap2.UserID, snap1.UserID)
	}
	if snap2.SessionID == snap1.SessionID {
		t.Error("session id should be fresh per launch")
	}
	if snap2.NumberOfInstalls != 2 {
		t.Errorf("second launch installs = %d, want 2", snap2.NumberOfInstalls)
	}
	for _, e := range second.RecentEvents() {
		if e.Name == telemetry.EventInstall {
			t.Error("later launches must not emit install events")
		}
	}
}

type collectSender struct {
	mu        sync.Mutex
	responses []bridge.Response
}

func (c *collectSender) Send(resp bridge.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	return nil
}

func TestBuiltInActionsAreRegistered(t *testing.T) {
	opts, _ := testOptions(t, filepath.Join(t.TempDir(), "ck.db"))
	sdk, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer sdk.Close()

	sender := &collectSender{}
	sdk.Dispatcher().Dispatch(context.Background(), bridge.Request{
		ID:     "q-1",
		Action: bridge.ActionGetIsSubscribed,
	}, sender)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(sender.responses))
	}
	res, ok := sender.responses[0].Parameters["res"].AsBool()
	if !ok || res {
		t.Errorf("fresh install getIsSubscribed = %v, want false", sender.responses[0].Parameters["res"])
	}
}

func TestNavigationPolicyCarriesAppID(t *testing.T) {
	opts, _ := testOptions(t, filepath.Join(t.TempDir(), "ck.db"))
	sdk, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer sdk.Close()

	if got := sdk.NavigationPolicy().AppID; got != "app-test" {
		t.Errorf("NavigationPolicy().AppID = %q, want app-test", got)
	}
}
