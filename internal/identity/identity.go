// Package identity manages the persisted install identity: the opaque user
// identifier, the per-process session identifier, and install bookkeeping.
package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nutritrack/commercekit/internal/securestore"
	"github.com/nutritrack/commercekit/pkg/logger"
)

// Storage keys. Each value is independently keyed in the secure store so
// legacy-generation migration applies per key.
const (
	KeyUserID           = "user_id"
	KeySessionID        = "session_id"
	KeyFirstInstallAt   = "first_install_at"
	KeyLastInstallAt    = "last_install_at"
	KeyNumberOfInstalls = "number_of_installs"
)

// Snapshot is the resolved identity for the current process.
type Snapshot struct {
	UserID           string
	SessionID        string
	FirstInstallAt   time.Time
	LastInstallAt    time.Time
	NumberOfInstalls int64
}

// Manager resolves and persists the install identity.
type Manager struct {
	store *securestore.Store
	log   *logger.Logger
	now   func() time.Time

	current Snapshot
}

// NewManager creates an identity manager over the secure store.
func NewManager(store *securestore.Store, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("identity")
	}
	return &Manager{store: store, log: log, now: time.Now}
}

// Ensure resolves the identity for this process launch. The first run ever
// generates a fresh user id and records first == last install with an
// install count of one; every later run bumps the last-install timestamp and
// the counter. A new session id is generated on every call.
func (m *Manager) Ensure() (Snapshot, error) {
	now := m.now().UTC()

	uid, found, err := m.store.GetString(KeyUserID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("identity: read user id: %w", err)
	}

	var snap Snapshot
	if !found {
		uid = uuid.NewString()
		if err := m.store.SetString(KeyUserID, uid); err != nil {
			return Snapshot{}, fmt.Errorf("identity: persist user id: %w", err)
		}
		snap = Snapshot{
			UserID:           uid,
			FirstInstallAt:   now,
			LastInstallAt:    now,
			NumberOfInstalls: 1,
		}
		m.log.WithField("uid", uid).Info("generated new install identity")
	} else {
		first, ok, err := m.store.GetTime(KeyFirstInstallAt)
		if err != nil {
			return Snapshot{}, fmt.Errorf("identity: read first install: %w", err)
		}
		if !ok {
			first = now
		}
		installs, _, err := m.store.GetInt64(KeyNumberOfInstalls)
		if err != nil {
			return Snapshot{}, fmt.Errorf("identity: read install count: %w", err)
		}
		snap = Snapshot{
			UserID:           uid,
			FirstInstallAt:   first,
			LastInstallAt:    now,
			NumberOfInstalls: installs + 1,
		}
	}

	snap.SessionID = uuid.NewString()

	if err := m.persist(snap); err != nil {
		return Snapshot{}, err
	}
	m.current = snap
	return snap, nil
}

func (m *Manager) persist(snap Snapshot) error {
	if err := m.store.SetTime(KeyFirstInstallAt, snap.FirstInstallAt); err != nil {
		return fmt.Errorf("identity: persist first install: %w", err)
	}
	if err := m.store.SetTime(KeyLastInstallAt, snap.LastInstallAt); err != nil {
		return fmt.Errorf("identity: persist last install: %w", err)
	}
	if err := m.store.SetInt64(KeyNumberOfInstalls, snap.NumberOfInstalls); err != nil {
		return fmt.Errorf("identity: persist install count: %w", err)
	}
	if err := m.store.SetString(KeySessionID, snap.SessionID); err != nil {
		return fmt.Errorf("identity: persist session id: %w", err)
	}
	return nil
}

// Current returns the identity resolved by the last Ensure or Reset call.
func (m *Manager) Current() Snapshot { return m.current }

// Reset regenerates the user identifier. Used by the delete-account flow;
// any state the remote authority holds for the old identifier is
// intentionally orphaned. Install bookkeeping is left untouched.
func (m *Manager) Reset() (Snapshot, error) {
	uid := uuid.NewString()
	if err := m.store.SetString(KeyUserID, uid); err != nil {
		return Snapshot{}, fmt.Errorf("identity: persist regenerated user id: %w", err)
	}
	m.current.UserID = uid
	m.log.WithField("uid", uid).Info("regenerated install identity")
	return m.current, nil
}
