// Package securestore provides durable, encrypted key-value storage scoped
// to the application install. Values are sealed with AES-256-GCM under a key
// derived from the device secret, and persisted in an embedded sqlite file.
//
// Reads transparently migrate values forward from two legacy storage
// generations: the old "synchronizable" table and the original un-namespaced
// table. Migration is one-way and idempotent; once a value lands in the
// canonical table the legacy copy is deleted.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"

	"github.com/nutritrack/commercekit/pkg/logger"
)

const (
	tableCanonical   = "kv"
	tableLegacySync  = "kv_sync"
	tableLegacyPlain = "kv_plain"
)

// legacyTables lists legacy generations in migration priority order.
var legacyTables = []string{tableLegacySync, tableLegacyPlain}

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("securestore: store is closed")
)

// Store is an encrypted key-value store backed by a device-local sqlite file.
// Persistence is best-effort: a failed write is logged and the value stays
// authoritative in memory for the remainder of the process lifetime.
type Store struct {
	log  *logger.Logger
	aead cipher.AEAD

	mu      sync.Mutex
	db      *sql.DB
	overlay map[string][]byte
	closed  bool
}

// Open opens (creating if necessary) the store at path, sealing values under
// a key derived from secret.
func Open(path string, secret []byte, log *logger.Logger) (*Store, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("securestore: device secret is required")
	}
	if log == nil {
		log = logger.NewDefault("securestore")
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return nil, fmt.Errorf("securestore: init cipher: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("securestore: open database: %w", err)
	}

	for _, table := range []string{tableCanonical, tableLegacySync, tableLegacyPlain} {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`, table)
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("securestore: create table %s: %w", table, err)
		}
	}

	return &Store{
		log:     log,
		aead:    aead,
		db:      db,
		overlay: make(map[string][]byte),
	}, nil
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, secret, []byte("commercekit/securestore"), []byte("aes-256-gcm"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Get returns the value for key. The second return is false when the key is
// absent everywhere; absence is not an error. A value found only in a legacy
// generation is migrated to the canonical table and removed from the legacy
// location before being returned.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	if v, ok := s.overlay[key]; ok {
		return append([]byte(nil), v...), true, nil
	}

	sealed, found, err := s.read(tableCanonical, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		plain, err := s.unseal(sealed)
		if err != nil {
			return nil, false, fmt.Errorf("securestore: unseal %q: %w", key, err)
		}
		return plain, true, nil
	}

	return s.migrate(key)
}

// migrate walks the legacy generations in priority order and moves the first
// hit into canonical storage. Re-running after completion is a no-op because
// the legacy row no longer exists.
func (s *Store) migrate(key string) ([]byte, bool, error) {
	for _, table := range legacyTables {
		sealed, found, err := s.read(table, key)
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}

		plain, err := s.unseal(sealed)
		if err != nil {
			return nil, false, fmt.Errorf("securestore: unseal legacy %q: %w", key, err)
		}

		if err := s.write(tableCanonical, key, sealed); err != nil {
			// Canonical write failed; leave the legacy copy in place so the
			// migration can be retried, and serve the value from memory.
			s.log.WithError(err).WithField("key", key).Warn("legacy migration write failed")
			s.overlay[key] = append([]byte(nil), plain...)
			return plain, true, nil
		}
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("legacy row delete failed")
		}

		s.log.WithField("key", key).WithField("from", table).Info("migrated legacy value")
		return plain, true, nil
	}
	return nil, false, nil
}

// Set stores value under key. Passing nil deletes the key. Persistence
// failures are logged, not returned: the in-memory copy remains
// authoritative for the rest of the process.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if value == nil {
		return s.deleteLocked(key)
	}

	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("securestore: seal %q: %w", key, err)
	}

	if err := s.write(tableCanonical, key, sealed); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("persist failed, keeping value in memory")
		s.overlay[key] = append([]byte(nil), value...)
		return nil
	}

	delete(s.overlay, key)
	return nil
}

// Delete removes key from every storage generation.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.deleteLocked(key)
}

func (s *Store) deleteLocked(key string) error {
	delete(s.overlay, key)
	for _, table := range []string{tableCanonical, tableLegacySync, tableLegacyPlain} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE key = ?", table), key); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("delete failed")
		}
	}
	return nil
}

func (s *Store) read(table, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("securestore: read %s: %w", table, err)
	}
	return value, true, nil
}

func (s *Store) write(table, key string, sealed []byte) error {
	_, err := s.db.Exec(
		fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", table),
		key, sealed,
	)
	return err
}

func (s *Store) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) unseal(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("ciphertext too short")
	}
	return s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}

// =============================================================================
// Typed helpers
// =============================================================================

// GetString returns the string value for key.
func (s *Store) GetString(key string) (string, bool, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// SetString stores a string value under key.
func (s *Store) SetString(key, value string) error {
	return s.Set(key, []byte(value))
}

// GetBool returns the boolean value for key.
func (s *Store) GetBool(key string) (bool, bool, error) {
	v, ok, err := s.GetString(key)
	if err != nil || !ok {
		return false, ok, err
	}
	b, perr := strconv.ParseBool(v)
	if perr != nil {
		return false, false, fmt.Errorf("securestore: parse bool %q: %w", key, perr)
	}
	return b, true, nil
}

// SetBool stores a boolean value under key.
func (s *Store) SetBool(key string, value bool) error {
	return s.SetString(key, strconv.FormatBool(value))
}

// GetInt64 returns the integer value for key.
func (s *Store) GetInt64(key string) (int64, bool, error) {
	v, ok, err := s.GetString(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	n, perr := strconv.ParseInt(v, 10, 64)
	if perr != nil {
		return 0, false, fmt.Errorf("securestore: parse int %q: %w", key, perr)
	}
	return n, true, nil
}

// SetInt64 stores an integer value under key.
func (s *Store) SetInt64(key string, value int64) error {
	return s.SetString(key, strconv.FormatInt(value, 10))
}

// GetTime returns the timestamp value for key.
func (s *Store) GetTime(key string) (time.Time, bool, error) {
	v, ok, err := s.GetString(key)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}
	ts, perr := time.Parse(time.RFC3339Nano, v)
	if perr != nil {
		return time.Time{}, false, fmt.Errorf("securestore: parse time %q: %w", key, perr)
	}
	return ts, true, nil
}

// SetTime stores a timestamp value under key.
func (s *Store) SetTime(key string, value time.Time) error {
	return s.SetString(key, value.UTC().Format(time.RFC3339Nano))
}

// seedLegacy writes a sealed value directly into a legacy generation table.
// Exists so tests (and the one-time import path in the host app) can stage
// pre-migration state.
func (s *Store) seedLegacy(table, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.write(table, key, sealed)
}

// SeedLegacySync writes value into the legacy "synchronizable" generation.
func (s *Store) SeedLegacySync(key string, value []byte) error {
	return s.seedLegacy(tableLegacySync, key, value)
}

// SeedLegacyPlain writes value into the legacy un-namespaced generation.
func (s *Store) SeedLegacyPlain(key string, value []byte) error {
	return s.seedLegacy(tableLegacyPlain, key, value)
}

// HasLegacy reports whether key still exists in any legacy generation.
func (s *Store) HasLegacy(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	for _, table := range legacyTables {
		_, found, err := s.read(table, key)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}
