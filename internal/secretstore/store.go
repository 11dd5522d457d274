// Package secretstore implements C1: an encrypted-at-rest key/value store
// for broker credentials, OAuth tokens, and notification tokens. It mirrors
// the teacher's "always write through an explicit transaction, wrap every
// I/O error with context" idiom (internal/database/db.go WithTransaction),
// applied to a single encrypted blob file rather than a SQL table, and
// borrows the canonical-encode-before-seal pattern the teacher's reliability
// package uses for its R2-backed restore blobs.
package secretstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sentinel/tradingcore/internal/domain"
)

// Store is a process-wide encrypted secret cache backed by a single file.
// All reads are served from the in-memory map; every write re-encrypts the
// full map and atomically replaces the file (spec.md §4.1 "no partial
// writes are ever observable").
type Store struct {
	mu      sync.RWMutex
	secrets map[string]string
	path    string
	aead    cipher.AEAD
	log     zerolog.Logger
}

// envelope is the msgpack-encoded plaintext sealed inside the AEAD box.
type envelope struct {
	Secrets map[string]string `msgpack:"secrets"`
}

// New opens (or initialises) the encrypted store at path using a
// hex-encoded 32-byte AES-256-GCM key.
func New(path, keyHex string, log zerolog.Logger) (*Store, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, "secretstore.New", fmt.Errorf("invalid encryption key hex: %w", err))
	}
	if len(key) != 32 {
		return nil, domain.NewError(domain.KindValidation, "secretstore.New", fmt.Errorf("encryption key must be 32 bytes, got %d", len(key)))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.NewError(domain.KindStoreCorrupt, "secretstore.New", fmt.Errorf("failed to build cipher: %w", err))
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.NewError(domain.KindStoreCorrupt, "secretstore.New", fmt.Errorf("failed to build AEAD: %w", err))
	}

	s := &Store{
		secrets: make(map[string]string),
		path:    path,
		aead:    aead,
		log:     log.With().Str("component", "secretstore").Logger(),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.log.Info().Str("path", s.path).Msg("no existing secret store, starting empty")
		return nil
	}
	if err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.load", fmt.Errorf("failed to read secret store: %w", err))
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.load", fmt.Errorf("secret store file truncated"))
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.load", fmt.Errorf("failed to decrypt secret store: %w", err))
	}

	var env envelope
	if err := msgpack.Unmarshal(plaintext, &env); err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.load", fmt.Errorf("failed to decode secret store envelope: %w", err))
	}
	if env.Secrets == nil {
		env.Secrets = make(map[string]string)
	}
	s.secrets = env.Secrets
	s.log.Info().Int("count", len(s.secrets)).Msg("loaded encrypted secret store")
	return nil
}

// Get returns the secret for key, or domain.ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return "", domain.NewError(domain.KindNotFound, "secretstore.Get", fmt.Errorf("secret %q not found", key))
	}
	return v, nil
}

// Set stores value under key and durably persists the whole store before
// returning, so a crash never leaves a caller believing an unwritten
// credential was saved.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.secrets[key]
	s.secrets[key] = value
	if err := s.persistLocked(); err != nil {
		if existed {
			s.secrets[key] = prev
		} else {
			delete(s.secrets, key)
		}
		return err
	}
	return nil
}

// Delete removes key from the store, persisting the change.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.secrets[key]
	if !existed {
		return nil
	}
	delete(s.secrets, key)
	if err := s.persistLocked(); err != nil {
		s.secrets[key] = prev
		return err
	}
	return nil
}

// persistLocked seals the current map and atomically replaces the store
// file via rename, so readers never observe a partially-written file.
func (s *Store) persistLocked() error {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true) // canonical: identical maps encode to identical bytes
	if err := enc.Encode(envelope{Secrets: s.secrets}); err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to encode envelope: %w", err))
	}
	plaintext := buf.Bytes()

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to generate nonce: %w", err))
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to create store directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, ".secretstore-*.tmp")
	if err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to fsync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to close temp file: %w", err))
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to set permissions: %w", err))
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return domain.NewError(domain.KindStoreCorrupt, "secretstore.persist", fmt.Errorf("failed to install secret store: %w", err))
	}
	return nil
}

// ClearAll removes every secret from the store in one durable write,
// persisting an empty map rather than deleting the backing file, so a
// concurrent Get never races against a missing-file error (spec.md §4.1
// clear_all).
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.secrets
	s.secrets = make(map[string]string)
	if err := s.persistLocked(); err != nil {
		s.secrets = prev
		return err
	}
	return nil
}

// Keys returns the set of stored keys, for diagnostics only (never values).
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	return keys
}
