package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/99designs/keyring"
)

const serviceName = "familytree"

// KeyringStore implements Store on top of the system keyring. Each
// credential lives under its own well-known key.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring returns a KeyringStore backed by the first available
// system backend, falling back to an encrypted file under fileDir.
func OpenKeyring(fileDir string) (*KeyringStore, error) {
	if fileDir == "" {
		fileDir = "~/.config/familytree/credentials"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("familytree-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

// Get retrieves the stored credentials. Missing tokens are returned as
// empty strings; ErrNoCredentials is returned only when both are absent.
func (s *KeyringStore) Get() (Credentials, error) {
	var c Credentials

	access, err := s.get(KeyAccessToken)
	if err != nil {
		return Credentials{}, err
	}
	refresh, err := s.get(KeyRefreshToken)
	if err != nil {
		return Credentials{}, err
	}
	c.AccessToken = string(access)
	c.RefreshToken = string(refresh)
	if c.Empty() {
		return Credentials{}, ErrNoCredentials
	}

	user, err := s.get(KeyUser)
	if err != nil {
		return Credentials{}, err
	}
	if len(user) > 0 {
		if err := json.Unmarshal(user, &c.User); err != nil {
			return Credentials{}, fmt.Errorf("decoding stored user: %w", err)
		}
	}

	return c, nil
}

// Set stores every credential field under its key.
func (s *KeyringStore) Set(c Credentials) error {
	user, err := json.Marshal(c.User)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}

	items := []keyring.Item{
		{Key: KeyAccessToken, Data: []byte(c.AccessToken)},
		{Key: KeyRefreshToken, Data: []byte(c.RefreshToken)},
		{Key: KeyUser, Data: user},
	}
	for _, item := range items {
		if err := s.ring.Set(item); err != nil {
			return fmt.Errorf("setting credential %q: %w", item.Key, err)
		}
	}

	return nil
}

// Clear removes every credential key. Keys that are already absent are
// ignored.
func (s *KeyringStore) Clear() error {
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyUser} {
		err := s.ring.Remove(key)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("deleting credential %q: %w", key, err)
		}
	}
	return nil
}

// get returns the raw value for key, or nil when it is absent.
func (s *KeyringStore) get(key string) ([]byte, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting credential %q: %w", key, err)
	}
	return item.Data, nil
}

// isNotFound covers both the keyring sentinel and the file backend,
// which surfaces a missing key as a plain os error on Remove.
func isNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}
