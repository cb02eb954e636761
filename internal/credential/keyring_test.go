package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/familytree/internal/model"
)

func newFileKeyring(t *testing.T) *KeyringStore {
	t.Helper()

	ring, err := keyring.Open(keyring.Config{
		ServiceName:      "familytree-test",
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          t.TempDir(),
		FilePasswordFunc: keyring.FixedStringPrompt("test"),
	})
	require.NoError(t, err)
	return NewKeyringStore(ring)
}

func TestKeyringStore_RoundTrip(t *testing.T) {
	s := newFileKeyring(t)

	_, err := s.Get()
	require.ErrorIs(t, err, ErrNoCredentials)

	want := Credentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		User:         model.UserSummary{ID: "u1", Username: "ada"},
	}
	require.NoError(t, s.Set(want))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestKeyringStore_ClearIsIdempotent(t *testing.T) {
	s := newFileKeyring(t)

	require.NoError(t, s.Clear())
	require.NoError(t, s.Set(Credentials{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())

	_, err := s.Get()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(Credentials{})

	_, err := s.Get()
	require.ErrorIs(t, err, ErrNoCredentials)

	require.NoError(t, s.Set(Credentials{RefreshToken: "r"}))
	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "r", got.RefreshToken)

	require.NoError(t, s.Clear())
	_, err = s.Get()
	assert.ErrorIs(t, err, ErrNoCredentials)
}
