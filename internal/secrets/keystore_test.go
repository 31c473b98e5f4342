package secrets

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tether/internal/domain"
	"github.com/gosuda/tether/internal/sealbox"
)

type mockSealedKeyRepo struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMockSealedKeyRepo() *mockSealedKeyRepo {
	return &mockSealedKeyRepo{keys: make(map[string]string)}
}

func (m *mockSealedKeyRepo) GetSealedKey(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sealed, ok := m.keys[userID]
	if !ok {
		return "", fmt.Errorf("mock: %w", domain.ErrNotFound)
	}
	return sealed, nil
}

func (m *mockSealedKeyRepo) PutSealedKey(_ context.Context, userID, sealed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[userID] = sealed
	return nil
}

func TestKeyStore_RoundTrip(t *testing.T) {
	t.Parallel()

	vault, err := NewVault(validKey(t))
	require.NoError(t, err)
	repo := newMockSealedKeyRepo()
	store := NewKeyStore(repo, vault)

	key, err := sealbox.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, store.SetRelayKey(t.Context(), "u1", key))
	assert.NotContains(t, repo.keys["u1"], string(key), "key is stored encrypted")

	got, err := store.RelayKey(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestKeyStore_MissingUser(t *testing.T) {
	t.Parallel()

	vault, err := NewVault(validKey(t))
	require.NoError(t, err)
	store := NewKeyStore(newMockSealedKeyRepo(), vault)

	_, err = store.RelayKey(t.Context(), "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestKeyStore_RejectsWrongKeySize(t *testing.T) {
	t.Parallel()

	vault, err := NewVault(validKey(t))
	require.NoError(t, err)
	repo := newMockSealedKeyRepo()
	store := NewKeyStore(repo, vault)

	require.ErrorIs(t, store.SetRelayKey(t.Context(), "u1", []byte("short")), sealbox.ErrInvalidKey)

	sealed, err := vault.Encrypt([]byte("short"))
	require.NoError(t, err)
	repo.keys["u1"] = sealed

	_, err = store.RelayKey(t.Context(), "u1")
	require.ErrorIs(t, err, sealbox.ErrInvalidKey)
}

func TestKeyStore_WrongMasterKey(t *testing.T) {
	t.Parallel()

	v1, err := NewVault(validKey(t))
	require.NoError(t, err)
	v2, err := NewVault(validKey(t))
	require.NoError(t, err)

	repo := newMockSealedKeyRepo()
	key, err := sealbox.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, NewKeyStore(repo, v1).SetRelayKey(t.Context(), "u1", key))

	_, err = NewKeyStore(repo, v2).RelayKey(t.Context(), "u1")
	require.Error(t, err)
}
