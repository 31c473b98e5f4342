package secrets

import (
	"context"
	"fmt"

	"github.com/gosuda/tether/internal/sealbox"
)

// SealedKeyRepository persists relay keys already encrypted by a Vault.
type SealedKeyRepository interface {
	GetSealedKey(ctx context.Context, userID string) (string, error)
	PutSealedKey(ctx context.Context, userID, sealed string) error
}

// KeyStore implements domain.KeyRepository over sealed storage: keys are
// encrypted with the hub's master key before they reach the database.
type KeyStore struct {
	repo  SealedKeyRepository
	vault *Vault
}

func NewKeyStore(repo SealedKeyRepository, vault *Vault) *KeyStore {
	return &KeyStore{repo: repo, vault: vault}
}

func (s *KeyStore) RelayKey(ctx context.Context, userID string) ([]byte, error) {
	sealed, err := s.repo.GetSealedKey(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("secrets.KeyStore.RelayKey: %w", err)
	}

	key, err := s.vault.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("secrets.KeyStore.RelayKey: %w", err)
	}
	if len(key) != sealbox.KeySize {
		return nil, fmt.Errorf("secrets.KeyStore.RelayKey: %w", sealbox.ErrInvalidKey)
	}

	return key, nil
}

func (s *KeyStore) SetRelayKey(ctx context.Context, userID string, key []byte) error {
	if len(key) != sealbox.KeySize {
		return fmt.Errorf("secrets.KeyStore.SetRelayKey: %w", sealbox.ErrInvalidKey)
	}

	sealed, err := s.vault.Encrypt(key)
	if err != nil {
		return fmt.Errorf("secrets.KeyStore.SetRelayKey: %w", err)
	}

	if err := s.repo.PutSealedKey(ctx, userID, sealed); err != nil {
		return fmt.Errorf("secrets.KeyStore.SetRelayKey: %w", err)
	}

	return nil
}
