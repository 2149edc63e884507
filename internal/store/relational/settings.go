package relational

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// encryptionKeySetting names the row holding the AES key that protects
// secret settings. Generated on first use.
const encryptionKeySetting = "encryption_key"

// GetSetting reads one system setting.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT value FROM system_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return "", translate(err, "setting not found")
	}
	return value, nil
}

// PutSetting writes one system setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return appErrors.NewValidation("setting key cannot be empty")
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	return translate(err, "")
}

// GetBoolSetting reads a setting as a boolean; missing rows return the
// fallback.
func (s *Store) GetBoolSetting(ctx context.Context, key string, fallback bool) (bool, error) {
	value, err := s.GetSetting(ctx, key)
	if appErrors.IsNotFound(err) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return value == "true" || value == "1", nil
}

// loadEncryptionKey returns the singleton AES key, generating and
// persisting it on first call. The loaded key is cached for the process
// lifetime.
func (s *Store) loadEncryptionKey(ctx context.Context) ([]byte, error) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if s.encryptionKey != nil {
		return s.encryptionKey, nil
	}

	stored, err := s.GetSetting(ctx, encryptionKeySetting)
	switch {
	case err == nil:
		key, decErr := hex.DecodeString(stored)
		if decErr != nil || len(key) != 32 {
			return nil, appErrors.NewInternal("stored encryption key is corrupt", decErr)
		}
		s.encryptionKey = key
		return key, nil
	case appErrors.IsNotFound(err):
	default:
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, appErrors.NewInternal("failed to generate encryption key", err)
	}
	// Insert without overwrite so two racing processes converge on one key.
	_, execErr := s.q(ctx).Exec(ctx, `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`,
		encryptionKeySetting, hex.EncodeToString(key), time.Now().UTC())
	if execErr != nil {
		return nil, translate(execErr, "")
	}
	stored, err = s.GetSetting(ctx, encryptionKeySetting)
	if err != nil {
		return nil, err
	}
	key, err = hex.DecodeString(stored)
	if err != nil || len(key) != 32 {
		return nil, appErrors.NewInternal("stored encryption key is corrupt", err)
	}
	s.encryptionKey = key
	return key, nil
}

// PutSecretSetting stores a value encrypted with AES-GCM under the
// singleton key.
func (s *Store) PutSecretSetting(ctx context.Context, key, plaintext string) error {
	aesKey, err := s.loadEncryptionKey(ctx)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return appErrors.NewInternal("cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return appErrors.NewInternal("cipher init failed", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return appErrors.NewInternal("nonce generation failed", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return s.PutSetting(ctx, key, base64.StdEncoding.EncodeToString(sealed))
}

// GetSecretSetting reads and decrypts a value stored by
// PutSecretSetting.
func (s *Store) GetSecretSetting(ctx context.Context, key string) (string, error) {
	stored, err := s.GetSetting(ctx, key)
	if err != nil {
		return "", err
	}
	sealed, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", appErrors.NewInternal("secret setting is corrupt", err)
	}
	aesKey, err := s.loadEncryptionKey(ctx)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", appErrors.NewInternal("cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", appErrors.NewInternal("cipher init failed", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", appErrors.NewInternal("secret setting is corrupt", errors.New("ciphertext shorter than nonce"))
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", appErrors.NewInternal("secret setting failed authentication", err)
	}
	return string(plaintext), nil
}
