package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// API keys look like sk_<live|test>_<urlsafe-base64 32 bytes>. Only the
// prefix, a random salt, and the PBKDF2 hash are ever stored.
const (
	apiKeyMarker = "sk_"

	// prefixRandChars is how much of the random part joins the stored
	// prefix used for lookup.
	prefixRandChars = 8

	pbkdf2Iterations = 210_000
	pbkdf2KeyLength  = 32
	saltLength       = 16
)

// KeyEnvironment selects the key namespace.
type KeyEnvironment string

const (
	KeyLive KeyEnvironment = "live"
	KeyTest KeyEnvironment = "test"
)

// GeneratedKey is the one-time result of key creation. Plaintext is shown
// to the caller exactly once; the remaining fields are what gets stored.
type GeneratedKey struct {
	Plaintext string
	Prefix    string
	SaltHex   string
	HashHex   string
}

// GenerateAPIKey mints a fresh key for the given environment.
func GenerateAPIKey(env KeyEnvironment) (*GeneratedKey, error) {
	if env != KeyLive && env != KeyTest {
		return nil, appErrors.NewValidationf("unknown key environment %q", env)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, appErrors.NewInternal("failed to generate key material", err)
	}
	random := base64.RawURLEncoding.EncodeToString(raw)
	plaintext := apiKeyMarker + string(env) + "_" + random

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, appErrors.NewInternal("failed to generate key salt", err)
	}

	return &GeneratedKey{
		Plaintext: plaintext,
		Prefix:    KeyPrefix(plaintext),
		SaltHex:   hex.EncodeToString(salt),
		HashHex:   hex.EncodeToString(hashKey(plaintext, salt)),
	}, nil
}

// IsAPIKey reports whether a presented token uses the API-key grammar.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, apiKeyMarker)
}

// KeyPrefix derives the stored lookup prefix from a plaintext key:
// the marker, environment, and the first characters of the random part.
func KeyPrefix(plaintext string) string {
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) != 3 {
		return ""
	}
	random := parts[2]
	if len(random) > prefixRandChars {
		random = random[:prefixRandChars]
	}
	return parts[0] + "_" + parts[1] + "_" + random
}

// VerifyAPIKey checks a presented plaintext against the stored salt and
// hash in constant time.
func VerifyAPIKey(plaintext, saltHex, hashHex string) bool {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	stored, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	computed := hashKey(plaintext, salt)
	return subtle.ConstantTimeCompare(computed, stored) == 1
}

func hashKey(plaintext string, salt []byte) []byte {
	return pbkdf2.Key([]byte(plaintext), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
}
