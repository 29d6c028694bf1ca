package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"

	"github.com/commhub/communication-server/internal/errs"
)

// legacyInfo binds the legacy derivation to this use.
const legacyInfo = "tenant-db-password"

// noExpiry disables the token age check; stored credentials do not expire.
const noExpiry time.Duration = -1

// VaultOptions configures a Vault.
type VaultOptions struct {
	// Key is a base64url encoded 32 byte Fernet key.
	Key string
	// LegacySecret is the application secret used before key rotation. The
	// key is derived from it with HKDF-SHA256, so tokens made with a key cut
	// from the raw secret's first 32 bytes do not decrypt with it.
	LegacySecret string
	// AllowPassthrough returns the input unchanged when decryption fails.
	AllowPassthrough bool
}

// Vault encrypts and decrypts tenant database passwords.
type Vault struct {
	primary     *fernet.Key
	legacy      *fernet.Key
	passthrough bool
}

// NewVault builds a vault. It fails only on a malformed primary key; a vault
// with neither key reports ConfigurationError on use.
func NewVault(opts VaultOptions) (*Vault, error) {
	v := &Vault{passthrough: opts.AllowPassthrough}

	if k := strings.TrimSpace(opts.Key); k != "" {
		key, err := fernet.DecodeKey(k)
		if err != nil {
			return nil, errs.Wrap(errs.Configuration, err, "decode encryption key")
		}
		v.primary = key
	}

	if opts.LegacySecret != "" {
		key, err := deriveKey(opts.LegacySecret)
		if err != nil {
			return nil, errs.Wrap(errs.Configuration, err, "derive legacy key")
		}
		v.legacy = key
	}

	return v, nil
}

// deriveKey derives a fixed length Fernet key from an application secret.
// It does not interoperate with keys taken verbatim from the secret.
func deriveKey(secret string) (*fernet.Key, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(legacyInfo))
	var k fernet.Key
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return nil, err
	}
	return &k, nil
}

// Configured reports whether any key is available.
func (v *Vault) Configured() bool {
	return v.primary != nil || v.legacy != nil
}

// Encrypt encrypts plaintext with the primary key, or the legacy key when no
// primary key is configured.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	key := v.primary
	if key == nil {
		key = v.legacy
	}
	if key == nil {
		return "", errs.New(errs.Configuration, "no encryption key configured")
	}

	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "encrypt password")
	}
	return string(tok), nil
}

// Decrypt decrypts ciphertext. The primary key is tried first.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if !v.Configured() {
		return "", errs.New(errs.Configuration, "no encryption key configured")
	}

	keys := make([]*fernet.Key, 0, 2)
	if v.primary != nil {
		keys = append(keys, v.primary)
	}
	if v.legacy != nil {
		keys = append(keys, v.legacy)
	}

	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimSpace(ciphertext)), noExpiry, keys)
	if msg == nil {
		if v.passthrough {
			log.Warn().Msg("Password decryption failed, using stored value as plaintext")
			return ciphertext, nil
		}
		return "", errs.New(errs.Decryption, "invalid or corrupt ciphertext")
	}
	return string(msg), nil
}

// GenerateKey returns a new random base64url encoded Fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return k.Encode(), nil
}
