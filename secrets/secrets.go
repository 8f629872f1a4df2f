// Package secrets seals environment values before they enter the store
// or travel inside a sync snapshot. Values are AES-256-GCM encrypted
// under a per-hostname subkey derived from a master key kept next to
// the database.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeyFileName is the master key file under the data dir.
	KeyFileName = "secret.key"

	masterKeySize = 32
	subkeyInfo    = "fleetd env seal v1"
)

// ErrSealedValue indicates a value that cannot be authenticated or
// decoded with the available key.
var ErrSealedValue = errors.New("secrets: cannot open sealed value")

// Keeper holds the master key and derives sealing subkeys.
type Keeper struct {
	master []byte
}

// Open loads the master key from dataDir, generating one on first use.
func Open(dataDir string) (*Keeper, error) {
	keyPath := filepath.Join(dataDir, KeyFileName)

	master, err := os.ReadFile(keyPath)
	if err == nil {
		if len(master) != masterKeySize {
			return nil, fmt.Errorf("key file %q has wrong length %d", keyPath, len(master))
		}
		return &Keeper{master: master}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	master = make([]byte, masterKeySize)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := os.WriteFile(keyPath, master, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	return &Keeper{master: master}, nil
}

// NewKeeper wraps an explicit master key, mainly for tests.
func NewKeeper(master []byte) (*Keeper, error) {
	if len(master) != masterKeySize {
		return nil, fmt.Errorf("invalid master key length: got %d want %d", len(master), masterKeySize)
	}
	return &Keeper{master: master}, nil
}

// Seal encrypts plaintext under the subkey for hostname and returns a
// base64 blob (nonce prepended to ciphertext).
func (k *Keeper) Seal(hostname, plaintext string) (string, error) {
	aead, err := k.aead(hostname)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts a blob produced by Seal for the same hostname.
func (k *Keeper) Unseal(hostname, sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedValue, err)
	}

	aead, err := k.aead(hostname)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrSealedValue
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealedValue
	}

	return string(plaintext), nil
}

func (k *Keeper) aead(hostname string) (cipher.AEAD, error) {
	subkey := make([]byte, masterKeySize)
	reader := hkdf.New(sha256.New, k.master, []byte(hostname), []byte(subkeyInfo))
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
