package statestore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/cms-fleet/cms-agent/internal/platform"
)

const tokenFilename = "agent_token.json"

// tokenBackend abstracts the OS credential store so tests can force the
// file fallback path.
type tokenBackend interface {
	Set(deviceID, token string) error
	Get(deviceID string) (string, error) // "" with nil error = not found
	Delete(deviceID string) error
}

// osKeyring stores tokens in the platform credential store (Windows
// Credential Manager, macOS Keychain, Secret Service on Linux).
type osKeyring struct {
	service string
}

func (k osKeyring) open() (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName:              k.service,
		KeychainTrustApplication: true,
	})
}

func (k osKeyring) Set(deviceID, token string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	return ring.Set(keyring.Item{Key: deviceID, Data: []byte(token)})
}

func (k osKeyring) Get(deviceID string) (string, error) {
	ring, err := k.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(deviceID)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

func (k osKeyring) Delete(deviceID string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}
	err = ring.Remove(deviceID)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

// tokenFile is the encrypted fallback document.
type tokenFile struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func (s *Store) tokenPath() string { return filepath.Join(s.root, tokenFilename) }

// PutToken stores the session token: credential store first, encrypted
// hidden file as fallback. When the credential store succeeds, any earlier
// file-stored token is removed so the two can never disagree.
func (s *Store) PutToken(deviceID, token string) error {
	if err := s.tokens.Set(deviceID, token); err == nil {
		_ = os.Remove(s.tokenPath())
		return nil
	}

	if err := s.putTokenFile(deviceID, token); err != nil {
		return fmt.Errorf("store token (credential store and file both failed): %w", err)
	}
	return nil
}

// LoadToken retrieves the session token, preferring the credential store.
// When only the fallback file yields a token and the credential store is
// reachable, the token is opportunistically migrated into it.
func (s *Store) LoadToken(deviceID string) (string, error) {
	fromRing, ringErr := s.tokens.Get(deviceID)
	if ringErr == nil && fromRing != "" {
		return fromRing, nil
	}

	fromFile, err := s.loadTokenFile(deviceID)
	if err != nil || fromFile == "" {
		return "", err
	}
	if ringErr == nil {
		// Credential store works but had no entry: migrate.
		if s.tokens.Set(deviceID, fromFile) == nil {
			_ = os.Remove(s.tokenPath())
		}
	}
	return fromFile, nil
}

// DeleteToken removes the token from both stores. Used when the server
// rejects the persisted token.
func (s *Store) DeleteToken(deviceID string) error {
	ringErr := s.tokens.Delete(deviceID)
	fileErr := os.Remove(s.tokenPath())
	if fileErr != nil && errors.Is(fileErr, os.ErrNotExist) {
		fileErr = nil
	}
	return errors.Join(ringErr, fileErr)
}

func (s *Store) putTokenFile(deviceID, token string) error {
	aead, err := tokenCipher(s.serviceName, deviceID)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(token), []byte(deviceID))

	doc, err := json.Marshal(tokenFile{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return err
	}
	if err := atomicWrite(s.tokenPath(), doc, 0o600); err != nil {
		return err
	}
	if err := platform.HideFile(s.tokenPath()); err != nil {
		// Non-fatal: the content is encrypted either way.
		return nil
	}
	return nil
}

func (s *Store) loadTokenFile(deviceID string) (string, error) {
	raw, err := os.ReadFile(s.tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	var doc tokenFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse token file: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(doc.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(doc.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := tokenCipher(s.serviceName, deviceID)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, []byte(deviceID))
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plain), nil
}

// tokenCipher derives a per-host AEAD key with HKDF-SHA256 over the
// service name, device id, and hostname. The goal is at-rest protection
// against casual file copying, not defense against a local attacker with
// the same inputs.
func tokenCipher(service, deviceID string) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}, error) {
	hostname, _ := os.Hostname()
	secret := []byte(service + "\x00" + deviceID + "\x00" + hostname)
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, []byte("cms-agent-token-v1"), nil)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}
