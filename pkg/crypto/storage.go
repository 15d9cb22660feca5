package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeysDirName is the subdirectory name for storing identity keys
	KeysDirName = "keys"

	// KeyFileExtension is the extension for key files
	KeyFileExtension = ".x25519"

	// KeyFileMode is the file permission for key files (owner read/write only)
	KeyFileMode = 0600

	// KeyDirMode is the directory permission for the keys directory
	KeyDirMode = 0700
)

var (
	ErrKeyNotFound    = errors.New("identity key not found")
	ErrKeyFileCorrupt = errors.New("key file is corrupt")
	ErrInvalidUserID  = errors.New("invalid user ID")
)

// IdentityStore persists the user's X25519 identity private key at rest.
// Only key material touches disk; message plaintext never does.
type IdentityStore struct {
	baseDir string // Base config directory (e.g., ~/.config/confchat)
}

// NewIdentityStore creates an IdentityStore rooted at the given config directory.
func NewIdentityStore(configDir string) *IdentityStore {
	return &IdentityStore{
		baseDir: configDir,
	}
}

// keysDir returns the path to the keys directory, creating it if necessary.
func (is *IdentityStore) keysDir() (string, error) {
	dir := filepath.Join(is.baseDir, KeysDirName)
	if err := os.MkdirAll(dir, KeyDirMode); err != nil {
		return "", fmt.Errorf("failed to create keys directory: %w", err)
	}
	return dir, nil
}

// keyFilePath returns the path to a key file for the given server and user.
// Format: {keysDir}/{serverHost}_{userID}.x25519
func (is *IdentityStore) keyFilePath(serverHost string, userID uint64) (string, error) {
	if userID == 0 {
		return "", ErrInvalidUserID
	}

	dir, err := is.keysDir()
	if err != nil {
		return "", err
	}

	safeHost := sanitizeHostForFilename(serverHost)
	filename := fmt.Sprintf("%s_%d%s", safeHost, userID, KeyFileExtension)

	return filepath.Join(dir, filename), nil
}

// sanitizeHostForFilename converts a server host to a safe filename component.
func sanitizeHostForFilename(host string) string {
	safe := strings.ReplaceAll(host, ":", "_")
	safe = strings.ReplaceAll(safe, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return safe
}

// SaveKey saves an X25519 private key for a user on a specific server.
// The key is stored with restrictive file permissions and an atomic rename.
func (is *IdentityStore) SaveKey(serverHost string, userID uint64, privateKey []byte) error {
	if len(privateKey) != X25519KeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, X25519KeySize, len(privateKey))
	}

	path, err := is.keyFilePath(serverHost, userID)
	if err != nil {
		return err
	}

	// Write atomically by writing to temp file first
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, privateKey, KeyFileMode); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	// Rename to final path (atomic on POSIX)
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save key file: %w", err)
	}

	return nil
}

// LoadKey loads an X25519 private key for a user on a specific server.
func (is *IdentityStore) LoadKey(serverHost string, userID uint64) ([]byte, error) {
	path, err := is.keyFilePath(serverHost, userID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if len(data) != X25519KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrKeyFileCorrupt, X25519KeySize, len(data))
	}

	return data, nil
}

// HasKey checks if a key exists for a user on a specific server.
func (is *IdentityStore) HasKey(serverHost string, userID uint64) bool {
	path, err := is.keyFilePath(serverHost, userID)
	if err != nil {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return info.Size() == X25519KeySize
}

// DeleteKey removes a stored key for a user on a specific server.
func (is *IdentityStore) DeleteKey(serverHost string, userID uint64) error {
	path, err := is.keyFilePath(serverHost, userID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}

	return nil
}

// LoadOrGenerateKey loads an existing identity key or generates a new one if
// not found. Returns the key pair and whether the key was newly generated.
func (is *IdentityStore) LoadOrGenerateKey(serverHost string, userID uint64) (*X25519KeyPair, bool, error) {
	privateKey, err := is.LoadKey(serverHost, userID)
	if err == nil {
		publicKey, err := X25519PrivateToPublic(privateKey)
		if err != nil {
			return nil, false, err
		}

		kp := &X25519KeyPair{}
		copy(kp.PrivateKey[:], privateKey)
		copy(kp.PublicKey[:], publicKey)
		return kp, false, nil
	}

	if !errors.Is(err, ErrKeyNotFound) {
		return nil, false, err
	}

	kp, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, false, err
	}

	if err := is.SaveKey(serverHost, userID, kp.PrivateKey[:]); err != nil {
		return nil, false, err
	}

	return kp, true, nil
}

// ListKeys returns all stored key files (for debugging/management).
func (is *IdentityStore) ListKeys() ([]string, error) {
	dir, err := is.keysDir()
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), KeyFileExtension) {
			keys = append(keys, entry.Name())
		}
	}

	return keys, nil
}
