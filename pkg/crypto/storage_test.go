package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadKey(t *testing.T) {
	store := NewIdentityStore(t.TempDir())
	kp, _ := GenerateX25519KeyPair()

	if err := store.SaveKey("chat.example.com", 42, kp.PrivateKey[:]); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}

	loaded, err := store.LoadKey("chat.example.com", 42)
	if err != nil {
		t.Fatalf("LoadKey failed: %v", err)
	}
	if !bytes.Equal(loaded, kp.PrivateKey[:]) {
		t.Error("loaded key does not match saved key")
	}
}

func TestSaveKeyRejectsBadSize(t *testing.T) {
	store := NewIdentityStore(t.TempDir())
	if err := store.SaveKey("host", 1, []byte{1, 2, 3}); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("got %v, want ErrInvalidKeySize", err)
	}
}

func TestKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	store := NewIdentityStore(dir)
	kp, _ := GenerateX25519KeyPair()

	if err := store.SaveKey("host", 1, kp.PrivateKey[:]); err != nil {
		t.Fatalf("SaveKey failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, KeysDirName, "host_1"+KeyFileExtension))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != KeyFileMode {
		t.Errorf("key file mode is %o, want %o", info.Mode().Perm(), KeyFileMode)
	}
}

func TestLoadKeyMissing(t *testing.T) {
	store := NewIdentityStore(t.TempDir())
	if _, err := store.LoadKey("host", 1); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func TestLoadKeyCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewIdentityStore(dir)

	keysDir := filepath.Join(dir, KeysDirName)
	if err := os.MkdirAll(keysDir, KeyDirMode); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(keysDir, "host_1"+KeyFileExtension)
	if err := os.WriteFile(path, []byte("truncated"), KeyFileMode); err != nil {
		t.Fatal(err)
	}

	if _, err := store.LoadKey("host", 1); !errors.Is(err, ErrKeyFileCorrupt) {
		t.Errorf("got %v, want ErrKeyFileCorrupt", err)
	}
}

func TestHasKeyAndDelete(t *testing.T) {
	store := NewIdentityStore(t.TempDir())
	kp, _ := GenerateX25519KeyPair()

	if store.HasKey("host", 1) {
		t.Error("HasKey true before save")
	}
	if err := store.SaveKey("host", 1, kp.PrivateKey[:]); err != nil {
		t.Fatal(err)
	}
	if !store.HasKey("host", 1) {
		t.Error("HasKey false after save")
	}

	if err := store.DeleteKey("host", 1); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}
	if store.HasKey("host", 1) {
		t.Error("HasKey true after delete")
	}

	// Deleting again is not an error
	if err := store.DeleteKey("host", 1); err != nil {
		t.Errorf("repeat delete failed: %v", err)
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	store := NewIdentityStore(t.TempDir())

	kp, generated, err := store.LoadOrGenerateKey("host", 7)
	if err != nil {
		t.Fatalf("LoadOrGenerateKey failed: %v", err)
	}
	if !generated {
		t.Error("first call should generate")
	}

	again, generated, err := store.LoadOrGenerateKey("host", 7)
	if err != nil {
		t.Fatalf("second LoadOrGenerateKey failed: %v", err)
	}
	if generated {
		t.Error("second call should load, not generate")
	}
	if !bytes.Equal(kp.PrivateKey[:], again.PrivateKey[:]) {
		t.Error("loaded key differs from generated key")
	}
}

func TestKeyPathRejectsZeroUserID(t *testing.T) {
	store := NewIdentityStore(t.TempDir())
	kp, _ := GenerateX25519KeyPair()

	if err := store.SaveKey("host", 0, kp.PrivateKey[:]); !errors.Is(err, ErrInvalidUserID) {
		t.Errorf("got %v, want ErrInvalidUserID", err)
	}
}

func TestListKeys(t *testing.T) {
	store := NewIdentityStore(t.TempDir())
	kp, _ := GenerateX25519KeyPair()

	store.SaveKey("alpha.example.com", 1, kp.PrivateKey[:])
	store.SaveKey("beta.example.com:7465", 2, kp.PrivateKey[:])

	keys, err := store.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("got %d keys, want 2", len(keys))
	}
}
