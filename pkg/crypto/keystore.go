package crypto

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotInitialized = errors.New("key store not initialized")
	ErrUnknownEpoch   = errors.New("unknown key epoch")
)

// ThreadKey is the symmetric key material for one (thread, epoch) pair.
// Keys are never mutated in place: rotation produces a new ThreadKey at the
// next epoch while older epochs stay derivable for back-catalog decryption.
type ThreadKey struct {
	ThreadID uint64
	Epoch    uint32
	Key      [AESKeySize]byte
}

type threadEpoch struct {
	threadID uint64
	epoch    uint32
}

// KeyStore owns the user's identity private key and the per-thread symmetric
// keys derived from it. All operations fail with ErrNotInitialized until
// Init has provided key material; the store never falls back to plaintext.
type KeyStore struct {
	mu sync.RWMutex

	keyPair *X25519KeyPair
	epochs  map[uint64]uint32      // threadID → current epoch
	cache   map[threadEpoch]*ThreadKey
}

// NewKeyStore creates an empty, uninitialized KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		epochs: make(map[uint64]uint32),
		cache:  make(map[threadEpoch]*ThreadKey),
	}
}

// Init installs the user's X25519 identity private key. The public half is
// derived from it. Calling Init again replaces the identity and drops all
// cached thread keys.
func (ks *KeyStore) Init(privateKey []byte) error {
	if len(privateKey) != X25519KeySize {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, X25519KeySize, len(privateKey))
	}

	publicKey, err := X25519PrivateToPublic(privateKey)
	if err != nil {
		return err
	}

	kp := &X25519KeyPair{}
	copy(kp.PrivateKey[:], privateKey)
	copy(kp.PublicKey[:], publicKey)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keyPair = kp
	ks.epochs = make(map[uint64]uint32)
	ks.cache = make(map[threadEpoch]*ThreadKey)
	return nil
}

// IsInitialized reports whether identity key material is available.
func (ks *KeyStore) IsInitialized() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.keyPair != nil
}

// PublicKey returns the identity public key, or ErrNotInitialized.
func (ks *KeyStore) PublicKey() ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.keyPair == nil {
		return nil, ErrNotInitialized
	}
	pub := make([]byte, X25519KeySize)
	copy(pub, ks.keyPair.PublicKey[:])
	return pub, nil
}

// GetOrCreateThreadKey returns the thread's key at its current epoch,
// deriving it on first use. Idempotent: repeated calls for the same thread
// at the same epoch return identical key material.
func (ks *KeyStore) GetOrCreateThreadKey(threadID uint64) (*ThreadKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.keyPair == nil {
		return nil, ErrNotInitialized
	}

	epoch := ks.epochs[threadID]
	return ks.deriveLocked(threadID, epoch)
}

// KeyForEpoch returns the thread key for a specific epoch. Epochs up to and
// including the current one are derivable; an epoch from the future means
// the sender rotated ahead of us and yields ErrUnknownEpoch.
func (ks *KeyStore) KeyForEpoch(threadID uint64, epoch uint32) (*ThreadKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.keyPair == nil {
		return nil, ErrNotInitialized
	}

	if epoch > ks.epochs[threadID] {
		return nil, fmt.Errorf("%w: thread %d epoch %d (current %d)", ErrUnknownEpoch, threadID, epoch, ks.epochs[threadID])
	}

	return ks.deriveLocked(threadID, epoch)
}

// RotateKey bumps the thread's key epoch and returns the new key. The
// previous epoch's key remains available through KeyForEpoch so historical
// messages stay decryptable.
func (ks *KeyStore) RotateKey(threadID uint64) (*ThreadKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.keyPair == nil {
		return nil, ErrNotInitialized
	}

	ks.epochs[threadID]++
	return ks.deriveLocked(threadID, ks.epochs[threadID])
}

// CurrentEpoch returns the thread's current key epoch (0 if never rotated).
func (ks *KeyStore) CurrentEpoch(threadID uint64) uint32 {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.epochs[threadID]
}

// Clear discards all in-memory key material. Invoked on logout. After Clear
// the store reports uninitialized until the next Init.
func (ks *KeyStore) Clear() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.keyPair != nil {
		for i := range ks.keyPair.PrivateKey {
			ks.keyPair.PrivateKey[i] = 0
		}
		ks.keyPair = nil
	}
	for _, tk := range ks.cache {
		for i := range tk.Key {
			tk.Key[i] = 0
		}
	}
	ks.epochs = make(map[uint64]uint32)
	ks.cache = make(map[threadEpoch]*ThreadKey)
}

// deriveLocked derives or returns the cached key for (threadID, epoch).
// Caller must hold ks.mu.
func (ks *KeyStore) deriveLocked(threadID uint64, epoch uint32) (*ThreadKey, error) {
	ck := threadEpoch{threadID, epoch}
	if tk, ok := ks.cache[ck]; ok {
		return tk, nil
	}

	key, err := DeriveThreadKey(ks.keyPair.PrivateKey[:], threadID, epoch)
	if err != nil {
		return nil, err
	}

	tk := &ThreadKey{ThreadID: threadID, Epoch: epoch}
	copy(tk.Key[:], key)
	ks.cache[ck] = tk
	return tk, nil
}
