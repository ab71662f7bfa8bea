package svm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/gagliardetto/solana-go"
)

var (
	// ErrKeyNotFound is returned when a vault holds no key for an owner.
	ErrKeyNotFound = errors.New("svm: no custodial key for owner")
	// ErrInvalidKeystore is returned for unreadable or undecryptable keys.
	ErrInvalidKeystore = errors.New("svm: invalid keystore")
)

// Vault hands out the delegated Solana key of an owner.
type Vault interface {
	Key(ctx context.Context, owner string) (solana.PrivateKey, error)
}

// StaticVault serves keys from memory. It is meant for single-tenant
// deployments and tests.
type StaticVault map[string]solana.PrivateKey

func (v StaticVault) Key(_ context.Context, owner string) (solana.PrivateKey, error) {
	k, ok := v[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, owner)
	}
	return k, nil
}

// keystoreFile is the on-disk form of one custodial key.
type keystoreFile struct {
	Owner   string              `json:"owner"`
	Address string              `json:"address"`
	Crypto  keystore.CryptoJSON `json:"crypto"`
}

// KeystoreVault keeps owner keys encrypted with the Web3 Secret Storage
// scheme. With an empty directory the blobs live only in memory.
type KeystoreVault struct {
	dir        string
	passphrase string
	scryptN    int
	scryptP    int

	mu    sync.RWMutex
	blobs map[string]keystoreFile
}

// KeystoreOption configures a KeystoreVault.
type KeystoreOption func(*KeystoreVault)

// WithScrypt overrides the scrypt cost parameters.
func WithScrypt(n, p int) KeystoreOption {
	return func(v *KeystoreVault) { v.scryptN, v.scryptP = n, p }
}

// NewKeystoreVault opens (and creates) dir. An empty dir keeps keys in memory.
func NewKeystoreVault(dir, passphrase string, opts ...KeystoreOption) (*KeystoreVault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase is required", ErrInvalidKeystore)
	}
	v := &KeystoreVault{
		dir:        dir,
		passphrase: passphrase,
		scryptN:    keystore.StandardScryptN,
		scryptP:    keystore.StandardScryptP,
		blobs:      make(map[string]keystoreFile),
	}
	for _, opt := range opts {
		opt(v)
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
		}
	}
	return v, nil
}

func (v *KeystoreVault) path(owner string) string {
	sum := sha256.Sum256([]byte(owner))
	return filepath.Join(v.dir, hex.EncodeToString(sum[:])+".json")
}

// Put encrypts key for owner, replacing any previous key.
func (v *KeystoreVault) Put(_ context.Context, owner string, key solana.PrivateKey) error {
	if len(key) != 64 {
		return fmt.Errorf("%w: invalid key length", ErrInvalidKeystore)
	}
	cj, err := keystore.EncryptDataV3(key, []byte(v.passphrase), v.scryptN, v.scryptP)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}
	f := keystoreFile{Owner: owner, Address: key.PublicKey().String(), Crypto: cj}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dir != "" {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := os.WriteFile(v.path(owner), data, 0o600); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
		}
	}
	v.blobs[owner] = f
	return nil
}

// Ensure returns the owner's address, generating a key on first use.
func (v *KeystoreVault) Ensure(ctx context.Context, owner string) (solana.PublicKey, error) {
	if f, err := v.load(owner); err == nil {
		return solana.PublicKeyFromBase58(f.Address)
	} else if !errors.Is(err, ErrKeyNotFound) {
		return solana.PublicKey{}, err
	}

	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return solana.PublicKey{}, err
	}
	if err := v.Put(ctx, owner, key); err != nil {
		return solana.PublicKey{}, err
	}
	return key.PublicKey(), nil
}

func (v *KeystoreVault) load(owner string) (keystoreFile, error) {
	v.mu.RLock()
	f, ok := v.blobs[owner]
	v.mu.RUnlock()
	if ok {
		return f, nil
	}
	if v.dir == "" {
		return keystoreFile{}, fmt.Errorf("%w: %s", ErrKeyNotFound, owner)
	}

	data, err := os.ReadFile(v.path(owner))
	if errors.Is(err, os.ErrNotExist) {
		return keystoreFile{}, fmt.Errorf("%w: %s", ErrKeyNotFound, owner)
	}
	if err != nil {
		return keystoreFile{}, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return keystoreFile{}, fmt.Errorf("%w: invalid JSON format", ErrInvalidKeystore)
	}

	v.mu.Lock()
	v.blobs[owner] = f
	v.mu.Unlock()
	return f, nil
}

// Key decrypts the owner's key.
func (v *KeystoreVault) Key(_ context.Context, owner string) (solana.PrivateKey, error) {
	f, err := v.load(owner)
	if err != nil {
		return nil, err
	}
	raw, err := keystore.DecryptDataV3(f.Crypto, v.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ErrInvalidKeystore)
	}
	return solana.PrivateKey(raw), nil
}
