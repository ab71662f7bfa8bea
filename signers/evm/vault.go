package evm

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

var (
	ErrInvalidMnemonic = errors.New("evm: invalid mnemonic")
	ErrKeyNotFound     = errors.New("evm: no custodial key for owner")
)

// Vault hands out the delegated EVM key of an owner.
type Vault interface {
	Key(ctx context.Context, owner string) (*ecdsa.PrivateKey, error)
}

// HDVault derives one key per owner from a BIP-39 mnemonic at
// m/44'/60'/0'/0/i, where i is the first 31 bits of sha256(owner).
type HDVault struct {
	master *bip32.Key
}

// NewHDVault validates mnemonic and prepares the master key.
func NewHDVault(mnemonic, passphrase string) (*HDVault, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	master, err := bip32.NewMasterKey(bip39.NewSeed(mnemonic, passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	return &HDVault{master: master}, nil
}

// Index is the address index used for owner.
func Index(owner string) uint32 {
	sum := sha256.Sum256([]byte(owner))
	return binary.BigEndian.Uint32(sum[:4]) >> 1
}

func (v *HDVault) Key(_ context.Context, owner string) (*ecdsa.PrivateKey, error) {
	if owner == "" {
		return nil, ErrKeyNotFound
	}
	return DeriveKey(v.master, Index(owner))
}

// DeriveKey walks m/44'/60'/0'/0/index from master.
func DeriveKey(master *bip32.Key, index uint32) (*ecdsa.PrivateKey, error) {
	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 60,
		bip32.FirstHardenedChild + 0,
		0,
		index,
	}
	key := master
	for _, child := range path {
		var err error
		if key, err = key.NewChildKey(child); err != nil {
			return nil, err
		}
	}
	return crypto.ToECDSA(key.Key)
}

// StaticVault serves keys from memory.
type StaticVault map[string]*ecdsa.PrivateKey

func (v StaticVault) Key(_ context.Context, owner string) (*ecdsa.PrivateKey, error) {
	k, ok := v[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, owner)
	}
	return k, nil
}
