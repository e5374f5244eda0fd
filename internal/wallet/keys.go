// Package wallet derives signing accounts the way HD wallet providers do:
// a BIP-39 mnemonic, expanded to a seed and walked down a BIP-44 path.
package wallet

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/cosmos/go-bip39"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Account is a derived signing key.
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
	Path    accounts.DerivationPath
}

// Path returns m/44'/60'/0'/0/index.
func Path(index uint32) accounts.DerivationPath {
	p := make(accounts.DerivationPath, 0, len(accounts.DefaultRootDerivationPath)+1)
	p = append(p, accounts.DefaultRootDerivationPath...)
	return append(p, index)
}

// GenerateMnemonic returns a fresh 12-word phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	m, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("mnemonic: %w", err)
	}
	return m, nil
}

// FromMnemonic derives the account at path from a BIP-39 phrase.
func FromMnemonic(mnemonic, passphrase string, path accounts.DerivationPath) (*Account, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := pbkdf2.Key([]byte(mnemonic), []byte("mnemonic"+passphrase), 2048, 64, sha512.New)

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", path, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	ecKey, err := crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("convert key: %w", err)
	}
	return &Account{Key: ecKey, Address: crypto.PubkeyToAddress(ecKey.PublicKey), Path: path}, nil
}

// LoadPrivateKey reads a hex-encoded secp256k1 key file, with or without 0x.
func LoadPrivateKey(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	hexKey := strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Account{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}
