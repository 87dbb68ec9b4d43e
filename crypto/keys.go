package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountPrefix is the human-readable part of bech32 account strings.
const AccountPrefix = "bs"

// FormatAccount renders addr as a bech32 string with AccountPrefix.
func FormatAccount(addr common.Address) (string, error) {
	conv, err := bech32.ConvertBits(addr.Bytes(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(AccountPrefix, conv)
}

// ParseAccount accepts either a 0x-prefixed hex address or a bech32 account
// string and returns the 20-byte account.
func ParseAccount(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("crypto: empty account")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return common.Address{}, fmt.Errorf("crypto: invalid hex account %q", raw)
		}
		return common.HexToAddress(trimmed), nil
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: invalid bech32 account: %w", err)
	}
	if prefix != AccountPrefix {
		return common.Address{}, fmt.Errorf("crypto: unexpected account prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: error converting bits: %w", err)
	}
	if len(conv) != common.AddressLength {
		return common.Address{}, fmt.Errorf("crypto: account must be 20 bytes, got %d", len(conv))
	}
	return common.BytesToAddress(conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the account controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded secp256k1 key, with or without 0x.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	return PrivateKeyFromBytes(decoded)
}
