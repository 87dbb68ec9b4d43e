package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"batchsettle/crypto"
	nativecommon "batchsettle/native/common"
	"batchsettle/native/distribution"
)

// Distribution configures fees, accounts and the signing domain of the
// engine. Accounts accept 0x hex or bech32.
type Distribution struct {
	Fee               string   `toml:"Fee"`
	Treasury          string   `toml:"Treasury"`
	Vault             string   `toml:"Vault"`
	DomainName        string   `toml:"DomainName"`
	DomainVersion     string   `toml:"DomainVersion"`
	ChainID           uint64   `toml:"ChainID"`
	VerifyingContract string   `toml:"VerifyingContract,omitempty"`
	Members           []Member `toml:"members"`
}

// Member seeds a fee exemption. Expires is RFC 3339; empty never expires.
type Member struct {
	Account string `toml:"Account"`
	Expires string `toml:"Expires,omitempty"`
}

// Pauses switches modules off without a restart.
type Pauses struct {
	Distribution bool `toml:"Distribution"`
}

// IsPaused implements the module pause view.
func (p Pauses) IsPaused(module string) bool {
	switch strings.ToLower(strings.TrimSpace(module)) {
	case distribution.ModuleName:
		return p.Distribution
	default:
		return false
	}
}

// Quota limits submissions per account and epoch. Units are recipients.
type Quota struct {
	MaxRequestsPerEpoch   uint32 `toml:"MaxRequestsPerEpoch"`
	MaxRecipientsPerEpoch uint64 `toml:"MaxRecipientsPerEpoch"`
	EpochSeconds          uint32 `toml:"EpochSeconds"`
}

// Limits converts the section into quota limits.
func (q Quota) Limits() nativecommon.Quota {
	return nativecommon.Quota{
		MaxSubmissionsPerEpoch: q.MaxRequestsPerEpoch,
		MaxRecipientsPerEpoch:  q.MaxRecipientsPerEpoch,
		EpochSeconds:           q.EpochSeconds,
	}
}

// Runtime is the parsed form of Distribution.
type Runtime struct {
	Fee      *uint256.Int
	Treasury common.Address
	Vault    common.Address
	Domain   distribution.Domain
	Members  []RuntimeMember
}

// RuntimeMember is a parsed Member.
type RuntimeMember struct {
	Account   common.Address
	ExpiresAt time.Time
}

// DefaultVault is the escrow account used when none is configured.
func DefaultVault() common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte("batchsettle/vault"))[12:])
}

// Runtime parses the distribution section.
func (d Distribution) Runtime() (Runtime, error) {
	rt := Runtime{Vault: DefaultVault()}
	fee, err := parseUintAmount(d.Fee)
	if err != nil {
		return rt, fmt.Errorf("invalid distribution.Fee: %w", err)
	}
	rt.Fee = fee
	if strings.TrimSpace(d.Treasury) != "" {
		if rt.Treasury, err = crypto.ParseAccount(d.Treasury); err != nil {
			return rt, fmt.Errorf("invalid distribution.Treasury: %w", err)
		}
	}
	if strings.TrimSpace(d.Vault) != "" {
		if rt.Vault, err = crypto.ParseAccount(d.Vault); err != nil {
			return rt, fmt.Errorf("invalid distribution.Vault: %w", err)
		}
	}
	rt.Domain = distribution.Domain{
		Name:    d.DomainName,
		Version: d.DomainVersion,
		ChainID: new(big.Int).SetUint64(d.ChainID),
	}
	if strings.TrimSpace(d.VerifyingContract) != "" {
		if rt.Domain.VerifyingContract, err = crypto.ParseAccount(d.VerifyingContract); err != nil {
			return rt, fmt.Errorf("invalid distribution.VerifyingContract: %w", err)
		}
	}
	for i, m := range d.Members {
		account, err := crypto.ParseAccount(m.Account)
		if err != nil {
			return rt, fmt.Errorf("invalid distribution.members[%d]: %w", i, err)
		}
		member := RuntimeMember{Account: account}
		if strings.TrimSpace(m.Expires) != "" {
			if member.ExpiresAt, err = time.Parse(time.RFC3339, m.Expires); err != nil {
				return rt, fmt.Errorf("invalid distribution.members[%d].Expires: %w", i, err)
			}
		}
		rt.Members = append(rt.Members, member)
	}
	return rt, nil
}

func parseUintAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(trimmed)
}
