package assets

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"batchsettle/crypto"
)

// Seed is the TOML description of an initial world.
type Seed struct {
	Accounts   []SeedAccount   `toml:"accounts"`
	Tokens     []SeedToken     `toml:"tokens"`
	Validators []SeedValidator `toml:"validators"`
}

// SeedAccount credits native value and optionally marks the account as
// refusing native transfers.
type SeedAccount struct {
	Address      string `toml:"address"`
	Native       string `toml:"native"`
	RejectNative string `toml:"reject_native,omitempty"`
}

// SeedToken registers a token and its initial holdings.
type SeedToken struct {
	Address   string         `toml:"address"`
	Kind      string         `toml:"kind"`
	Balances  []SeedBalance  `toml:"balances"`
	Approvals []SeedApproval `toml:"approvals"`
}

// SeedBalance is a holding. ID is required for non-fungible and
// semi-fungible tokens; Amount is ignored for non-fungible ones.
type SeedBalance struct {
	Holder string `toml:"holder"`
	ID     string `toml:"id,omitempty"`
	Amount string `toml:"amount,omitempty"`
}

// SeedApproval grants an allowance when Amount is set and a blanket
// operator approval otherwise.
type SeedApproval struct {
	Owner    string `toml:"owner"`
	Operator string `toml:"operator"`
	Amount   string `toml:"amount,omitempty"`
}

// SeedValidator deploys a threshold signature validator.
type SeedValidator struct {
	Address   string   `toml:"address"`
	Signers   []string `toml:"signers"`
	Threshold int      `toml:"threshold"`
}

// LoadSeed decodes a seed file.
func LoadSeed(path string) (*Seed, error) {
	seed := &Seed{}
	meta, err := toml.DecodeFile(path, seed)
	if err != nil {
		return nil, fmt.Errorf("decode seed %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("seed %s: unknown key %s", path, undecoded[0].String())
	}
	return seed, nil
}

// ParseTokenKind maps seed names onto token kinds.
func ParseTokenKind(raw string) (TokenKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "fungible", "erc20":
		return TokenFungible, nil
	case "wrapped_native", "wrapped", "weth":
		return TokenWrappedNative, nil
	case "non_fungible", "nft", "erc721":
		return TokenNonFungible, nil
	case "semi_fungible", "erc1155":
		return TokenSemiFungible, nil
	default:
		return 0, fmt.Errorf("assets: unknown token kind %q", raw)
	}
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	if strings.HasPrefix(trimmed, "0x") {
		return uint256.FromHex(trimmed)
	}
	return uint256.FromDecimal(trimmed)
}

// Apply loads the seed into w.
func (s *Seed) Apply(w *World) error {
	for i, acc := range s.Accounts {
		addr, err := crypto.ParseAccount(acc.Address)
		if err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		amount, err := parseAmount(acc.Native)
		if err != nil {
			return fmt.Errorf("accounts[%d].native: %w", i, err)
		}
		w.Credit(addr, amount)
		if acc.RejectNative != "" {
			w.RejectNative(addr, []byte(acc.RejectNative))
		}
	}
	for i, tok := range s.Tokens {
		if err := applyToken(w, tok); err != nil {
			return fmt.Errorf("tokens[%d]: %w", i, err)
		}
	}
	for i, v := range s.Validators {
		addr, err := crypto.ParseAccount(v.Address)
		if err != nil {
			return fmt.Errorf("validators[%d]: %w", i, err)
		}
		signers := make([]common.Address, 0, len(v.Signers))
		for _, raw := range v.Signers {
			signer, err := crypto.ParseAccount(raw)
			if err != nil {
				return fmt.Errorf("validators[%d].signers: %w", i, err)
			}
			signers = append(signers, signer)
		}
		w.RegisterValidator(addr, ThresholdValidator{Signers: signers, Threshold: v.Threshold})
	}
	return nil
}

func applyToken(w *World, tok SeedToken) error {
	addr, err := crypto.ParseAccount(tok.Address)
	if err != nil {
		return err
	}
	kind, err := ParseTokenKind(tok.Kind)
	if err != nil {
		return err
	}
	w.RegisterToken(addr, kind)
	for _, bal := range tok.Balances {
		holder, err := crypto.ParseAccount(bal.Holder)
		if err != nil {
			return err
		}
		id, err := parseAmount(bal.ID)
		if err != nil {
			return fmt.Errorf("balance id: %w", err)
		}
		amount, err := parseAmount(bal.Amount)
		if err != nil {
			return fmt.Errorf("balance amount: %w", err)
		}
		switch kind {
		case TokenFungible, TokenWrappedNative:
			err = w.Mint(addr, holder, amount)
		case TokenNonFungible:
			err = w.MintNonFungible(addr, holder, id)
		case TokenSemiFungible:
			err = w.MintSemiFungible(addr, holder, id, amount)
		}
		if err != nil {
			return err
		}
	}
	for _, ap := range tok.Approvals {
		owner, err := crypto.ParseAccount(ap.Owner)
		if err != nil {
			return err
		}
		operator, err := crypto.ParseAccount(ap.Operator)
		if err != nil {
			return err
		}
		if strings.TrimSpace(ap.Amount) == "" {
			err = w.SetApprovalForAll(addr, owner, operator, true)
		} else {
			var amount *uint256.Int
			amount, err = parseAmount(ap.Amount)
			if err == nil {
				err = w.Approve(addr, owner, operator, amount)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadWorld builds a world from the seed file at path. An empty path yields
// an empty world.
func LoadWorld(path string) (*World, error) {
	w := NewWorld()
	if strings.TrimSpace(path) == "" {
		return w, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	seed, err := LoadSeed(path)
	if err != nil {
		return nil, err
	}
	if err := seed.Apply(w); err != nil {
		return nil, err
	}
	return w, nil
}
