package distribution

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ModuleName identifies the module for pause controls and metrics.
const ModuleName = "distribution"

const (
	// MaxRecipients bounds the number of recipients handled in one call.
	MaxRecipients = 100
	// BatchStride spaces the global leaf indices of consecutive batches so a
	// leaf index encodes both the batch and the position inside it.
	BatchStride uint64 = 1 << 32
)

// AssetKind enumerates the asset categories the dispatcher can move.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetWrappedNative
	AssetFungible
	AssetNonFungible
	AssetSemiFungible
)

var assetKindNames = map[AssetKind]string{
	AssetNative:        "native",
	AssetWrappedNative: "wrapped_native",
	AssetFungible:      "fungible",
	AssetNonFungible:   "non_fungible",
	AssetSemiFungible:  "semi_fungible",
}

// Valid reports whether the kind is one of the known asset categories.
func (k AssetKind) Valid() bool {
	_, ok := assetKindNames[k]
	return ok
}

func (k AssetKind) String() string {
	if name, ok := assetKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// MarshalText renders the kind by name.
func (k AssetKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAssetKind, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText accepts any name understood by ParseAssetKind.
func (k *AssetKind) UnmarshalText(text []byte) error {
	parsed, err := ParseAssetKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseAssetKind resolves the canonical or common aliases of an asset kind.
func ParseAssetKind(raw string) (AssetKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch normalized {
	case "native", "eth":
		return AssetNative, nil
	case "wrapped_native", "wrapped", "weth":
		return AssetWrappedNative, nil
	case "fungible", "erc20":
		return AssetFungible, nil
	case "non_fungible", "nft", "erc721":
		return AssetNonFungible, nil
	case "semi_fungible", "erc1155":
		return AssetSemiFungible, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAssetKind, raw)
	}
}

// movesNative reports whether recipients are paid out of escrowed native value.
func (k AssetKind) movesNative() bool {
	return k == AssetNative || k == AssetWrappedNative
}

// UsageClass classifies a call for fee purposes.
type UsageClass uint8

const (
	UsagePaid UsageClass = iota
	UsageFree
)

// MarshalText renders the usage class by name.
func (u UsageClass) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u UsageClass) String() string {
	if u == UsageFree {
		return "free"
	}
	return "paid"
}

// Recipient is a single payout. Value is an amount for native, fungible and
// semi-fungible assets and a token id for non-fungible assets.
type Recipient struct {
	To    common.Address `json:"to"`
	Value *uint256.Int   `json:"value"`
}

func (r Recipient) value() *uint256.Int {
	if r.Value == nil {
		return new(uint256.Int)
	}
	return r.Value
}

// FailedTransfer describes a recipient whose transfer reverted. It is only
// returned to the caller and never persisted.
type FailedTransfer struct {
	To     common.Address `json:"to"`
	Value  *uint256.Int   `json:"value"`
	Reason []byte         `json:"reason"`
}

// Progress reports how much of a multi-batch distribution has been executed.
type Progress struct {
	ExecutedBatches uint32       `json:"executedBatches"`
	TotalBatches    uint32       `json:"totalBatches"`
	Distributed     *uint256.Int `json:"distributed"`
}

// Complete reports whether every batch has been executed.
func (p Progress) Complete() bool {
	return p.TotalBatches > 0 && p.ExecutedBatches >= p.TotalBatches
}

// Call describes the transaction invoking the engine: who is calling and how
// much native value is attached to the call.
type Call struct {
	Caller common.Address
	Value  *uint256.Int
}

func (c Call) value() *uint256.Int {
	if c.Value == nil {
		return new(uint256.Int)
	}
	return c.Value
}

// DistributeRequest is the self-execute payload: the caller owns the assets.
type DistributeRequest struct {
	Asset      common.Address
	Kind       AssetKind
	SubID      *uint256.Int
	Recipients []Recipient
	Referrer   common.Address
}

// AuthorizedRequest is the delegated payload submitted by a relayer on behalf
// of the authorization signer.
type AuthorizedRequest struct {
	Authorization Authorization
	Signature     []byte
	BatchID       uint32
	Recipients    []Recipient
	ProofHashes   []common.Hash
	ProofLengths  []uint8
	Referrer      common.Address
}

// Result is returned by every successful distribution call.
type Result struct {
	Distributed *uint256.Int     `json:"distributed"`
	Failed      []FailedTransfer `json:"failed"`
	Usage       UsageClass       `json:"usage"`
	Refund      *uint256.Int     `json:"refund"`
	Owner       common.Address   `json:"owner"`
}

// GlobalIndex returns the leaf index of position pos inside batch batchID.
func GlobalIndex(batchID uint32, pos int) uint64 {
	return uint64(batchID)*BatchStride + uint64(pos)
}

func sumValues(recipients []Recipient) (*uint256.Int, bool) {
	total := new(uint256.Int)
	for _, r := range recipients {
		if _, overflow := total.AddOverflow(total, r.value()); overflow {
			return nil, false
		}
	}
	return total, true
}

// committedAmount is what a batch contributes to the distributed tally: the
// number of tokens for non-fungible assets, the summed values otherwise.
func committedAmount(kind AssetKind, recipients []Recipient) (*uint256.Int, bool) {
	if kind == AssetNonFungible {
		return uint256.NewInt(uint64(len(recipients))), true
	}
	return sumValues(recipients)
}

func cloneU256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
