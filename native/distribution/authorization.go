package distribution

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	domainTypeHash  = ethcrypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	authTypeHash    = ethcrypto.Keccak256Hash([]byte("DistributionAuthorization(bytes32 uuid,address asset,uint8 assetKind,uint256 assetSubId,uint256 totalAmount,uint32 totalBatches,bytes32 merkleRoot,uint256 deadline)"))
	sponsorTypeHash = ethcrypto.Keccak256Hash([]byte("SponsoredDistribution(address caller,address asset,uint8 assetKind,uint256 assetSubId,bytes32 recipientsHash)"))
)

// Domain separates signatures produced for different deployments.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain is used when the engine is not configured with a domain.
func DefaultDomain() Domain {
	return Domain{Name: "BatchSettle", Version: "1", ChainID: big.NewInt(1)}
}

// Separator returns the typed-data domain separator.
func (d Domain) Separator() common.Hash {
	chainID := new(uint256.Int)
	if d.ChainID != nil {
		chainID, _ = uint256.FromBig(d.ChainID)
	}
	return ethcrypto.Keccak256Hash(
		domainTypeHash[:],
		ethcrypto.Keccak256([]byte(d.Name)),
		ethcrypto.Keccak256([]byte(d.Version)),
		word(chainID),
		common.LeftPadBytes(d.VerifyingContract[:], 32),
	)
}

// TypedDigest binds a struct hash to the domain.
func (d Domain) TypedDigest(structHash common.Hash) common.Hash {
	sep := d.Separator()
	return ethcrypto.Keccak256Hash([]byte{0x19, 0x01}, sep[:], structHash[:])
}

// Authorization is the owner-signed commitment describing a whole multi-batch
// distribution.
type Authorization struct {
	UUID         common.Hash    `json:"uuid"`
	Asset        common.Address `json:"asset"`
	Kind         AssetKind      `json:"assetKind"`
	SubID        *uint256.Int   `json:"assetSubId"`
	TotalAmount  *uint256.Int   `json:"totalAmount"`
	TotalBatches uint32         `json:"totalBatches"`
	MerkleRoot   common.Hash    `json:"merkleRoot"`
	Deadline     int64          `json:"deadline"`
}

// Validate checks the structural invariants of the authorization.
func (a Authorization) Validate() error {
	if a.UUID == (common.Hash{}) {
		return fmt.Errorf("%w: uuid required", ErrInvalidAuthorization)
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedAssetKind, a.Kind)
	}
	if a.TotalAmount == nil {
		return fmt.Errorf("%w: total amount required", ErrInvalidAuthorization)
	}
	if a.TotalBatches == 0 {
		return fmt.Errorf("%w: total batches must be at least 1", ErrInvalidAuthorization)
	}
	if a.MerkleRoot == (common.Hash{}) {
		return fmt.Errorf("%w: merkle root required", ErrInvalidAuthorization)
	}
	if a.Deadline <= 0 {
		return fmt.Errorf("%w: deadline required", ErrInvalidAuthorization)
	}
	return nil
}

// StructHash hashes the authorization fields in declaration order.
func (a Authorization) StructHash() common.Hash {
	return ethcrypto.Keccak256Hash(
		authTypeHash[:],
		a.UUID[:],
		common.LeftPadBytes(a.Asset[:], 32),
		word(uint256.NewInt(uint64(a.Kind))),
		word(a.SubID),
		word(a.TotalAmount),
		word(uint256.NewInt(uint64(a.TotalBatches))),
		a.MerkleRoot[:],
		word(uint256.NewInt(uint64(a.Deadline))),
	)
}

// Digest returns the message the owner signs.
func (a Authorization) Digest(domain Domain) common.Hash {
	return domain.TypedDigest(a.StructHash())
}

// RecipientsHash commits to an ordered recipient list.
func RecipientsHash(recipients []Recipient) common.Hash {
	buf := make([]byte, 0, len(recipients)*64)
	for _, r := range recipients {
		buf = append(buf, common.LeftPadBytes(r.To[:], 32)...)
		buf = append(buf, word(r.Value)...)
	}
	return ethcrypto.Keccak256Hash(buf)
}

// SponsorshipDigest is the message an exempt sponsor signs to let caller use
// the free variant for this exact asset and recipient list.
func SponsorshipDigest(domain Domain, caller, asset common.Address, kind AssetKind, subID *uint256.Int, recipients []Recipient) common.Hash {
	recipientsHash := RecipientsHash(recipients)
	structHash := ethcrypto.Keccak256Hash(
		sponsorTypeHash[:],
		common.LeftPadBytes(caller[:], 32),
		common.LeftPadBytes(asset[:], 32),
		word(uint256.NewInt(uint64(kind))),
		word(subID),
		recipientsHash[:],
	)
	return domain.TypedDigest(structHash)
}

func word(v *uint256.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	b := v.Bytes32()
	return b[:]
}
