package distribution

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PlannedBatch is one relayer-sized slice of a committed distribution along
// with the proofs needed to execute it.
type PlannedBatch struct {
	ID           uint32        `json:"batchId"`
	Recipients   []Recipient   `json:"recipients"`
	ProofHashes  []common.Hash `json:"proofHashes"`
	ProofLengths []uint8       `json:"proofLengths"`
}

// Plan commits to a full recipient set split into batches.
type Plan struct {
	Root        common.Hash    `json:"merkleRoot"`
	BatchSize   int            `json:"batchSize"`
	TotalAmount *uint256.Int   `json:"totalAmount"`
	Batches     []PlannedBatch `json:"batches"`
}

// NewPlan splits recipients into batches of at most batchSize entries, builds
// the membership tree over their global indices and attaches proofs.
func NewPlan(kind AssetKind, recipients []Recipient, batchSize int) (*Plan, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: empty recipient set", ErrRecipientCount)
	}
	if batchSize <= 0 || batchSize > MaxRecipients {
		return nil, fmt.Errorf("%w: batch size %d", ErrRecipientCount, batchSize)
	}
	batchCount := (len(recipients) + batchSize - 1) / batchSize
	leaves := make([]common.Hash, len(recipients))
	for i, r := range recipients {
		batchID := uint32(i / batchSize)
		leaves[i] = LeafHash(GlobalIndex(batchID, i%batchSize), r.To, r.value())
	}
	tree, err := BuildTree(leaves)
	if err != nil {
		return nil, err
	}
	total, ok := committedAmount(kind, recipients)
	if !ok {
		return nil, ErrValueOverflow
	}
	plan := &Plan{Root: tree.Root(), BatchSize: batchSize, TotalAmount: total}
	for b := 0; b < batchCount; b++ {
		start := b * batchSize
		end := start + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		proofs := make([][]common.Hash, 0, end-start)
		for i := start; i < end; i++ {
			proof, err := tree.Proof(i)
			if err != nil {
				return nil, err
			}
			proofs = append(proofs, proof)
		}
		flat, lengths, err := FlattenProofs(proofs)
		if err != nil {
			return nil, err
		}
		plan.Batches = append(plan.Batches, PlannedBatch{
			ID:           uint32(b),
			Recipients:   append([]Recipient(nil), recipients[start:end]...),
			ProofHashes:  flat,
			ProofLengths: lengths,
		})
	}
	return plan, nil
}

// Authorization returns the authorization the owner signs for this plan.
func (p *Plan) Authorization(uuid common.Hash, asset common.Address, kind AssetKind, subID *uint256.Int, deadline int64) Authorization {
	return Authorization{
		UUID:         uuid,
		Asset:        asset,
		Kind:         kind,
		SubID:        cloneU256(subID),
		TotalAmount:  cloneU256(p.TotalAmount),
		TotalBatches: uint32(len(p.Batches)),
		MerkleRoot:   p.Root,
		Deadline:     deadline,
	}
}

// Request builds the delegated request for batch id.
func (p *Plan) Request(auth Authorization, sig []byte, id uint32, referrer common.Address) (AuthorizedRequest, error) {
	if int(id) >= len(p.Batches) {
		return AuthorizedRequest{}, fmt.Errorf("%w: %d", ErrInvalidBatchID, id)
	}
	batch := p.Batches[id]
	return AuthorizedRequest{
		Authorization: auth,
		Signature:     append([]byte(nil), sig...),
		BatchID:       id,
		Recipients:    append([]Recipient(nil), batch.Recipients...),
		ProofHashes:   append([]common.Hash(nil), batch.ProofHashes...),
		ProofLengths:  append([]uint8(nil), batch.ProofLengths...),
		Referrer:      referrer,
	}, nil
}
