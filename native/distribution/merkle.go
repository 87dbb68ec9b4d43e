package distribution

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// LeafHash hashes a (globalIndex, to, value) leaf as
// keccak256(uint256(index) || address || uint256(value)).
func LeafHash(index uint64, to common.Address, value *uint256.Int) common.Hash {
	return ethcrypto.Keccak256Hash(word(uint256.NewInt(index)), to[:], word(value))
}

// HashPair combines two nodes in ascending byte order, so proofs need no
// left/right markers.
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return ethcrypto.Keccak256Hash(a[:], b[:])
}

// VerifyProof folds proof into leaf and compares the result with root.
func VerifyProof(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed == root
}

// VerifyBatch checks every leaf against root. flat holds the proofs of all
// leaves back to back and lengths[i] says how many entries belong to leaf i.
// A flat array that does not match the declared lengths is reported as
// ErrProofLengthMismatch rather than as an invalid proof.
func VerifyBatch(root common.Hash, leaves []common.Hash, flat []common.Hash, lengths []uint8) error {
	if len(lengths) != len(leaves) {
		return fmt.Errorf("%w: %d lengths for %d leaves", ErrProofLengthMismatch, len(lengths), len(leaves))
	}
	declared := 0
	for _, l := range lengths {
		declared += int(l)
	}
	if declared != len(flat) {
		return fmt.Errorf("%w: declared %d hashes, supplied %d", ErrProofLengthMismatch, declared, len(flat))
	}
	offset := 0
	for i, leaf := range leaves {
		n := int(lengths[i])
		if !VerifyProof(leaf, flat[offset:offset+n], root) {
			return fmt.Errorf("%w: leaf %d", ErrInvalidProof, i)
		}
		offset += n
	}
	return nil
}

// Tree is an off-chain helper that commits to a leaf set and produces the
// proofs VerifyProof accepts. An unpaired node is promoted to the next level
// unchanged, so leaves at the right edge may have shorter proofs.
type Tree struct {
	levels [][]common.Hash
}

// BuildTree builds the tree bottom-up from the supplied leaves.
func BuildTree(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("distribution: merkle tree requires at least one leaf")
	}
	level := append([]common.Hash(nil), leaves...)
	tree := &Tree{levels: [][]common.Hash{level}}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, HashPair(level[i], level[i+1]))
		}
		tree.levels = append(tree.levels, next)
		level = next
	}
	return tree, nil
}

// Root returns the committed root.
func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Leaves returns the number of leaves in the tree.
func (t *Tree) Leaves() int {
	return len(t.levels[0])
}

// Proof returns the sibling path of leaf i.
func (t *Tree) Proof(i int) ([]common.Hash, error) {
	if i < 0 || i >= t.Leaves() {
		return nil, fmt.Errorf("distribution: leaf %d out of range", i)
	}
	var proof []common.Hash
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		idx /= 2
	}
	return proof, nil
}

// FlattenProofs encodes per-leaf proofs into the flat array and length table
// VerifyBatch consumes.
func FlattenProofs(proofs [][]common.Hash) ([]common.Hash, []uint8, error) {
	var flat []common.Hash
	lengths := make([]uint8, len(proofs))
	for i, proof := range proofs {
		if len(proof) > 255 {
			return nil, nil, fmt.Errorf("distribution: proof %d too long (%d)", i, len(proof))
		}
		lengths[i] = uint8(len(proof))
		flat = append(flat, proof...)
	}
	return flat, lengths, nil
}
