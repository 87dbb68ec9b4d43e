package distribution

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func testLeaves(n int) []common.Hash {
	leaves := make([]common.Hash, n)
	for i := range leaves {
		leaves[i] = LeafHash(uint64(i), common.BytesToAddress([]byte{byte(i + 1)}), uint256.NewInt(uint64(100+i)))
	}
	return leaves
}

func TestHashPairIsCommutative(t *testing.T) {
	a := common.HexToHash("0x01")
	b := common.HexToHash("0x02")
	if HashPair(a, b) != HashPair(b, a) {
		t.Fatalf("pair hash depends on argument order")
	}
}

func TestLeafHashBindsEveryField(t *testing.T) {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	base := LeafHash(7, to, uint256.NewInt(5))
	if base == LeafHash(8, to, uint256.NewInt(5)) {
		t.Fatalf("index not bound")
	}
	if base == LeafHash(7, common.HexToAddress("0x2222222222222222222222222222222222222222"), uint256.NewInt(5)) {
		t.Fatalf("recipient not bound")
	}
	if base == LeafHash(7, to, uint256.NewInt(6)) {
		t.Fatalf("value not bound")
	}
}

func TestTreeProofsVerify(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8, 13} {
		leaves := testLeaves(n)
		tree, err := BuildTree(leaves)
		if err != nil {
			t.Fatalf("build %d: %v", n, err)
		}
		for i, leaf := range leaves {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("proof %d/%d: %v", i, n, err)
			}
			if !VerifyProof(leaf, proof, tree.Root()) {
				t.Fatalf("proof %d of %d rejected", i, n)
			}
		}
	}
}

func TestSingleLeafTreeHasEmptyProof(t *testing.T) {
	leaves := testLeaves(1)
	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof) != 0 {
		t.Fatalf("expected empty proof, got %d", len(proof))
	}
	if tree.Root() != leaves[0] {
		t.Fatalf("root of a single leaf tree must be the leaf")
	}
}

func TestBuildTreeRejectsEmpty(t *testing.T) {
	if _, err := BuildTree(nil); err == nil {
		t.Fatalf("expected error for empty leaf set")
	}
}

func TestProofOutOfRange(t *testing.T) {
	tree, err := BuildTree(testLeaves(3))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := tree.Proof(3); err == nil {
		t.Fatalf("expected out of range error")
	}
	if _, err := tree.Proof(-1); err == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestVerifyProofRejectsBitFlip(t *testing.T) {
	leaves := testLeaves(6)
	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	for i := range proof {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]common.Hash(nil), proof...)
			tampered[i][0] ^= 1 << bit
			if VerifyProof(leaves[2], tampered, tree.Root()) {
				t.Fatalf("tampered proof element %d bit %d accepted", i, bit)
			}
		}
	}
	flipped := leaves[2]
	flipped[31] ^= 0x01
	if VerifyProof(flipped, proof, tree.Root()) {
		t.Fatalf("tampered leaf accepted")
	}
}

func TestVerifyBatch(t *testing.T) {
	leaves := testLeaves(5)
	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proofs := make([][]common.Hash, len(leaves))
	for i := range leaves {
		proofs[i], _ = tree.Proof(i)
	}
	flat, lengths, err := FlattenProofs(proofs)
	if err != nil {
		t.Fatalf("flatten: %v", err)
	}
	if err := VerifyBatch(tree.Root(), leaves, flat, lengths); err != nil {
		t.Fatalf("verify batch: %v", err)
	}

	t.Run("length table mismatch", func(t *testing.T) {
		err := VerifyBatch(tree.Root(), leaves, flat, lengths[:4])
		if !errors.Is(err, ErrProofLengthMismatch) {
			t.Fatalf("expected ErrProofLengthMismatch, got %v", err)
		}
	})
	t.Run("hash count mismatch", func(t *testing.T) {
		err := VerifyBatch(tree.Root(), leaves, flat[:len(flat)-1], lengths)
		if !errors.Is(err, ErrProofLengthMismatch) {
			t.Fatalf("expected ErrProofLengthMismatch, got %v", err)
		}
	})
	t.Run("wrong root", func(t *testing.T) {
		err := VerifyBatch(common.HexToHash("0xdead"), leaves, flat, lengths)
		if !errors.Is(err, ErrInvalidProof) {
			t.Fatalf("expected ErrInvalidProof, got %v", err)
		}
	})
}

func TestTreeProofProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every leaf proves against the root", prop.ForAll(
		func(n int) bool {
			leaves := testLeaves(n)
			tree, err := BuildTree(leaves)
			if err != nil {
				return false
			}
			for i, leaf := range leaves {
				proof, err := tree.Proof(i)
				if err != nil || !VerifyProof(leaf, proof, tree.Root()) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 64),
	))

	properties.Property("a leaf does not prove at another position", prop.ForAll(
		func(n, a, b int) bool {
			i, j := a%n, b%n
			if i == j {
				return true
			}
			leaves := testLeaves(n)
			tree, err := BuildTree(leaves)
			if err != nil {
				return false
			}
			proof, err := tree.Proof(j)
			if err != nil {
				return false
			}
			return !VerifyProof(leaves[i], proof, tree.Root())
		},
		gen.IntRange(2, 40),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
