package core

import "testing"

// TestMerkleProofFourLeaves walks a depth-2 tree (4 leaves) where one
// leaf's inclusion proof carries exactly 2 siblings and verifies against
// the recomputed root, but fails against a root computed after any other
// leaf changes.
func TestMerkleProofFourLeaves(t *testing.T) {
	idx := NewMerkleIndex(2, nil)
	for _, v := range [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")} {
		if _, err := idx.AddLeaf(v); err != nil {
			t.Fatalf("AddLeaf: %v", err)
		}
	}

	proof, err := idx.Prove(1)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if len(proof.Siblings) != 2 {
		t.Fatalf("expected 2 siblings at depth 2, got %d", len(proof.Siblings))
	}
	if !Verify(proof, idx.Root()) {
		t.Fatal("proof must verify against the tree's current root")
	}

	rootBefore := idx.Root()
	if err := idx.UpdateLeaf(2, []byte("c-changed")); err != nil {
		t.Fatalf("UpdateLeaf: %v", err)
	}
	if idx.Root() == rootBefore {
		t.Fatal("updating a leaf must change the root")
	}
	if !Verify(proof, rootBefore) {
		t.Fatal("a proof taken before the update must still verify against the root it was taken against")
	}
	if Verify(proof, idx.Root()) {
		t.Fatal("a stale proof must not verify against the new root")
	}
}

func TestMerkleBatchUpdateMinimalRecompute(t *testing.T) {
	idx := NewMerkleIndex(3, nil)
	for i := 0; i < 8; i++ {
		if _, err := idx.AddLeaf([]byte{byte(i)}); err != nil {
			t.Fatalf("AddLeaf: %v", err)
		}
	}
	rootBefore := idx.Root()

	if err := idx.BatchUpdate([]LeafUpdate{
		{Index: 0, Value: []byte("x")},
		{Index: 1, Value: []byte("y")},
	}); err != nil {
		t.Fatalf("BatchUpdate: %v", err)
	}
	if idx.Root() == rootBefore {
		t.Fatal("root must change after a batch update touches leaf values")
	}

	p0, err := idx.Prove(0)
	if err != nil {
		t.Fatalf("Prove(0): %v", err)
	}
	if !Verify(p0, idx.Root()) {
		t.Fatal("leaf 0's proof must verify against the post-batch root")
	}
}

func TestMerkleVerifyBatchParallel(t *testing.T) {
	pool := NewRingBuffer(RingBufferConfig{Capacity: 16, Workers: 4})
	defer pool.Close()
	idx := NewMerkleIndex(4, pool)
	var proofs []*MerkleProof
	for i := 0; i < 10; i++ {
		if _, err := idx.AddLeaf([]byte{byte(i)}); err != nil {
			t.Fatalf("AddLeaf: %v", err)
		}
	}
	for i := uint64(0); i < 10; i++ {
		p, err := idx.Prove(i)
		if err != nil {
			t.Fatalf("Prove(%d): %v", i, err)
		}
		proofs = append(proofs, p)
	}
	results := idx.VerifyBatch(proofs, idx.Root())
	if !AllTrue(results) {
		t.Fatal("every proof taken against the current root must verify")
	}

	proofs[3].Leaf[0] ^= 0xFF
	results = idx.VerifyBatch(proofs, idx.Root())
	if AllTrue(results) {
		t.Fatal("a tampered leaf must fail verification")
	}
	if !results[0] || !results[1] {
		t.Fatal("untampered proofs must still verify even when one proof in the batch is bad")
	}
}

func TestMerkleProveOutOfRange(t *testing.T) {
	idx := NewMerkleIndex(2, nil)
	if _, err := idx.Prove(0); err == nil {
		t.Fatal("expected error proving an empty leaf")
	}
	if _, err := idx.AddLeaf([]byte("a")); err != nil {
		t.Fatalf("AddLeaf: %v", err)
	}
	if _, err := idx.Prove(99); !IsKind(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}
