package core

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

func TestBatchBuilderShouldFlushTriggers(t *testing.T) {
	clock := newFakeClock(time.Now())
	q := NewQueue(10, 0.99, 0.1, DefaultPriorityWeights(), clock)
	idx := NewMerkleIndex(8, nil)
	sm := NewStateMachine(idx, clock)
	bb := NewBatchBuilder(BatchBuilderConfig{MaxSize: 3, BatchTimeout: time.Second, IdleFlushTime: 500 * time.Millisecond},
		q, idx, sm, nil, clock, silentLogger(), "seq-1")

	if bb.ShouldFlush(0) {
		t.Fatal("an empty queue with no elapsed idle time must not flush")
	}

	if err := q.Enqueue(mustTx(t, 1, 0, 1, clock.Now()), 0); err != nil {
		t.Fatal(err)
	}
	if bb.ShouldFlush(0) {
		t.Fatal("must not flush before any trigger condition is met")
	}
	if !bb.ShouldFlush(time.Second) {
		t.Fatal("expected the idle-flush trigger to fire once idleSince exceeds IdleFlushTime")
	}

	clock.Advance(2 * time.Second)
	if !bb.ShouldFlush(0) {
		t.Fatal("expected the batch-timeout trigger to fire once the oldest entry exceeds BatchTimeout")
	}
}

func TestBatchBuilderShouldFlushSizeTrigger(t *testing.T) {
	clock := newFakeClock(time.Now())
	q := NewQueue(10, 0.99, 0.1, DefaultPriorityWeights(), clock)
	idx := NewMerkleIndex(8, nil)
	sm := NewStateMachine(idx, clock)
	bb := NewBatchBuilder(BatchBuilderConfig{MaxSize: 2, BatchTimeout: time.Hour, IdleFlushTime: time.Hour},
		q, idx, sm, nil, clock, silentLogger(), "seq-1")

	for i := uint64(0); i < 2; i++ {
		if err := q.Enqueue(mustTx(t, byte(i), i, 1, clock.Now()), 0); err != nil {
			t.Fatal(err)
		}
	}
	if !bb.ShouldFlush(0) {
		t.Fatal("expected the size trigger to fire once the queue reaches MaxSize")
	}
}

func TestBatchBuilderBuildDropsRejectedAndSigns(t *testing.T) {
	clock := newFakeClock(time.Now())
	q := NewQueue(10, 0.99, 0.1, DefaultPriorityWeights(), clock)
	idx := NewMerkleIndex(8, nil)
	sm := NewStateMachine(idx, clock)
	signer := NewSigningSupervisor(&fakeProvider{keyID: "k1", available: true}, nil, nil, 0, time.Hour, time.Hour, clock, silentLogger())
	bb := NewBatchBuilder(BatchBuilderConfig{MaxSize: 10, BatchTimeout: time.Hour, IdleFlushTime: time.Hour},
		q, idx, sm, signer, clock, silentLogger(), "seq-1")

	bankKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	alice := common.Address{0xAA}
	var asset [32]byte
	good := signedTx(t, bankKey, alice, asset, uint256.NewInt(10), uint256.NewInt(0), 1, TxDeposit, clock.Now())
	if err := q.Enqueue(good, 0); err != nil {
		t.Fatal(err)
	}

	aliceKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	badNonce := signedTx(t, aliceKey, common.Address{0xBB}, asset, uint256.NewInt(1), uint256.NewInt(0), 9, TxTransfer, clock.Now())
	if err := q.Enqueue(badNonce, 0); err != nil {
		t.Fatal(err)
	}

	batch, err := bb.Build(testFabric(clock))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(batch.Transactions) != 1 {
		t.Fatalf("expected only the accepted transaction in the batch, got %d", len(batch.Transactions))
	}
	if len(batch.SequencerSig) == 0 || batch.SequencerKeyID == "" {
		t.Fatal("expected the batch to carry a signature and key id")
	}
}

func TestBatchBuilderBuildDoesNotMutateAuthoritativeStateMachine(t *testing.T) {
	clock := newFakeClock(time.Now())
	q := NewQueue(10, 0.99, 0.1, DefaultPriorityWeights(), clock)
	idx := NewMerkleIndex(8, nil)
	sm := NewStateMachine(idx, clock)
	signer := NewSigningSupervisor(&fakeProvider{keyID: "k1", available: true}, nil, nil, 0, time.Hour, time.Hour, clock, silentLogger())
	bb := NewBatchBuilder(BatchBuilderConfig{MaxSize: 10, BatchTimeout: time.Hour, IdleFlushTime: time.Hour},
		q, idx, sm, signer, clock, silentLogger(), "seq-1")

	bankKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	alice := common.Address{0xAA}
	var asset [32]byte
	tx := signedTx(t, bankKey, alice, asset, uint256.NewInt(10), uint256.NewInt(0), 1, TxDeposit, clock.Now())
	if err := q.Enqueue(tx, 0); err != nil {
		t.Fatal(err)
	}

	rootBefore := sm.Root()
	batch, err := bb.Build(testFabric(clock))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if sm.Root() != rootBefore {
		t.Fatal("Build must not mutate the authoritative state machine before the batch is committed through Raft")
	}
	if sm.Account(alice).Nonce != 0 {
		t.Fatal("Build must not advance authoritative account state before commit")
	}

	// Only once the batch is actually applied, mirroring what onCommit does
	// after a real Raft commit, does the authoritative root reach the value
	// Build already declared as PostStateRoot.
	if _, err := sm.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if sm.Root() != batch.PostStateRoot {
		t.Fatal("applying the built batch must reproduce the post-root computed speculatively at build time")
	}
}

func TestBatchBuilderBuildEmptyQueueReturnsNil(t *testing.T) {
	clock := newFakeClock(time.Now())
	q := NewQueue(10, 0.99, 0.1, DefaultPriorityWeights(), clock)
	idx := NewMerkleIndex(8, nil)
	sm := NewStateMachine(idx, clock)
	bb := NewBatchBuilder(BatchBuilderConfig{MaxSize: 10, BatchTimeout: time.Hour, IdleFlushTime: time.Hour},
		q, idx, sm, nil, clock, silentLogger(), "seq-1")

	batch, err := bb.Build(testFabric(clock))
	if err != nil || batch != nil {
		t.Fatalf("expected (nil, nil) for an empty queue, got (%v, %v)", batch, err)
	}
}
