package core

// batch_builder.go – pulls entries off the priority queue and finalizes
// batches under one of three triggers (§4.F): size B reached, the oldest
// queued entry exceeds batch_timeout, or the leader has been idle for
// idle_flush_ms. Only the leader builds batches; followers only ever
// receive them via replication.

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BatchBuilderConfig mirrors the batch_max_size / batch_timeout_ms /
// idle_flush_ms configuration keys from §6.
type BatchBuilderConfig struct {
	MaxSize       int
	BatchTimeout  time.Duration
	IdleFlushTime time.Duration
}

// BatchBuilder finalizes LogEntry payloads from queued transactions. It is
// only ever driven by the current Raft leader (§4.F).
type BatchBuilder struct {
	mu     sync.Mutex
	cfg    BatchBuilderConfig
	queue  *Queue
	index  *MerkleIndex
	sm     *StateMachine
	signer *SigningSupervisor
	clock  Clock
	logger *logrus.Logger

	nodeID      string
	lastFlush   time.Time
	lastBatch   []byte
}

// NewBatchBuilder wires a batch builder to its collaborators.
func NewBatchBuilder(cfg BatchBuilderConfig, q *Queue, idx *MerkleIndex, sm *StateMachine, signer *SigningSupervisor, clock Clock, logger *logrus.Logger, nodeID string) *BatchBuilder {
	return &BatchBuilder{cfg: cfg, queue: q, index: idx, sm: sm, signer: signer, clock: clock, logger: logger, nodeID: nodeID, lastFlush: clock.Now()}
}

// ShouldFlush reports whether any of the three triggers from §4.F fire.
func (bb *BatchBuilder) ShouldFlush(idleSince time.Duration) bool {
	if bb.queue.Len() >= bb.cfg.MaxSize {
		return true
	}
	if bb.queue.OldestAge() > bb.cfg.BatchTimeout {
		return true
	}
	if idleSince > bb.cfg.IdleFlushTime && bb.queue.Len() > 0 {
		return true
	}
	return false
}

// Build pulls up to MaxSize entries, orders them (priority descending, then
// (sender, nonce) ascending — already the heap's pop order, see queue.go),
// and finalizes+signs a Batch through the signing kernel (component C).
func (bb *BatchBuilder) Build(ctx *FabricContext) (*Batch, error) {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	bb.queue.Refresh()
	entries := bb.queue.PopTop(bb.cfg.MaxSize)
	if len(entries) == 0 {
		return nil, nil
	}

	txs := make([]*Transaction, len(entries))
	for i, e := range entries {
		txs[i] = e.Tx
	}

	// Apply against a disposable clone so the batch's declared pre/post
	// roots are correct without mutating the authoritative state machine:
	// the only state mutation that counts is the one onCommit performs
	// after Raft actually commits this batch (§4.D/§4.E). Rejects are
	// dropped from the batch per the §4.E open-question resolution (never
	// advance nonce on rejection).
	staging := bb.sm.Clone()
	preRoot := staging.Root()
	accepted := make([]*Transaction, 0, len(txs))
	for _, tx := range txs {
		outcome := staging.Apply(tx)
		if outcome == Applied {
			accepted = append(accepted, tx)
		} else {
			bb.logger.WithFields(logrus.Fields{"tx": tx.Id, "outcome": outcome.String()}).Warn("transaction dropped from batch at build time")
		}
	}
	postRoot := staging.Root()

	now := bb.clock.Now()
	batch := NewBatch(accepted, preRoot, postRoot, bb.nodeID, now, now.Add(5*time.Minute))

	encoded, err := batch.SettlementEncoding()
	if err != nil {
		return nil, NewError(ErrValidation, "Build", "encode batch", err)
	}
	sig, keyID, err := bb.signer.Sign(ctx, encoded)
	if err != nil {
		return nil, err
	}
	batch.SequencerSig = sig
	batch.SequencerKeyID = keyID
	bb.lastFlush = now
	return batch, nil
}
