package core

// node.go – top-level wiring for a single bridge-sequencer node: the Raft
// core, the signing kernel, the priority queue and batch builder, the
// resilience fabric, the recovery supervisor, and the boundary adapters.
// Start/Stop bring every background loop up and down together. Every
// outbound call the node makes to a collaborator crossing a process or I/O
// boundary is wrapped in FabricContext.Guard, named after the collaborator,
// per §4.H's composition rule.

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-sequencer/pkg/config"
)

// Node wires every component into a running sequencer instance. It
// satisfies AdminKernel for the admin RPC router.
type Node struct {
	cfg    *config.Config
	clock  Clock
	logger *logrus.Logger

	raft       *Raft
	peers      *PeerRegistry
	index      *MerkleIndex
	sm         *StateMachine
	queue      *Queue
	builder    *BatchBuilder
	signer     *SigningSupervisor
	rotation   *RotationScheduler
	fabric     *FabricContext
	cache      *MultiLevelCache
	degrade    *DegradationRegistry
	recovery   *RecoverySupervisor
	verifyPool *RingBuffer

	settlement *SettlementSender
	watcher    *L1Watcher
	metrics    *Metrics
	fatal      FatalHandler

	mu       sync.Mutex
	batches  map[[32]byte]*Batch
	pending  map[[32]byte]time.Time // batch id -> propose time, cleared on commit
	diverged bool
	divergedAt uint64 // commit index the divergence was detected at

	buildStop chan struct{}
}

// FatalHandler is invoked when the node detects a condition §7 says must
// halt the process, carrying the ErrKind so the caller (cmd/sequencerd)
// can select the matching operator-facing exit code. If none is installed,
// the node logs at Fatal level instead, which halts the process itself.
type FatalHandler func(kind ErrKind, err error)

// SetFatalHandler installs the process-halt callback.
func (n *Node) SetFatalHandler(h FatalHandler) {
	n.fatal = h
}

func (n *Node) halt(err error) {
	kind := ErrStateDiverged
	if e, ok := err.(*Error); ok {
		kind = e.Kind
	}
	if n.fatal != nil {
		n.fatal(kind, err)
		return
	}
	n.logger.WithError(err).Fatal("halting: unrecoverable condition detected")
}

// NewNode constructs a node from configuration and its injected boundary
// dependencies (HSM stub clients, Raft peer stubs, settlement/L1
// transports). Collaborators are assembled here rather than inside each
// component so every wiring decision lives in one place.
func NewNode(
	cfg *config.Config,
	clock Clock,
	logger *logrus.Logger,
	raftPeers map[string]RaftStubClient,
	hsmPrimary, hsmSecondary HSMStubClient,
	emergency *EmergencyProvider,
	provisioner KeyProvisioner,
	settlementTransport SettlementTransport,
	l1Source L1Source,
) (*Node, error) {
	verifyPool := NewRingBuffer(RingBufferConfig{
		Capacity: 1024, Claim: MultiProducer, Wait: WaitYield, Overflow: OverflowBlock,
		Workers: cfg.SignerWorkerPoolSize,
	})
	index := NewMerkleIndex(DefaultMerkleDepth, verifyPool)
	sm := NewStateMachine(index, clock)

	weights := DefaultPriorityWeights()
	backpressureThreshold := float64(cfg.QueueBackpressureThreshold) / float64(cfg.QueueCapacity)
	queue := NewQueue(cfg.QueueCapacity, backpressureThreshold, 0.1, weights, clock)

	fabric := NewFabricContext(
		RetryPolicy{MaxRetries: cfg.Retry.Default.Max, Initial: time.Duration(cfg.Retry.Default.InitialMS) * time.Millisecond, Factor: cfg.Retry.Default.Factor, MaxDelay: time.Duration(cfg.Retry.Default.MaxMS) * time.Millisecond, Jitter: cfg.Retry.Default.Jitter},
		BreakerPolicy{FailureThreshold: cfg.CircuitBreaker.Default.FailureThreshold, Window: 10 * time.Second, ResetTimeout: time.Duration(cfg.CircuitBreaker.Default.ResetTimeoutMS) * time.Millisecond},
		clock,
	)

	peers := NewPeerRegistry()
	for nodeID, client := range raftPeers {
		pt := &PeerTransport{NodeID: nodeID, client: client}
		peers.Add(pt)
	}

	raftCfg := RaftConfig{
		ElectionTimeoutMin: cfg.ElectionTimeoutMin(),
		ElectionTimeoutMax: cfg.ElectionTimeoutMax(),
		HeartbeatInterval:  cfg.Heartbeat(),
	}

	n := &Node{cfg: cfg, clock: clock, logger: logger, peers: peers, index: index, sm: sm, queue: queue, fabric: fabric, verifyPool: verifyPool, batches: make(map[[32]byte]*Batch), pending: make(map[[32]byte]time.Time), metrics: NewMetrics()}

	n.raft = NewRaft(cfg.NodeID, peers, raftCfg, clock, logger, n.onCommit, n.persistRaftState)

	var primary, secondary SigningProvider
	if hsmPrimary != nil {
		p, err := NewHSMProvider(cfg.HSMPrimary.Endpoint, hsmPrimary, cfg.HSMPrimary.KeyID)
		if err != nil {
			return nil, err
		}
		primary = p
	}
	if hsmSecondary != nil {
		s, err := NewHSMProvider(cfg.HSMSecondary.Endpoint, hsmSecondary, cfg.HSMSecondary.KeyID)
		if err != nil {
			return nil, err
		}
		secondary = s
	}
	var emergencyProvider SigningProvider
	if emergency != nil {
		emergencyProvider = emergency
	}
	n.signer = NewSigningSupervisor(primary, secondary, emergencyProvider,
		cfg.EmergencyBudgetTxs, time.Duration(cfg.EmergencyBudgetMins)*time.Minute,
		time.Duration(cfg.SignerProbeSeconds)*time.Second, clock, logger)

	if hp, ok := primary.(*HSMProvider); ok && provisioner != nil {
		n.rotation = NewRotationScheduler(hp, provisioner, time.Duration(cfg.RotationIntervalDays)*24*time.Hour, time.Duration(cfg.OverlapHours)*time.Hour, clock, logger)
	}

	n.builder = NewBatchBuilder(BatchBuilderConfig{
		MaxSize:       cfg.BatchMaxSize,
		BatchTimeout:  time.Duration(cfg.BatchTimeoutMS) * time.Millisecond,
		IdleFlushTime: time.Duration(cfg.IdleFlushMS) * time.Millisecond,
	}, queue, index, sm, n.signer, clock, logger, cfg.NodeID)

	levelConfigs := make([]CacheLevelConfig, 0, len(cfg.Cache.Levels))
	for _, lvl := range cfg.Cache.Levels {
		ev := EvictLRU
		if lvl.Eviction == "fifo" {
			ev = EvictFIFO
		}
		levelConfigs = append(levelConfigs, CacheLevelConfig{Name: lvl.Name, Capacity: lvl.Capacity, TTL: time.Duration(lvl.TTLMS) * time.Millisecond, Eviction: ev})
	}
	n.cache = NewMultiLevelCache(levelConfigs, cfg.Cache.CompressionThresholdB, nil)

	n.degrade = NewDegradationRegistry(10 * time.Second)
	n.recovery = NewRecoverySupervisor(5*time.Second, logger)
	n.wireRecoveryDetectors()

	if settlementTransport != nil {
		n.settlement = NewSettlementSender(settlementTransport, fabric, logger)
	}
	if l1Source != nil {
		n.watcher = NewL1Watcher(l1Source, uint64(cfg.L1Watcher.FinalityWindowBlocks), time.Duration(cfg.L1Watcher.PollIntervalMS)*time.Millisecond, 0, nil, n.onL1Fatal, logger)
	}

	return n, nil
}

func (n *Node) wireRecoveryDetectors() {
	n.recovery.RegisterDetector(StalledLeaderDetector(n.raft, 30*time.Second, n.clock))
	n.recovery.RegisterStrategy(KindStalledLeader, ForceReelectionStrategy(n.raft))
	n.recovery.RegisterDetector(DivergedStateDetector(n.divergenceStatus))
	n.recovery.RegisterStrategy(KindDivergedState, HaltAndPageStrategy())
	n.recovery.RegisterDetector(OrphanedBatchDetector(n.oldestPending, 30*time.Second))
	n.recovery.RegisterStrategy(KindOrphanedBatch, RequeueOrphanedBatchStrategy(n.requeueOrphanedBatch))
	n.recovery.RegisterDetector(HSMDegradedDetector(n.signer, 5*time.Minute, n.clock))
	n.recovery.RegisterStrategy(KindHSMDegraded, SwitchProviderStrategy(n.signer))
}

// divergenceStatus backs DivergedStateDetector: true once onCommit has
// observed a committed batch whose post-state root does not match the
// locally applied root (§4.E/§8).
func (n *Node) divergenceStatus() (bool, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.diverged, n.divergedAt
}

// oldestPending backs OrphanedBatchDetector: the longest-outstanding batch
// this node has proposed to Raft but not yet seen committed.
func (n *Node) oldestPending() (time.Duration, [32]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var oldestID [32]byte
	var oldestAt time.Time
	found := false
	for id, at := range n.pending {
		if !found || at.Before(oldestAt) {
			oldestID, oldestAt, found = id, at, true
		}
	}
	if !found {
		return 0, [32]byte{}, false
	}
	return n.clock.Now().Sub(oldestAt), oldestID, true
}

// requeueOrphanedBatch resubmits an orphaned batch's transactions to the
// priority queue so they are rebuilt into a fresh batch, and stops tracking
// the stale proposal.
func (n *Node) requeueOrphanedBatch(batchID [32]byte) error {
	n.mu.Lock()
	batch, ok := n.batches[batchID]
	delete(n.pending, batchID)
	n.mu.Unlock()
	if !ok {
		return NewError(ErrOutOfRange, "requeueOrphanedBatch", "unknown batch id", nil)
	}
	for _, tx := range batch.Transactions {
		if err := n.queue.Enqueue(tx, 0); err != nil {
			return err
		}
	}
	return nil
}

// onCommit is Raft's ApplyFunc: every committed log entry's payload is a
// batch encoded with Batch.ReplicationEncoding, decoded and applied to the
// state machine in strict commit order on every replica, leader and
// followers alike (§4.D/§4.E). The entry's payload is nil for the no-op
// entry a new leader appends in its own term, which carries nothing to
// apply.
func (n *Node) onCommit(entry LogEntry) {
	if len(entry.Payload) == 0 {
		return
	}
	batch, err := DecodeReplicatedBatch(entry.Payload)
	if err != nil {
		n.halt(NewError(ErrStorageFault, "onCommit", "committed entry failed to decode", err))
		return
	}

	if _, err := n.sm.ApplyBatch(batch); err != nil {
		n.mu.Lock()
		n.diverged = true
		n.divergedAt = entry.Index
		n.mu.Unlock()
		n.halt(err)
		return
	}

	n.mu.Lock()
	n.batches[batch.Id] = batch
	delete(n.pending, batch.Id)
	n.mu.Unlock()

	n.metrics.QueueDepth.Set(float64(n.queue.Len()))
	if n.settlement != nil {
		go func() {
			if _, err := n.settlement.Send(context.Background(), batch, ChainEVM); err != nil {
				n.logger.WithError(err).Warn("settlement send failed, will retry on next cycle")
				return
			}
			n.metrics.BatchesSettled.Inc()
		}()
	}
}

// raftStateFile is the on-disk name of the persisted term/votedFor record
// under cfg.StateDir.
const raftStateFile = "raft_state.bin"

// persistRaftState writes term and votedFor to cfg.StateDir with a CRC32
// checksum, mirroring raft_log.go's checksum framing, before the calling
// RPC handler returns (§4.D's persist-before-respond safety rule). A write
// failure halts the node: an unpersisted vote risks a double-vote on
// restart, which is an election-safety violation, not a retryable fault.
func (n *Node) persistRaftState(term uint64, votedFor string) {
	if n.cfg.StateDir == "" {
		return
	}
	buf := make([]byte, 0, 8+4+len(votedFor)+4)
	buf = appendUint64(buf, term)
	buf = appendLengthPrefixed(buf, []byte(votedFor))
	checksum := make([]byte, 4)
	binary.BigEndian.PutUint32(checksum, crc32.ChecksumIEEE(buf))
	buf = append(buf, checksum...)

	if err := os.MkdirAll(n.cfg.StateDir, 0o755); err != nil {
		n.halt(NewError(ErrStorageFault, "persistRaftState", "create state dir", err))
		return
	}
	path := filepath.Join(n.cfg.StateDir, raftStateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		n.halt(NewError(ErrStorageFault, "persistRaftState", "write state file", err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		n.halt(NewError(ErrStorageFault, "persistRaftState", "install state file", err))
		return
	}
}

func (n *Node) onL1Fatal(err error) {
	n.logger.WithError(err).Fatal("halting: unrecoverable L1 reorg behind finality window")
}

// Start brings every background loop up, including the leader-only batch
// build cycle.
func (n *Node) Start() {
	n.raft.Run()
	n.degrade.Run()
	n.recovery.Run()
	n.signer.EnsureProbing()
	if n.rotation != nil {
		n.rotation.Run()
	}
	if n.watcher != nil {
		n.watcher.Run()
	}
	n.buildStop = make(chan struct{})
	go n.buildLoop()
}

// Stop brings every background loop down.
func (n *Node) Stop() {
	close(n.buildStop)
	n.raft.Stop()
	n.degrade.Stop()
	n.recovery.Stop()
	n.signer.Stop()
	if n.rotation != nil {
		n.rotation.Stop()
	}
	if n.watcher != nil {
		n.watcher.Stop()
	}
	n.verifyPool.Close()
}

// buildLoop evaluates the batch builder's flush triggers on a short tick,
// tracking how long the leader has gone without flushing for the
// idle_flush_ms trigger (§4.F).
func (n *Node) buildLoop() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	lastActive := n.signer.ActiveIndex()
	for {
		select {
		case <-n.buildStop:
			return
		case <-ticker.C:
			if active := n.signer.ActiveIndex(); active != lastActive {
				n.metrics.SignerFailovers.Inc()
				lastActive = active
			}
			n.builder.mu.Lock()
			idle := n.clock.Now().Sub(n.builder.lastFlush)
			n.builder.mu.Unlock()
			if err := n.tryBuildAndReplicate(context.Background(), idle); err != nil {
				n.logger.WithError(err).Warn("batch build cycle failed")
			}
		}
	}
}

// --- AdminKernel ---

// SubmitTransaction validates and enqueues tx, rejecting it if this node is
// not the current leader (§4.F, §7).
func (n *Node) SubmitTransaction(tx *Transaction) error {
	if n.raft.Role() != Leader {
		return NewError(ErrNotLeader, "SubmitTransaction", "node is not the current leader", nil)
	}
	if err := tx.ValidateStatic(); err != nil {
		return err
	}
	return n.queue.Enqueue(tx, 0)
}

// GetBatch looks up a previously finalized batch by id.
func (n *Node) GetBatch(id [32]byte) (*Batch, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.batches[id]
	return b, ok
}

// GetProof returns a Merkle inclusion proof for addr's current account
// leaf. Accounts that have never been touched by an applied transaction
// have no leaf yet.
func (n *Node) GetProof(addr common.Address) (*MerkleProof, error) {
	leaf, ok := n.sm.leafOf[addr]
	if !ok {
		return nil, NewError(ErrOutOfRange, "GetProof", "account has no committed leaf yet", nil)
	}
	return n.index.Prove(leaf)
}

// Status reports a snapshot of node health for get_status.
func (n *Node) Status() NodeStatus {
	root := n.sm.Root()
	return NodeStatus{
		NodeID:       n.cfg.NodeID,
		Role:         n.raft.Role().String(),
		Term:         n.raft.CurrentTerm(),
		CommitIndex:  n.raft.CommitIndex(),
		QueueLen:     n.queue.Len(),
		Backpressure: n.queue.Backpressure(),
		StateRoot:    hexRoot(root),
	}
}

func hexRoot(root [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range root {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// ForceRotateKey triggers an immediate signing-key rotation instead of
// waiting for the scheduled interval.
func (n *Node) ForceRotateKey() error {
	if n.rotation == nil {
		return NewError(ErrNoSigner, "ForceRotateKey", "rotation scheduler not configured", nil)
	}
	n.rotation.rotate()
	return nil
}

// TriggerRecovery runs one on-demand detect_and_recover pass (§4.I).
func (n *Node) TriggerRecovery() bool {
	detected := n.recovery.DetectAndRecover()
	if detected {
		n.metrics.RecoveryActions.Inc()
	}
	return detected
}

// Balance returns addr's current account state.
func (n *Node) Balance(addr common.Address) AccountState {
	return n.sm.Account(addr)
}

// ListProviders reports which signing chain position is currently active.
func (n *Node) ListProviders() []ProviderStatus {
	active := n.signer.ActiveIndex()
	return []ProviderStatus{
		{Role: RolePrimary.String(), Active: active == RolePrimary},
		{Role: RoleSecondary.String(), Active: active == RoleSecondary},
		{Role: RoleEmergency.String(), Active: active == RoleEmergency},
	}
}

// tryBuildAndReplicate is the leader-only loop body: build a batch if any
// flush trigger fires and propose it to the replicated log. The batch only
// takes effect, and only then reaches the settlement sender, once onCommit
// applies it after Raft commit (§4.D/§4.E). Driven by a ticker in node.go's
// buildLoop; exposed as a method so it can be invoked directly in tests
// without a running timer.
func (n *Node) tryBuildAndReplicate(ctx context.Context, idleSince time.Duration) error {
	if n.raft.Role() != Leader {
		return nil
	}
	if !n.builder.ShouldFlush(idleSince) {
		return nil
	}
	batch, err := n.builder.Build(n.fabric)
	if err != nil || batch == nil {
		return err
	}
	// ReplicationEncoding, not SettlementEncoding, is what crosses the
	// replicated log: state only actually mutates once onCommit applies the
	// decoded batch after Raft commits it, never here at propose time.
	encoded := batch.ReplicationEncoding()
	if _, _, err := n.raft.Propose(encoded); err != nil {
		return err
	}
	n.mu.Lock()
	n.pending[batch.Id] = n.clock.Now()
	n.mu.Unlock()
	n.metrics.BatchesBuilt.Inc()
	n.metrics.QueueDepth.Set(float64(n.queue.Len()))
	n.metrics.RaftTerm.Set(float64(n.raft.CurrentTerm()))
	return nil
}

// Metrics exposes the node's Prometheus collectors to the admin router.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}
