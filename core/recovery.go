package core

// recovery.go – the recovery supervisor (component I). A registry of
// {detector, strategy} pairs; detect_and_recover queries detectors in
// registration order, stops at the first Detected, and dispatches the
// matching strategy. Results append to an immutable recovery history.
// Escalation on strategy failure logs at Error level (the out-of-scope HTTP
// gateway owns actual paging) rather than retrying automatically — the
// next cadence re-detects.

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DetectionKind names a recognized failure condition (§4.I).
type DetectionKind string

const (
	KindStalledLeader  DetectionKind = "StalledLeader"
	KindDivergedState  DetectionKind = "DivergedState"
	KindOrphanedBatch  DetectionKind = "OrphanedBatch"
	KindHSMDegraded    DetectionKind = "HSMDegraded"
)

// Detection is the result of a detector run.
type Detection struct {
	Detected bool
	Kind     DetectionKind
	Details  map[string]any
}

// NotDetected is the zero-value "nothing wrong" result.
var NotDetected = Detection{}

// Detector inspects live state and reports a Detection.
type Detector func() Detection

// StrategyResult is the outcome of a recovery strategy invocation.
type StrategyResult struct {
	Success bool
	Actions []string
	Reason  string
}

// Strategy handles a detected condition.
type Strategy func(details map[string]any) StrategyResult

// HistoryEntry is one immutable record of a detect_and_recover run.
type HistoryEntry struct {
	At     time.Time
	Kind   DetectionKind
	Result StrategyResult
}

// RecoverySupervisor runs detectors in registration order and dispatches
// the first matching strategy.
type RecoverySupervisor struct {
	mu         sync.Mutex
	detectors  []Detector
	strategies map[DetectionKind]Strategy
	history    []HistoryEntry
	logger     *logrus.Logger

	cadence time.Duration
	stop    chan struct{}
	stopOnce sync.Once
}

// NewRecoverySupervisor constructs an empty supervisor.
func NewRecoverySupervisor(cadence time.Duration, logger *logrus.Logger) *RecoverySupervisor {
	return &RecoverySupervisor{
		strategies: make(map[DetectionKind]Strategy),
		logger:     logger,
		cadence:    cadence,
		stop:       make(chan struct{}),
	}
}

// RegisterDetector appends a detector to the registration-ordered list.
func (rs *RecoverySupervisor) RegisterDetector(d Detector) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.detectors = append(rs.detectors, d)
}

// RegisterStrategy associates a strategy with one or more detection kinds.
func (rs *RecoverySupervisor) RegisterStrategy(kind DetectionKind, s Strategy) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.strategies[kind] = s
}

// DetectAndRecover runs the registered detectors in order, stopping at the
// first Detected, and dispatches its strategy. Returns false if nothing was
// detected this run.
func (rs *RecoverySupervisor) DetectAndRecover() bool {
	rs.mu.Lock()
	detectors := append([]Detector(nil), rs.detectors...)
	rs.mu.Unlock()

	for _, d := range detectors {
		det := d()
		if !det.Detected {
			continue
		}
		rs.mu.Lock()
		strat, ok := rs.strategies[det.Kind]
		rs.mu.Unlock()
		if !ok {
			rs.logger.WithField("kind", det.Kind).Warn("no strategy registered for detected condition")
			return true
		}
		result := strat(det.Details)
		entry := HistoryEntry{At: time.Now(), Kind: det.Kind, Result: result}
		rs.mu.Lock()
		rs.history = append(rs.history, entry)
		rs.mu.Unlock()
		if !result.Success {
			rs.logger.WithFields(logrus.Fields{"kind": det.Kind, "reason": result.Reason}).Error("recovery strategy failed, escalating to operators")
		} else {
			rs.logger.WithFields(logrus.Fields{"kind": det.Kind, "actions": result.Actions}).Info("recovery strategy succeeded")
		}
		return true
	}
	return false
}

// Run starts the fixed-cadence detect_and_recover loop.
func (rs *RecoverySupervisor) Run() {
	ticker := time.NewTicker(rs.cadence)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-rs.stop:
				return
			case <-ticker.C:
				rs.DetectAndRecover()
			}
		}
	}()
}

// Stop ends the cadence loop.
func (rs *RecoverySupervisor) Stop() {
	rs.stopOnce.Do(func() { close(rs.stop) })
}

// History returns a copy of the immutable recovery history.
func (rs *RecoverySupervisor) History() []HistoryEntry {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]HistoryEntry(nil), rs.history...)
}

// --- Concrete detectors/strategies required by §4.I ---

// StalledLeaderDetector fires when the leader's commit index has not
// advanced within staleAfter despite a live client workload.
func StalledLeaderDetector(r *Raft, staleAfter time.Duration, clock Clock) Detector {
	return func() Detection {
		if r.Role() != Leader {
			return NotDetected
		}
		if clock.Now().Sub(r.LastCommitAdvance()) < staleAfter {
			return NotDetected
		}
		return Detection{Detected: true, Kind: KindStalledLeader, Details: map[string]any{"commitIndex": r.CommitIndex()}}
	}
}

// ForceReelectionStrategy steps the node down so a new election begins.
func ForceReelectionStrategy(r *Raft) Strategy {
	return func(map[string]any) StrategyResult {
		r.StepDown(r.CurrentTerm())
		return StrategyResult{Success: true, Actions: []string{"stepped down to trigger re-election"}}
	}
}

// DivergedStateDetector fires when two applied-hash observations for the
// same index disagree, per §4.E/§8's divergence invariant.
func DivergedStateDetector(mismatch func() (bool, uint64)) Detector {
	return func() Detection {
		if bad, idx := mismatch(); bad {
			return Detection{Detected: true, Kind: KindDivergedState, Details: map[string]any{"index": idx}}
		}
		return NotDetected
	}
}

// HaltAndPageStrategy is fatal: diverged state can never be repaired
// locally, so the strategy reports failure to force operator escalation.
func HaltAndPageStrategy() Strategy {
	return func(details map[string]any) StrategyResult {
		return StrategyResult{Success: false, Reason: "state divergence requires operator intervention", Actions: nil}
	}
}

// OrphanedBatchDetector fires when a built batch has sat uncommitted longer
// than maxAge.
func OrphanedBatchDetector(pending func() (age time.Duration, batchID [32]byte, ok bool), maxAge time.Duration) Detector {
	return func() Detection {
		age, id, ok := pending()
		if !ok || age < maxAge {
			return NotDetected
		}
		return Detection{Detected: true, Kind: KindOrphanedBatch, Details: map[string]any{"batchID": id}}
	}
}

// RequeueOrphanedBatchStrategy re-queues the orphaned batch's transactions.
func RequeueOrphanedBatchStrategy(requeue func(batchID [32]byte) error) Strategy {
	return func(details map[string]any) StrategyResult {
		id, _ := details["batchID"].([32]byte)
		if err := requeue(id); err != nil {
			return StrategyResult{Success: false, Reason: err.Error()}
		}
		return StrategyResult{Success: true, Actions: []string{"requeued orphaned batch"}}
	}
}

// HSMDegradedDetector fires when the signing supervisor's active provider
// is not the primary and has been so beyond the failover budget.
func HSMDegradedDetector(sig *SigningSupervisor, budget time.Duration, clock Clock) Detector {
	return func() Detection {
		if sig.ActiveIndex() == 0 {
			return NotDetected
		}
		if clock.Now().Sub(sig.LastFailoverAt()) < budget {
			return NotDetected
		}
		return Detection{Detected: true, Kind: KindHSMDegraded, Details: map[string]any{"activeIndex": sig.ActiveIndex()}}
	}
}

// SwitchProviderStrategy is a no-op beyond logging because failover has
// already happened by the time this strategy fires — its job is to ensure
// the supervisor's background probe is running so re-homing proceeds.
func SwitchProviderStrategy(sig *SigningSupervisor) Strategy {
	return func(map[string]any) StrategyResult {
		sig.EnsureProbing()
		return StrategyResult{Success: true, Actions: []string{"confirmed re-home probe active"}}
	}
}
