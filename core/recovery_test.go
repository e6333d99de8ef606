package core

import (
	"testing"
	"time"
)

func TestRecoverySupervisorDispatchesFirstMatchingDetector(t *testing.T) {
	rs := NewRecoverySupervisor(time.Hour, silentLogger())

	var calledFirst, calledSecond bool
	rs.RegisterDetector(func() Detection { calledFirst = true; return NotDetected })
	rs.RegisterDetector(func() Detection {
		calledSecond = true
		return Detection{Detected: true, Kind: KindOrphanedBatch, Details: map[string]any{"batchID": [32]byte{9}}}
	})
	rs.RegisterStrategy(KindOrphanedBatch, func(details map[string]any) StrategyResult {
		return StrategyResult{Success: true, Actions: []string{"requeued"}}
	})

	if detected := rs.DetectAndRecover(); !detected {
		t.Fatal("expected a detection to fire")
	}
	if !calledFirst || !calledSecond {
		t.Fatal("expected detectors to run in registration order until one fires")
	}
	history := rs.History()
	if len(history) != 1 || history[0].Kind != KindOrphanedBatch {
		t.Fatalf("expected one history entry for the orphaned batch, got %+v", history)
	}
}

func TestRecoverySupervisorNoDetectionReturnsFalse(t *testing.T) {
	rs := NewRecoverySupervisor(time.Hour, silentLogger())
	rs.RegisterDetector(func() Detection { return NotDetected })
	if rs.DetectAndRecover() {
		t.Fatal("expected no detection to report false")
	}
}

func TestStalledLeaderDetectorFiresPastStaleness(t *testing.T) {
	clock := newFakeClock(time.Now())
	nodes := newRaftCluster(t, 1)
	defer stopCluster(nodes)
	r := nodes[0].raft

	waitForLeader(t, nodes, 2*time.Second)
	detector := StalledLeaderDetector(r, 50*time.Millisecond, clock)
	clock.Advance(100 * time.Millisecond)
	det := detector()
	if !det.Detected || det.Kind != KindStalledLeader {
		t.Fatalf("expected a stalled-leader detection, got %+v", det)
	}
}

func TestDivergedStateDetectorFiresOnMismatch(t *testing.T) {
	var bad bool
	var idx uint64
	detector := DivergedStateDetector(func() (bool, uint64) { return bad, idx })

	if det := detector(); det.Detected {
		t.Fatal("expected no detection while state is not diverged")
	}
	bad, idx = true, 42
	det := detector()
	if !det.Detected || det.Kind != KindDivergedState {
		t.Fatalf("expected a diverged-state detection, got %+v", det)
	}
	if det.Details["index"] != uint64(42) {
		t.Fatalf("expected the diverged index in details, got %+v", det.Details)
	}
}

func TestHaltAndPageStrategyReportsFailure(t *testing.T) {
	result := HaltAndPageStrategy()(map[string]any{"index": uint64(7)})
	if result.Success {
		t.Fatal("expected HaltAndPageStrategy to report failure so the supervisor escalates")
	}
	if result.Reason == "" {
		t.Fatal("expected a non-empty escalation reason")
	}
}

func TestOrphanedBatchDetectorFiresPastMaxAge(t *testing.T) {
	id := [32]byte{7}
	age := 10 * time.Millisecond
	detector := OrphanedBatchDetector(func() (time.Duration, [32]byte, bool) { return age, id, true }, 50*time.Millisecond)

	if det := detector(); det.Detected {
		t.Fatal("expected no detection while the batch is younger than maxAge")
	}
	age = 100 * time.Millisecond
	det := detector()
	if !det.Detected || det.Kind != KindOrphanedBatch {
		t.Fatalf("expected an orphaned-batch detection, got %+v", det)
	}
	if det.Details["batchID"] != id {
		t.Fatalf("expected the orphaned batch id in details, got %+v", det.Details)
	}
}

func TestOrphanedBatchDetectorNoPendingBatch(t *testing.T) {
	detector := OrphanedBatchDetector(func() (time.Duration, [32]byte, bool) { return 0, [32]byte{}, false }, time.Millisecond)
	if det := detector(); det.Detected {
		t.Fatal("expected no detection when there is no pending batch at all")
	}
}

func TestRequeueOrphanedBatchStrategyRequeuesOnSuccess(t *testing.T) {
	id := [32]byte{3}
	var requeued [32]byte
	strategy := RequeueOrphanedBatchStrategy(func(batchID [32]byte) error {
		requeued = batchID
		return nil
	})
	result := strategy(map[string]any{"batchID": id})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if requeued != id {
		t.Fatalf("expected batch %x to be requeued, got %x", id, requeued)
	}
}

func TestRequeueOrphanedBatchStrategyPropagatesFailure(t *testing.T) {
	strategy := RequeueOrphanedBatchStrategy(func(batchID [32]byte) error {
		return NewError(ErrOutOfRange, "requeue", "unknown batch", nil)
	})
	result := strategy(map[string]any{"batchID": [32]byte{1}})
	if result.Success {
		t.Fatal("expected failure to propagate from the requeue callback")
	}
}

func TestHSMDegradedDetectorFiresPastBudget(t *testing.T) {
	clock := newFakeClock(time.Now())
	primary := &fakeProvider{keyID: "primary", fail: true}
	secondary := &fakeProvider{keyID: "secondary", available: true}
	sup := NewSigningSupervisor(primary, secondary, nil, 10, time.Hour, time.Hour, clock, silentLogger())
	if _, _, err := sup.Sign(testFabric(clock), []byte("msg")); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	detector := HSMDegradedDetector(sup, 5*time.Second, clock)
	if det := detector(); det.Detected {
		t.Fatal("expected no detection before the budget elapses")
	}
	clock.Advance(10 * time.Second)
	det := detector()
	if !det.Detected || det.Kind != KindHSMDegraded {
		t.Fatalf("expected an HSM-degraded detection once the failover budget elapses, got %+v", det)
	}
}
