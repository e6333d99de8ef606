package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeL1Source struct {
	mu     sync.Mutex
	blocks map[uint64]L1BlockRef
	latest uint64
}

func newFakeL1Source() *fakeL1Source {
	return &fakeL1Source{blocks: make(map[uint64]L1BlockRef)}
}

func (f *fakeL1Source) setBlock(n uint64, hash byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[n] = L1BlockRef{Number: n, Hash: [32]byte{hash}}
	if n > f.latest {
		f.latest = n
	}
}

func (f *fakeL1Source) LatestBlock(ctx context.Context) (L1BlockRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[f.latest], nil
}

func (f *fakeL1Source) BlockAt(ctx context.Context, number uint64) (L1BlockRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.blocks[number]
	if !ok {
		return L1BlockRef{}, NewError(ErrValidation, "fakeL1Source.BlockAt", "block not found", nil)
	}
	return ref, nil
}

func TestL1WatcherAdvancesHighWaterMarkPastFinality(t *testing.T) {
	source := newFakeL1Source()
	for n := uint64(1); n <= 10; n++ {
		source.setBlock(n, byte(n))
	}
	var finalized []uint64
	var mu sync.Mutex
	w := NewL1Watcher(source, 3, time.Second, 0, func(ref L1BlockRef) {
		mu.Lock()
		finalized = append(finalized, ref.Number)
		mu.Unlock()
	}, nil, silentLogger())

	w.poll()
	if got := w.HighWaterMark(); got != 7 {
		t.Fatalf("expected high water mark 7 (head 10 - finality 3), got %d", got)
	}
	if len(finalized) != 7 {
		t.Fatalf("expected 7 blocks reported final, got %d", len(finalized))
	}
}

func TestL1WatcherHaltsOnReorgBehindFinality(t *testing.T) {
	source := newFakeL1Source()
	for n := uint64(1); n <= 10; n++ {
		source.setBlock(n, byte(n))
	}
	var fatalErr error
	w := NewL1Watcher(source, 3, time.Second, 0, func(L1BlockRef) {}, func(err error) { fatalErr = err }, silentLogger())
	w.poll()
	if fatalErr != nil {
		t.Fatalf("expected no fatal on the first clean poll, got %v", fatalErr)
	}

	// Simulate a reorg that rewrites a block already behind the finality
	// window, and advance the source head so a new poll revisits it.
	source.setBlock(5, 0xFF)
	source.setBlock(11, 11)
	w.poll()
	if fatalErr == nil || !IsKind(fatalErr, ErrStateDiverged) {
		t.Fatalf("expected a fatal StateDiverged error on a reorg behind finality, got %v", fatalErr)
	}
}
