package core

// adapters_l1watcher.go – the L1 finality watcher (component J). Polls an
// injected L1Source for new blocks, tracks a high-water mark in memory
// (seeded from NewL1Watcher's startMark; the watcher does not write it to
// storage), and only reports a block final once it sits behind the
// configured finality window. A reorg observed at or behind the already-reported finality
// point is unrecoverable from the sequencer's perspective and halts the
// process (§4.J, §7: fatal).

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// L1BlockRef identifies one L1 block.
type L1BlockRef struct {
	Number uint64
	Hash   [32]byte
}

// L1Source is the capability surface for reading chain head/history;
// production wiring is an EVM JSON-RPC client, tests inject a fake feed.
type L1Source interface {
	LatestBlock(ctx context.Context) (L1BlockRef, error)
	BlockAt(ctx context.Context, number uint64) (L1BlockRef, error)
}

// L1Watcher tracks finality and detects reorgs.
type L1Watcher struct {
	mu             sync.Mutex
	source         L1Source
	finalityWindow uint64
	pollInterval   time.Duration
	logger         *logrus.Logger

	highWaterMark  uint64
	observed       map[uint64][32]byte
	onFinal        func(L1BlockRef)
	onFatal        func(error)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewL1Watcher constructs a watcher seeded at startMark (the last persisted
// high-water mark, or 0 at genesis).
func NewL1Watcher(source L1Source, finalityWindow uint64, pollInterval time.Duration, startMark uint64, onFinal func(L1BlockRef), onFatal func(error), logger *logrus.Logger) *L1Watcher {
	return &L1Watcher{
		source:         source,
		finalityWindow: finalityWindow,
		pollInterval:   pollInterval,
		logger:         logger,
		highWaterMark:  startMark,
		observed:       make(map[uint64][32]byte),
		onFinal:        onFinal,
		onFatal:        onFatal,
		stop:           make(chan struct{}),
	}
}

// Run starts the fixed-interval poll loop.
func (w *L1Watcher) Run() {
	ticker := time.NewTicker(w.pollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}()
}

// Stop ends the poll loop.
func (w *L1Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// HighWaterMark returns the last L1 block number reported final.
func (w *L1Watcher) HighWaterMark() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highWaterMark
}

func (w *L1Watcher) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), w.pollInterval)
	defer cancel()

	head, err := w.source.LatestBlock(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("l1 watcher failed to fetch latest block")
		return
	}
	if head.Number < w.finalityWindow {
		return
	}
	candidate := head.Number - w.finalityWindow

	w.mu.Lock()
	mark := w.highWaterMark
	w.mu.Unlock()
	if candidate <= mark {
		return
	}

	// Re-verify a short lookback window of already-final blocks before
	// extending the frontier: a reorg that rewrites a block at or behind
	// the prior high-water mark is unrecoverable, per §4.J.
	from := mark
	if from > w.finalityWindow {
		from -= w.finalityWindow
	} else {
		from = 0
	}
	if from == 0 {
		from = 1
	}

	for n := from; n <= candidate; n++ {
		ref, err := w.source.BlockAt(ctx, n)
		if err != nil {
			w.logger.WithFields(logrus.Fields{"block": n, "error": err}).Warn("l1 watcher failed to fetch block, will retry next poll")
			return
		}

		w.mu.Lock()
		prevHash, seen := w.observed[n]
		if seen && prevHash != ref.Hash && n <= mark {
			w.mu.Unlock()
			err := NewError(ErrStateDiverged, "L1Watcher.poll", "reorg observed at or behind already-final block", nil)
			w.logger.WithField("block", n).Error("fatal: L1 reorg behind finality window, halting")
			if w.onFatal != nil {
				w.onFatal(err)
			}
			return
		}
		w.observed[n] = ref.Hash
		if n > mark {
			w.highWaterMark = n
		}
		w.mu.Unlock()

		if n > mark && w.onFinal != nil {
			w.onFinal(ref)
		}
	}
}
