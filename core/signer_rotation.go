package core

// signer_rotation.go – scheduled key rotation with an overlap window
// (§4.C, §6 rotation_interval_days / overlap_hours). A new key is
// provisioned and registered as verifiable alongside the old one for the
// overlap duration so batches signed just before a rotation still verify,
// then the old key is retired.

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// KeyProvisioner provisions a new key on the HSM side and returns its
// identifier. Production wiring calls into the vendor's key-management API;
// tests inject a fake that returns a deterministic id.
type KeyProvisioner interface {
	ProvisionKey(ctx context.Context) (keyID string, err error)
	RetireKey(ctx context.Context, keyID string) error
}

// overlapEntry tracks a retiring key still valid for verification.
type overlapEntry struct {
	keyID     string
	retireAt  time.Time
}

// RotationScheduler rotates an HSMProvider's active key on a fixed
// interval, keeping the outgoing key valid for verification during the
// overlap window before retiring it.
type RotationScheduler struct {
	mu          sync.Mutex
	provider    *HSMProvider
	provisioner KeyProvisioner
	interval    time.Duration
	overlap     time.Duration
	clock       Clock
	logger      *logrus.Logger

	overlapping []overlapEntry
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewRotationScheduler wires a scheduler for provider.
func NewRotationScheduler(provider *HSMProvider, provisioner KeyProvisioner, interval, overlap time.Duration, clock Clock, logger *logrus.Logger) *RotationScheduler {
	return &RotationScheduler{
		provider:    provider,
		provisioner: provisioner,
		interval:    interval,
		overlap:     overlap,
		clock:       clock,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Run starts the fixed-interval rotation loop and the overlap-window
// sweeper. Call Stop to end both.
func (rs *RotationScheduler) Run() {
	rotateTicker := time.NewTicker(rs.interval)
	sweepTicker := time.NewTicker(time.Minute)
	go func() {
		defer rotateTicker.Stop()
		defer sweepTicker.Stop()
		for {
			select {
			case <-rs.stop:
				return
			case <-rotateTicker.C:
				rs.rotate()
			case <-sweepTicker.C:
				rs.sweepOverlap()
			}
		}
	}()
}

// rotate provisions a fresh key, swaps the provider to it immediately, and
// schedules the outgoing key for retirement after the overlap window.
func (rs *RotationScheduler) rotate() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rs.mu.Lock()
	outgoing := rs.provider.keyID
	rs.mu.Unlock()

	newKeyID, err := rs.provisioner.ProvisionKey(ctx)
	if err != nil {
		rs.logger.WithError(err).Error("key rotation failed to provision a new key, retaining current key")
		return
	}

	rs.provider.swapKeyID(newKeyID)
	rs.mu.Lock()
	rs.overlapping = append(rs.overlapping, overlapEntry{keyID: outgoing, retireAt: rs.clock.Now().Add(rs.overlap)})
	rs.mu.Unlock()
	rs.logger.WithFields(logrus.Fields{"newKeyID": newKeyID, "outgoingKeyID": outgoing}).Info("rotated signing key, outgoing key remains valid through overlap window")
}

// sweepOverlap retires any outgoing keys whose overlap window has elapsed.
func (rs *RotationScheduler) sweepOverlap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := rs.clock.Now()
	rs.mu.Lock()
	var remaining []overlapEntry
	var toRetire []string
	for _, e := range rs.overlapping {
		if now.After(e.retireAt) {
			toRetire = append(toRetire, e.keyID)
		} else {
			remaining = append(remaining, e)
		}
	}
	rs.overlapping = remaining
	rs.mu.Unlock()

	for _, keyID := range toRetire {
		if err := rs.provisioner.RetireKey(ctx, keyID); err != nil {
			rs.logger.WithFields(logrus.Fields{"keyID": keyID, "error": err}).Warn("failed to retire outgoing key after overlap window, will not retry")
			continue
		}
		rs.logger.WithField("keyID", keyID).Info("retired outgoing signing key after overlap window")
	}
}

// Stop ends both scheduler loops.
func (rs *RotationScheduler) Stop() {
	rs.stopOnce.Do(func() { close(rs.stop) })
}
