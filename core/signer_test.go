package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeProvider is a minimal SigningProvider whose availability and failure
// behavior a test can flip at will.
type fakeProvider struct {
	keyID     string
	fail      bool
	available bool
	signed    int
}

func (p *fakeProvider) Sign(ctx context.Context, msg []byte) ([]byte, string, error) {
	if p.fail {
		return nil, "", errors.New("provider unavailable")
	}
	p.signed++
	return append([]byte{1, 2, 3}, msg...), p.keyID, nil
}
func (p *fakeProvider) Verify(msg, sig []byte, keyID string) (bool, error) { return true, nil }
func (p *fakeProvider) PublicKey(keyID string) ([]byte, error)            { return []byte("pub"), nil }
func (p *fakeProvider) IsAvailable(ctx context.Context) bool              { return p.available }
func (p *fakeProvider) Close() error                                      { return nil }

func testFabric(clock Clock) *FabricContext {
	return NewFabricContext(RetryPolicy{MaxRetries: 0}, BreakerPolicy{FailureThreshold: 1000, Window: time.Minute, ResetTimeout: time.Second}, clock)
}

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// TestSigningSupervisorFailsOverToSecondary exercises §8's HSM scenario:
// the primary fails, the secondary serves the request within the same
// call, and the active index moves to Secondary.
func TestSigningSupervisorFailsOverToSecondary(t *testing.T) {
	clock := newFakeClock(time.Now())
	primary := &fakeProvider{keyID: "primary", fail: true, available: false}
	secondary := &fakeProvider{keyID: "secondary", available: true}
	sup := NewSigningSupervisor(primary, secondary, nil, 10, time.Hour, time.Hour, clock, silentLogger())

	_, keyID, err := sup.Sign(testFabric(clock), []byte("msg"))
	if err != nil {
		t.Fatalf("expected failover to the secondary to succeed, got %v", err)
	}
	if keyID != "secondary" {
		t.Fatalf("expected the secondary's key id, got %q", keyID)
	}
	if sup.ActiveIndex() != RoleSecondary {
		t.Fatal("active index must move to Secondary after a primary failure")
	}
}

func TestSigningSupervisorEmergencyBudgetExhausted(t *testing.T) {
	clock := newFakeClock(time.Now())
	primary := &fakeProvider{keyID: "primary", fail: true}
	secondary := &fakeProvider{keyID: "secondary", fail: true}
	emergency := &fakeProvider{keyID: "emergency", available: true}
	sup := NewSigningSupervisor(primary, secondary, emergency, 1, time.Hour, time.Hour, clock, silentLogger())

	if _, _, err := sup.Sign(testFabric(clock), []byte("first")); err != nil {
		t.Fatalf("expected the first emergency signature to succeed, got %v", err)
	}
	if sup.ActiveIndex() != RoleEmergency {
		t.Fatal("active index must move to Emergency once primary and secondary both fail")
	}

	if _, _, err := sup.Sign(testFabric(clock), []byte("second")); !IsKind(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner once the emergency transaction budget is exhausted, got %v", err)
	}
}

func TestSigningSupervisorEmergencyTimeBudgetExhausted(t *testing.T) {
	clock := newFakeClock(time.Now())
	primary := &fakeProvider{keyID: "primary", fail: true}
	emergency := &fakeProvider{keyID: "emergency", available: true}
	sup := NewSigningSupervisor(primary, nil, emergency, 1000, time.Minute, time.Hour, clock, silentLogger())

	if _, _, err := sup.Sign(testFabric(clock), []byte("first")); err != nil {
		t.Fatalf("expected the first emergency signature to succeed, got %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, _, err := sup.Sign(testFabric(clock), []byte("second")); !IsKind(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner once the emergency time budget elapses, got %v", err)
	}
}

func TestSigningSupervisorAuditTrailRecordsEmergencyUse(t *testing.T) {
	clock := newFakeClock(time.Now())
	primary := &fakeProvider{keyID: "primary", fail: true}
	emergency := &fakeProvider{keyID: "emergency", available: true}
	sup := NewSigningSupervisor(primary, nil, emergency, 10, time.Hour, time.Hour, clock, silentLogger())

	if _, _, err := sup.Sign(testFabric(clock), []byte("msg")); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	trail := sup.AuditTrail()
	if len(trail) != 1 || trail[0].KeyID != "emergency" {
		t.Fatalf("expected one audit record naming the emergency key, got %+v", trail)
	}
}

func TestSigningSupervisorAllProvidersDown(t *testing.T) {
	clock := newFakeClock(time.Now())
	primary := &fakeProvider{keyID: "primary", fail: true}
	secondary := &fakeProvider{keyID: "secondary", fail: true}
	sup := NewSigningSupervisor(primary, secondary, nil, 10, time.Hour, time.Hour, clock, silentLogger())

	if _, _, err := sup.Sign(testFabric(clock), []byte("msg")); !IsKind(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner when every configured provider is down, got %v", err)
	}
}
