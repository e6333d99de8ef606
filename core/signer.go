package core

// signer.go – the signing kernel (component C). A SigningSupervisor holds
// an ordered [Primary, Secondary, Emergency] provider chain. Sign tries the
// active provider first; on failure it advances to the next provider in
// the chain and records the failover, never retrying a provider that just
// failed within the same call. A background probe periodically attempts to
// re-home onto a higher-priority provider once it reports healthy again.
// The Emergency provider is usage-bounded (transaction count and wall
// time) and every signature it produces is appended to an immutable audit
// log, per §4.C.

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SigningProvider is the capability surface every provider in the chain
// implements — production providers are HSM-fronted (signer_providers.go);
// the emergency tier is a locally held key bounded by usage (signer_providers.go).
type SigningProvider interface {
	Sign(ctx context.Context, msg []byte) (sig []byte, keyID string, err error)
	Verify(msg, sig []byte, keyID string) (bool, error)
	PublicKey(keyID string) ([]byte, error)
	IsAvailable(ctx context.Context) bool
	Close() error
}

// ProviderRole names a position in the failover chain.
type ProviderRole int

const (
	RolePrimary ProviderRole = iota
	RoleSecondary
	RoleEmergency
)

func (r ProviderRole) String() string {
	switch r {
	case RolePrimary:
		return "Primary"
	case RoleSecondary:
		return "Secondary"
	case RoleEmergency:
		return "Emergency"
	default:
		return "Unknown"
	}
}

// AuditRecord is one immutable entry in the emergency-provider audit log.
type AuditRecord struct {
	At      time.Time
	KeyID   string
	MsgHash [32]byte
}

// SigningSupervisor enforces the Primary/Secondary/Emergency failover
// policy and the Emergency provider's usage bounds.
type SigningSupervisor struct {
	mu        sync.Mutex
	providers [3]SigningProvider
	active    ProviderRole

	lastFailoverAt time.Time
	clock          Clock
	logger         *logrus.Logger

	emergencyBudgetTxs   int
	emergencyBudgetTime  time.Duration
	emergencyUsedTxs     int
	emergencyActivatedAt time.Time
	auditLog             []AuditRecord

	probeInterval time.Duration
	probing       bool
	stop          chan struct{}
}

// NewSigningSupervisor constructs a supervisor over the ordered chain. Any
// provider may be nil if not configured; Sign skips nil entries.
func NewSigningSupervisor(primary, secondary, emergency SigningProvider, emergencyBudgetTxs int, emergencyBudgetTime time.Duration, probeInterval time.Duration, clock Clock, logger *logrus.Logger) *SigningSupervisor {
	return &SigningSupervisor{
		providers:           [3]SigningProvider{primary, secondary, emergency},
		active:              RolePrimary,
		clock:               clock,
		logger:              logger,
		emergencyBudgetTxs:  emergencyBudgetTxs,
		emergencyBudgetTime: emergencyBudgetTime,
		probeInterval:       probeInterval,
		stop:                make(chan struct{}),
	}
}

// ActiveIndex reports which chain position is currently serving Sign calls.
func (s *SigningSupervisor) ActiveIndex() ProviderRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastFailoverAt reports when the supervisor last moved off the primary.
func (s *SigningSupervisor) LastFailoverAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailoverAt
}

// Sign attempts the active provider, and on failure walks forward through
// the remaining chain within this single call (§4.C: "failover happens
// within the request, callers never see an individual provider's error
// unless every remaining provider is also down").
func (s *SigningSupervisor) Sign(ctx *FabricContext, msg []byte) ([]byte, string, error) {
	s.mu.Lock()
	start := s.active
	s.mu.Unlock()

	var lastErr error
	for role := start; role <= RoleEmergency; role++ {
		s.mu.Lock()
		p := s.providers[role]
		s.mu.Unlock()
		if p == nil {
			continue
		}
		if role == RoleEmergency {
			if blocked, reason := s.emergencyExhausted(); blocked {
				lastErr = NewError(ErrNoSigner, "Sign", reason, lastErr)
				continue
			}
		}

		var sig []byte
		var keyID string
		err := ctx.Guard(context.Background(), "signer."+role.String(), func(c context.Context) error {
			var e error
			sig, keyID, e = p.Sign(c, msg)
			return e
		})
		if err != nil {
			lastErr = err
			s.logger.WithFields(logrus.Fields{"role": role.String(), "error": err}).Warn("signing provider failed, advancing failover chain")
			continue
		}

		s.mu.Lock()
		if role != s.active {
			s.active = role
			s.lastFailoverAt = s.clock.Now()
			if role == RoleEmergency {
				s.emergencyActivatedAt = s.clock.Now()
			}
		}
		if role == RoleEmergency {
			s.emergencyUsedTxs++
			s.auditLog = append(s.auditLog, AuditRecord{At: s.clock.Now(), KeyID: keyID, MsgHash: ContentHash(msg)})
		}
		s.mu.Unlock()
		return sig, keyID, nil
	}
	return nil, "", NewError(ErrNoSigner, "Sign", "all signing providers exhausted", lastErr)
}

// emergencyExhausted reports whether the emergency provider's transaction
// count or wall-time budget has been used up since activation.
func (s *SigningSupervisor) emergencyExhausted() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergencyActivatedAt.IsZero() {
		return false, ""
	}
	if s.emergencyUsedTxs >= s.emergencyBudgetTxs {
		return true, "emergency provider transaction budget exhausted"
	}
	if s.clock.Now().Sub(s.emergencyActivatedAt) >= s.emergencyBudgetTime {
		return true, "emergency provider time budget exhausted"
	}
	return false, ""
}

// AuditTrail returns a copy of the emergency-provider usage log.
func (s *SigningSupervisor) AuditTrail() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditRecord(nil), s.auditLog...)
}

// EnsureProbing starts the background re-homing probe if it is not already
// running. Safe to call repeatedly.
func (s *SigningSupervisor) EnsureProbing() {
	s.mu.Lock()
	if s.probing {
		s.mu.Unlock()
		return
	}
	s.probing = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.tryRehome()
			}
		}
	}()
}

// tryRehome atomically drain-then-swaps back to the highest-priority
// provider that reports available, per §4.C's re-homing rule.
func (s *SigningSupervisor) tryRehome() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.mu.Lock()
	current := s.active
	s.mu.Unlock()
	if current == RolePrimary {
		return
	}
	for role := ProviderRole(0); role < current; role++ {
		s.mu.Lock()
		p := s.providers[role]
		s.mu.Unlock()
		if p == nil || !p.IsAvailable(ctx) {
			continue
		}
		s.mu.Lock()
		s.active = role
		s.mu.Unlock()
		s.logger.WithField("role", role.String()).Info("re-homed signing supervisor to higher-priority provider")
		return
	}
}

// Stop ends the background probe loop and closes every configured
// provider.
func (s *SigningSupervisor) Stop() {
	close(s.stop)
	for _, p := range s.providers {
		if p != nil {
			_ = p.Close()
		}
	}
}
