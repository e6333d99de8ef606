package core

// signer_providers.go – concrete SigningProvider implementations.
// HSMProvider dials an external signing service over gRPC but routes every
// call through a hand-defined stub interface injected by the caller,
// mirroring ai.go's AIStubClient pattern: production wiring supplies a
// codegen'd client, tests inject a fake. EmergencyProvider holds a locally
// resident secp256k1 key for the bounded-usage fallback tier (§4.C).

import (
	"context"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// HSMSignRequest/HSMSignResponse/HSMHealthRequest/HSMHealthResponse are the
// wire shapes for the signing service; the real implementation is generated
// from a .proto definition operated by the HSM vendor and is out of scope
// here (compiled separately, per ai.go's convention).
type HSMSignRequest struct {
	KeyID   string
	Message []byte
}

type HSMSignResponse struct {
	Signature []byte
	KeyID     string
}

type HSMHealthRequest struct{}

type HSMHealthResponse struct{ Healthy bool }

type HSMPublicKeyRequest struct{ KeyID string }

type HSMPublicKeyResponse struct{ PublicKey []byte }

// HSMStubClient is the hand-defined gRPC surface an HSMProvider calls
// through; production wiring supplies a generated client satisfying it.
type HSMStubClient interface {
	Sign(ctx context.Context, req *HSMSignRequest) (*HSMSignResponse, error)
	Health(ctx context.Context, req *HSMHealthRequest) (*HSMHealthResponse, error)
	PublicKey(ctx context.Context, req *HSMPublicKeyRequest) (*HSMPublicKeyResponse, error)
}

// HSMProvider is a SigningProvider backed by an external HSM/KMS reached
// over gRPC. keyID identifies the key the HSM holds on its side; rotation
// swaps this field under lock (signer_rotation.go).
type HSMProvider struct {
	mu     sync.RWMutex
	conn   *grpc.ClientConn
	client HSMStubClient
	keyID  string
}

// NewHSMProvider dials endpoint and wraps client for the named key. client
// is injected rather than constructed here so tests never need a live HSM.
func NewHSMProvider(endpoint string, client HSMStubClient, keyID string) (*HSMProvider, error) {
	conn, err := grpc.Dial(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, NewError(ErrNoSigner, "NewHSMProvider", "dial HSM endpoint", err)
	}
	return &HSMProvider{conn: conn, client: client, keyID: keyID}, nil
}

func (p *HSMProvider) Sign(ctx context.Context, msg []byte) ([]byte, string, error) {
	p.mu.RLock()
	keyID := p.keyID
	p.mu.RUnlock()
	resp, err := p.client.Sign(ctx, &HSMSignRequest{KeyID: keyID, Message: msg})
	if err != nil {
		return nil, "", NewError(ErrNoSigner, "HSMProvider.Sign", "HSM sign call failed", err)
	}
	return resp.Signature, resp.KeyID, nil
}

// Verify recovers the signer address from an Ethereum-style recoverable
// signature and compares it against the HSM-reported public key for keyID.
func (p *HSMProvider) Verify(msg, sig []byte, keyID string) (bool, error) {
	pub, err := p.PublicKey(keyID)
	if err != nil {
		return false, err
	}
	hash := ContentHash(msg)
	recovered, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return false, nil
	}
	return string(crypto.FromECDSAPub(recovered)) == string(pub), nil
}

func (p *HSMProvider) PublicKey(keyID string) ([]byte, error) {
	resp, err := p.client.PublicKey(context.Background(), &HSMPublicKeyRequest{KeyID: keyID})
	if err != nil {
		return nil, NewError(ErrNoSigner, "HSMProvider.PublicKey", "HSM public key lookup failed", err)
	}
	return resp.PublicKey, nil
}

func (p *HSMProvider) IsAvailable(ctx context.Context) bool {
	resp, err := p.client.Health(ctx, &HSMHealthRequest{})
	return err == nil && resp.Healthy
}

func (p *HSMProvider) Close() error {
	return p.conn.Close()
}

// swapKeyID is called by the rotation scheduler once a new key has been
// provisioned on the HSM side and the overlap window has elapsed.
func (p *HSMProvider) swapKeyID(newKeyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyID = newKeyID
}

// EmergencyProvider is a locally held secp256k1 key used only once the
// Primary and Secondary HSM tiers are both unavailable; its usage is
// bounded by the supervisor's emergency budget, not by this type.
type EmergencyProvider struct {
	mu      sync.RWMutex
	priv    *secp256k1.PrivateKey
	keyID   string
	healthy bool
}

// NewEmergencyProvider wraps a key that operators provision out of band
// (§4.C: emergency keys are never derived or rotated automatically).
func NewEmergencyProvider(priv *secp256k1.PrivateKey, keyID string) *EmergencyProvider {
	return &EmergencyProvider{priv: priv, keyID: keyID, healthy: true}
}

func (p *EmergencyProvider) Sign(ctx context.Context, msg []byte) ([]byte, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.healthy {
		return nil, "", NewError(ErrNoSigner, "EmergencyProvider.Sign", "emergency key disabled", nil)
	}
	hash := ContentHash(msg)
	sig := ecdsa.Sign(p.priv, hash[:])
	return sig.Serialize(), p.keyID, nil
}

func (p *EmergencyProvider) Verify(msg, sigBytes []byte, keyID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if keyID != p.keyID {
		return false, fmt.Errorf("unknown emergency key id %q", keyID)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false, nil
	}
	hash := ContentHash(msg)
	return sig.Verify(hash[:], p.priv.PubKey()), nil
}

func (p *EmergencyProvider) PublicKey(keyID string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if keyID != p.keyID {
		return nil, fmt.Errorf("unknown emergency key id %q", keyID)
	}
	return p.priv.PubKey().SerializeCompressed(), nil
}

func (p *EmergencyProvider) IsAvailable(ctx context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

// Disable marks the emergency key unusable, e.g. after an operator
// determines it was exposed during an incident.
func (p *EmergencyProvider) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = false
}

func (p *EmergencyProvider) Close() error { return nil }
