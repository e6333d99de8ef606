package core

import (
	"context"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func TestEmergencyProviderSignAndVerify(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	p := NewEmergencyProvider(priv, "emergency-1")

	sig, keyID, err := p.Sign(context.Background(), []byte("msg"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if keyID != "emergency-1" {
		t.Fatalf("expected key id emergency-1, got %q", keyID)
	}
	ok, err := p.Verify([]byte("msg"), sig, keyID)
	if err != nil || !ok {
		t.Fatalf("expected the signature to verify, ok=%v err=%v", ok, err)
	}
	if ok, _ := p.Verify([]byte("different"), sig, keyID); ok {
		t.Fatal("expected verification to fail against a different message")
	}
}

func TestEmergencyProviderDisable(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	p := NewEmergencyProvider(priv, "emergency-1")
	if !p.IsAvailable(context.Background()) {
		t.Fatal("expected a fresh emergency provider to be available")
	}
	p.Disable()
	if p.IsAvailable(context.Background()) {
		t.Fatal("expected Disable to mark the provider unavailable")
	}
	if _, _, err := p.Sign(context.Background(), []byte("msg")); !IsKind(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner once disabled, got %v", err)
	}
}

// fakeHSMStub is an in-process HSMStubClient for exercising HSMProvider
// without a live HSM connection.
type fakeHSMStub struct {
	healthy bool
	keyID   string
	pubKey  []byte
	sig     []byte
}

func (f *fakeHSMStub) Sign(ctx context.Context, req *HSMSignRequest) (*HSMSignResponse, error) {
	return &HSMSignResponse{Signature: f.sig, KeyID: req.KeyID}, nil
}
func (f *fakeHSMStub) Health(ctx context.Context, req *HSMHealthRequest) (*HSMHealthResponse, error) {
	return &HSMHealthResponse{Healthy: f.healthy}, nil
}
func (f *fakeHSMStub) PublicKey(ctx context.Context, req *HSMPublicKeyRequest) (*HSMPublicKeyResponse, error) {
	return &HSMPublicKeyResponse{PublicKey: f.pubKey}, nil
}

func TestHSMProviderSignAndAvailability(t *testing.T) {
	stub := &fakeHSMStub{healthy: true, sig: []byte{0xde, 0xad}}
	p, err := NewHSMProvider("127.0.0.1:0", stub, "key-1")
	if err != nil {
		t.Fatalf("NewHSMProvider: %v", err)
	}
	defer p.Close()

	sig, keyID, err := p.Sign(context.Background(), []byte("msg"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if keyID != "key-1" || string(sig) != string(stub.sig) {
		t.Fatalf("expected the stub's signature and key id to pass through, got %q %q", sig, keyID)
	}
	if !p.IsAvailable(context.Background()) {
		t.Fatal("expected IsAvailable to reflect the stub's healthy response")
	}

	stub.healthy = false
	if p.IsAvailable(context.Background()) {
		t.Fatal("expected IsAvailable to reflect the stub's unhealthy response")
	}
}
