package core

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/mr-tron/base58"
)

type fakeSettlementTransport struct {
	fail    bool
	receipt SettlementReceipt
}

func (f *fakeSettlementTransport) SubmitBatch(ctx context.Context, encoded []byte, chain SettlementChain) (SettlementReceipt, error) {
	if f.fail {
		return SettlementReceipt{}, errors.New("rpc down")
	}
	return f.receipt, nil
}

func TestSettlementSenderSendSuccess(t *testing.T) {
	clock := newFakeClock(time.Now())
	transport := &fakeSettlementTransport{receipt: SettlementReceipt{TxHash: "0xabc", Chain: ChainEVM}}
	sender := NewSettlementSender(transport, testFabric(clock), silentLogger())

	batch := NewBatch(nil, [32]byte{1}, [32]byte{2}, "seq-1", clock.Now(), clock.Now().Add(time.Hour))
	batch.SequencerSig = []byte{0xAA}
	receipt, err := sender.Send(context.Background(), batch, ChainEVM)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if receipt.TxHash != "0xabc" {
		t.Fatalf("expected the transport's receipt to pass through, got %q", receipt.TxHash)
	}
}

func TestSettlementSenderSendFailurePropagates(t *testing.T) {
	clock := newFakeClock(time.Now())
	transport := &fakeSettlementTransport{fail: true}
	sender := NewSettlementSender(transport, testFabric(clock), silentLogger())

	batch := NewBatch(nil, [32]byte{1}, [32]byte{2}, "seq-1", clock.Now(), clock.Now().Add(time.Hour))
	batch.SequencerSig = []byte{0xAA}
	if _, err := sender.Send(context.Background(), batch, ChainEVM); err == nil {
		t.Fatal("expected the transport's failure to propagate")
	}
}

func TestReceiptLabelFormatsPerChain(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03}
	hexHash := hex.EncodeToString(raw)

	evm := receiptLabel(SettlementReceipt{TxHash: hexHash}, ChainEVM)
	if evm != hexHash {
		t.Fatalf("expected the EVM receipt label to stay hex, got %q", evm)
	}

	solana := receiptLabel(SettlementReceipt{TxHash: hexHash}, ChainSolanaFamily)
	if solana != base58.Encode(raw) {
		t.Fatalf("expected the Solana-family receipt label to be base58-encoded, got %q", solana)
	}
}
