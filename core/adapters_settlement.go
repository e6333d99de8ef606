package core

// adapters_settlement.go – the settlement sender (component J). Submits a
// finalized, signed Batch to the EVM settlement contract or the
// Solana-family program over an injected transport, retrying through the
// resilience fabric rather than the caller's own loop.

import (
	"context"
	"encoding/hex"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
)

// SettlementChain identifies which side of the bridge a batch settles on.
type SettlementChain int

const (
	ChainEVM SettlementChain = iota
	ChainSolanaFamily
)

// SettlementReceipt is returned once a batch has been accepted by the
// destination chain's mempool (not yet finalized there).
type SettlementReceipt struct {
	TxHash string
	Chain  SettlementChain
}

// SettlementTransport is the capability surface a chain-specific client
// implements; production wiring dials the EVM JSON-RPC endpoint or the
// Solana-family RPC endpoint, tests inject a fake.
type SettlementTransport interface {
	SubmitBatch(ctx context.Context, encoded []byte, chain SettlementChain) (SettlementReceipt, error)
}

// SettlementSender pushes finalized batches to their destination chain.
type SettlementSender struct {
	transport SettlementTransport
	fabric    *FabricContext
	logger    *logrus.Logger
}

// NewSettlementSender wires a sender to its transport and resilience fabric.
func NewSettlementSender(transport SettlementTransport, fabric *FabricContext, logger *logrus.Logger) *SettlementSender {
	return &SettlementSender{transport: transport, fabric: fabric, logger: logger}
}

// Send encodes and submits batch to chain, guarded by retry+breaker.
func (s *SettlementSender) Send(ctx context.Context, batch *Batch, chain SettlementChain) (SettlementReceipt, error) {
	encoded, err := batch.SettlementEncoding()
	if err != nil {
		return SettlementReceipt{}, NewError(ErrValidation, "SettlementSender.Send", "encode batch", err)
	}
	encoded = append(encoded, batch.SequencerSig...)

	var receipt SettlementReceipt
	err = s.fabric.Guard(ctx, "settlement."+chainName(chain), func(c context.Context) error {
		r, e := s.transport.SubmitBatch(c, encoded, chain)
		if e != nil {
			return e
		}
		receipt = r
		return nil
	})
	if err != nil {
		s.logger.WithFields(logrus.Fields{"batch": batch.Id, "chain": chainName(chain), "error": err}).Error("settlement submission failed")
		return SettlementReceipt{}, err
	}
	s.logger.WithFields(logrus.Fields{"batch": batch.Id, "chain": chainName(chain), "txHash": receiptLabel(receipt, chain)}).Info("batch submitted for settlement")
	return receipt, nil
}

func chainName(c SettlementChain) string {
	switch c {
	case ChainEVM:
		return "evm"
	case ChainSolanaFamily:
		return "solana"
	default:
		return "unknown"
	}
}

// receiptLabel renders a receipt's transaction identifier the way its
// destination chain natively displays it: hex on EVM, base58 on the
// Solana-family side.
func receiptLabel(r SettlementReceipt, chain SettlementChain) string {
	if chain != ChainSolanaFamily {
		return r.TxHash
	}
	raw, err := hex.DecodeString(r.TxHash)
	if err != nil {
		return r.TxHash
	}
	return base58.Encode(raw)
}
