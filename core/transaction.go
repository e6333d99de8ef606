package core

// transaction.go – the Transaction and Batch data model (§3). Sender and
// recipient addresses are EVM-style 20-byte addresses since the bridge's
// user-facing chain is EVM (github.com/ethereum/go-ethereum/common);
// amounts are 256-bit unsigned integers in the asset's smallest unit
// (github.com/holiman/uint256), matching how the settlement contract on the
// EVM side accounts for value.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// TxKind enumerates the three transaction kinds the kernel understands.
type TxKind uint8

const (
	TxDeposit TxKind = iota
	TxTransfer
	TxWithdrawal
)

// Transaction is the wire/data model described in §3. Id is derived from a
// deterministic hash of every other field and must be recomputed whenever a
// field changes — callers use NewTransaction rather than constructing the
// struct directly so Id can never drift from its contents.
type Transaction struct {
	Id        [32]byte
	Sender    common.Address
	Recipient common.Address
	AssetId   [32]byte
	Amount    *uint256.Int
	Nonce     uint64
	Kind      TxKind
	Submitted time.Time
	Expiry    time.Time
	Fee       *uint256.Int
	Memo      []byte
	Signature []byte // 65-byte recoverable ECDSA signature over CanonicalEncoding
}

// NewTransaction builds a Transaction and computes its content-addressed Id.
func NewTransaction(sender, recipient common.Address, assetID [32]byte, amount *uint256.Int, nonce uint64, kind TxKind, submitted, expiry time.Time, fee *uint256.Int, memo, sig []byte) *Transaction {
	tx := &Transaction{
		Sender: sender, Recipient: recipient, AssetId: assetID, Amount: amount,
		Nonce: nonce, Kind: kind, Submitted: submitted, Expiry: expiry, Fee: fee,
		Memo: memo, Signature: sig,
	}
	tx.Id = tx.computeID()
	return tx
}

func (tx *Transaction) computeID() [32]byte {
	return ContentHash(tx.CanonicalEncoding(), tx.Signature)
}

// CanonicalEncoding returns the deterministic byte encoding used for
// signature verification and, followed by the signature, for hashing the
// transaction id. It excludes the signature itself and the
// (not-yet-computed) id.
func (tx *Transaction) CanonicalEncoding() []byte {
	buf := make([]byte, 0, 20+20+32+32+8+8+1+8+8+32+len(tx.Memo))
	buf = append(buf, tx.Sender.Bytes()...)
	buf = append(buf, tx.Recipient.Bytes()...)
	buf = append(buf, tx.AssetId[:]...)
	if tx.Amount != nil {
		amt := tx.Amount.Bytes32()
		buf = append(buf, amt[:]...)
	} else {
		buf = append(buf, make([]byte, 32)...)
	}
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, tx.Nonce)
	buf = append(buf, nb...)
	buf = append(buf, byte(tx.Kind))
	sb := make([]byte, 8)
	binary.BigEndian.PutUint64(sb, uint64(tx.Submitted.UnixMilli()))
	buf = append(buf, sb...)
	eb := make([]byte, 8)
	binary.BigEndian.PutUint64(eb, uint64(tx.Expiry.UnixMilli()))
	buf = append(buf, eb...)
	if tx.Fee != nil {
		fb := tx.Fee.Bytes32()
		buf = append(buf, fb[:]...)
	} else {
		buf = append(buf, make([]byte, 32)...)
	}
	buf = append(buf, tx.Memo...)
	return buf
}

// ValidateStatic checks the invariants that do not require state (§3):
// amount > 0, expiry > submission, and a well-formed signature recoverable
// to Sender.
func (tx *Transaction) ValidateStatic() error {
	if tx.Amount == nil || tx.Amount.IsZero() {
		return NewError(ErrValidation, "ValidateStatic", "amount must be > 0", nil)
	}
	if !tx.Expiry.After(tx.Submitted) {
		return NewError(ErrValidation, "ValidateStatic", "expiry must be after submission", nil)
	}
	if len(tx.Signature) != 65 {
		return NewError(ErrValidation, "ValidateStatic", "signature must be 65 bytes", nil)
	}
	digest := crypto.Keccak256(tx.CanonicalEncoding())
	pub, err := crypto.SigToPub(digest, tx.Signature)
	if err != nil {
		return NewError(ErrValidation, "ValidateStatic", "bad signature", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != tx.Sender {
		return NewError(ErrValidation, "ValidateStatic", "signature does not match sender", nil)
	}
	return nil
}

// IsExpired reports whether tx has expired as of "now".
func (tx *Transaction) IsExpired(now time.Time) bool {
	return now.After(tx.Expiry)
}

// Outcome is the deterministic result of applying a transaction (§4.E).
type Outcome int

const (
	Applied Outcome = iota
	RejectedInsufficientBalance
	RejectedBadNonce
	RejectedBadSignature
	RejectedExpired
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "Applied"
	case RejectedInsufficientBalance:
		return "RejectedInsufficientBalance"
	case RejectedBadNonce:
		return "RejectedBadNonce"
	case RejectedBadSignature:
		return "RejectedBadSignature"
	case RejectedExpired:
		return "RejectedExpired"
	default:
		return "Unknown"
	}
}

// Batch is an ordered list of transactions finalized by the leader and
// carried as a single log entry payload (§3).
type Batch struct {
	Id             [32]byte
	Transactions   []*Transaction
	PreStateRoot   [32]byte
	PostStateRoot  [32]byte
	SequencerID    string
	SequencerSig   []byte
	SequencerKeyID string
	Timestamp      time.Time
	Expiry         time.Time
}

// NewBatch builds a Batch and computes its content-addressed Id from the
// ordered transaction ids and state roots.
func NewBatch(txs []*Transaction, preRoot, postRoot [32]byte, sequencerID string, ts, expiry time.Time) *Batch {
	b := &Batch{
		Transactions:  txs,
		PreStateRoot:  preRoot,
		PostStateRoot: postRoot,
		SequencerID:   sequencerID,
		Timestamp:     ts,
		Expiry:        expiry,
	}
	b.Id = b.computeID()
	return b
}

func (b *Batch) computeID() [32]byte {
	parts := make([][]byte, 0, len(b.Transactions)+2)
	for _, tx := range b.Transactions {
		id := tx.Id
		parts = append(parts, id[:])
	}
	parts = append(parts, b.PreStateRoot[:], b.PostStateRoot[:])
	return ContentHash(parts...)
}

// ReplicationEncoding produces the Raft log payload for this batch. Unlike
// SettlementEncoding, which concatenates CanonicalEncoding across
// transactions with no length prefix on Memo and is therefore one-way, this
// encoding length-prefixes every variable-sized field so DecodeReplicatedBatch
// can reconstruct an identical Batch for sm.ApplyBatch on every replica
// (§4.D/§4.E).
func (b *Batch) ReplicationEncoding() []byte {
	buf := make([]byte, 0, 128+len(b.Transactions)*192)
	buf = append(buf, b.PreStateRoot[:]...)
	buf = append(buf, b.PostStateRoot[:]...)
	buf = appendUint64(buf, uint64(b.Timestamp.UnixMilli()))
	buf = appendUint64(buf, uint64(b.Expiry.UnixMilli()))
	buf = appendLengthPrefixed(buf, []byte(b.SequencerID))
	buf = appendLengthPrefixed(buf, b.SequencerSig)
	buf = appendLengthPrefixed(buf, []byte(b.SequencerKeyID))
	buf = appendUint32(buf, uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		buf = appendLengthPrefixed(buf, tx.replicationEncoding())
	}
	return buf
}

// DecodeReplicatedBatch is the inverse of ReplicationEncoding. The returned
// Batch's Id and each transaction's Id are recomputed from their contents
// exactly as NewBatch/NewTransaction would, rather than carried over the
// wire, so a decoded batch is indistinguishable from one built locally from
// the same inputs.
func DecodeReplicatedBatch(data []byte) (*Batch, error) {
	off := 0
	preRoot, off, err := readFixed(data, off, 32)
	if err != nil {
		return nil, fmt.Errorf("replicated batch: pre-root: %w", err)
	}
	postRoot, off, err := readFixed(data, off, 32)
	if err != nil {
		return nil, fmt.Errorf("replicated batch: post-root: %w", err)
	}
	tsMS, off, err := readUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("replicated batch: timestamp: %w", err)
	}
	expMS, off, err := readUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("replicated batch: expiry: %w", err)
	}
	sequencerID, off, err := readLengthPrefixed(data, off)
	if err != nil {
		return nil, fmt.Errorf("replicated batch: sequencer id: %w", err)
	}
	sig, off, err := readLengthPrefixed(data, off)
	if err != nil {
		return nil, fmt.Errorf("replicated batch: sequencer sig: %w", err)
	}
	keyID, off, err := readLengthPrefixed(data, off)
	if err != nil {
		return nil, fmt.Errorf("replicated batch: sequencer key id: %w", err)
	}
	count, off, err := readUint32(data, off)
	if err != nil {
		return nil, fmt.Errorf("replicated batch: tx count: %w", err)
	}

	txs := make([]*Transaction, 0, count)
	for i := uint32(0); i < count; i++ {
		var raw []byte
		raw, off, err = readLengthPrefixed(data, off)
		if err != nil {
			return nil, fmt.Errorf("replicated batch: transaction %d: %w", i, err)
		}
		tx, err := decodeReplicatedTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("replicated batch: transaction %d: %w", i, err)
		}
		txs = append(txs, tx)
	}

	var pre, post [32]byte
	copy(pre[:], preRoot)
	copy(post[:], postRoot)
	ts := time.UnixMilli(int64(tsMS))
	expiry := time.UnixMilli(int64(expMS))

	batch := NewBatch(txs, pre, post, string(sequencerID), ts, expiry)
	batch.SequencerSig = sig
	batch.SequencerKeyID = string(keyID)
	return batch, nil
}

// replicationEncoding is tx's length-prefixed wire form for
// Batch.ReplicationEncoding, distinct from CanonicalEncoding (which exists
// only for hashing/signing and is not self-delimiting).
func (tx *Transaction) replicationEncoding() []byte {
	buf := make([]byte, 0, 20+20+32+32+8+1+8+8+32+8+len(tx.Memo)+8+len(tx.Signature))
	buf = append(buf, tx.Sender.Bytes()...)
	buf = append(buf, tx.Recipient.Bytes()...)
	buf = append(buf, tx.AssetId[:]...)
	if tx.Amount != nil {
		amt := tx.Amount.Bytes32()
		buf = append(buf, amt[:]...)
	} else {
		buf = append(buf, make([]byte, 32)...)
	}
	buf = appendUint64(buf, tx.Nonce)
	buf = append(buf, byte(tx.Kind))
	buf = appendUint64(buf, uint64(tx.Submitted.UnixMilli()))
	buf = appendUint64(buf, uint64(tx.Expiry.UnixMilli()))
	if tx.Fee != nil {
		fee := tx.Fee.Bytes32()
		buf = append(buf, fee[:]...)
	} else {
		buf = append(buf, make([]byte, 32)...)
	}
	buf = appendLengthPrefixed(buf, tx.Memo)
	buf = appendLengthPrefixed(buf, tx.Signature)
	return buf
}

func decodeReplicatedTransaction(data []byte) (*Transaction, error) {
	off := 0
	senderB, off, err := readFixed(data, off, 20)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	recipientB, off, err := readFixed(data, off, 20)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	assetB, off, err := readFixed(data, off, 32)
	if err != nil {
		return nil, fmt.Errorf("asset id: %w", err)
	}
	amtB, off, err := readFixed(data, off, 32)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	nonce, off, err := readUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	kindB, off, err := readFixed(data, off, 1)
	if err != nil {
		return nil, fmt.Errorf("kind: %w", err)
	}
	submittedMS, off, err := readUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("submitted: %w", err)
	}
	expiryMS, off, err := readUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("expiry: %w", err)
	}
	feeB, off, err := readFixed(data, off, 32)
	if err != nil {
		return nil, fmt.Errorf("fee: %w", err)
	}
	memo, off, err := readLengthPrefixed(data, off)
	if err != nil {
		return nil, fmt.Errorf("memo: %w", err)
	}
	sig, off, err := readLengthPrefixed(data, off)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	var assetID [32]byte
	copy(assetID[:], assetB)
	var amtArr, feeArr [32]byte
	copy(amtArr[:], amtB)
	copy(feeArr[:], feeB)
	amount := new(uint256.Int).SetBytes32(&amtArr)
	fee := new(uint256.Int).SetBytes32(&feeArr)

	tx := NewTransaction(
		common.BytesToAddress(senderB), common.BytesToAddress(recipientB), assetID,
		amount, nonce, TxKind(kindB[0]),
		time.UnixMilli(int64(submittedMS)), time.UnixMilli(int64(expiryMS)),
		fee, memo, sig,
	)
	return tx, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return append(buf, b...)
}

func appendUint32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendLengthPrefixed(buf, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func readFixed(data []byte, off, n int) ([]byte, int, error) {
	if off+n > len(data) {
		return nil, off, fmt.Errorf("truncated at offset %d, need %d bytes", off, n)
	}
	return data[off : off+n], off + n, nil
}

func readUint64(data []byte, off int) (uint64, int, error) {
	b, off, err := readFixed(data, off, 8)
	if err != nil {
		return 0, off, err
	}
	return binary.BigEndian.Uint64(b), off, nil
}

func readUint32(data []byte, off int) (uint32, int, error) {
	b, off, err := readFixed(data, off, 4)
	if err != nil {
		return 0, off, err
	}
	return binary.BigEndian.Uint32(b), off, nil
}

func readLengthPrefixed(data []byte, off int) ([]byte, int, error) {
	n, off, err := readUint32(data, off)
	if err != nil {
		return nil, off, err
	}
	return readFixed(data, off, int(n))
}

// SettlementEncoding produces the exact big-endian payload described in §6:
// 32-byte batch id, 8-byte Unix ms timestamp, 32-byte pre-root, 32-byte
// post-root, 4-byte tx count, canonical-encoded transactions, 32-byte
// sequencer public key id, and (appended by the caller after signing) the
// signature.
func (b *Batch) SettlementEncoding() ([]byte, error) {
	if len(b.SequencerKeyID) != 0 && len(b.SequencerKeyID) > 32 {
		return nil, errors.New("sequencer key id exceeds 32 bytes")
	}
	buf := make([]byte, 0, 32+8+32+32+4)
	buf = append(buf, b.Id[:]...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(b.Timestamp.UnixMilli()))
	buf = append(buf, ts...)
	buf = append(buf, b.PreStateRoot[:]...)
	buf = append(buf, b.PostStateRoot[:]...)
	n := make([]byte, 4)
	binary.BigEndian.PutUint32(n, uint32(len(b.Transactions)))
	buf = append(buf, n...)
	for _, tx := range b.Transactions {
		buf = append(buf, tx.CanonicalEncoding()...)
	}
	var keyID [32]byte
	copy(keyID[:], []byte(b.SequencerKeyID))
	buf = append(buf, keyID[:]...)
	return buf, nil
}
