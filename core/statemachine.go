package core

// statemachine.go – the deterministic state machine (component E). apply is
// a pure function of (state, tx): given identical pre-state and transaction,
// every replica produces byte-identical post-state. The state machine owns
// the authoritative account map and mirrors every applied transaction into
// the authenticated Merkle index (component B).
//
// Open question resolved (§9, §4.E): a rejected transaction never advances
// the sender's nonce. The batch builder filters rejects out at build time
// where possible; an apply-time rejection is recorded as a dead letter
// instead of mutating the sender's nonce.

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountState is exclusively owned by the StateMachine; a read-only
// projection is published to the resilience fabric's cache (§3).
type AccountState struct {
	Balance     map[[32]byte]*uint256.Int // per asset id
	Nonce       uint64
	LastUpdated int64 // wall millis
}

func newAccountState() *AccountState {
	return &AccountState{Balance: make(map[[32]byte]*uint256.Int)}
}

func (a *AccountState) balanceOf(asset [32]byte) *uint256.Int {
	if b, ok := a.Balance[asset]; ok {
		return b
	}
	return uint256.NewInt(0)
}

// DeadLetter records a transaction that was rejected at apply time rather
// than filtered out by the batch builder (§4.E).
type DeadLetter struct {
	Tx     *Transaction
	Reason Outcome
}

// StateMachine is the single writer of the account map, per §5's shared
// resource model. Apply runs single-threaded, in strict log order, between
// commitIndex updates.
type StateMachine struct {
	mu       sync.Mutex
	accounts map[common.Address]*AccountState
	index    *MerkleIndex
	leafOf   map[common.Address]uint64 // account -> Merkle leaf index
	clock    Clock

	deadLetters []DeadLetter
}

// NewStateMachine constructs a state machine backed by the given
// authenticated state index.
func NewStateMachine(index *MerkleIndex, clock Clock) *StateMachine {
	return &StateMachine{
		accounts: make(map[common.Address]*AccountState),
		index:    index,
		leafOf:   make(map[common.Address]uint64),
		clock:    clock,
	}
}

// Clone returns an independent state machine starting from the exact same
// account and index contents, for the batch builder to stage a candidate
// batch against without mutating the authoritative copy before commit
// (§4.D/§4.E). The clone's dead-letter history starts empty since it is
// disposable.
func (sm *StateMachine) Clone() *StateMachine {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	accounts := make(map[common.Address]*AccountState, len(sm.accounts))
	for addr, acc := range sm.accounts {
		cp := &AccountState{
			Balance:     make(map[[32]byte]*uint256.Int, len(acc.Balance)),
			Nonce:       acc.Nonce,
			LastUpdated: acc.LastUpdated,
		}
		for asset, bal := range acc.Balance {
			cp.Balance[asset] = new(uint256.Int).Set(bal)
		}
		accounts[addr] = cp
	}
	leafOf := make(map[common.Address]uint64, len(sm.leafOf))
	for addr, leaf := range sm.leafOf {
		leafOf[addr] = leaf
	}
	return &StateMachine{
		accounts: accounts,
		index:    sm.index.Clone(),
		leafOf:   leafOf,
		clock:    sm.clock,
	}
}

// Account returns a copy of the account state for addr, or a zero-value
// account if none exists yet. Safe for concurrent read access.
func (sm *StateMachine) Account(addr common.Address) AccountState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	acc, ok := sm.accounts[addr]
	if !ok {
		return AccountState{Balance: map[[32]byte]*uint256.Int{}}
	}
	cp := AccountState{Balance: make(map[[32]byte]*uint256.Int, len(acc.Balance)), Nonce: acc.Nonce, LastUpdated: acc.LastUpdated}
	for k, v := range acc.Balance {
		cp.Balance[k] = new(uint256.Int).Set(v)
	}
	return cp
}

// Apply is the pure apply(state, tx) -> (state', outcome) function from
// §4.E, mutating the authoritative account map and the Merkle index as a
// side effect of this single-threaded call. It never advances the sender's
// nonce on rejection.
func (sm *StateMachine) Apply(tx *Transaction) Outcome {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	if tx.IsExpired(now) {
		sm.deadLetters = append(sm.deadLetters, DeadLetter{Tx: tx, Reason: RejectedExpired})
		return RejectedExpired
	}
	if err := tx.ValidateStatic(); err != nil {
		sm.deadLetters = append(sm.deadLetters, DeadLetter{Tx: tx, Reason: RejectedBadSignature})
		return RejectedBadSignature
	}

	sender := sm.getOrCreate(tx.Sender)
	if tx.Nonce != sender.Nonce+1 {
		sm.deadLetters = append(sm.deadLetters, DeadLetter{Tx: tx, Reason: RejectedBadNonce})
		return RejectedBadNonce
	}

	switch tx.Kind {
	case TxTransfer, TxWithdrawal:
		bal := sender.balanceOf(tx.AssetId)
		total := new(uint256.Int).Add(tx.Amount, tx.Fee)
		if bal.Lt(total) {
			sm.deadLetters = append(sm.deadLetters, DeadLetter{Tx: tx, Reason: RejectedInsufficientBalance})
			return RejectedInsufficientBalance
		}
		sender.Balance[tx.AssetId] = new(uint256.Int).Sub(bal, total)
		if tx.Kind == TxTransfer {
			recipient := sm.getOrCreate(tx.Recipient)
			recipient.Balance[tx.AssetId] = new(uint256.Int).Add(recipient.balanceOf(tx.AssetId), tx.Amount)
			recipient.LastUpdated = now.UnixMilli()
			sm.mirror(tx.Recipient, recipient)
		}
	case TxDeposit:
		recipient := sm.getOrCreate(tx.Recipient)
		recipient.Balance[tx.AssetId] = new(uint256.Int).Add(recipient.balanceOf(tx.AssetId), tx.Amount)
		recipient.LastUpdated = now.UnixMilli()
		sm.mirror(tx.Recipient, recipient)
	}

	sender.Nonce = tx.Nonce
	sender.LastUpdated = now.UnixMilli()
	sm.mirror(tx.Sender, sender)
	return Applied
}

func (sm *StateMachine) getOrCreate(addr common.Address) *AccountState {
	acc, ok := sm.accounts[addr]
	if !ok {
		acc = newAccountState()
		sm.accounts[addr] = acc
	}
	return acc
}

// mirror reflects an applied account mutation as a leaf update in the
// Merkle index, assigning a fresh leaf on first touch (§4.E: "calls B to
// reflect each applied transaction as a leaf mutation").
func (sm *StateMachine) mirror(addr common.Address, acc *AccountState) {
	encoded := sm.encodeAccount(addr, acc)
	if leaf, ok := sm.leafOf[addr]; ok {
		_ = sm.index.UpdateLeaf(leaf, encoded)
		return
	}
	leaf, err := sm.index.AddLeaf(encoded)
	if err == nil {
		sm.leafOf[addr] = leaf
	}
}

// encodeAccount must produce byte-identical output for byte-identical
// account contents regardless of Go's randomized map iteration order, since
// its output becomes a Merkle leaf every replica must agree on. Asset keys
// are sorted before encoding for that reason.
func (sm *StateMachine) encodeAccount(addr common.Address, acc *AccountState) []byte {
	buf := append([]byte(nil), addr.Bytes()...)
	assets := make([][32]byte, 0, len(acc.Balance))
	for asset := range acc.Balance {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return bytes.Compare(assets[i][:], assets[j][:]) < 0 })
	for _, asset := range assets {
		b := acc.Balance[asset].Bytes32()
		buf = append(buf, asset[:]...)
		buf = append(buf, b[:]...)
	}
	return buf
}

// ApplyBatch applies every transaction in a batch, in order, verifying that
// the resulting root matches the batch's declared post-state root (§3's
// batch invariant).
func (sm *StateMachine) ApplyBatch(b *Batch) ([]Outcome, error) {
	outcomes := make([]Outcome, len(b.Transactions))
	for i, tx := range b.Transactions {
		outcomes[i] = sm.Apply(tx)
	}
	root := sm.index.Root()
	if root != b.PostStateRoot {
		return outcomes, NewError(ErrStateDiverged, "ApplyBatch", "post-state root mismatch", nil)
	}
	return outcomes, nil
}

// DeadLetters returns a copy of the recorded apply-time rejections.
func (sm *StateMachine) DeadLetters() []DeadLetter {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]DeadLetter(nil), sm.deadLetters...)
}

// Root returns the current authenticated state root.
func (sm *StateMachine) Root() [32]byte {
	return sm.index.Root()
}
