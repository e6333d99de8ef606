package core

// raft_snapshot.go – snapshot encoding and the compaction threshold check
// (component D). TakeSnapshot copies the state machine's account data with
// the Raft metadata of where it was taken, ShouldSnapshot reports when the
// log has grown snapshot_threshold_entries (§6) past the last compaction
// point, and raft.go's HandleInstallSnapshot installs a snapshot a peer
// sends. No node code path calls TakeSnapshot or ShouldSnapshot, and the
// leader never sends InstallSnapshot to a lagging follower.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Snapshot is a point-in-time, self-describing copy of the state machine
// sufficient to resume replication without replaying the compacted log.
type Snapshot struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Root              [32]byte
	Accounts          []snapshotAccount
}

type snapshotAccount struct {
	Addr    [20]byte
	Nonce   uint64
	Balance map[[32]byte][]byte // asset id -> big-endian 32-byte amount
}

// TakeSnapshot serializes sm's current account map alongside the Raft
// metadata describing where in the log it was taken.
func TakeSnapshot(sm *StateMachine, lastIncludedIndex, lastIncludedTerm uint64) *Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	snap := &Snapshot{
		LastIncludedIndex: lastIncludedIndex,
		LastIncludedTerm:  lastIncludedTerm,
		Root:              sm.index.Root(),
	}
	for addr, acc := range sm.accounts {
		sa := snapshotAccount{Addr: addr, Nonce: acc.Nonce, Balance: make(map[[32]byte][]byte, len(acc.Balance))}
		for asset, bal := range acc.Balance {
			b := bal.Bytes32()
			sa.Balance[asset] = b[:]
		}
		snap.Accounts = append(snap.Accounts, sa)
	}
	return snap
}

// Encode produces a deterministic byte encoding suitable for transfer over
// InstallSnapshot and for on-disk persistence.
func (s *Snapshot) Encode() []byte {
	buf := make([]byte, 0, 64+len(s.Accounts)*64)
	idx := make([]byte, 8)
	binary.BigEndian.PutUint64(idx, s.LastIncludedIndex)
	buf = append(buf, idx...)
	term := make([]byte, 8)
	binary.BigEndian.PutUint64(term, s.LastIncludedTerm)
	buf = append(buf, term...)
	buf = append(buf, s.Root[:]...)
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(s.Accounts)))
	buf = append(buf, count...)
	accounts := append([]snapshotAccount(nil), s.Accounts...)
	sort.Slice(accounts, func(i, j int) bool { return bytes.Compare(accounts[i].Addr[:], accounts[j].Addr[:]) < 0 })
	for _, acc := range accounts {
		buf = append(buf, acc.Addr[:]...)
		n := make([]byte, 8)
		binary.BigEndian.PutUint64(n, acc.Nonce)
		buf = append(buf, n...)
		assetCount := make([]byte, 4)
		binary.BigEndian.PutUint32(assetCount, uint32(len(acc.Balance)))
		buf = append(buf, assetCount...)
		assets := make([][32]byte, 0, len(acc.Balance))
		for asset := range acc.Balance {
			assets = append(assets, asset)
		}
		sort.Slice(assets, func(i, j int) bool { return bytes.Compare(assets[i][:], assets[j][:]) < 0 })
		for _, asset := range assets {
			buf = append(buf, asset[:]...)
			buf = append(buf, acc.Balance[asset]...)
		}
	}
	return buf
}

// DecodeSnapshot parses the encoding produced by Encode.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < 8+8+32+4 {
		return nil, fmt.Errorf("snapshot too short: %d bytes", len(data))
	}
	s := &Snapshot{}
	s.LastIncludedIndex = binary.BigEndian.Uint64(data[0:8])
	s.LastIncludedTerm = binary.BigEndian.Uint64(data[8:16])
	copy(s.Root[:], data[16:48])
	count := binary.BigEndian.Uint32(data[48:52])
	off := 52
	for i := uint32(0); i < count; i++ {
		if off+20+8+4 > len(data) {
			return nil, fmt.Errorf("snapshot truncated at account %d", i)
		}
		var acc snapshotAccount
		copy(acc.Addr[:], data[off:off+20])
		off += 20
		acc.Nonce = binary.BigEndian.Uint64(data[off : off+8])
		off += 8
		assetCount := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		acc.Balance = make(map[[32]byte][]byte, assetCount)
		for j := uint32(0); j < assetCount; j++ {
			if off+32+32 > len(data) {
				return nil, fmt.Errorf("snapshot truncated at asset %d of account %d", j, i)
			}
			var asset [32]byte
			copy(asset[:], data[off:off+32])
			off += 32
			bal := append([]byte(nil), data[off:off+32]...)
			off += 32
			acc.Balance[asset] = bal
		}
		s.Accounts = append(s.Accounts, acc)
	}
	return s, nil
}

// ShouldSnapshot reports whether the log has grown enough past the last
// compaction point to justify taking a new snapshot (§6
// snapshot_threshold_entries).
func ShouldSnapshot(log *Log, threshold uint64) bool {
	return log.LastIndex()-log.SnapshotIndex() >= threshold
}
