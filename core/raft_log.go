package core

// raft_log.go – the replicated log (component D). Entries are 1-indexed;
// index 0 is a sentinel so prevLogIndex=0/prevLogTerm=0 always matches.
// Every entry carries a CRC32 checksum of its payload, computed when the
// entry is created. The log lives in memory only: node.go's persistence
// hook writes currentTerm and votedFor to state_dir, but log entries are
// not written to disk and do not survive a restart.

import (
	"fmt"
	"hash/crc32"
	"sync"
)

// LogEntry is one replicated record. Payload is a batch encoded with
// Batch.ReplicationEncoding for normal entries, or nil for the no-op entry a
// new leader appends in its own term (§4.D's "commit rule").
type LogEntry struct {
	Index    uint64
	Term     uint64
	Payload  []byte
	Checksum uint32
}

func newLogEntry(index, term uint64, payload []byte) LogEntry {
	return LogEntry{Index: index, Term: term, Payload: payload, Checksum: crc32.ChecksumIEEE(payload)}
}

// Verify reports whether the entry's payload matches its recorded checksum,
// guarding against silent corruption of persisted log segments.
func (e LogEntry) Verify() bool {
	return crc32.ChecksumIEEE(e.Payload) == e.Checksum
}

// Log is the in-memory replicated log, indexed so that entries[i] holds
// log index snapshotIndex+i+1.
type Log struct {
	mu             sync.RWMutex
	entries        []LogEntry
	snapshotIndex  uint64 // last index compacted into the snapshot
	snapshotTerm   uint64
}

// NewLog constructs an empty log.
func NewLog() *Log {
	return &Log{}
}

// LastIndex returns the index of the last entry, or the snapshot index if
// the log has been fully compacted.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *Log) lastIndexLocked() uint64 {
	if len(l.entries) == 0 {
		return l.snapshotIndex
	}
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the last entry, or the snapshot term.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return l.snapshotTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at index, or (0, false) if index
// precedes the snapshot or follows the log's end.
func (l *Log) TermAt(index uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == l.snapshotIndex {
		return l.snapshotTerm, true
	}
	if index < l.snapshotIndex || index > l.lastIndexLocked() {
		return 0, false
	}
	return l.entries[index-l.snapshotIndex-1].Term, true
}

// Append writes a new entry as the log's new tail. Callers must hold the
// Raft-level lock; Append itself only protects its own slice.
func (l *Log) Append(term uint64, payload []byte) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := newLogEntry(l.lastIndexLocked()+1, term, payload)
	l.entries = append(l.entries, entry)
	return entry
}

// TruncateFrom removes every entry at or after index (log matching's
// conflict-repair rule, §4.D).
func (l *Log) TruncateFrom(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.snapshotIndex {
		l.entries = nil
		return
	}
	cut := index - l.snapshotIndex - 1
	if cut < uint64(len(l.entries)) {
		l.entries = l.entries[:cut]
	}
}

// AppendReplicated installs entries received from a leader starting at
// index prevIndex+1, truncating any conflicting suffix first.
func (l *Log) AppendReplicated(prevIndex uint64, newEntries []LogEntry) {
	if len(newEntries) == 0 {
		return
	}
	l.TruncateFrom(newEntries[0].Index)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, newEntries...)
}

// EntriesFrom returns a copy of every entry at or after index, for
// replication to a follower whose matchIndex is behind the leader.
func (l *Log) EntriesFrom(index uint64) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index <= l.snapshotIndex {
		return append([]LogEntry(nil), l.entries...)
	}
	start := index - l.snapshotIndex - 1
	if start >= uint64(len(l.entries)) {
		return nil
	}
	return append([]LogEntry(nil), l.entries[start:]...)
}

// Entry returns the entry at index, if present in the in-memory log.
func (l *Log) Entry(index uint64) (LogEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index <= l.snapshotIndex || index > l.lastIndexLocked() {
		return LogEntry{}, false
	}
	return l.entries[index-l.snapshotIndex-1], true
}

// CompactThrough drops every entry up to and including index, recording it
// as the new snapshot point (component D's snapshot/truncate rule, §4.D).
func (l *Log) CompactThrough(index, term uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < l.snapshotIndex {
		return fmt.Errorf("cannot compact through %d, already compacted through %d", index, l.snapshotIndex)
	}
	if index > l.lastIndexLocked() {
		return fmt.Errorf("cannot compact through %d, log only extends to %d", index, l.lastIndexLocked())
	}
	keepFrom := index - l.snapshotIndex
	if keepFrom <= uint64(len(l.entries)) {
		l.entries = append([]LogEntry(nil), l.entries[keepFrom:]...)
	} else {
		l.entries = nil
	}
	l.snapshotIndex = index
	l.snapshotTerm = term
	return nil
}

// SnapshotIndex reports the last index already compacted away.
func (l *Log) SnapshotIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotIndex
}
