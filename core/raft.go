package core

// raft.go – leader election, log replication, and commit for the
// replicated log (component D). Only the leader accepts writes (Propose);
// followers return NotLeader, and a request bearing a term older than the
// node's current term is rejected with StaleTerm (§4.D, §7). A log entry
// commits once it is stored on a majority of peers AND was appended during
// the current leader's term — entries from older terms only commit
// indirectly, by a later entry in the current term committing over them
// (the Raft commit rule, carried into this kernel unchanged).

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Role is one of Follower, Candidate, Leader.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// ApplyFunc is invoked, in commit order, once for every entry that crosses
// the commit index. Raft never interprets payloads itself.
type ApplyFunc func(entry LogEntry)

// Raft is one node's replicated-log state (§4.D). currentTerm and votedFor
// are handed to the persist hook (node.go writes them, CRC32-checked, to
// state_dir) before the RPC that changed them is acknowledged; the log is
// kept in memory only and is not persisted.
type Raft struct {
	mu     sync.Mutex
	nodeID string
	peers  *PeerRegistry
	log    *Log
	clock  Clock
	logger *logrus.Logger

	currentTerm uint64
	votedFor    string
	role        Role

	commitIndex       uint64
	lastApplied       uint64
	lastCommitAdvance time.Time

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	electionDeadline   time.Time

	apply ApplyFunc
	persist func(term uint64, votedFor string)

	stop     chan struct{}
	stopOnce sync.Once
}

// RaftConfig mirrors the election_timeout_ms / heartbeat_ms configuration
// keys (§6).
type RaftConfig struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// NewRaft constructs a node in the Follower role with an empty log.
func NewRaft(nodeID string, peers *PeerRegistry, cfg RaftConfig, clock Clock, logger *logrus.Logger, apply ApplyFunc, persist func(term uint64, votedFor string)) *Raft {
	r := &Raft{
		nodeID:             nodeID,
		peers:              peers,
		log:                NewLog(),
		clock:              clock,
		logger:             logger,
		role:               Follower,
		nextIndex:          make(map[string]uint64),
		matchIndex:         make(map[string]uint64),
		electionTimeoutMin: cfg.ElectionTimeoutMin,
		electionTimeoutMax: cfg.ElectionTimeoutMax,
		heartbeatInterval:  cfg.HeartbeatInterval,
		apply:              apply,
		persist:            persist,
		stop:               make(chan struct{}),
	}
	r.resetElectionDeadlineLocked()
	return r
}

func (r *Raft) randomizedTimeout() time.Duration {
	span := int64(r.electionTimeoutMax - r.electionTimeoutMin)
	if span <= 0 {
		return r.electionTimeoutMin
	}
	return r.electionTimeoutMin + time.Duration(rand.Int63n(span))
}

func (r *Raft) resetElectionDeadlineLocked() {
	r.electionDeadline = r.clock.Now().Add(r.randomizedTimeout())
}

// Role returns the node's current role.
func (r *Raft) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// CurrentTerm returns the node's current term.
func (r *Raft) CurrentTerm() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

// CommitIndex returns the highest known-committed log index.
func (r *Raft) CommitIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

// LastCommitAdvance reports when commitIndex last moved forward, used by
// the stalled-leader detector (component I).
func (r *Raft) LastCommitAdvance() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommitAdvance
}

// StepDown forces the node to Follower at term (or the node's current term
// if term is lower), resetting its election deadline so a fresh election
// begins on the next timeout tick.
func (r *Raft) StepDown(term uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepDownLocked(term)
}

func (r *Raft) stepDownLocked(term uint64) {
	if term > r.currentTerm {
		r.currentTerm = term
		r.votedFor = ""
	}
	r.role = Follower
	r.resetElectionDeadlineLocked()
	if r.persist != nil {
		r.persist(r.currentTerm, r.votedFor)
	}
}

// Run starts the election-timeout and heartbeat background loops.
func (r *Raft) Run() {
	go r.electionLoop()
	go r.heartbeatLoop()
}

// Stop ends both background loops.
func (r *Raft) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Raft) electionLoop() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			expired := r.role != Leader && r.clock.Now().After(r.electionDeadline)
			r.mu.Unlock()
			if expired {
				r.startElection()
			}
		}
	}
}

func (r *Raft) heartbeatLoop() {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			isLeader := r.role == Leader
			r.mu.Unlock()
			if isLeader {
				r.broadcastAppendEntries()
			}
		}
	}
}

// startElection transitions to Candidate, votes for itself, and solicits
// votes from every peer in parallel (§4.D).
func (r *Raft) startElection() {
	r.mu.Lock()
	r.role = Candidate
	r.currentTerm++
	r.votedFor = r.nodeID
	term := r.currentTerm
	lastIndex := r.log.LastIndex()
	lastTerm := r.log.LastTerm()
	r.resetElectionDeadlineLocked()
	if r.persist != nil {
		r.persist(r.currentTerm, r.votedFor)
	}
	r.mu.Unlock()

	peers := r.peers.All()
	if len(peers) == 0 {
		r.becomeLeader()
		return
	}

	votes := 1 // self
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *PeerTransport) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.heartbeatInterval)
			defer cancel()
			reply, err := p.client.RequestVote(ctx, &RequestVoteArgs{
				Term: term, CandidateID: r.nodeID, LastLogIndex: lastIndex, LastLogTerm: lastTerm,
			})
			if err != nil {
				return
			}
			r.mu.Lock()
			if reply.Term > r.currentTerm {
				r.stepDownLocked(reply.Term)
				r.mu.Unlock()
				return
			}
			stillCandidate := r.role == Candidate && r.currentTerm == term
			r.mu.Unlock()
			if !stillCandidate || !reply.VoteGranted {
				return
			}
			mu.Lock()
			votes++
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	majority := (len(peers)+1)/2 + 1
	r.mu.Lock()
	stillCandidate := r.role == Candidate && r.currentTerm == term
	r.mu.Unlock()
	if stillCandidate && votes >= majority {
		r.becomeLeader()
	}
}

// becomeLeader transitions to Leader, initializes replication state, and
// appends a no-op entry in the new term so earlier-term entries can commit
// (the Raft leader-completion rule).
func (r *Raft) becomeLeader() {
	r.mu.Lock()
	r.role = Leader
	lastIndex := r.log.LastIndex()
	for _, p := range r.peers.All() {
		r.nextIndex[p.NodeID] = lastIndex + 1
		r.matchIndex[p.NodeID] = 0
	}
	term := r.currentTerm
	r.mu.Unlock()

	r.log.Append(term, nil)
	r.logger.WithField("term", term).Info("became leader")
	r.broadcastAppendEntries()
}

// Propose appends payload to the log if this node is the leader. Returns
// NotLeader otherwise (§4.D, §7).
func (r *Raft) Propose(payload []byte) (uint64, uint64, error) {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return 0, 0, NewError(ErrNotLeader, "Propose", "not the current leader", nil)
	}
	term := r.currentTerm
	r.mu.Unlock()

	entry := r.log.Append(term, payload)
	r.broadcastAppendEntries()
	return entry.Index, entry.Term, nil
}

// broadcastAppendEntries sends each peer either a heartbeat or the log
// entries it is missing, based on the leader's tracked nextIndex.
func (r *Raft) broadcastAppendEntries() {
	r.mu.Lock()
	if r.role != Leader {
		r.mu.Unlock()
		return
	}
	term := r.currentTerm
	leaderCommit := r.commitIndex
	peers := r.peers.All()
	r.mu.Unlock()

	for _, p := range peers {
		go r.replicateTo(p, term, leaderCommit)
	}
}

func (r *Raft) replicateTo(p *PeerTransport, term, leaderCommit uint64) {
	r.mu.Lock()
	next := r.nextIndex[p.NodeID]
	if next == 0 {
		next = 1
	}
	r.mu.Unlock()

	prevIndex := next - 1
	prevTerm, _ := r.log.TermAt(prevIndex)
	entries := r.log.EntriesFrom(next)

	ctx, cancel := context.WithTimeout(context.Background(), r.heartbeatInterval)
	defer cancel()
	reply, err := p.client.AppendEntries(ctx, &AppendEntriesArgs{
		Term: term, LeaderID: r.nodeID, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
		Entries: entries, LeaderCommit: leaderCommit,
	})
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if reply.Term > r.currentTerm {
		r.stepDownLocked(reply.Term)
		return
	}
	if r.role != Leader || r.currentTerm != term {
		return
	}
	if reply.Success {
		if len(entries) > 0 {
			r.matchIndex[p.NodeID] = entries[len(entries)-1].Index
			r.nextIndex[p.NodeID] = entries[len(entries)-1].Index + 1
		}
		r.advanceCommitIndexLocked()
		return
	}

	// Conflict repair: skip back to the start of the conflicting term if the
	// follower reported one, otherwise decrement by one (§4.D).
	if reply.ConflictTerm != 0 {
		skipped := prevIndex
		for skipped > 0 {
			t, ok := r.log.TermAt(skipped)
			if !ok || t != reply.ConflictTerm {
				break
			}
			skipped--
		}
		if skipped == prevIndex && reply.ConflictIndex > 0 {
			// The leader has no entry of the follower's conflicting term at
			// prevIndex: jump to where that term starts on the follower.
			r.nextIndex[p.NodeID] = reply.ConflictIndex
		} else {
			r.nextIndex[p.NodeID] = skipped + 1
		}
	} else if reply.ConflictIndex > 0 {
		r.nextIndex[p.NodeID] = reply.ConflictIndex
	} else if next > 1 {
		r.nextIndex[p.NodeID] = next - 1
	}
}

// advanceCommitIndexLocked raises commitIndex to the highest index stored
// on a majority of nodes (counting self) whose term equals the leader's
// current term, then applies every newly committed entry in order.
// Caller must hold r.mu.
func (r *Raft) advanceCommitIndexLocked() {
	peers := r.peers.All()
	total := len(peers) + 1
	majority := total/2 + 1

	candidate := r.log.LastIndex()
	for candidate > r.commitIndex {
		term, ok := r.log.TermAt(candidate)
		if !ok || term != r.currentTerm {
			candidate--
			continue
		}
		count := 1 // self
		for _, p := range peers {
			if r.matchIndex[p.NodeID] >= candidate {
				count++
			}
		}
		if count >= majority {
			break
		}
		candidate--
	}
	if candidate > r.commitIndex {
		r.commitIndex = candidate
		r.lastCommitAdvance = r.clock.Now()
		r.applyCommittedLocked()
	}
}

func (r *Raft) applyCommittedLocked() {
	for r.lastApplied < r.commitIndex {
		r.lastApplied++
		entry, ok := r.log.Entry(r.lastApplied)
		if !ok {
			continue
		}
		if r.apply != nil && entry.Payload != nil {
			r.apply(entry)
		}
	}
}

// HandleRequestVote implements the vote-granting rule: grant only if the
// candidate's term is current-or-newer, this node has not already voted
// for someone else this term, and the candidate's log is at least as
// up-to-date (§4.D).
func (r *Raft) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if args.Term < r.currentTerm {
		return &RequestVoteReply{Term: r.currentTerm, VoteGranted: false}
	}
	if args.Term > r.currentTerm {
		r.stepDownLocked(args.Term)
	}

	upToDate := args.LastLogTerm > r.log.LastTerm() ||
		(args.LastLogTerm == r.log.LastTerm() && args.LastLogIndex >= r.log.LastIndex())

	if (r.votedFor == "" || r.votedFor == args.CandidateID) && upToDate {
		r.votedFor = args.CandidateID
		r.resetElectionDeadlineLocked()
		if r.persist != nil {
			r.persist(r.currentTerm, r.votedFor)
		}
		return &RequestVoteReply{Term: r.currentTerm, VoteGranted: true}
	}
	return &RequestVoteReply{Term: r.currentTerm, VoteGranted: false}
}

// HandleAppendEntries implements the follower side of replication: reject
// stale terms, step down from Candidate on seeing a current leader, verify
// the log-matching precondition, and, on success, append and advance
// commitIndex (§4.D).
func (r *Raft) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	r.mu.Lock()
	defer r.mu.Unlock()

	if args.Term < r.currentTerm {
		return &AppendEntriesReply{Term: r.currentTerm, Success: false}
	}
	if args.Term > r.currentTerm || r.role == Candidate {
		r.stepDownLocked(args.Term)
	} else {
		r.resetElectionDeadlineLocked()
	}

	if args.PrevLogIndex > 0 {
		term, ok := r.log.TermAt(args.PrevLogIndex)
		if !ok {
			return &AppendEntriesReply{Term: r.currentTerm, Success: false, ConflictIndex: r.log.LastIndex() + 1}
		}
		if term != args.PrevLogTerm {
			conflictIndex := args.PrevLogIndex
			for conflictIndex > 0 {
				t, ok := r.log.TermAt(conflictIndex - 1)
				if !ok || t != term {
					break
				}
				conflictIndex--
			}
			return &AppendEntriesReply{Term: r.currentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: term}
		}
	}

	r.log.AppendReplicated(args.PrevLogIndex, args.Entries)

	if args.LeaderCommit > r.commitIndex {
		newCommit := args.LeaderCommit
		if last := r.log.LastIndex(); newCommit > last {
			newCommit = last
		}
		if newCommit > r.commitIndex {
			r.commitIndex = newCommit
			r.lastCommitAdvance = r.clock.Now()
			r.applyCommittedLocked()
		}
	}

	return &AppendEntriesReply{Term: r.currentTerm, Success: true}
}

// HandleInstallSnapshot installs a leader-sent snapshot when this node has
// fallen too far behind for normal log repair (§4.D).
func (r *Raft) HandleInstallSnapshot(args *InstallSnapshotArgs, install func(*Snapshot) error) *InstallSnapshotReply {
	r.mu.Lock()
	if args.Term < r.currentTerm {
		defer r.mu.Unlock()
		return &InstallSnapshotReply{Term: r.currentTerm}
	}
	if args.Term > r.currentTerm {
		r.stepDownLocked(args.Term)
	}
	term := r.currentTerm
	r.mu.Unlock()

	snap, err := DecodeSnapshot(args.Data)
	if err == nil {
		if err := install(snap); err == nil {
			_ = r.log.CompactThrough(args.LastIncludedIndex, args.LastIncludedTerm)
		}
	}
	return &InstallSnapshotReply{Term: term}
}
