package core

// raft_rpc.go – peer transport for the replicated log. As with the signing
// kernel, the gRPC service code itself (service descriptors, codecs) is
// generated from a .proto definition out of scope here; callers dial peers
// with grpc.Dial and route calls through a hand-defined stub interface,
// exactly as ai.go's AIStubClient does for the AI engine's remote calls.

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// RequestVoteArgs is the candidate's vote solicitation (§4.D).
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is a peer's response to a vote request.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs carries a heartbeat (Entries empty) or a log
// replication batch from the current leader.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply reports whether the follower accepted the entries, and
// when it did not, a conflict-term hint so the leader can skip back an
// entire term in one round trip rather than one entry at a time (§4.D).
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotArgs transfers a compacted state snapshot to a follower
// too far behind for normal log replication to repair (§4.D).
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// InstallSnapshotReply acknowledges a snapshot install.
type InstallSnapshotReply struct {
	Term uint64
}

// RaftStubClient is the hand-defined RPC surface a peer connection calls
// through; production wiring supplies a generated client, tests inject a
// fake that talks directly to another in-process Raft instance.
type RaftStubClient interface {
	RequestVote(ctx context.Context, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// PeerTransport owns the dialed connection and stub for one cluster peer.
type PeerTransport struct {
	NodeID string
	conn   *grpc.ClientConn
	client RaftStubClient
}

// NewPeerTransport dials endpoint and wraps client for nodeID.
func NewPeerTransport(nodeID, endpoint string, client RaftStubClient) (*PeerTransport, error) {
	conn, err := grpc.Dial(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, NewError(ErrTimeout, "NewPeerTransport", "dial raft peer", err)
	}
	return &PeerTransport{NodeID: nodeID, conn: conn, client: client}, nil
}

func (p *PeerTransport) Close() error { return p.conn.Close() }

// PeerRegistry holds every dialed peer transport, keyed by node id.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]*PeerTransport
}

// NewPeerRegistry constructs an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*PeerTransport)}
}

// Add registers a peer transport.
func (r *PeerRegistry) Add(p *PeerTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.NodeID] = p
}

// All returns every registered peer.
func (r *PeerRegistry) All() []*PeerTransport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerTransport, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Count reports the number of registered peers, not including self.
func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
