package core

// adapters_admin.go – the admin RPC surface (component J). A narrow chi
// router exposing operational endpoints only; it is not a public gateway
// and carries no user-facing transaction submission beyond the
// submit_transaction convenience endpoint described in §6. Every handler
// talks to the kernel's own public methods, never to Raft or the state
// machine's internals directly.

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// submitRateLimit caps submit_transaction admissions at the RPC boundary.
// It is deliberately generous: real backpressure is the queue's job
// (§4.F); this only protects the admin listener from a caller hammering
// it faster than the JSON decode + validation path can keep up.
const (
	submitRateLimitPerSecond = 2000
	submitRateLimitBurst     = 4000
)

// AdminKernel is the subset of node-level behavior the admin router needs;
// node.go's Node satisfies this.
type AdminKernel interface {
	SubmitTransaction(tx *Transaction) error
	GetBatch(id [32]byte) (*Batch, bool)
	GetProof(addr common.Address) (*MerkleProof, error)
	Status() NodeStatus
	ForceRotateKey() error
	TriggerRecovery() bool
	Balance(addr common.Address) AccountState
	ListProviders() []ProviderStatus
	Metrics() *Metrics
}

// NodeStatus is the payload for get_status (§6).
type NodeStatus struct {
	NodeID      string `json:"node_id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	CommitIndex uint64 `json:"commit_index"`
	QueueLen    int    `json:"queue_len"`
	Backpressure bool  `json:"backpressure"`
	StateRoot   string `json:"state_root"`
}

// ProviderStatus is one entry of the list_providers response — a
// supplemented admin capability beyond the original transaction/batch
// surface, useful for diagnosing signer failover without reading logs.
type ProviderStatus struct {
	Role      string `json:"role"`
	Active    bool   `json:"active"`
}

// NewAdminRouter builds the chi router for the admin RPC surface.
func NewAdminRouter(k AdminKernel, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	limiter := rate.NewLimiter(rate.Limit(submitRateLimitPerSecond), submitRateLimitBurst)
	r.With(rateLimit(limiter)).Post("/submit_transaction", handleSubmitTransaction(k, logger))
	r.Get("/batch/{id}", handleGetBatch(k, logger))
	r.Get("/proof/{address}", handleGetProof(k, logger))
	r.Get("/status", handleStatus(k))
	r.Post("/force_rotate_key", handleForceRotateKey(k, logger))
	r.Post("/trigger_recovery", handleTriggerRecovery(k, logger))
	r.Get("/balance/{address}", handleGetBalance(k, logger))
	r.Get("/providers", handleListProviders(k))
	r.Handle("/metrics", k.Metrics().Handler())

	return r
}

func rateLimit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				writeError(w, http.StatusTooManyRequests, NewError(ErrBackpressure, "submit_transaction", "admin RPC rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// submitTransactionRequest is the wire shape of a submit_transaction call;
// a production deployment front-ends this with chain-specific transaction
// decoding, kept out of scope here as the boundary adapter owns only
// forwarding to the queue.
type submitTransactionRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	AssetID   string `json:"asset_id"`
	AmountHex string `json:"amount_hex"`
	Nonce     uint64 `json:"nonce"`
	Kind      uint8  `json:"kind"`
	FeeHex    string `json:"fee_hex"`
	Memo      string `json:"memo"`
	Signature string `json:"signature"`
}

func handleSubmitTransaction(k AdminKernel, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitTransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tx, err := decodeSubmitRequest(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := k.SubmitTransaction(tx); err != nil {
			status := http.StatusInternalServerError
			if IsKind(err, ErrBackpressure) || IsKind(err, ErrValidation) {
				status = http.StatusBadRequest
			} else if IsKind(err, ErrNotLeader) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": hex.EncodeToString(tx.Id[:])})
	}
}

func handleGetBatch(k AdminKernel, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := hex.DecodeString(chi.URLParam(r, "id"))
		if err != nil || len(raw) != 32 {
			writeError(w, http.StatusBadRequest, NewError(ErrValidation, "get_batch", "malformed batch id", nil))
			return
		}
		var id [32]byte
		copy(id[:], raw)
		batch, ok := k.GetBatch(id)
		if !ok {
			writeError(w, http.StatusNotFound, NewError(ErrOutOfRange, "get_batch", "batch not found", nil))
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

func handleGetProof(k AdminKernel, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := common.HexToAddress(chi.URLParam(r, "address"))
		proof, err := k.GetProof(addr)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, proof)
	}
}

func handleStatus(k AdminKernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, k.Status())
	}
}

func handleForceRotateKey(k AdminKernel, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := k.ForceRotateKey(); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rotation triggered"})
	}
}

func handleTriggerRecovery(k AdminKernel, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detected := k.TriggerRecovery()
		writeJSON(w, http.StatusOK, map[string]bool{"detected": detected})
	}
}

func handleGetBalance(k AdminKernel, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := common.HexToAddress(chi.URLParam(r, "address"))
		acc := k.Balance(addr)
		out := make(map[string]string, len(acc.Balance))
		for asset, bal := range acc.Balance {
			out[hex.EncodeToString(asset[:])] = bal.String()
		}
		writeJSON(w, http.StatusOK, map[string]any{"nonce": acc.Nonce, "balances": out})
	}
}

func handleListProviders(k AdminKernel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, k.ListProviders())
	}
}

// decodeSubmitRequest builds a Transaction from the wire request. Amount
// and fee are hex-encoded big-endian integers; submitted/expiry are
// stamped at decode time rather than trusted from the client, matching
// the original request's intent of "now, plus a short default window".
func decodeSubmitRequest(req submitTransactionRequest) (*Transaction, error) {
	amount, err := hexToUint256(req.AmountHex)
	if err != nil {
		return nil, NewError(ErrValidation, "decodeSubmitRequest", "bad amount_hex", err)
	}
	fee, err := hexToUint256(req.FeeHex)
	if err != nil {
		return nil, NewError(ErrValidation, "decodeSubmitRequest", "bad fee_hex", err)
	}
	assetRaw, err := hex.DecodeString(req.AssetID)
	if err != nil || len(assetRaw) != 32 {
		return nil, NewError(ErrValidation, "decodeSubmitRequest", "asset_id must be 32 bytes hex", err)
	}
	var assetID [32]byte
	copy(assetID[:], assetRaw)
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return nil, NewError(ErrValidation, "decodeSubmitRequest", "bad signature hex", err)
	}
	now := time.Now()
	tx := NewTransaction(
		common.HexToAddress(req.Sender),
		common.HexToAddress(req.Recipient),
		assetID, amount, req.Nonce, TxKind(req.Kind),
		now, now.Add(5*time.Minute), fee, []byte(req.Memo), sig,
	)
	return tx, nil
}

func hexToUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("value exceeds 256 bits")
	}
	var buf [32]byte
	copy(buf[32-len(raw):], raw)
	return new(uint256.Int).SetBytes32(buf[:]), nil
}
