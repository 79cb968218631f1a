package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/chainsig/pkg/kdf"
	"github.com/luxfi/chainsig/pkg/party"
)

// StateView is the public state snapshot served to peers and
// operators. Peers use it as the liveness probe.
type StateView struct {
	State                 string        `json:"state"`
	TripleCount           int           `json:"triple_count"`
	TripleMineCount       int           `json:"triple_mine_count"`
	PresignatureCount     int           `json:"presignature_count"`
	PresignatureMineCount int           `json:"presignature_mine_count"`
	Participants          party.IDSlice `json:"participants"`
	LatestBlockHeight     uint64        `json:"latest_block_height"`
}

// IndexedSignRequest is the indexer's report of a confirmed sign call.
type IndexedSignRequest struct {
	ReceiptID   kdf.ReceiptID `json:"receipt_id"`
	PayloadHash [32]byte      `json:"payload_hash"`
	AccountID   string        `json:"account_id"`
	Path        string        `json:"path"`
	Entropy     [32]byte      `json:"entropy"`
	BlockHeight uint64        `json:"block_height"`
}

// JoinRequest is posted by a candidate asking this node to vote it in.
type JoinRequest struct {
	ID party.ID `json:"id"`
}

func (n *Node) webHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", n.handleLiveness)
	mux.HandleFunc("/state", n.handleState)
	mux.HandleFunc("/msg", n.handleMsg)
	mux.HandleFunc("/sign", n.handleSign)
	mux.HandleFunc("/join", n.handleJoin)
	return mux
}

func (n *Node) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (n *Node) handleState(w http.ResponseWriter, _ *http.Request) {
	n.mu.RLock()
	view := StateView{
		State:             "NotRunning",
		LatestBlockHeight: atomic.LoadUint64(&n.latestBlockHeight),
	}
	if running := n.state.Running; running != nil {
		view.State = "Running"
		view.TripleCount = running.Triples.Len()
		view.TripleMineCount = running.Triples.MyLen()
		view.PresignatureCount = running.Presignatures.Len()
		view.PresignatureMineCount = running.Presignatures.MyLen()
		view.Participants = running.Participants.Keys()
	}
	n.mu.RUnlock()

	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (n *Node) handleMsg(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var envelope SignedMessage
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	info, ok := n.pool.Lookup(envelope.From)
	if !ok {
		n.logger.Warn("frame from unknown participant", zap.Uint32("from", uint32(envelope.From)))
		http.Error(w, "unknown participant", http.StatusForbidden)
		return
	}
	msg, err := envelope.VerifyAndDecrypt(info.SignPK, n.cipherSK)
	if err != nil {
		n.logger.Warn("discarding frame", zap.Uint32("from", uint32(envelope.From)), zap.Error(err))
		http.Error(w, "invalid frame", http.StatusForbidden)
		return
	}
	select {
	case n.inbox <- msg:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "inbox full", http.StatusServiceUnavailable)
	}
}

func (n *Node) handleSign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var indexed IndexedSignRequest
	if err := json.NewDecoder(r.Body).Decode(&indexed); err != nil {
		http.Error(w, "malformed sign request", http.StatusBadRequest)
		return
	}
	delta, err := kdf.DeriveDelta(indexed.ReceiptID, indexed.Entropy)
	if err != nil {
		http.Error(w, "delta derivation failed", http.StatusBadRequest)
		return
	}
	n.signQueue.Add(SignRequest{
		ReceiptID: indexed.ReceiptID,
		MsgHash:   indexed.PayloadHash,
		Epsilon:   kdf.DeriveEpsilon(indexed.AccountID, indexed.Path),
		Delta:     delta,
		Entropy:   indexed.Entropy,
	})
	n.logger.Info("new sign request",
		zap.String("receipt_id", indexed.ReceiptID.String()),
		zap.String("account_id", indexed.AccountID),
		zap.Uint64("block_height", indexed.BlockHeight))

	// Track the indexer's progress for the /state readiness probe.
	for {
		current := atomic.LoadUint64(&n.latestBlockHeight)
		if indexed.BlockHeight <= current ||
			atomic.CompareAndSwapUint64(&n.latestBlockHeight, current, indexed.BlockHeight) {
			break
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (n *Node) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var join JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&join); err != nil {
		http.Error(w, "malformed join request", http.StatusBadRequest)
		return
	}
	n.mu.RLock()
	running := n.state.Running != nil
	n.mu.RUnlock()
	if !running {
		n.logger.Debug("not ready to accept join requests yet", zap.Uint32("id", uint32(join.ID)))
		http.Error(w, "not running", http.StatusBadRequest)
		return
	}
	if err := n.contract.VoteJoin(r.Context(), join.ID); err != nil {
		n.logger.Error("failed to vote for a new node to join", zap.Error(err))
		http.Error(w, "vote failed", http.StatusInternalServerError)
		return
	}
	n.logger.Info("voted for a node to join", zap.Uint32("id", uint32(join.ID)))
	w.WriteHeader(http.StatusOK)
}

// runWeb serves the peer API until the context is cancelled.
func (n *Node) runWeb(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", n.cfg.WebPort),
		Handler:           n.webHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	n.logger.Info("starting http server", zap.Int("port", n.cfg.WebPort))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
