package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/metrics"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/selector"
	"github.com/shuliakovsky/kaspa-nodepool/pkg/transport"
)

// broadcastFanout caps how many ranked nodes one submission may try before
// giving up.
const broadcastFanout = 3

type Broadcast struct {
	Sel    *selector.Selector
	Pool   transport.Pool
	Logger *zap.Logger
}

func NewBroadcast(sel *selector.Selector, pool transport.Pool, logger *zap.Logger) *Broadcast {
	return &Broadcast{Sel: sel, Pool: pool, Logger: logger}
}

// POST /broadcast/tx
//
// The body is forwarded verbatim as submitTransaction params. Nodes are tried
// in ranked order; a busy or erroring node is skipped, the first acceptance
// wins.
func (b *Broadcast) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if !json.Valid(body) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	start := logRequest(b.Logger, "broadcast", r.Method, r.URL.Path, body)

	candidates := b.Sel.PickForBroadcast(catalog.OpSubmitTransaction, broadcastFanout)
	if len(candidates) == 0 {
		metrics.Broadcasts.WithLabelValues("no_nodes").Inc()
		http.Error(w, "no synced nodes available", http.StatusServiceUnavailable)
		return
	}

	var lastErr error
	for i, ep := range candidates {
		ctx, cancel := context.WithTimeout(r.Context(), catalog.OpSubmitTransaction.Timeout)
		raw, err := b.Pool.Conn(ep).SendRequest(ctx, catalog.OpSubmitTransaction, json.RawMessage(body))
		cancel()
		if err != nil {
			lastErr = err
			b.Logger.Warn("broadcast_node_failed",
				zap.String("endpoint", ep.Key()),
				zap.Int("attempt", i+1),
				zap.Error(err))
			if isNodeBusy(err) {
				continue
			}
			var rpcErr *transport.RPCError
			if errors.As(err, &rpcErr) {
				// A definitive node-side rejection (bad tx) will not improve
				// on another node.
				metrics.Broadcasts.WithLabelValues("rejected").Inc()
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": rpcErr.Message})
				return
			}
			continue
		}
		logResponse(b.Logger, "broadcast", http.StatusOK, raw, start)
		metrics.Broadcasts.WithLabelValues("accepted").Inc()
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write(raw)
		return
	}
	metrics.Broadcasts.WithLabelValues("failed").Inc()
	b.Logger.Error("broadcast_all_nodes_failed", zap.Int("tried", len(candidates)), zap.Error(lastErr))
	http.Error(w, "all nodes failed", http.StatusBadGateway)
}

// isNodeBusy classifies transient node-side pushback worth retrying on the
// next ranked node.
func isNodeBusy(err error) bool {
	if errors.Is(err, transport.ErrCircuitOpen) || transport.IsTimeout(err) {
		return true
	}
	var rpcErr *transport.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many request") ||
		strings.Contains(msg, "mempool is full") ||
		strings.Contains(msg, "busy")
}
