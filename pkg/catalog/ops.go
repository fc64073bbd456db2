package catalog

import "time"

// OperationClass describes one kind of RPC request: its wire method, the
// capability a peer must have to serve it and the per-request timeout.
type OperationClass struct {
	Name     string
	Timeout  time.Duration
	Requires func(p PeerProfile) bool
}

func requireSynced(p PeerProfile) bool { return p.Synced }

func requireUTXOIndex(p PeerProfile) bool { return p.Synced && p.UTXOIndex }

var (
	OpPing = OperationClass{Name: "ping", Timeout: 3 * time.Second}

	OpGetInfo = OperationClass{Name: "getInfo", Timeout: 5 * time.Second}

	OpGetBlockDagInfo = OperationClass{Name: "getBlockDagInfo", Timeout: 5 * time.Second}

	OpGetConnectedPeerInfo = OperationClass{Name: "getConnectedPeerInfo", Timeout: 8 * time.Second}

	// OpGetBlocks is used by the profiler as the large-payload capability
	// check; its response is big enough to trip transparent traffic filters
	// that let small requests through.
	OpGetBlocks = OperationClass{Name: "getBlocks", Timeout: 15 * time.Second}

	OpSubscribeUtxosChanged = OperationClass{
		Name:     "notifyUtxosChanged",
		Timeout:  10 * time.Second,
		Requires: requireUTXOIndex,
	}

	OpGetUtxosByAddresses = OperationClass{
		Name:     "getUtxosByAddresses",
		Timeout:  15 * time.Second,
		Requires: requireUTXOIndex,
	}

	OpSubmitTransaction = OperationClass{
		Name:     "submitTransaction",
		Timeout:  10 * time.Second,
		Requires: requireSynced,
	}
)
