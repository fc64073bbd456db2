package netwatch

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Watcher publishes a monotonically increasing network epoch. The epoch
// advances whenever the device's network path changes; consumers reset
// windowed statistics and resubscribe.
type Watcher struct {
	mu          sync.Mutex
	log         *zap.Logger
	epoch       uint64
	fingerprint string
	subs        map[string]func(epoch uint64)
}

func New(logger *zap.Logger) *Watcher {
	return &Watcher{
		log:   logger,
		epoch: 1,
		subs:  map[string]func(uint64){},
	}
}

func (w *Watcher) Epoch() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.epoch
}

// Advance bumps the epoch and notifies subscribers. Exposed for tests and
// for platforms that deliver path-change events through their own channel.
func (w *Watcher) Advance() uint64 {
	w.mu.Lock()
	w.epoch++
	epoch := w.epoch
	subs := make([]func(uint64), 0, len(w.subs))
	for _, fn := range w.subs {
		subs = append(subs, fn)
	}
	w.mu.Unlock()
	if w.log != nil {
		w.log.Info("network_epoch_changed", zap.Uint64("epoch", epoch))
	}
	for _, fn := range subs {
		fn(epoch)
	}
	return epoch
}

func (w *Watcher) Subscribe(fn func(epoch uint64)) string {
	id := uuid.NewString()
	w.mu.Lock()
	w.subs[id] = fn
	w.mu.Unlock()
	return id
}

func (w *Watcher) Unsubscribe(id string) {
	w.mu.Lock()
	delete(w.subs, id)
	w.mu.Unlock()
}

// Run polls the local interface configuration and advances the epoch when it
// changes. Good enough as a portable default; platform-specific path monitors
// can call Advance directly instead.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	w.mu.Lock()
	w.fingerprint = currentFingerprint()
	w.mu.Unlock()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fp := currentFingerprint()
			w.mu.Lock()
			changed := fp != w.fingerprint
			w.fingerprint = fp
			w.mu.Unlock()
			if changed {
				w.Advance()
			}
		}
	}
}

func currentFingerprint() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	var parts []string
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			parts = append(parts, ifc.Name+"/"+a.String())
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
