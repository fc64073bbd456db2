package registry

import (
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

// Load is a one-shot read at startup. Persisted active/verified records keep
// their state so quick boot can prefer them before touching DNS.
func (r *Registry) Load() error {
	records, err := r.store.LoadAll()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		rec := records[i]
		rec.Health.TCPReachable = nil
		r.records[rec.Endpoint.Key()] = &rec
	}
	r.log.Info("catalog_loaded", zap.Int("records", len(records)))
	return nil
}

// markDirtyLocked schedules a debounced save; repeated mutations within the
// delay coalesce into one write.
func (r *Registry) markDirtyLocked() {
	r.dirty = true
	if r.saveTimer != nil {
		return
	}
	r.saveTimer = time.AfterFunc(r.cfg.SaveDelay.D(), r.flush)
}

// PersistNow forces an immediate flush, e.g. before backgrounding.
func (r *Registry) PersistNow() {
	r.mu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	r.dirty = false
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.save(snapshot)
}

func (r *Registry) flush() {
	r.mu.Lock()
	r.saveTimer = nil
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	r.save(snapshot)
}

func (r *Registry) snapshotLocked() []catalog.PeerRecord {
	out := make([]catalog.PeerRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

func (r *Registry) save(records []catalog.PeerRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveAll(records); err != nil {
		r.log.Warn("catalog_save_failed", zap.Error(err))
		return
	}
	r.log.Debug("catalog_saved", zap.Int("records", len(records)))
}
