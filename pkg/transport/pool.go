package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

type pooledEntry struct {
	client      Transport
	lastUsed    time.Time
	established time.Time
}

// WSPool hands out one shared WSClient per endpoint. Entries are created
// lazily and reaped by PruneIdleConnections.
type WSPool struct {
	mu     sync.Mutex
	log    *zap.Logger
	socks5 string
	conns  map[string]*pooledEntry
	now    func() time.Time
}

func NewWSPool(socks5 string, logger *zap.Logger) *WSPool {
	return &WSPool{
		log:    logger,
		socks5: socks5,
		conns:  map[string]*pooledEntry{},
		now:    time.Now,
	}
}

func (p *WSPool) Conn(ep catalog.Endpoint) Transport {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if ent, ok := p.conns[ep.Key()]; ok {
		ent.lastUsed = now
		return ent.client
	}
	c := NewWSClient(ep, p.socks5, p.log)
	p.conns[ep.Key()] = &pooledEntry{client: c, lastUsed: now, established: now}
	return c
}

func (p *WSPool) PruneIdleConnections(maxAge time.Duration) int {
	now := p.now()
	var stale []Transport
	p.mu.Lock()
	for key, ent := range p.conns {
		if now.Sub(ent.lastUsed) > maxAge {
			stale = append(stale, ent.client)
			delete(p.conns, key)
		}
	}
	p.mu.Unlock()
	for _, c := range stale {
		c.Close()
	}
	if len(stale) > 0 && p.log != nil {
		p.log.Debug("conn_pool_pruned", zap.Int("dropped", len(stale)))
	}
	return len(stale)
}

func (p *WSPool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
