package native

import (
	"sync"

	"github.com/dolthub/swiss"
)

const arenaChunkSize = 256

// recordSpace says which stream a record key offset belongs to.
type recordSpace uint8

const (
	spaceCompiland recordSpace = iota // offset unused, module is the DBI index
	spaceModule                       // offset into a module symbol stream
	spaceGlobal                       // offset into the global symbol record stream
)

type recordKey struct {
	space  recordSpace
	module int32
	offset uint32
}

// symbolCache owns every Symbol of a session. Symbols are allocated in
// fixed-size chunks so that pointers handed out stay valid as the cache
// grows. Identifiers are dense and start at 1.
type symbolCache struct {
	mu      sync.RWMutex
	session *Session
	metrics *metrics

	chunks [][]Symbol
	byID   []*Symbol // index 0 is unused

	types   *swiss.Map[uint32, SymIndexID]
	records *swiss.Map[recordKey, SymIndexID]
}

func newSymbolCache(s *Session, m *metrics, typeHint int) *symbolCache {
	return &symbolCache{
		session: s,
		metrics: m,
		byID:    make([]*Symbol, 1, 64),
		types:   swiss.NewMap[uint32, SymIndexID](uint32(typeHint)),
		records: swiss.NewMap[recordKey, SymIndexID](64),
	}
}

func (c *symbolCache) get(id SymIndexID) *Symbol {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id == InvalidSymIndexID || int(id) >= len(c.byID) {
		return nil
	}
	return c.byID[id]
}

func (c *symbolCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID) - 1
}

// insertLocked stores d under the next identifier. mu must be held.
func (c *symbolCache) insertLocked(d Details) SymIndexID {
	if n := len(c.chunks); n == 0 || len(c.chunks[n-1]) == cap(c.chunks[n-1]) {
		c.chunks = append(c.chunks, make([]Symbol, 0, arenaChunkSize))
	}
	chunk := &c.chunks[len(c.chunks)-1]
	id := SymIndexID(len(c.byID))
	*chunk = append(*chunk, Symbol{id: id, session: c.session, details: d})
	c.byID = append(c.byID, &(*chunk)[len(*chunk)-1])
	c.metrics.symbolsMaterialized.WithLabelValues(d.Tag().String()).Inc()
	return id
}

// add registers a symbol that has no identity key.
func (c *symbolCache) add(d Details) SymIndexID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(d)
}

func (c *symbolCache) lookupType(ti uint32) (SymIndexID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.types.Get(ti)
}

// typeSymbol returns the identifier registered for ti, creating it with
// build on first use. When canonical differs from ti, both indices share
// one identifier. build runs under the lock and must not call back into
// the cache.
func (c *symbolCache) typeSymbol(ti, canonical uint32, build func() Details) SymIndexID {
	if id, ok := c.lookupType(ti); ok {
		c.metrics.symbolCacheHits.WithLabelValues("type").Inc()
		return id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.types.Get(ti); ok {
		c.metrics.symbolCacheHits.WithLabelValues("type").Inc()
		return id
	}
	id, ok := c.types.Get(canonical)
	if !ok {
		d := build()
		if d == nil {
			return InvalidSymIndexID
		}
		id = c.insertLocked(d)
		c.types.Put(canonical, id)
	}
	c.types.Put(ti, id)
	return id
}

// recordSymbol is typeSymbol for symbol records.
func (c *symbolCache) recordSymbol(key recordKey, build func() Details) SymIndexID {
	c.mu.RLock()
	id, ok := c.records.Get(key)
	c.mu.RUnlock()
	if ok {
		c.metrics.symbolCacheHits.WithLabelValues("record").Inc()
		return id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.records.Get(key); ok {
		c.metrics.symbolCacheHits.WithLabelValues("record").Inc()
		return id
	}
	d := build()
	if d == nil {
		return InvalidSymIndexID
	}
	id = c.insertLocked(d)
	c.records.Put(key, id)
	return id
}
