package forward

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antonkrylov/pit/internal/mux"
)

// pair is one accepted local connection and the logical stream it is relayed over.
type pair struct {
	id      uint64
	name    string
	mapping Mapping
	local   net.Conn
	stream  *mux.Stream
	started time.Time

	up   atomic.Int64
	down atomic.Int64
}

// registry tracks live pairs. The accept path inserts, relay completion removes.
type registry struct {
	next atomic.Uint64

	mu    sync.Mutex
	pairs map[uint64]*pair
}

func newRegistry() *registry {
	return &registry{pairs: make(map[uint64]*pair)}
}

// nextID hands out stream ids in accept order. Ids are never reused.
func (r *registry) nextID() uint64 {
	return r.next.Add(1) - 1
}

func (r *registry) add(p *pair) {
	r.mu.Lock()
	r.pairs[p.id] = p
	r.mu.Unlock()
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.pairs, id)
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

// snapshot returns the live pairs ordered by id.
func (r *registry) snapshot() []*pair {
	r.mu.Lock()
	out := make([]*pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
