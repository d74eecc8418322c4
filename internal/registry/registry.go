// Package registry tracks the live connection of every registered gateway.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Conn is a live gateway connection as seen by the registry and its readers.
type Conn interface {
	ID() string
	RemoteAddr() string
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Entry records which connection currently speaks for a gateway.
type Entry struct {
	GatewayID    string
	Conn         Conn
	RegisteredAt time.Time
}

// Registry holds at most one connection per gateway id.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	onChange func(count int)
}

// New constructs an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{logger: logger, entries: make(map[string]Entry)}
}

// OnChange installs a callback invoked with the entry count after each change.
func (r *Registry) OnChange(fn func(count int)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Register makes conn the holder of gwID. A different connection previously
// holding the id is closed and returned.
func (r *Registry) Register(gwID string, conn Conn, now time.Time) Conn {
	r.mu.Lock()
	prev, had := r.entries[gwID]
	if had && prev.Conn == conn {
		r.mu.Unlock()
		return nil
	}
	r.entries[gwID] = Entry{GatewayID: gwID, Conn: conn, RegisteredAt: now}
	count, fn := len(r.entries), r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(count)
	}

	if !had {
		return nil
	}

	r.logger.Info("replacing gateway connection", "gw", gwID, "old", prev.Conn.ID(), "new", conn.ID())
	if err := prev.Conn.Close(); err != nil {
		r.logger.Debug("close replaced connection", "gw", gwID, "error", err)
	}
	return prev.Conn
}

// Remove deletes the entry for gwID only while conn is still its holder. It
// reports whether an entry was removed.
func (r *Registry) Remove(gwID string, conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.entries[gwID]
	if !ok || cur.Conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, gwID)
	count, fn := len(r.entries), r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(count)
	}
	return true
}

// Lookup returns the entry for gwID.
func (r *Registry) Lookup(gwID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[gwID]
	return e, ok
}

// Snapshot returns the current entries ordered by gateway id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].GatewayID < out[j].GatewayID })
	return out
}

// GatewayIDs returns the registered gateway ids in order.
func (r *Registry) GatewayIDs() []string {
	entries := r.Snapshot()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.GatewayID
	}
	return ids
}

// Len returns the number of registered gateways.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
