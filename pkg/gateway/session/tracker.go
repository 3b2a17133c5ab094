// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session tracks upstream MCP client sessions.
//
// A record is created on the first authenticated request of a transport
// session and carries a frozen snapshot of the route map from that moment.
// List replies on the session are served from the snapshot so the client
// sees a stable catalog across a conversation; live routing always uses the
// current map. Idle records are evicted by a background sweep after the
// configured TTL.
package session

import (
	"sync"
	"time"

	"github.com/stacklok/mcpgate/pkg/auth"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Record is one upstream session.
type Record struct {
	// ID is the transport-supplied session identifier.
	ID string

	// Identity is the authenticated principal that opened the session.
	Identity *auth.Identity

	// Routes is the route map frozen at session creation.
	Routes *gateway.RouteMap

	// Catalog is the capability catalog frozen at session creation,
	// consulted for list replies on this session.
	Catalog []gateway.Capability

	// CreatedAt is the session creation time.
	CreatedAt time.Time

	// lastSeen is the last activity time, guarded by the tracker lock.
	lastSeen time.Time
}

// Snapshot supplies the current publication for freezing into new records.
type Snapshot interface {
	Current() *gateway.RouteMap
	Catalog() []gateway.Capability
}

// Tracker holds the live session records.
type Tracker struct {
	ttl      time.Duration
	snapshot Snapshot

	mu      sync.Mutex
	records map[string]*Record

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewTracker creates a tracker. StartSweep must be called to begin eviction.
func NewTracker(ttl time.Duration, snapshot Snapshot) *Tracker {
	return &Tracker{
		ttl:      ttl,
		snapshot: snapshot,
		records:  make(map[string]*Record),
		done:     make(chan struct{}),
	}
}

// Touch returns the record for id, creating it on first use with a frozen
// snapshot of the current publication. Every call refreshes the idle timer.
func (t *Tracker) Touch(id string, identity *auth.Identity) *Record {
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.records[id]; ok {
		r.lastSeen = now
		return r
	}

	r := &Record{
		ID:        id,
		Identity:  identity,
		Routes:    t.snapshot.Current(),
		Catalog:   t.snapshot.Catalog(),
		CreatedAt: now,
		lastSeen:  now,
	}
	t.records[id] = r
	logger.Debugw("upstream session created", "session", id, "generation", r.Routes.Generation)
	return r
}

// Get returns an existing record without refreshing its idle timer.
func (t *Tracker) Get(id string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	return r, ok
}

// Evict drops one session record.
func (t *Tracker) Evict(id string) {
	t.mu.Lock()
	delete(t.records, id)
	t.mu.Unlock()
}

// Len reports the number of live records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// StartSweep launches the background eviction loop. The sweep interval is a
// quarter of the TTL, clamped to at least one second.
func (t *Tracker) StartSweep() {
	interval := t.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.sweep(time.Now().UTC())
			}
		}
	}()
}

// Stop halts the sweep loop.
func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.done) })
	t.wg.Wait()
}

// sweep evicts records idle past the TTL.
func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, r := range t.records {
		if now.Sub(r.lastSeen) > t.ttl {
			delete(t.records, id)
			logger.Debugw("upstream session expired", "session", id, "idle", now.Sub(r.lastSeen))
		}
	}
}
