// Copyright 2026 The Ephemera Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"sync"
	"time"

	"github.com/ephemerachat/ephemera/protocol"
)

// PresenceRecord is the registry's view of one registered identity.
// One record exists per username; re-registration under the same
// username overwrites SessionID rather than creating a second record.
type PresenceRecord struct {
	Identity  protocol.Identity
	SessionID string
	Status    protocol.PresenceStatus
	JoinedAt  time.Time

	// OfflineAt is the time the identity's connection dropped. Zero
	// while the identity is online. An offline record whose OfflineAt
	// is more than the grace window in the past is eligible for
	// eviction.
	OfflineAt time.Time
}

// Registry is the in-memory presence store. It also tracks which
// identities have signaled each other (relationships), which decides
// who receives user-disconnected and user-reconnected notifications.
//
// Registry is a plain repository: it never schedules work itself. The
// Server drives grace-window eviction through MarkOffline, Evict, and
// SweepExpired so that eviction is a deterministic function of time.
type Registry struct {
	mu      sync.Mutex
	records map[string]*PresenceRecord
	// related maps username → set of usernames it exchanged signals
	// with. Symmetric: related[a][b] implies related[b][a].
	related map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*PresenceRecord),
		related: make(map[string]map[string]struct{}),
	}
}

// Register inserts or takes over the presence slot for the identity.
// It returns the previous record when the username was already
// registered (the caller force-closes the stale session and notifies
// related peers), or nil for a first-ever registration.
func (r *Registry) Register(identity protocol.Identity, sessionID string, now time.Time) *PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[identity.Username]; ok {
		previous := *existing
		existing.Identity = identity
		existing.SessionID = sessionID
		existing.Status = protocol.StatusOnline
		existing.OfflineAt = time.Time{}
		return &previous
	}

	r.records[identity.Username] = &PresenceRecord{
		Identity:  identity,
		SessionID: sessionID,
		Status:    protocol.StatusOnline,
		JoinedAt:  now,
	}
	return nil
}

// Lookup returns a copy of the record for username.
func (r *Registry) Lookup(username string) (PresenceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[username]
	if !ok {
		return PresenceRecord{}, false
	}
	return *record, true
}

// MarkOffline flips the record for username to offline, stamping
// OfflineAt. It reports whether the record existed and was online.
// The record stays in the registry until Evict or SweepExpired.
func (r *Registry) MarkOffline(username string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[username]
	if !ok || record.Status == protocol.StatusOffline {
		return false
	}
	record.Status = protocol.StatusOffline
	record.OfflineAt = now
	return true
}

// Evict removes username's record and its relationships. It reports
// whether the record existed and was still offline — a record that
// re-registered since going offline is left alone.
func (r *Registry) Evict(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[username]
	if !ok || record.Status != protocol.StatusOffline {
		return false
	}
	r.removeLocked(username)
	return true
}

// SweepExpired evicts every offline record whose grace window elapsed
// before now, returning the evicted usernames. This is the safety net
// behind the per-identity grace timers.
func (r *Registry) SweepExpired(now time.Time, grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for username, record := range r.records {
		if record.Status != protocol.StatusOffline {
			continue
		}
		if now.Sub(record.OfflineAt) >= grace {
			evicted = append(evicted, username)
		}
	}
	for _, username := range evicted {
		r.removeLocked(username)
	}
	return evicted
}

// Relate records that a and b exchanged signals. Relationships decide
// who is notified of disconnects and reconnects.
func (r *Registry) Relate(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.related[a] == nil {
		r.related[a] = make(map[string]struct{})
	}
	if r.related[b] == nil {
		r.related[b] = make(map[string]struct{})
	}
	r.related[a][b] = struct{}{}
	r.related[b][a] = struct{}{}
}

// Related returns the usernames that have exchanged signals with
// username.
func (r *Registry) Related(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.related[username]))
	for peer := range r.related[username] {
		peers = append(peers, peer)
	}
	return peers
}

// Snapshot returns the current presence list.
func (r *Registry) Snapshot() []protocol.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]protocol.PresenceEntry, 0, len(r.records))
	for _, record := range r.records {
		entries = append(entries, presenceEntry(record))
	}
	return entries
}

// Len returns the number of registry entries, online or offline.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// OnlineCount returns the number of online entries.
func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, record := range r.records {
		if record.Status == protocol.StatusOnline {
			count++
		}
	}
	return count
}

// removeLocked deletes the record and severs its relationships in both
// directions. Caller holds r.mu.
func (r *Registry) removeLocked(username string) {
	delete(r.records, username)
	for peer := range r.related[username] {
		delete(r.related[peer], username)
		if len(r.related[peer]) == 0 {
			delete(r.related, peer)
		}
	}
	delete(r.related, username)
}

func presenceEntry(record *PresenceRecord) protocol.PresenceEntry {
	return protocol.PresenceEntry{
		Username:  record.Identity.Username,
		Age:       record.Identity.Age,
		Gender:    record.Identity.Gender,
		Country:   record.Identity.Country,
		Interests: record.Identity.Interests,
		Status:    record.Status,
	}
}
