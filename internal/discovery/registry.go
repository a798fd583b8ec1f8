package discovery

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/muurk/kasa/internal/device"
)

// Registry maps device identities to their lifecycle records. Entries are
// created once and never removed; going offline is a status change.
//
// Only the discovery engine mutates a Registry. Readers get copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Record

	// seq is the sequence number the next broadcast tick will use.
	seq uint32
	// lastSent is the sequence of the most recent broadcast. Responses are
	// attributed to it.
	lastSent uint32
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Record)}
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns copies of all records ordered by ID.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.entries))
	for _, rec := range r.entries {
		out = append(out, rec.clone())
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sequence returns the sequence number of the next broadcast.
func (r *Registry) Sequence() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

// beginTick marks every non-offline record whose distance from seq reached
// tolerance as offline and returns the records that changed. The distance
// is computed modulo 2^32 so a counter wrap does not flip statuses.
func (r *Registry) beginTick(tolerance int) (seq uint32, demoted []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq = r.seq
	if tolerance <= 0 {
		return seq, nil
	}
	for _, rec := range r.entries {
		if rec.Status == StatusOffline {
			continue
		}
		if seq-rec.LastSeen >= uint32(tolerance) {
			rec.Status = StatusOffline
			demoted = append(demoted, rec.clone())
		}
	}
	slices.SortFunc(demoted, func(a, b Record) int { return strings.Compare(a.ID, b.ID) })
	return seq, demoted
}

// endTick records seq as sent and advances the counter, wrapping at the
// uint32 ceiling.
func (r *Registry) endTick(seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSent = seq
	r.seq = seq + 1
}

// observe applies a discovery response. Known identities are refreshed and
// forced online; unknown ones are created through newHandle and registered
// online. The returned kind is EventOnline or EventNew.
func (r *Registry) observe(info device.Sysinfo, host string, port int, category device.Category, now time.Time, newHandle func() *device.Handle) (Record, EventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := info.ID()
	if rec, ok := r.entries[id]; ok {
		rec.Host = host
		rec.Port = port
		rec.Sysinfo = info.Clone()
		rec.LastSeen = r.lastSent
		rec.LastSeenAt = now
		rec.Status = StatusOnline
		if rec.Handle != nil {
			rec.Handle.Update(host, port, info)
		}
		return rec.clone(), EventOnline
	}

	rec := &Record{
		ID:          id,
		Host:        host,
		Port:        port,
		Category:    category,
		Status:      StatusNew,
		Sysinfo:     info.Clone(),
		LastSeen:    r.lastSent,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Handle:      newHandle(),
	}
	r.entries[id] = rec
	rec.Status = StatusOnline
	return rec.clone(), EventNew
}

func (rec *Record) clone() Record {
	out := *rec
	out.Sysinfo = rec.Sysinfo.Clone()
	return out
}
