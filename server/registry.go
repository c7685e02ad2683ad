package server

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matgreaves/warden/proc"
)

// MaxListLimit bounds the page size of a single List call.
const MaxListLimit = 1000

// Filter selects records by exact status and/or case-insensitive name
// substring. Zero values match everything.
type Filter struct {
	Status proc.Status
	Name   string
}

// SortField names a sortable record field.
type SortField string

const (
	SortByStartTime SortField = "startTime"
	SortByName      SortField = "name"
	SortByStatus    SortField = "status"
)

// Sort orders list results. An unknown or empty field sorts by start time.
// Ties keep insertion order.
type Sort struct {
	Field SortField
	Desc  bool
}

// Page bounds list results by offset and limit. Limit <= 0 means no limit;
// limits above MaxListLimit are clamped.
type Page struct {
	Offset int
	Limit  int
}

// Stats summarizes the registry. Completed counts records that reached
// stopped; failed records are reported separately. AvgRuntime averages over
// records holding both a start and an end time.
type Stats struct {
	Total      int                 `json:"total"`
	ByStatus   map[proc.Status]int `json:"byStatus"`
	Completed  int                 `json:"completed"`
	Failed     int                 `json:"failed"`
	AvgRuntime time.Duration       `json:"avgRuntime"`
}

// regEntry pairs a stored record with its live log ring and an insertion
// sequence used to keep sorts stable.
type regEntry struct {
	rec  proc.Record
	ring *proc.Ring
	seq  int
}

// Registry is the in-memory authoritative store of process records. All
// methods are safe for concurrent callers; reads return deep snapshots so
// callers cannot mutate stored state. The registry does not persist
// anything: a restart yields an empty store.
type Registry struct {
	ringCap int

	mu      sync.RWMutex
	entries map[string]*regEntry
	nextSeq int
}

// NewRegistry creates an empty registry whose records carry rings of the
// given capacity (DefaultRingCapacity when non-positive).
func NewRegistry(ringCapacity int) *Registry {
	if ringCapacity <= 0 {
		ringCapacity = proc.DefaultRingCapacity
	}
	return &Registry{
		ringCap: ringCapacity,
		entries: make(map[string]*regEntry),
	}
}

// RingCapacity returns the log ring capacity applied to new records.
func (r *Registry) RingCapacity() int { return r.ringCap }

// Add stores a new record. The record's Logs field is ignored; a fresh ring
// is attached. Fails with ErrAlreadyExists if the id is taken.
func (r *Registry) Add(rec proc.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[rec.ID]; ok {
		return fmt.Errorf("%q: %w", rec.ID, ErrAlreadyExists)
	}
	rec = rec.Clone()
	rec.Logs = nil
	r.nextSeq++
	r.entries[rec.ID] = &regEntry{rec: rec, ring: proc.NewRing(r.ringCap), seq: r.nextSeq}
	return nil
}

// Get returns a deep snapshot of one record including its log ring.
func (r *Registry) Get(id string) (proc.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return proc.Record{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	snap := e.rec.Clone()
	snap.Logs = e.ring.Snapshot("", 0)
	return snap, nil
}

// Patch holds the record fields Update may change. Nil or zero fields are
// left untouched; id, command, and startTime are never patched.
type Patch struct {
	Title      string
	Name       string
	Status     proc.Status
	PID        *int
	EndTime    *time.Time
	ExitCode   *int
	ExitSignal string
	Metadata   map[string]any
}

// Update merges non-zero patch fields into a record and returns the updated
// snapshot. A status change must be a legal transition.
func (r *Registry) Update(id string, p Patch) (proc.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return proc.Record{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	if p.Status != "" && p.Status != e.rec.Status {
		if !e.rec.Status.CanTransitionTo(p.Status) {
			return proc.Record{}, fmt.Errorf("%s -> %s: %w", e.rec.Status, p.Status, ErrInvalidTransition)
		}
		e.rec.Status = p.Status
	}
	if p.Title != "" {
		e.rec.Title = p.Title
	}
	if p.Name != "" {
		e.rec.Name = p.Name
	}
	if p.PID != nil {
		pid := *p.PID
		e.rec.PID = &pid
	}
	if p.EndTime != nil {
		t := *p.EndTime
		e.rec.EndTime = &t
	}
	if p.ExitCode != nil {
		c := *p.ExitCode
		e.rec.ExitCode = &c
	}
	if p.ExitSignal != "" {
		e.rec.ExitSignal = p.ExitSignal
	}
	if len(p.Metadata) > 0 {
		if e.rec.Metadata == nil {
			e.rec.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			e.rec.Metadata[k] = v
		}
	}
	return e.rec.Clone(), nil
}

// Transition validates and applies a status change, stamping EndTime on
// entry to a terminal state. It returns the prior status and the updated
// snapshot. This is the only path the supervisor uses to change status.
func (r *Registry) Transition(id string, to proc.Status) (proc.Status, proc.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return "", proc.Record{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	from := e.rec.Status
	if !from.CanTransitionTo(to) {
		return from, proc.Record{}, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	e.rec.Status = to
	if to.Terminal() && e.rec.EndTime == nil {
		now := time.Now()
		e.rec.EndTime = &now
	}
	return from, e.rec.Clone(), nil
}

// SetPID records the child's OS pid. Set once the child reaches running;
// never cleared afterwards.
func (r *Registry) SetPID(id string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	e.rec.PID = &pid
	return nil
}

// SetExit records the child's exit code and, when killed by a signal, the
// signal name.
func (r *Registry) SetExit(id string, code int, signal string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	e.rec.ExitCode = &code
	e.rec.ExitSignal = signal
	return nil
}

// AppendLog pushes an entry into the record's ring, stamping the timestamp
// if unset, and returns the stored entry.
func (r *Registry) AppendLog(id string, entry proc.LogEntry) (proc.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return proc.LogEntry{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	e.ring.Append(entry)
	return entry, nil
}

// Logs returns a snapshot of a record's ring, optionally filtered by kind
// and tail-limited.
func (r *Registry) Logs(id string, kind proc.LogKind, tail int) ([]proc.LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return e.ring.Snapshot(kind, tail), nil
}

// Remove forgets a record. Not part of the normal lifecycle; records stay
// around for postmortem reads until explicitly removed.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	delete(r.entries, id)
	return nil
}

// List returns matching record snapshots (without logs) plus the total
// match count before paging. Cloning happens under the read lock: shallow
// copies share the metadata map with writers.
func (r *Registry) List(f Filter, s Sort, p Page) ([]proc.Record, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := r.matchLocked(f)
	sortRecords(matched, s)

	total := len(matched)
	if p.Offset >= len(matched) {
		return []proc.Record{}, total
	}
	matched = matched[p.Offset:]

	limit := p.Limit
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]proc.Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, total
}

// Count returns the number of records matching the filter.
func (r *Registry) Count(f Filter) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matchLocked(f))
}

// Len returns the total number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// NonTerminal returns snapshots of every record whose status is not
// terminal. Shutdown iterates these.
func (r *Registry) NonTerminal() []proc.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []proc.Record
	for _, e := range r.entries {
		if !e.rec.Status.Terminal() {
			out = append(out, e.rec.Clone())
		}
	}
	return out
}

// Stats summarizes all records.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Total:    len(r.entries),
		ByStatus: make(map[proc.Status]int),
	}
	var runtimeSum time.Duration
	var runtimeCount int
	for _, e := range r.entries {
		st.ByStatus[e.rec.Status]++
		if e.rec.EndTime != nil {
			runtimeSum += e.rec.Runtime()
			runtimeCount++
		}
	}
	st.Completed = st.ByStatus[proc.StatusStopped]
	st.Failed = st.ByStatus[proc.StatusFailed]
	if runtimeCount > 0 {
		st.AvgRuntime = runtimeSum / time.Duration(runtimeCount)
	}
	return st
}

// matchLocked collects records matching f in insertion order. Records are
// not cloned here; List clones after paging. Caller must hold r.mu.
func (r *Registry) matchLocked(f Filter) []proc.Record {
	entries := make([]*regEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if f.Status != "" && e.rec.Status != f.Status {
			continue
		}
		if f.Name != "" && !strings.Contains(strings.ToLower(e.rec.Name), strings.ToLower(f.Name)) {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]proc.Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// sortRecords orders recs by the sort spec, keeping insertion order on ties.
func sortRecords(recs []proc.Record, s Sort) {
	var less func(a, b proc.Record) bool
	switch s.Field {
	case SortByName:
		less = func(a, b proc.Record) bool { return a.Name < b.Name }
	case SortByStatus:
		less = func(a, b proc.Record) bool { return a.Status < b.Status }
	default:
		less = func(a, b proc.Record) bool { return a.StartTime.Before(b.StartTime) }
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if s.Desc {
			return less(recs[j], recs[i])
		}
		return less(recs[i], recs[j])
	})
}
