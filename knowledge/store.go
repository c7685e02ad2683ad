package knowledge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matgreaves/warden/bus"
)

// ErrNotFound is returned when a referenced entry id does not exist.
var ErrNotFound = errors.New("entry not found")

// Store is a CRUD store of knowledge entries backed by one markdown file
// per entry. Files live under root, bucketed by status; ids are
// <TYPE>_<N> with a monotonic per-type counter. All methods are safe for
// concurrent callers. Each mutation publishes a knowledge event on the bus.
type Store struct {
	root string
	bus  *bus.Bus
	log  logrus.FieldLogger

	mu       sync.RWMutex
	entries  map[string]Entry
	counters map[EntryType]int
	seq      map[string]int // insertion order for stable listings
	nextSeq  int
}

// Open loads (or initializes) a store rooted at dir. Bucket directories are
// created if missing; existing entries are read back and the per-type
// counters resume at max existing N + 1.
func Open(dir string, eb *bus.Bus, log logrus.FieldLogger) (*Store, error) {
	s := &Store{
		root:     dir,
		bus:      eb,
		log:      log.WithField("component", "knowledge"),
		entries:  make(map[string]Entry),
		counters: make(map[EntryType]int),
		seq:      make(map[string]int),
	}
	for _, status := range Statuses() {
		if err := os.MkdirAll(filepath.Join(dir, string(status)), 0o755); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", status, err)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.root }

func (s *Store) load() error {
	for _, status := range Statuses() {
		bucket := filepath.Join(s.root, string(status))
		names, err := os.ReadDir(bucket)
		if err != nil {
			return fmt.Errorf("read bucket %s: %w", status, err)
		}
		for _, de := range names {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".md") {
				continue
			}
			path := filepath.Join(bucket, de.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			e, err := Decode(data)
			if err != nil {
				s.log.WithError(err).WithField("path", path).Warn("skipping unparsable entry")
				continue
			}
			// The bucket on disk is authoritative for status.
			e.Status = status
			s.nextSeq++
			s.entries[e.ID] = e
			s.seq[e.ID] = s.nextSeq
			if n, ok := parseCounter(e.ID, e.Type); ok && n >= s.counters[e.Type] {
				s.counters[e.Type] = n
			}
		}
	}
	return nil
}

// parseCounter extracts N from an id of the form TYPE_N.
func parseCounter(id string, t EntryType) (int, bool) {
	prefix := t.prefix() + "_"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(id[len(prefix):])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Create assigns an id, stamps timestamps, writes the file, and publishes
// knowledge:created. Type must be valid and Title non-empty; status
// defaults to open.
func (s *Store) Create(e Entry) (Entry, error) {
	if !e.Type.Valid() {
		return Entry{}, fmt.Errorf("entryType %q is not valid", e.Type)
	}
	if e.Title == "" {
		return Entry{}, fmt.Errorf("title is required")
	}
	if e.Status == "" {
		e.Status = StatusOpen
	}
	if !e.Status.Valid() {
		return Entry{}, fmt.Errorf("status %q is not valid", e.Status)
	}
	if e.Type == TypeAnswer && e.QuestionID != "" {
		if _, err := s.Get(e.QuestionID); err != nil {
			return Entry{}, fmt.Errorf("question %s: %w", e.QuestionID, ErrNotFound)
		}
	}

	s.mu.Lock()
	s.counters[e.Type]++
	e.ID = fmt.Sprintf("%s_%d", e.Type.prefix(), s.counters[e.Type])
	now := time.Now()
	e.Created = now
	e.Updated = now
	e.Links = e.References()

	if err := s.writeLocked(e); err != nil {
		s.counters[e.Type]--
		s.mu.Unlock()
		return Entry{}, err
	}
	s.nextSeq++
	s.entries[e.ID] = e
	s.seq[e.ID] = s.nextSeq
	s.mu.Unlock()

	s.publish(bus.KnowledgeCreated, "created", e)
	return e.Clone(), nil
}

// Get returns one entry by id.
func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

// Filter selects entries for List. Zero fields match everything; Tags
// requires every named tag; Search is a case-insensitive substring match
// over title and body.
type Filter struct {
	Type   EntryType
	Status EntryStatus
	Tags   []string
	Search string
	Limit  int
	Offset int
}

// List returns matching entries in creation order plus the total match
// count before paging.
func (s *Store) List(f Filter) ([]Entry, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Entry
	for _, e := range s.entries {
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !hasAllTags(e.Tags, f.Tags) {
			continue
		}
		if f.Search != "" {
			needle := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(e.Title), needle) &&
				!strings.Contains(strings.ToLower(e.Body), needle) {
				continue
			}
		}
		matched = append(matched, e.Clone())
	}
	sort.Slice(matched, func(i, j int) bool { return s.seq[matched[i].ID] < s.seq[matched[j].ID] })

	total := len(matched)
	if f.Offset >= len(matched) {
		return []Entry{}, total
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Patch holds the entry fields Update may change. Nil pointers leave the
// field untouched.
type Patch struct {
	Title    *string
	Body     *string
	Status   *EntryStatus
	Tags     *[]string
	Priority *string
	Due      *time.Time
}

// Update merges the patch, moving the file between status buckets when the
// status changes, and publishes knowledge:updated.
func (s *Store) Update(id string, p Patch) (Entry, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	oldStatus := e.Status

	if p.Title != nil {
		if *p.Title == "" {
			s.mu.Unlock()
			return Entry{}, fmt.Errorf("title is required")
		}
		e.Title = *p.Title
	}
	if p.Body != nil {
		e.Body = *p.Body
		e.Links = e.References()
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			s.mu.Unlock()
			return Entry{}, fmt.Errorf("status %q is not valid", *p.Status)
		}
		e.Status = *p.Status
	}
	if p.Tags != nil {
		e.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Priority != nil {
		e.Priority = *p.Priority
	}
	if p.Due != nil {
		d := *p.Due
		e.Due = &d
	}
	e.Updated = time.Now()

	if err := s.writeLocked(e); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	if e.Status != oldStatus {
		os.Remove(filepath.Join(s.root, string(oldStatus), e.filename()))
	}
	s.entries[id] = e
	s.mu.Unlock()

	s.publish(bus.KnowledgeUpdated, "updated", e)
	return e.Clone(), nil
}

// Delete removes the entry and its file and publishes knowledge:deleted.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	path := filepath.Join(s.root, string(e.Status), e.filename())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.mu.Unlock()
		return fmt.Errorf("remove %s: %w", path, err)
	}
	delete(s.entries, id)
	delete(s.seq, id)
	s.mu.Unlock()

	s.publish(bus.KnowledgeDeleted, "deleted", e)
	return nil
}

// Link records a cross-reference from one entry to another, appending to
// the source's links and refreshing both updated stamps.
func (s *Store) Link(fromID, toID string) error {
	s.mu.Lock()
	from, ok := s.entries[fromID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", fromID, ErrNotFound)
	}
	to, ok := s.entries[toID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%q: %w", toID, ErrNotFound)
	}

	for _, l := range from.Links {
		if l == toID {
			s.mu.Unlock()
			return nil // already linked
		}
	}
	now := time.Now()
	from.Links = append(from.Links, toID)
	from.Updated = now
	to.Updated = now

	if err := s.writeLocked(from); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.writeLocked(to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.entries[fromID] = from
	s.entries[toID] = to
	s.mu.Unlock()

	s.publish(bus.KnowledgeLinked, "linked", from)
	return nil
}

// Accept marks an answer as accepted and completes its question, publishing
// knowledge:accepted. The id must name an answer.
func (s *Store) Accept(answerID string) (Entry, error) {
	s.mu.Lock()
	ans, ok := s.entries[answerID]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%q: %w", answerID, ErrNotFound)
	}
	if ans.Type != TypeAnswer {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%q is not an answer", answerID)
	}

	now := time.Now()
	ans.Accepted = true
	ans.Updated = now
	if err := s.writeLocked(ans); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	s.entries[answerID] = ans

	var question Entry
	var haveQuestion bool
	if ans.QuestionID != "" {
		if q, ok := s.entries[ans.QuestionID]; ok {
			oldStatus := q.Status
			q.Status = StatusCompleted
			q.Updated = now
			if err := s.writeLocked(q); err != nil {
				s.mu.Unlock()
				return Entry{}, err
			}
			if q.Status != oldStatus {
				os.Remove(filepath.Join(s.root, string(oldStatus), q.filename()))
			}
			s.entries[q.ID] = q
			question, haveQuestion = q, true
		}
	}
	s.mu.Unlock()

	s.publish(bus.KnowledgeAccepted, "accepted", ans)
	if haveQuestion {
		s.publish(bus.KnowledgeUpdated, "updated", question)
	}
	return ans.Clone(), nil
}

// writeLocked renders an entry into its status bucket. The write goes
// through a temp file and rename so readers never see a partial entry.
// Caller must hold s.mu.
func (s *Store) writeLocked(e Entry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, string(e.Status), e.filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (s *Store) publish(topic bus.Topic, action string, e Entry) {
	if s.bus == nil {
		return
	}
	snap := e.Clone()
	s.bus.Publish(bus.Event{
		Topic: topic,
		Know:  &bus.KnowEvent{Action: action, ID: e.ID, Entry: snap},
	})
}
