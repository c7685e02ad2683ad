// Package knowledge is a markdown-file-backed store of knowledge entries.
// Each entry is one file with YAML frontmatter under a root directory
// bucketed by status; mutations publish knowledge events on the bus.
package knowledge

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EntryType classifies an entry.
type EntryType string

const (
	TypeQuestion  EntryType = "question"
	TypeAnswer    EntryType = "answer"
	TypeNote      EntryType = "note"
	TypeIssue     EntryType = "issue"
	TypeMilestone EntryType = "milestone"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case TypeQuestion, TypeAnswer, TypeNote, TypeIssue, TypeMilestone:
		return true
	}
	return false
}

// prefix returns the upper-case filename prefix for the type.
func (t EntryType) prefix() string {
	return strings.ToUpper(string(t))
}

// EntryStatus buckets entries into subdirectories of the store root.
type EntryStatus string

const (
	StatusOpen       EntryStatus = "open"
	StatusInProgress EntryStatus = "in-progress"
	StatusCompleted  EntryStatus = "completed"
	StatusArchived   EntryStatus = "archived"
)

// Valid reports whether s is a known status.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Statuses lists every bucket in a stable order.
func Statuses() []EntryStatus {
	return []EntryStatus{StatusOpen, StatusInProgress, StatusCompleted, StatusArchived}
}

// Entry is one knowledge item. The frontmatter fields round-trip through
// YAML; Body is the markdown below the frontmatter.
type Entry struct {
	ID      string      `yaml:"id" json:"id"`
	Type    EntryType   `yaml:"type" json:"type"`
	Status  EntryStatus `yaml:"status" json:"status"`
	Title   string      `yaml:"title" json:"title"`
	Created time.Time   `yaml:"created" json:"created"`
	Updated time.Time   `yaml:"updated" json:"updated"`
	Tags    []string    `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Links records outbound [[TYPE_N]] references.
	Links []string `yaml:"links,omitempty" json:"links,omitempty"`

	// QuestionID ties an answer to its question.
	QuestionID string `yaml:"question_id,omitempty" json:"questionId,omitempty"`
	// Accepted marks the chosen answer to a question.
	Accepted bool `yaml:"accepted,omitempty" json:"accepted,omitempty"`
	// Priority applies to issues.
	Priority string `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Due applies to milestones.
	Due *time.Time `yaml:"due,omitempty" json:"due,omitempty"`

	Body string `yaml:"-" json:"body,omitempty"`
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	out := e
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	if e.Links != nil {
		out.Links = append([]string(nil), e.Links...)
	}
	if e.Due != nil {
		d := *e.Due
		out.Due = &d
	}
	return out
}

// filename returns the entry's on-disk name, e.g. QUESTION_3.md.
func (e Entry) filename() string {
	return e.ID + ".md"
}

// refPattern matches [[TYPE_N]] cross-references in entry bodies.
var refPattern = regexp.MustCompile(`\[\[((?:QUESTION|ANSWER|NOTE|ISSUE|MILESTONE)_\d+)\]\]`)

// References extracts the ids referenced from the body with [[TYPE_N]]
// notation, in order of first appearance, deduplicated.
func (e Entry) References() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range refPattern.FindAllStringSubmatch(e.Body, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

const frontmatterFence = "---"

// Encode renders the entry as YAML frontmatter followed by the markdown
// body.
func Encode(e Entry) ([]byte, error) {
	fm, err := yaml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontmatterFence + "\n")
	buf.Write(fm)
	buf.WriteString(frontmatterFence + "\n")
	if e.Body != "" {
		buf.WriteString("\n")
		buf.WriteString(e.Body)
		if !strings.HasSuffix(e.Body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// Decode parses a frontmatter-plus-body file back into an Entry.
func Decode(data []byte) (Entry, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontmatterFence+"\n") {
		return Entry{}, fmt.Errorf("missing frontmatter fence")
	}
	rest := text[len(frontmatterFence)+1:]
	end := strings.Index(rest, "\n"+frontmatterFence)
	if end < 0 {
		return Entry{}, fmt.Errorf("unterminated frontmatter")
	}
	var e Entry
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal frontmatter: %w", err)
	}
	body := rest[end+1+len(frontmatterFence):]
	e.Body = strings.TrimPrefix(strings.TrimPrefix(body, "\n"), "\n")
	return e, nil
}
