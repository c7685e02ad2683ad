package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KnowledgeEntry mirrors the server's knowledge entry on the wire.
type KnowledgeEntry struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Title      string     `json:"title"`
	Created    time.Time  `json:"created"`
	Updated    time.Time  `json:"updated"`
	Tags       []string   `json:"tags,omitempty"`
	Links      []string   `json:"links,omitempty"`
	QuestionID string     `json:"questionId,omitempty"`
	Accepted   bool       `json:"accepted,omitempty"`
	Priority   string     `json:"priority,omitempty"`
	Due        *time.Time `json:"due,omitempty"`
	Body       string     `json:"body,omitempty"`
}

// KnowledgeCreateOptions describe a new entry.
type KnowledgeCreateOptions struct {
	EntryType  string   `json:"entryType"`
	Title      string   `json:"title"`
	Content    string   `json:"content,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	QuestionID string   `json:"questionId,omitempty"`
	Priority   string   `json:"priority,omitempty"`
}

// KnowledgeCreate creates an entry and returns it with its assigned id.
func (c *Client) KnowledgeCreate(ctx context.Context, opts KnowledgeCreateOptions) (KnowledgeEntry, error) {
	data, err := c.call(ctx, "knowledge_create", opts, "knowledge_created")
	if err != nil {
		return KnowledgeEntry{}, err
	}
	return decodeEntry(data)
}

// KnowledgeGet fetches one entry by id.
func (c *Client) KnowledgeGet(ctx context.Context, id string) (KnowledgeEntry, error) {
	data, err := c.call(ctx, "knowledge_get", map[string]string{"id": id}, "knowledge_entry")
	if err != nil {
		return KnowledgeEntry{}, err
	}
	return decodeEntry(data)
}

// KnowledgeListOptions filter and page KnowledgeList results.
type KnowledgeListOptions struct {
	Type   string   `json:"type,omitempty"`
	Status string   `json:"status,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Search string   `json:"search,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

// KnowledgeList returns matching entries and the total match count.
func (c *Client) KnowledgeList(ctx context.Context, opts KnowledgeListOptions) ([]KnowledgeEntry, int, error) {
	data, err := c.call(ctx, "knowledge_list", opts, "knowledge_list")
	if err != nil {
		return nil, 0, err
	}
	var out struct {
		Entries []KnowledgeEntry `json:"entries"`
		Total   int              `json:"total"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, 0, fmt.Errorf("decode knowledge_list: %w", err)
	}
	return out.Entries, out.Total, nil
}

// KnowledgeDelete removes one entry.
func (c *Client) KnowledgeDelete(ctx context.Context, id string) error {
	_, err := c.call(ctx, "knowledge_delete", map[string]string{"id": id}, "knowledge_deleted")
	return err
}

// KnowledgeLink records a cross-reference between two entries.
func (c *Client) KnowledgeLink(ctx context.Context, fromID, toID string) error {
	_, err := c.call(ctx, "knowledge_link", map[string]string{"fromId": fromID, "toId": toID}, "knowledge_linked")
	return err
}

// KnowledgeAccept marks an answer accepted and completes its question.
func (c *Client) KnowledgeAccept(ctx context.Context, answerID string) (KnowledgeEntry, error) {
	data, err := c.call(ctx, "knowledge_accept", map[string]string{"id": answerID}, "knowledge_accepted")
	if err != nil {
		return KnowledgeEntry{}, err
	}
	return decodeEntry(data)
}

func decodeEntry(data json.RawMessage) (KnowledgeEntry, error) {
	var out struct {
		Entry KnowledgeEntry `json:"entry"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return KnowledgeEntry{}, fmt.Errorf("decode knowledge entry: %w", err)
	}
	return out.Entry, nil
}
