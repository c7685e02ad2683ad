package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/matgreaves/warden/knowledge"
)

// Knowledge request payloads.

type knowledgeCreateRequest struct {
	EntryType  string     `json:"entryType"`
	Title      string     `json:"title"`
	Content    string     `json:"content,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	QuestionID string     `json:"questionId,omitempty"`
	Priority   string     `json:"priority,omitempty"`
	Due        *time.Time `json:"due,omitempty"`
}

type knowledgeIDRequest struct {
	ID string `json:"id"`
}

type knowledgeListRequest struct {
	Type   string   `json:"type,omitempty"`
	Status string   `json:"status,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Search string   `json:"search,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

type knowledgeUpdateRequest struct {
	ID       string    `json:"id"`
	Title    *string   `json:"title,omitempty"`
	Content  *string   `json:"content,omitempty"`
	Status   *string   `json:"status,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
	Priority *string   `json:"priority,omitempty"`
}

type knowledgeLinkRequest struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
}

type knowledgeEntryData struct {
	Entry knowledge.Entry `json:"entry"`
}

type knowledgeListData struct {
	Entries []knowledge.Entry `json:"entries"`
	Total   int               `json:"total"`
}

type knowledgeDeletedData struct {
	ID string `json:"id"`
}

type knowledgeLinkedData struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
}

// dispatchKnowledge routes knowledge_* request frames to the store. When no
// store is configured every knowledge request is refused.
func (g *Gateway) dispatchKnowledge(sess *Session, frame Frame) {
	if g.know == nil {
		g.sendError(sess, codeRequest, "knowledge store is not enabled", nil)
		return
	}

	switch frame.Type {
	case typeKnowledgeCreate:
		g.handleKnowledgeCreate(sess, frame.Data)
	case typeKnowledgeGet:
		g.handleKnowledgeGet(sess, frame.Data)
	case typeKnowledgeList:
		g.handleKnowledgeList(sess, frame.Data)
	case typeKnowledgeUpdate:
		g.handleKnowledgeUpdate(sess, frame.Data)
	case typeKnowledgeDelete:
		g.handleKnowledgeDelete(sess, frame.Data)
	case typeKnowledgeLink:
		g.handleKnowledgeLink(sess, frame.Data)
	case typeKnowledgeAccept:
		g.handleKnowledgeAccept(sess, frame.Data)
	}
}

// knowledgeError maps store errors onto wire codes.
func (g *Gateway) knowledgeError(sess *Session, err error) {
	if errors.Is(err, knowledge.ErrNotFound) {
		g.sendError(sess, codeNotFound, err.Error(), nil)
		return
	}
	g.sendError(sess, codeRequest, err.Error(), nil)
}

func (g *Gateway) handleKnowledgeCreate(sess *Session, data json.RawMessage) {
	var req knowledgeCreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode knowledge_create: "+err.Error(), nil)
		return
	}
	entry, err := g.know.Create(knowledge.Entry{
		Type:       knowledge.EntryType(req.EntryType),
		Title:      req.Title,
		Body:       req.Content,
		Tags:       req.Tags,
		QuestionID: req.QuestionID,
		Priority:   req.Priority,
		Due:        req.Due,
	})
	if err != nil {
		g.knowledgeError(sess, err)
		return
	}
	g.send(sess, typeKnowledgeCreated, knowledgeEntryData{Entry: entry})
}

func (g *Gateway) handleKnowledgeGet(sess *Session, data json.RawMessage) {
	var req knowledgeIDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode knowledge_get: "+err.Error(), nil)
		return
	}
	if req.ID == "" {
		g.sendError(sess, codeRequest, "id is required", nil)
		return
	}
	entry, err := g.know.Get(req.ID)
	if err != nil {
		g.knowledgeError(sess, err)
		return
	}
	g.send(sess, typeKnowledgeEntry, knowledgeEntryData{Entry: entry})
}

func (g *Gateway) handleKnowledgeList(sess *Session, data json.RawMessage) {
	var req knowledgeListRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			g.sendError(sess, codeMessageProcessing, "decode knowledge_list: "+err.Error(), nil)
			return
		}
	}
	filter := knowledge.Filter{
		Tags:   req.Tags,
		Search: req.Search,
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if t := knowledge.EntryType(req.Type); t.Valid() {
		filter.Type = t
	}
	if st := knowledge.EntryStatus(req.Status); st.Valid() {
		filter.Status = st
	}
	entries, total := g.know.List(filter)
	g.send(sess, typeKnowledgeEntries, knowledgeListData{Entries: entries, Total: total})
}

func (g *Gateway) handleKnowledgeUpdate(sess *Session, data json.RawMessage) {
	var req knowledgeUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode knowledge_update: "+err.Error(), nil)
		return
	}
	if req.ID == "" {
		g.sendError(sess, codeRequest, "id is required", nil)
		return
	}
	patch := knowledge.Patch{
		Title:    req.Title,
		Body:     req.Content,
		Tags:     req.Tags,
		Priority: req.Priority,
	}
	if req.Status != nil {
		st := knowledge.EntryStatus(*req.Status)
		patch.Status = &st
	}
	entry, err := g.know.Update(req.ID, patch)
	if err != nil {
		g.knowledgeError(sess, err)
		return
	}
	g.send(sess, typeKnowledgeUpdated, knowledgeEntryData{Entry: entry})
}

func (g *Gateway) handleKnowledgeDelete(sess *Session, data json.RawMessage) {
	var req knowledgeIDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode knowledge_delete: "+err.Error(), nil)
		return
	}
	if req.ID == "" {
		g.sendError(sess, codeRequest, "id is required", nil)
		return
	}
	if err := g.know.Delete(req.ID); err != nil {
		g.knowledgeError(sess, err)
		return
	}
	g.send(sess, typeKnowledgeDeleted, knowledgeDeletedData{ID: req.ID})
}

func (g *Gateway) handleKnowledgeLink(sess *Session, data json.RawMessage) {
	var req knowledgeLinkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode knowledge_link: "+err.Error(), nil)
		return
	}
	if req.FromID == "" || req.ToID == "" {
		g.sendError(sess, codeRequest, "fromId and toId are required", nil)
		return
	}
	if err := g.know.Link(req.FromID, req.ToID); err != nil {
		g.knowledgeError(sess, err)
		return
	}
	g.send(sess, typeKnowledgeLinked, knowledgeLinkedData{FromID: req.FromID, ToID: req.ToID})
}

func (g *Gateway) handleKnowledgeAccept(sess *Session, data json.RawMessage) {
	var req knowledgeIDRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.sendError(sess, codeMessageProcessing, "decode knowledge_accept: "+err.Error(), nil)
		return
	}
	if req.ID == "" {
		g.sendError(sess, codeRequest, "id is required", nil)
		return
	}
	entry, err := g.know.Accept(req.ID)
	if err != nil {
		g.knowledgeError(sess, err)
		return
	}
	g.send(sess, typeKnowledgeAccepted, knowledgeEntryData{Entry: entry})
}
