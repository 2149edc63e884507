package events

import (
	"time"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
)

// Emitter is the typed face of the fabric: one method per event name so
// payload shapes stay consistent no matter which service emits. Payloads
// carry identifiers, not content; clients refetch what they need.
type Emitter struct {
	fabric Broadcaster
}

// NewEmitter wraps a fabric. A nil fabric yields an emitter that drops
// everything, which keeps worker wiring optional.
func NewEmitter(fabric Broadcaster) *Emitter {
	if fabric == nil {
		fabric = NopBroadcaster{}
	}
	return &Emitter{fabric: fabric}
}

func (e *Emitter) EntityCreated(orgID string, ent *domain.Entity) {
	e.fabric.Broadcast(EventEntityCreated, entityRef(ent), Org(orgID))
}

func (e *Emitter) EntityUpdated(orgID string, ent *domain.Entity) {
	e.fabric.Broadcast(EventEntityUpdated, entityRef(ent), Org(orgID))
}

func (e *Emitter) EntityDeleted(orgID, entityID string) {
	e.fabric.Broadcast(EventEntityDeleted, map[string]string{"id": entityID}, Org(orgID))
}

func (e *Emitter) TaskTransitioned(orgID, entityID, from, to string) {
	e.fabric.Broadcast(EventTaskTransitioned, map[string]string{
		"id":   entityID,
		"from": from,
		"to":   to,
	}, Org(orgID))
}

func (e *Emitter) SearchComplete(orgID, query string, total int, took time.Duration) {
	e.fabric.Broadcast(EventSearchComplete, map[string]any{
		"query":   query,
		"total":   total,
		"took_ms": took.Milliseconds(),
	}, Org(orgID))
}

func (e *Emitter) CrawlStarted(orgID, sourceID, jobID string) {
	e.fabric.Broadcast(EventCrawlStarted, map[string]string{
		"source_id": sourceID,
		"job_id":    jobID,
	}, Org(orgID))
}

func (e *Emitter) CrawlProgress(orgID, sourceID string, fetched, failed int) {
	e.fabric.Broadcast(EventCrawlProgress, map[string]any{
		"source_id":     sourceID,
		"pages_fetched": fetched,
		"pages_failed":  failed,
	}, Org(orgID))
}

func (e *Emitter) CrawlComplete(orgID, sourceID, status string, documents, chunks int) {
	e.fabric.Broadcast(EventCrawlComplete, map[string]any{
		"source_id": sourceID,
		"status":    status,
		"documents": documents,
		"chunks":    chunks,
	}, Org(orgID))
}

func (e *Emitter) AgentStatus(orgID, sessionID, status string) {
	e.fabric.Broadcast(EventAgentStatus, map[string]string{
		"session_id": sessionID,
		"status":     status,
	}, Org(orgID))
}

func (e *Emitter) AgentMessage(orgID, sessionID, role, content string) {
	e.fabric.Broadcast(EventAgentMessage, map[string]string{
		"session_id": sessionID,
		"role":       role,
		"content":    content,
	}, Org(orgID))
}

func entityRef(ent *domain.Entity) map[string]any {
	if ent == nil {
		return map[string]any{}
	}
	return map[string]any{
		"id":         ent.ID,
		"type":       ent.Type,
		"name":       ent.Name,
		"project_id": ent.ProjectID,
	}
}
