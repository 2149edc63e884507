// Package events is the realtime fabric: the event taxonomy every surface
// emits, the envelope that crosses node boundaries, and the Redis bridge
// that fans local broadcasts out to every node in the cluster. Delivery is
// fire-and-forget end to end; nothing in this package blocks a writer.
package events

import (
	"encoding/json"
	"time"
)

// Event names. Writers use these constants so the stream stays greppable;
// free-form names do not reach connected clients.
const (
	EventEntityCreated     = "entity_created"
	EventEntityUpdated     = "entity_updated"
	EventEntityDeleted     = "entity_deleted"
	EventTaskTransitioned  = "task_transitioned"
	EventApprovalRequested = "approval_requested"
	EventApprovalAnswered  = "approval_answered"
	EventCrawlStarted      = "crawl_started"
	EventCrawlProgress     = "crawl_progress"
	EventCrawlComplete     = "crawl_complete"
	EventSearchComplete    = "search_complete"
	EventAgentMessage      = "agent_message"
	EventAgentStatus       = "agent_status"

	// EventHealthUpdate is the one event that always goes out unscoped,
	// so unauthenticated connections see it too.
	EventHealthUpdate = "health_update"
)

// ChannelEvents is the shared pub/sub channel carrying every cross-node
// broadcast. Each node subscribes once and mirrors received envelopes into
// its local connection registry.
const ChannelEvents = "sibyl:websocket:events"

const (
	approvalChannelPrefix = "sibyl:approval:"
	questionChannelPrefix = "sibyl:question:"
)

// ApprovalChannel returns the per-approval request/response channel.
func ApprovalChannel(approvalID string) string {
	return approvalChannelPrefix + approvalID
}

// QuestionChannel returns the per-question request/response channel.
func QuestionChannel(questionID string) string {
	return questionChannelPrefix + questionID
}

// Envelope is the wire record exchanged on ChannelEvents. OrgID nil means
// the event is system-wide and every connection receives it.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	OrgID     *string         `json:"org_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broadcaster is what writers depend on to emit events. The payload is
// marshalled once by the implementation; marshal failures are logged and
// swallowed because event delivery never fails a write.
type Broadcaster interface {
	Broadcast(event string, payload any, orgID *string)
}

// LocalBroadcaster delivers an already-marshalled event to the connections
// held by this process. The websocket hub implements it.
type LocalBroadcaster interface {
	BroadcastLocal(event string, data json.RawMessage, orgID *string)
}

// Org is a convenience for building the org scope of a Broadcast call.
func Org(orgID string) *string {
	return &orgID
}

// NopBroadcaster discards every event. Workers and tests that do not care
// about the fabric use it instead of nil checks.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, any, *string) {}
