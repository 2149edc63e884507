package domain

import "time"

// EpisodeKind classifies an append-only event record.
type EpisodeKind string

const (
	EpisodeLearning  EpisodeKind = "learning"
	EpisodeDecision  EpisodeKind = "decision"
	EpisodeDebugging EpisodeKind = "debugging"
)

// Episode is an append-only record of something that happened. ValidFrom
// is when the event took effect, distinct from CreatedAt; temporal decay
// reads ValidFrom.
type Episode struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id"`
	ProjectID      string      `json:"project_id,omitempty"`
	Name           string      `json:"name"`
	Body           string      `json:"body"`
	Kind           EpisodeKind `json:"kind"`
	ValidFrom      time.Time   `json:"valid_from"`
	CreatedAt      time.Time   `json:"created_at"`
}
