package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/jobs"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

const brainstormSystem = "You propose focused engineering ideas. Reply with one idea " +
	"per line, each line starting with \"- \". No preamble and no numbering."

const synthesisSystem = "You synthesize an answer strictly from the numbered sources " +
	"provided. Cite sources inline as [n]. If the sources do not answer the question, " +
	"say so."

// Brainstorm opens a single-shot ideation session: existing knowledge on
// the topic seeds the prompt, and the proposed ideas stay in the
// transcript until a materialization job turns them into entities.
func (s *Service) Brainstorm(ctx context.Context, orgID string, args jobs.BrainstormArgs) (*jobs.AgentReport, error) {
	if orgID == "" {
		return nil, apperrors.NewValidation("brainstorming requires an organization")
	}
	topic := strings.TrimSpace(args.Topic)
	if topic == "" {
		return nil, apperrors.NewValidation("brainstorming requires a topic")
	}
	count := args.Count
	if count <= 0 {
		count = defaultIdeaCount
	}
	if count > maxIdeaCount {
		count = maxIdeaCount
	}

	sess, err := s.sessions.CreateAgentSession(ctx, domain.AgentSession{
		OrganizationID: orgID,
		ProjectID:      args.ProjectID,
		Kind:           KindBrainstorm,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.appendMessage(ctx, sess, roleUser, topic); err != nil {
		return nil, err
	}

	knowledge := s.relatedKnowledge(ctx, sess, topic)
	reply, err := s.complete(ctx, brainstormSystem, brainstormPrompt(topic, count, knowledge))
	if err != nil {
		s.failSession(ctx, sess)
		return nil, apperrors.Wrap(err, "brainstorming completion failed")
	}
	ideas := parseIdeas(reply, count)
	if _, err := s.appendMessage(ctx, sess, roleAssistant, reply); err != nil {
		return nil, err
	}
	if err := s.setStatus(ctx, sess, StatusCompleted); err != nil {
		return nil, err
	}
	return &jobs.AgentReport{
		SessionID: sess.ID,
		Status:    StatusCompleted,
		Summary:   reply,
		Created:   len(ideas),
	}, nil
}

// Synthesize answers a question from stored knowledge only: the top
// matches become numbered sources and the model writes against them.
// With no matching sources there is nothing to synthesize from, so the
// session completes with a plain negative instead of an invented answer.
func (s *Service) Synthesize(ctx context.Context, orgID string, args jobs.SynthesisArgs) (*jobs.AgentReport, error) {
	if orgID == "" {
		return nil, apperrors.NewValidation("synthesis requires an organization")
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return nil, apperrors.NewValidation("synthesis requires a query")
	}

	sess, err := s.sessions.CreateAgentSession(ctx, domain.AgentSession{
		OrganizationID: orgID,
		ProjectID:      args.ProjectID,
		Kind:           KindSynthesis,
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.appendMessage(ctx, sess, roleUser, query); err != nil {
		return nil, err
	}

	sources := s.relatedKnowledge(ctx, sess, query)
	summary := "No stored knowledge matched the query."
	if len(sources) > 0 {
		summary, err = s.complete(ctx, synthesisSystem, synthesisPrompt(query, sources))
		if err != nil {
			s.failSession(ctx, sess)
			return nil, apperrors.Wrap(err, "synthesis completion failed")
		}
	}
	if _, err := s.appendMessage(ctx, sess, roleAssistant, summary); err != nil {
		return nil, err
	}
	if err := s.setStatus(ctx, sess, StatusCompleted); err != nil {
		return nil, err
	}
	return &jobs.AgentReport{SessionID: sess.ID, Status: StatusCompleted, Summary: summary}, nil
}

// Materialize writes a finished session's output into the knowledge
// store: brainstorm ideas become task entities, anything else lands as
// one learning episode. The entity write path derives deterministic IDs
// from (org, type, name), so re-running a materialization converges
// instead of duplicating.
func (s *Service) Materialize(ctx context.Context, orgID string, args jobs.MaterializeArgs) (*jobs.AgentReport, error) {
	if orgID == "" {
		return nil, apperrors.NewValidation("materialization requires an organization")
	}
	if strings.TrimSpace(args.SessionID) == "" {
		return nil, apperrors.NewValidation("materialization requires a session")
	}
	if s.writer == nil {
		return nil, apperrors.NewInternal("agent runner has no knowledge writer", nil)
	}

	sess, err := s.sessions.GetAgentSession(ctx, orgID, args.SessionID)
	if err != nil {
		return nil, err
	}
	history, err := s.sessions.ListAgentMessages(ctx, orgID, sess.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	output := lastContent(history, roleAssistant)
	if output == "" {
		return nil, apperrors.NewValidation("session has no agent output to materialize")
	}
	projectID := args.ProjectID
	if projectID == "" {
		projectID = sess.ProjectID
	}

	var (
		created int
		failed  int
		summary string
	)
	switch sess.Kind {
	case KindBrainstorm:
		ideas := parseIdeas(output, maxIdeaCount)
		if len(ideas) == 0 {
			return nil, apperrors.NewValidation("session output holds no idea lines")
		}
		for _, idea := range ideas {
			_, err := s.writer.AddEntity(ctx, orgID, jobs.AddEntityArgs{
				Type:      string(domain.EntityTask),
				Name:      clip(idea, maxEntityName),
				Content:   idea,
				ProjectID: projectID,
				Metadata:  map[string]string{"origin": KindBrainstorm, "session_id": sess.ID},
			})
			if err != nil {
				failed++
				s.logger.Warn("idea did not materialize",
					zap.String("session_id", sess.ID), zap.String("idea", idea), zap.Error(err))
				continue
			}
			created++
		}
		if created == 0 {
			return nil, apperrors.NewInternal("no idea could be materialized", nil)
		}
		summary = fmt.Sprintf("materialized %d of %d ideas into tasks", created, len(ideas))
	default:
		// Execution and synthesis outcomes land as one learning episode.
		if _, err := s.writer.CreateEpisode(ctx, orgID, jobs.EpisodeArgs{
			Name:      clip(sess.Kind+" outcome: "+oneLine(firstUserContent(history)), maxEntityName),
			Body:      output,
			ProjectID: projectID,
		}); err != nil {
			return nil, err
		}
		created = 1
		summary = "captured the session outcome as a learning episode"
	}

	if _, err := s.appendMessage(ctx, sess, roleSystem, summary); err != nil {
		return nil, err
	}
	status := StatusCompleted
	if failed > 0 {
		status = StatusPartial
	}
	return &jobs.AgentReport{SessionID: sess.ID, Status: status, Summary: summary, Created: created}, nil
}

func brainstormPrompt(topic string, count int, knowledge []search.Item) string {
	var b strings.Builder
	if len(knowledge) > 0 {
		b.WriteString("Existing knowledge on the topic:\n")
		for _, item := range knowledge {
			b.WriteString("- " + itemLine(item) + "\n")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Propose %d distinct ideas for: %s\n", count, topic)
	return b.String()
}

func synthesisPrompt(query string, sources []search.Item) string {
	var b strings.Builder
	b.WriteString("Sources:\n")
	for i, item := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, itemLine(item))
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", query)
	return b.String()
}

// parseIdeas reads "- " or "* " bullet lines out of a reply, at most max.
func parseIdeas(reply string, max int) []string {
	ideas := make([]string, 0, max)
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "- ")
		if !ok {
			rest, ok = strings.CutPrefix(line, "* ")
		}
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest == "" {
			continue
		}
		ideas = append(ideas, rest)
		if len(ideas) == max {
			break
		}
	}
	return ideas
}
