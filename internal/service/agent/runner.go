// Package agent runs the LLM-backed workflows: resumable execution
// sessions, brainstorming, knowledge synthesis, and materializing a
// session's output back into the graph. Every turn is persisted through
// the relational store, so a run that parks on a human question can be
// picked up later by a resume job with nothing lost.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/jobs"
	"github.com/zhangjihua396/sibyl-sub003/internal/llm"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Session kinds.
const (
	KindExecution  = "execution"
	KindBrainstorm = "brainstorm"
	KindSynthesis  = "synthesis"
)

// Session statuses. StatusPartial appears only in materialization
// reports, never on a session row.
const (
	StatusActive    = "active"
	StatusWaiting   = "waiting_input"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// Message roles as persisted in a session transcript.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleSystem    = "system"
)

const (
	defaultQuestionRounds = 3
	historyLimit          = 200
	contextLimit          = 5
	defaultIdeaCount      = 5
	maxIdeaCount          = 10
	maxEntityName         = 120
	sourceClip            = 240
)

// questionPrefix is the marker the model uses to hand control back to a
// human. Anything else is treated as a final answer.
const questionPrefix = "QUESTION:"

const executionSystem = "You are an execution agent working against an engineering " +
	"knowledge base. Work toward the stated goal. When a decision only a human can " +
	"make blocks you, reply with one line starting with QUESTION: and nothing else. " +
	"Otherwise reply with your result in plain prose."

// Sessions is the slice of the relational store the runner persists
// sessions and transcripts through.
type Sessions interface {
	CreateAgentSession(ctx context.Context, sess domain.AgentSession) (*domain.AgentSession, error)
	GetAgentSession(ctx context.Context, orgID, id string) (*domain.AgentSession, error)
	SetAgentSessionStatus(ctx context.Context, orgID, id, status string) error
	AppendAgentMessage(ctx context.Context, msg domain.AgentMessage) (*domain.AgentMessage, error)
	ListAgentMessages(ctx context.Context, orgID, sessionID string, limit int) ([]domain.AgentMessage, error)
}

// Searcher is the slice of the unified search pipeline the flows pull
// context through.
type Searcher interface {
	Search(ctx context.Context, access domain.AccessFilter, query string, opts search.Options) (*search.Response, error)
}

// Service drives the agent job kinds. Run and Resume converse through
// the completion client and park on questions; Brainstorm and Synthesize
// are single-shot flows; Materialize writes a finished session's output
// into the knowledge graph.
type Service struct {
	sessions  Sessions
	completer llm.Completer
	searcher  Searcher
	writer    jobs.KnowledgeWriter
	approvals *events.Approvals
	emitter   *events.Emitter
	logger    *zap.Logger

	waitTimeout    time.Duration
	questionRounds int
}

var _ jobs.AgentRunner = (*Service)(nil)

// Option adjusts optional collaborators.
type Option func(*Service)

// WithSearcher lets flows pull related knowledge into their prompts.
func WithSearcher(searcher Searcher) Option {
	return func(s *Service) { s.searcher = searcher }
}

// WithWriter enables materialization through the knowledge write path.
func WithWriter(writer jobs.KnowledgeWriter) Option {
	return func(s *Service) { s.writer = writer }
}

// WithApprovals lets a run block on its question for a while before
// parking; without it every question parks immediately.
func WithApprovals(approvals *events.Approvals) Option {
	return func(s *Service) { s.approvals = approvals }
}

// WithEmitter publishes agent_status and agent_message events.
func WithEmitter(emitter *events.Emitter) Option {
	return func(s *Service) {
		if emitter != nil {
			s.emitter = emitter
		}
	}
}

// WithWaitTimeout bounds the in-process wait for a question's answer.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// WithQuestionRounds caps how many questions one run may ask before it
// parks for good.
func WithQuestionRounds(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.questionRounds = n
		}
	}
}

func NewService(sessions Sessions, completer llm.Completer, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		sessions:       sessions,
		completer:      completer,
		emitter:        events.NewEmitter(nil),
		logger:         logger,
		waitTimeout:    events.DefaultWaitTimeout,
		questionRounds: defaultQuestionRounds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts (or retries) an execution session toward a goal. A caller
// that pre-created the session row passes its ID so the run stays
// addressable while queued; otherwise a fresh session is opened.
// Completed sessions replay their recorded outcome, which keeps retried
// jobs idempotent.
func (s *Service) Run(ctx context.Context, orgID string, args jobs.AgentRunArgs) (*jobs.AgentReport, error) {
	if orgID == "" {
		return nil, apperrors.NewValidation("agent run requires an organization")
	}
	goal := strings.TrimSpace(args.Goal)
	if goal == "" {
		return nil, apperrors.NewValidation("agent run requires a goal")
	}

	sess, err := s.openSession(ctx, orgID, args.SessionID, args.ProjectID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusCompleted {
		return s.replayReport(ctx, sess)
	}

	history, err := s.sessions.ListAgentMessages(ctx, orgID, sess.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		msg, err := s.appendMessage(ctx, sess, roleUser, goal)
		if err != nil {
			return nil, err
		}
		history = append(history, *msg)
	}
	return s.converse(ctx, sess, history)
}

// Resume feeds a user's answer into a parked execution session and keeps
// conversing from the recorded transcript.
func (s *Service) Resume(ctx context.Context, orgID string, args jobs.AgentResumeArgs) (*jobs.AgentReport, error) {
	if orgID == "" {
		return nil, apperrors.NewValidation("agent resume requires an organization")
	}
	if strings.TrimSpace(args.SessionID) == "" {
		return nil, apperrors.NewValidation("agent resume requires a session")
	}
	answer := strings.TrimSpace(args.Answer)
	if answer == "" {
		return nil, apperrors.NewValidation("agent resume requires an answer")
	}

	sess, err := s.sessions.GetAgentSession(ctx, orgID, args.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Kind != KindExecution {
		return nil, apperrors.NewValidationf("session %s is a %s session; only executions resume", sess.ID, sess.Kind)
	}
	if sess.Status == StatusCompleted {
		return s.replayReport(ctx, sess)
	}

	if _, err := s.appendMessage(ctx, sess, roleUser, answer); err != nil {
		return nil, err
	}
	history, err := s.sessions.ListAgentMessages(ctx, orgID, sess.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	return s.converse(ctx, sess, history)
}

// openSession loads the caller's pre-created session or opens a new one.
func (s *Service) openSession(ctx context.Context, orgID, sessionID, projectID string) (*domain.AgentSession, error) {
	if sessionID != "" {
		sess, err := s.sessions.GetAgentSession(ctx, orgID, sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Kind != KindExecution {
			return nil, apperrors.NewValidationf("session %s is a %s session, not an execution", sess.ID, sess.Kind)
		}
		return sess, nil
	}
	return s.sessions.CreateAgentSession(ctx, domain.AgentSession{
		OrganizationID: orgID,
		ProjectID:      projectID,
		Kind:           KindExecution,
	})
}

// converse drives the completion loop: answer, or ask and wait. The loop
// is bounded; a model that keeps asking parks the session instead of
// spinning.
func (s *Service) converse(ctx context.Context, sess *domain.AgentSession, history []domain.AgentMessage) (*jobs.AgentReport, error) {
	knowledge := s.relatedKnowledge(ctx, sess, firstUserContent(history))
	if err := s.setStatus(ctx, sess, StatusActive); err != nil {
		return nil, err
	}

	for round := 0; ; round++ {
		reply, err := s.complete(ctx, executionSystem, executionPrompt(knowledge, history))
		if err != nil {
			s.failSession(ctx, sess)
			return nil, apperrors.Wrap(err, "agent completion failed")
		}
		msg, err := s.appendMessage(ctx, sess, roleAssistant, reply)
		if err != nil {
			return nil, err
		}
		history = append(history, *msg)

		question, ok := splitQuestion(reply)
		if !ok {
			if err := s.setStatus(ctx, sess, StatusCompleted); err != nil {
				return nil, err
			}
			return &jobs.AgentReport{SessionID: sess.ID, Status: StatusCompleted, Summary: reply}, nil
		}

		if err := s.setStatus(ctx, sess, StatusWaiting); err != nil {
			return nil, err
		}
		if s.approvals == nil || round+1 >= s.questionRounds {
			return &jobs.AgentReport{SessionID: sess.ID, Status: StatusWaiting, Summary: question}, nil
		}
		answer, err := s.awaitAnswer(ctx, sess, question)
		if err != nil {
			return nil, err
		}
		if answer == "" {
			// Nobody answered inside the window; a resume job takes over.
			return &jobs.AgentReport{SessionID: sess.ID, Status: StatusWaiting, Summary: question}, nil
		}
		msg, err = s.appendMessage(ctx, sess, roleUser, answer)
		if err != nil {
			return nil, err
		}
		history = append(history, *msg)
		if err := s.setStatus(ctx, sess, StatusActive); err != nil {
			return nil, err
		}
	}
}

// questionPayload is what a waiting run announces on its channel.
type questionPayload struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

// answerPayload is the response shape the API publishes back.
type answerPayload struct {
	Answer string `json:"answer"`
}

func (s *Service) awaitAnswer(ctx context.Context, sess *domain.AgentSession, question string) (string, error) {
	raw, err := s.approvals.AwaitQuestionAnswer(ctx, sess.OrganizationID, sess.ID,
		questionPayload{SessionID: sess.ID, Question: question}, s.waitTimeout)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", nil
	}
	var ans answerPayload
	if err := json.Unmarshal(raw, &ans); err != nil {
		s.logger.Warn("agent answer payload is malformed",
			zap.String("session_id", sess.ID), zap.Error(err))
		return "", nil
	}
	return strings.TrimSpace(ans.Answer), nil
}

// replayReport answers a retried job from the recorded transcript
// without running the model again.
func (s *Service) replayReport(ctx context.Context, sess *domain.AgentSession) (*jobs.AgentReport, error) {
	history, err := s.sessions.ListAgentMessages(ctx, sess.OrganizationID, sess.ID, historyLimit)
	if err != nil {
		return nil, err
	}
	return &jobs.AgentReport{
		SessionID: sess.ID,
		Status:    StatusCompleted,
		Summary:   lastContent(history, roleAssistant),
	}, nil
}

func (s *Service) complete(ctx context.Context, system, prompt string) (string, error) {
	if s.completer == nil {
		return "", apperrors.NewInternal("agent runner has no completion client", nil)
	}
	reply, err := s.completer.Complete(ctx, system, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// setStatus persists a status change and announces it. Writing the
// current status again is skipped.
func (s *Service) setStatus(ctx context.Context, sess *domain.AgentSession, status string) error {
	if sess.Status == status {
		return nil
	}
	if err := s.sessions.SetAgentSessionStatus(ctx, sess.OrganizationID, sess.ID, status); err != nil {
		return err
	}
	sess.Status = status
	s.emitter.AgentStatus(sess.OrganizationID, sess.ID, status)
	return nil
}

// failSession marks the session failed on a context that survives the
// caller's cancellation, so aborted runs stay diagnosable.
func (s *Service) failSession(ctx context.Context, sess *domain.AgentSession) {
	if err := s.setStatus(context.WithoutCancel(ctx), sess, StatusFailed); err != nil {
		s.logger.Warn("could not mark agent session failed",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *Service) appendMessage(ctx context.Context, sess *domain.AgentSession, role, content string) (*domain.AgentMessage, error) {
	msg, err := s.sessions.AppendAgentMessage(ctx, domain.AgentMessage{
		SessionID: sess.ID,
		OrgID:     sess.OrganizationID,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		return nil, err
	}
	s.emitter.AgentMessage(sess.OrganizationID, sess.ID, role, content)
	return msg, nil
}

// relatedKnowledge pulls the top stored matches for the query. Search is
// an enrichment here: failures degrade to an uninformed prompt.
func (s *Service) relatedKnowledge(ctx context.Context, sess *domain.AgentSession, query string) []search.Item {
	if s.searcher == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	access := domain.AccessFilter{OrgID: sess.OrganizationID}
	if sess.ProjectID != "" {
		access.Projects = domain.NewProjectSet(sess.ProjectID)
	}
	resp, err := s.searcher.Search(ctx, access, query, search.Options{
		Limit:            search.LimitOf(contextLimit),
		IncludeGraph:     true,
		IncludeDocuments: true,
		BoostRecent:      true,
	})
	if err != nil {
		s.logger.Warn("agent context search failed",
			zap.String("session_id", sess.ID), zap.Error(err))
		return nil
	}
	return resp.Items
}

func executionPrompt(knowledge []search.Item, history []domain.AgentMessage) string {
	var b strings.Builder
	if len(knowledge) > 0 {
		b.WriteString("Relevant knowledge:\n")
		for _, item := range knowledge {
			b.WriteString("- " + itemLine(item) + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Conversation so far:\n")
	for _, msg := range history {
		b.WriteString(msg.Role + ": " + msg.Content + "\n")
	}
	b.WriteString("\nContinue toward the goal.")
	return b.String()
}

// splitQuestion extracts the question a reply hands back to a human, if
// any. Only the marker's first line counts.
func splitQuestion(reply string) (string, bool) {
	rest, ok := strings.CutPrefix(reply, questionPrefix)
	if !ok {
		return "", false
	}
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	question := strings.TrimSpace(rest)
	return question, question != ""
}

func firstUserContent(history []domain.AgentMessage) string {
	for _, msg := range history {
		if msg.Role == roleUser {
			return msg.Content
		}
	}
	return ""
}

func lastContent(history []domain.AgentMessage, role string) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == role {
			return history[i].Content
		}
	}
	return ""
}

func itemLine(item search.Item) string {
	text := item.Snippet
	if text == "" {
		text = item.Content
	}
	text = oneLine(text)
	if text == "" {
		return item.Name
	}
	return item.Name + ": " + clip(text, sourceClip)
}

// oneLine collapses all whitespace runs to single spaces.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clip bounds s, preferring to cut on a space.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndexByte(s[:max], ' ')
	if cut < max/2 {
		cut = max
	}
	return strings.TrimSpace(s[:cut]) + "..."
}
