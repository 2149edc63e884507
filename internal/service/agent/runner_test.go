package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/events"
	"github.com/zhangjihua396/sibyl-sub003/internal/jobs"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	"github.com/zhangjihua396/sibyl-sub003/internal/store/relational"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// fabricRecorder captures emitted events without a fabric round trip.
type fabricRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	name    string
	payload json.RawMessage
	orgID   *string
}

func (r *fabricRecorder) Broadcast(event string, payload any, orgID *string) {
	raw, _ := json.Marshal(payload)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: event, payload: raw, orgID: orgID})
}

func (r *fabricRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

func (r *fabricRecorder) last() recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// scriptedCompleter pops queued replies in order. An exhausted script
// returns an error, so an unexpected extra completion fails the test.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	systems []string
	prompts []string
}

func (c *scriptedCompleter) push(replies ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, replies...)
}

func (c *scriptedCompleter) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *scriptedCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systems = append(c.systems, system)
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	if len(c.replies) == 0 {
		return "", errors.New("completion script exhausted")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

func (c *scriptedCompleter) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}

type stubSearcher struct {
	mu        sync.Mutex
	items     []search.Item
	err       error
	lastQuery string
	lastAcc   domain.AccessFilter
	lastOpts  search.Options
}

func (s *stubSearcher) Search(_ context.Context, access domain.AccessFilter, query string, opts search.Options) (*search.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQuery = query
	s.lastAcc = access
	s.lastOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return &search.Response{Items: s.items, Total: len(s.items), Query: query}, nil
}

// recordingWriter stands in for the knowledge write path.
type recordingWriter struct {
	mu       sync.Mutex
	added    []jobs.AddEntityArgs
	episodes []jobs.EpisodeArgs
	failWith map[string]error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{failWith: make(map[string]error)}
}

func (w *recordingWriter) AddEntity(_ context.Context, _ string, args jobs.AddEntityArgs) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failWith[args.Name]; err != nil {
		return "", err
	}
	w.added = append(w.added, args)
	return fmt.Sprintf("ent-%d", len(w.added)), nil
}

func (w *recordingWriter) UpdateEntity(context.Context, string, jobs.UpdateEntityArgs) error {
	return nil
}

func (w *recordingWriter) CreateEpisode(_ context.Context, _ string, args jobs.EpisodeArgs) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.episodes = append(w.episodes, args)
	return fmt.Sprintf("ep-%d", len(w.episodes)), nil
}

type fixture struct {
	store     *relational.Fake
	completer *scriptedCompleter
	searcher  *stubSearcher
	writer    *recordingWriter
	fabric    *fabricRecorder
	svc       *Service
}

const testOrg = "org-agents"

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     relational.NewFake(),
		completer: &scriptedCompleter{},
		searcher:  &stubSearcher{},
		writer:    newRecordingWriter(),
		fabric:    &fabricRecorder{},
	}
	base := []Option{
		WithSearcher(f.searcher),
		WithWriter(f.writer),
		WithEmitter(events.NewEmitter(f.fabric)),
	}
	f.svc = NewService(f.store, f.completer, zap.NewNop(), append(base, opts...)...)
	return f
}

func (f *fixture) seedSession(t *testing.T, id, kind, status, projectID string) {
	t.Helper()
	_, err := f.store.CreateAgentSession(context.Background(), domain.AgentSession{
		ID:             id,
		OrganizationID: testOrg,
		ProjectID:      projectID,
		Kind:           kind,
		Status:         status,
	})
	require.NoError(t, err)
}

func (f *fixture) seedMessage(t *testing.T, sessionID, role, content string) {
	t.Helper()
	_, err := f.store.AppendAgentMessage(context.Background(), domain.AgentMessage{
		SessionID: sessionID,
		OrgID:     testOrg,
		Role:      role,
		Content:   content,
	})
	require.NoError(t, err)
}

func (f *fixture) messages(t *testing.T, sessionID string) []domain.AgentMessage {
	t.Helper()
	msgs, err := f.store.ListAgentMessages(context.Background(), testOrg, sessionID, 0)
	require.NoError(t, err)
	return msgs
}

func roles(msgs []domain.AgentMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func redisClient(t *testing.T, addr string) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// observeChannel taps a question channel so the test can see the request
// frame before answering it.
func observeChannel(t *testing.T, addr, channel string) <-chan *redis.Message {
	t.Helper()
	sub := redisClient(t, addr).Subscribe(context.Background(), channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)
	return sub.Channel()
}

func TestRunCompletesSimpleGoal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = []search.Item{
		{Origin: search.OriginGraph, Name: "Deploy runbook", Snippet: "Use the blue/green pipeline."},
		{Origin: search.OriginDocument, Name: "Pipeline docs", Content: "Stages run in order."},
	}
	f.completer.push("Ship it with the blue/green pipeline, then verify health checks.")

	report, err := f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{Goal: "Ship the payments service"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, "Ship it with the blue/green pipeline, then verify health checks.", report.Summary)
	require.NotEmpty(t, report.SessionID)

	sess, err := f.store.GetAgentSession(ctx, testOrg, report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, KindExecution, sess.Kind)
	assert.Equal(t, StatusCompleted, sess.Status)

	msgs := f.messages(t, report.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"user", "assistant"}, roles(msgs))
	assert.Equal(t, "Ship the payments service", msgs[0].Content)

	prompts := f.completer.seen()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Deploy runbook: Use the blue/green pipeline.")
	assert.Contains(t, prompts[0], "Pipeline docs: Stages run in order.")
	assert.Contains(t, prompts[0], "user: Ship the payments service")

	// The worker reads the whole tenant when no project scopes the session.
	assert.True(t, f.searcher.lastAcc.Projects.IsMigrationMode())
	assert.Equal(t, "Ship the payments service", f.searcher.lastQuery)

	assert.Equal(t, []string{"agent_message", "agent_message", "agent_status"}, f.fabric.names())
}

func TestRunValidatesArguments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Run(ctx, "", jobs.AgentRunArgs{Goal: "x"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{Goal: "   "})
	assert.True(t, apperrors.IsValidation(err))
}

func TestRunScopesContextToSessionProject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completer.push("Done.")

	_, err := f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{Goal: "Audit the API", ProjectID: "proj-g7"})
	require.NoError(t, err)

	assert.Equal(t, testOrg, f.searcher.lastAcc.OrgID)
	assert.True(t, f.searcher.lastAcc.Projects.Contains("proj-g7"))
	assert.True(t, f.searcher.lastOpts.IncludeGraph)
	assert.True(t, f.searcher.lastOpts.IncludeDocuments)
	assert.True(t, f.searcher.lastOpts.BoostRecent)
	require.NotNil(t, f.searcher.lastOpts.Limit)
	assert.Equal(t, contextLimit, *f.searcher.lastOpts.Limit)
}

func TestRunSurvivesContextSearchFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.err = errors.New("engine down")
	f.completer.push("Completed without context.")

	report, err := f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{Goal: "Tidy the backlog"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.NotContains(t, f.completer.seen()[0], "Relevant knowledge:")
}

func TestRunReusesPreparedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "sess-pre", KindExecution, "", "")
	f.completer.push("Done.")

	report, err := f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{SessionID: "sess-pre", Goal: "Do the thing"})
	require.NoError(t, err)
	assert.Equal(t, "sess-pre", report.SessionID)
	assert.Len(t, f.messages(t, "sess-pre"), 2)

	f.seedSession(t, "sess-brain", KindBrainstorm, "", "")
	_, err = f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{SessionID: "sess-brain", Goal: "Do"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{SessionID: "sess-nope", Goal: "Do"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRunParksOnQuestionWithoutApprovals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completer.push("QUESTION: Which region should the failover target?")

	report, err := f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{Goal: "Set up failover"})
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, report.Status)
	assert.Equal(t, "Which region should the failover target?", report.Summary)

	sess, err := f.store.GetAgentSession(ctx, testOrg, report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, sess.Status)

	msgs := f.messages(t, report.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "QUESTION: Which region should the failover target?", msgs[1].Content)
}

func TestRunAnswersQuestionThroughChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFixture(t,
		WithApprovals(events.NewApprovals(redisClient(t, mr.Addr()), nil, nil)),
		WithWaitTimeout(5*time.Second))
	f.seedSession(t, "sess-q", KindExecution, "", "")
	f.completer.push("QUESTION: Which region?", "Deploy to eu-west-1 behind the existing LB.")

	answerer := events.NewApprovals(redisClient(t, mr.Addr()), nil, nil)
	requests := observeChannel(t, mr.Addr(), events.QuestionChannel("sess-q"))
	done := make(chan error, 1)
	go func() {
		select {
		case <-requests:
			time.Sleep(100 * time.Millisecond)
			_, err := answerer.AnswerQuestion(context.Background(), testOrg, "sess-q",
				map[string]string{"answer": "eu-west-1"})
			done <- err
		case <-time.After(3 * time.Second):
			done <- fmt.Errorf("question never reached the channel")
		}
	}()

	report, err := f.svc.Run(context.Background(), testOrg,
		jobs.AgentRunArgs{SessionID: "sess-q", Goal: "Pick a deployment region"})
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, "Deploy to eu-west-1 behind the existing LB.", report.Summary)

	msgs := f.messages(t, "sess-q")
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"}, roles(msgs))
	assert.Equal(t, "eu-west-1", msgs[2].Content)

	sess, err := f.store.GetAgentSession(context.Background(), testOrg, "sess-q")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestRunRespectsQuestionRoundCap(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFixture(t,
		WithApprovals(events.NewApprovals(redisClient(t, mr.Addr()), nil, nil)),
		WithWaitTimeout(5*time.Second),
		WithQuestionRounds(2))
	f.seedSession(t, "sess-cap", KindExecution, "", "")
	f.completer.push("QUESTION: A?", "QUESTION: B?")

	answerer := events.NewApprovals(redisClient(t, mr.Addr()), nil, nil)
	requests := observeChannel(t, mr.Addr(), events.QuestionChannel("sess-cap"))
	done := make(chan error, 1)
	go func() {
		select {
		case <-requests:
			time.Sleep(100 * time.Millisecond)
			_, err := answerer.AnswerQuestion(context.Background(), testOrg, "sess-cap",
				map[string]string{"answer": "answer A"})
			done <- err
		case <-time.After(3 * time.Second):
			done <- fmt.Errorf("question never reached the channel")
		}
	}()

	report, err := f.svc.Run(context.Background(), testOrg,
		jobs.AgentRunArgs{SessionID: "sess-cap", Goal: "Long mission"})
	require.NoError(t, err)
	require.NoError(t, <-done)

	// The second question exhausts the round cap and parks the session.
	assert.Equal(t, StatusWaiting, report.Status)
	assert.Equal(t, "B?", report.Summary)
	require.Len(t, f.messages(t, "sess-cap"), 4)

	sess, err := f.store.GetAgentSession(context.Background(), testOrg, "sess-cap")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, sess.Status)
}

func TestRunIdempotentOnCompletedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completer.push("All finished.")

	first, err := f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{Goal: "Close out the sprint"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, first.Status)

	// The script is exhausted: a second completion would error, so the
	// retry must answer from the stored transcript.
	again, err := f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{SessionID: first.SessionID, Goal: "Close out the sprint"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, "All finished.", again.Summary)
	assert.Len(t, f.completer.seen(), 1)
	assert.Len(t, f.messages(t, first.SessionID), 2)
}

func TestRunMarksSessionFailedOnCompleterError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "sess-err", KindExecution, "", "")
	f.completer.fail(errors.New("provider down"))

	_, err := f.svc.Run(ctx, testOrg, jobs.AgentRunArgs{SessionID: "sess-err", Goal: "Anything"})
	require.Error(t, err)

	sess, getErr := f.store.GetAgentSession(ctx, testOrg, "sess-err")
	require.NoError(t, getErr)
	assert.Equal(t, StatusFailed, sess.Status)

	last := f.fabric.last()
	assert.Equal(t, "agent_status", last.name)
	assert.JSONEq(t, `{"session_id":"sess-err","status":"failed"}`, string(last.payload))
}

func TestResumeContinuesWaitingSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "sess-w", KindExecution, StatusWaiting, "")
	f.seedMessage(t, "sess-w", "user", "Migrate the database")
	f.seedMessage(t, "sess-w", "assistant", "QUESTION: Postgres or MySQL?")
	f.completer.push("Migration plan written for postgres.")

	report, err := f.svc.Resume(ctx, testOrg, jobs.AgentResumeArgs{SessionID: "sess-w", Answer: "Use postgres."})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, "Migration plan written for postgres.", report.Summary)

	msgs := f.messages(t, "sess-w")
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"}, roles(msgs))

	prompt := f.completer.seen()[0]
	assert.Contains(t, prompt, "assistant: QUESTION: Postgres or MySQL?")
	assert.Contains(t, prompt, "user: Use postgres.")

	sess, err := f.store.GetAgentSession(ctx, testOrg, "sess-w")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestResumeReplaysCompletedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "sess-done", KindExecution, StatusCompleted, "")
	f.seedMessage(t, "sess-done", "user", "Original goal")
	f.seedMessage(t, "sess-done", "assistant", "Finished earlier.")

	report, err := f.svc.Resume(ctx, testOrg, jobs.AgentResumeArgs{SessionID: "sess-done", Answer: "ack"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, "Finished earlier.", report.Summary)
	assert.Empty(t, f.completer.seen())
	assert.Len(t, f.messages(t, "sess-done"), 2)
}

func TestResumeValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Resume(ctx, "", jobs.AgentResumeArgs{SessionID: "s", Answer: "a"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Resume(ctx, testOrg, jobs.AgentResumeArgs{Answer: "a"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Resume(ctx, testOrg, jobs.AgentResumeArgs{SessionID: "s", Answer: "  "})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Resume(ctx, testOrg, jobs.AgentResumeArgs{SessionID: "missing", Answer: "a"})
	assert.True(t, apperrors.IsNotFound(err))

	f.seedSession(t, "sess-syn", KindSynthesis, "", "")
	_, err = f.svc.Resume(ctx, testOrg, jobs.AgentResumeArgs{SessionID: "sess-syn", Answer: "a"})
	assert.True(t, apperrors.IsValidation(err))
}
