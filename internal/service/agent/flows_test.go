package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangjihua396/sibyl-sub003/internal/jobs"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

func TestBrainstormRecordsIdeas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = []search.Item{
		{Origin: search.OriginGraph, Name: "Cache design notes", Snippet: "LRU with a TTL."},
	}
	reply := "- Add a write-through cache\n- Precompute hot keys\n- Shard the cache by tenant"
	f.completer.push(reply)

	report, err := f.svc.Brainstorm(ctx, testOrg, jobs.BrainstormArgs{
		Topic:     "speed up read paths",
		ProjectID: "proj-ideas",
		Count:     3,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, reply, report.Summary)
	assert.Equal(t, 3, report.Created)

	sess, err := f.store.GetAgentSession(ctx, testOrg, report.SessionID)
	require.NoError(t, err)
	assert.Equal(t, KindBrainstorm, sess.Kind)
	assert.Equal(t, "proj-ideas", sess.ProjectID)
	assert.Equal(t, StatusCompleted, sess.Status)

	msgs := f.messages(t, report.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "speed up read paths", msgs[0].Content)
	assert.Equal(t, reply, msgs[1].Content)

	prompt := f.completer.seen()[0]
	assert.Contains(t, prompt, "Cache design notes: LRU with a TTL.")
	assert.Contains(t, prompt, "Propose 3 distinct ideas for: speed up read paths")
	assert.Equal(t, brainstormSystem, f.completer.systems[0])
	assert.True(t, f.searcher.lastAcc.Projects.Contains("proj-ideas"))
}

func TestBrainstormDefaultsAndCapsCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completer.push(
		"- i1\n- i2\n- i3\n- i4\n- i5\n- i6\n- i7",
		"- only\n- two",
	)

	report, err := f.svc.Brainstorm(ctx, testOrg, jobs.BrainstormArgs{Topic: "anything"})
	require.NoError(t, err)
	assert.Contains(t, f.completer.seen()[0], "Propose 5 distinct ideas")
	assert.Equal(t, 5, report.Created)

	report, err = f.svc.Brainstorm(ctx, testOrg, jobs.BrainstormArgs{Topic: "anything", Count: 99})
	require.NoError(t, err)
	assert.Contains(t, f.completer.seen()[1], "Propose 10 distinct ideas")
	assert.Equal(t, 2, report.Created)
}

func TestBrainstormValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Brainstorm(ctx, "", jobs.BrainstormArgs{Topic: "x"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Brainstorm(ctx, testOrg, jobs.BrainstormArgs{Topic: "  "})
	assert.True(t, apperrors.IsValidation(err))
}

func TestBrainstormMarksSessionFailedOnCompleterError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completer.fail(errors.New("provider down"))

	_, err := f.svc.Brainstorm(ctx, testOrg, jobs.BrainstormArgs{Topic: "resilience"})
	require.Error(t, err)

	// The session ID only travels in the status event here, so read it back.
	last := f.fabric.last()
	require.Equal(t, "agent_status", last.name)
	var status struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(last.payload, &status))
	assert.Equal(t, StatusFailed, status.Status)

	sess, err := f.store.GetAgentSession(ctx, testOrg, status.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sess.Status)
}

func TestSynthesizeAnswersFromSources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.searcher.items = []search.Item{
		{Origin: search.OriginGraph, Name: "RFC 42", Snippet: "Writes go through the queue."},
		{Origin: search.OriginDocument, Name: "Ops notes", Content: "The cache is flushed nightly."},
	}
	f.completer.push("Writes go through the queue [1] and the cache flushes nightly [2].")

	report, err := f.svc.Synthesize(ctx, testOrg, jobs.SynthesisArgs{Query: "how do cache writes work?"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, "Writes go through the queue [1] and the cache flushes nightly [2].", report.Summary)

	prompt := f.completer.seen()[0]
	assert.Contains(t, prompt, "[1] RFC 42: Writes go through the queue.")
	assert.Contains(t, prompt, "[2] Ops notes: The cache is flushed nightly.")
	assert.Contains(t, prompt, "Question: how do cache writes work?")
	assert.Equal(t, synthesisSystem, f.completer.systems[0])

	msgs := f.messages(t, report.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, report.Summary, msgs[1].Content)
}

func TestSynthesizeWithoutSourcesSkipsTheModel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	report, err := f.svc.Synthesize(ctx, testOrg, jobs.SynthesisArgs{Query: "anything known?"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, "No stored knowledge matched the query.", report.Summary)
	assert.Empty(t, f.completer.seen())

	msgs := f.messages(t, report.SessionID)
	require.Len(t, msgs, 2)
	assert.Equal(t, report.Summary, msgs[1].Content)
}

func TestSynthesizeValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Synthesize(ctx, "", jobs.SynthesisArgs{Query: "x"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Synthesize(ctx, testOrg, jobs.SynthesisArgs{Query: " "})
	assert.True(t, apperrors.IsValidation(err))
}

func TestMaterializeBrainstormCreatesTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "sess-ideas", KindBrainstorm, StatusCompleted, "proj-g")
	f.seedMessage(t, "sess-ideas", "user", "speed up read paths")
	f.seedMessage(t, "sess-ideas", "assistant", "- Build the cache layer\n- Ship the metrics dashboard")

	report, err := f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "sess-ideas"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, "materialized 2 of 2 ideas into tasks", report.Summary)

	require.Len(t, f.writer.added, 2)
	first := f.writer.added[0]
	assert.Equal(t, "task", first.Type)
	assert.Equal(t, "Build the cache layer", first.Name)
	assert.Equal(t, "Build the cache layer", first.Content)
	assert.Equal(t, "proj-g", first.ProjectID)
	assert.Equal(t, map[string]string{"origin": KindBrainstorm, "session_id": "sess-ideas"}, first.Metadata)
	assert.Equal(t, "Ship the metrics dashboard", f.writer.added[1].Name)

	msgs := f.messages(t, "sess-ideas")
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[2].Role)
	assert.Equal(t, report.Summary, msgs[2].Content)

	// An explicit project on the job wins over the session's.
	f.seedSession(t, "sess-ideas2", KindBrainstorm, StatusCompleted, "")
	f.seedMessage(t, "sess-ideas2", "assistant", "- One more idea")
	_, err = f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "sess-ideas2", ProjectID: "proj-x"})
	require.NoError(t, err)
	require.Len(t, f.writer.added, 3)
	assert.Equal(t, "proj-x", f.writer.added[2].ProjectID)
}

func TestMaterializePartialWhenSomeWritesFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "sess-mixed", KindBrainstorm, StatusCompleted, "")
	f.seedMessage(t, "sess-mixed", "assistant", "- Keep this\n- Drop this")
	f.writer.failWith["Drop this"] = errors.New("graph write refused")

	report, err := f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "sess-mixed"})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, "materialized 1 of 2 ideas into tasks", report.Summary)
	require.Len(t, f.writer.added, 1)
	assert.Equal(t, "Keep this", f.writer.added[0].Name)

	// Nothing written at all is a hard failure, not a partial.
	f.writer.failWith["Keep this"] = errors.New("graph write refused")
	f.seedSession(t, "sess-none", KindBrainstorm, StatusCompleted, "")
	f.seedMessage(t, "sess-none", "assistant", "- Keep this\n- Drop this")
	_, err = f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "sess-none"})
	assert.True(t, apperrors.IsInternal(err))
}

func TestMaterializeSynthesisCreatesEpisode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedSession(t, "sess-syn", KindSynthesis, StatusCompleted, "")
	f.seedMessage(t, "sess-syn", "user", "How does caching work?")
	f.seedMessage(t, "sess-syn", "assistant", "Caching goes through the queue and flushes nightly.")

	report, err := f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "sess-syn", ProjectID: "proj-q"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, "captured the session outcome as a learning episode", report.Summary)

	require.Len(t, f.writer.episodes, 1)
	ep := f.writer.episodes[0]
	assert.Equal(t, "synthesis outcome: How does caching work?", ep.Name)
	assert.Equal(t, "Caching goes through the queue and flushes nightly.", ep.Body)
	assert.Equal(t, "proj-q", ep.ProjectID)

	msgs := f.messages(t, "sess-syn")
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[2].Role)
}

func TestMaterializeValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Materialize(ctx, "", jobs.MaterializeArgs{SessionID: "s"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{})
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "missing"})
	assert.True(t, apperrors.IsNotFound(err))

	f.seedSession(t, "sess-silent", KindExecution, "", "")
	f.seedMessage(t, "sess-silent", "user", "goal only")
	_, err = f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "sess-silent"})
	assert.True(t, apperrors.IsValidation(err))

	f.seedSession(t, "sess-prose", KindBrainstorm, StatusCompleted, "")
	f.seedMessage(t, "sess-prose", "assistant", "Plain prose with no bullet lines.")
	_, err = f.svc.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "sess-prose"})
	assert.True(t, apperrors.IsValidation(err))

	bare := NewService(f.store, f.completer, nil)
	_, err = bare.Materialize(ctx, testOrg, jobs.MaterializeArgs{SessionID: "sess-prose"})
	assert.True(t, apperrors.IsInternal(err))
}
