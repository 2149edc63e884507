package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// RegisterDefaults binds every platform job kind to its handler. Kinds
// whose dependency is not wired fail cleanly at execution time, so a
// partially configured worker can still serve the rest.
func (w *Worker) RegisterDefaults() {
	w.Register(KindCrawlSource, handleCrawlSource)
	w.Register(KindSyncSource, handleSyncSource)
	w.Register(KindCreateEntity, handleCreateEntity)
	w.Register(KindUpdateEntity, handleUpdateEntity)
	w.Register(KindCreateLearningEpisode, handleCreateEpisode)
	w.Register(KindRunAgentExecution, handleRunAgent)
	w.Register(KindResumeAgentExecution, handleResumeAgent)
	w.Register(KindRunBrainstorming, handleBrainstorm)
	w.Register(KindRunSynthesis, handleSynthesis)
	w.Register(KindRunMaterialization, handleMaterialize)
	w.Register(KindGenerateStatusHint, handleStatusHint)
}

func decodeArgs[T any](kind string, raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 {
		return args, apperrors.NewValidationf("%s: missing arguments", kind)
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, apperrors.NewValidationf("%s: malformed arguments: %v", kind, err)
	}
	return args, nil
}

func notWired(dep string) error {
	return apperrors.NewInternal(fmt.Sprintf("%s is not wired into this worker", dep), nil)
}

func handleCrawlSource(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[SourceArgs](KindCrawlSource, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Crawler == nil {
		return nil, notWired("crawler")
	}
	return jc.Deps.Crawler.CrawlSource(ctx, jc.OrgID, args.SourceID, jc.JobID)
}

func handleSyncSource(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[SourceArgs](KindSyncSource, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Crawler == nil {
		return nil, notWired("crawler")
	}
	return jc.Deps.Crawler.SyncSource(ctx, jc.OrgID, args.SourceID, jc.JobID)
}

func handleCreateEntity(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[AddEntityArgs](KindCreateEntity, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Knowledge == nil {
		return nil, notWired("knowledge service")
	}
	id, err := jc.Deps.Knowledge.AddEntity(ctx, jc.OrgID, args)
	if err != nil {
		return nil, err
	}
	return map[string]string{"entity_id": id}, nil
}

func handleUpdateEntity(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[UpdateEntityArgs](KindUpdateEntity, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Knowledge == nil {
		return nil, notWired("knowledge service")
	}
	if err := jc.Deps.Knowledge.UpdateEntity(ctx, jc.OrgID, args); err != nil {
		return nil, err
	}
	return map[string]string{"entity_id": args.EntityID}, nil
}

func handleCreateEpisode(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[EpisodeArgs](KindCreateLearningEpisode, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Knowledge == nil {
		return nil, notWired("knowledge service")
	}
	id, err := jc.Deps.Knowledge.CreateEpisode(ctx, jc.OrgID, args)
	if err != nil {
		return nil, err
	}
	return map[string]string{"episode_id": id}, nil
}

func handleRunAgent(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[AgentRunArgs](KindRunAgentExecution, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Agents == nil {
		return nil, notWired("agent runner")
	}
	return jc.Deps.Agents.Run(ctx, jc.OrgID, args)
}

func handleResumeAgent(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[AgentResumeArgs](KindResumeAgentExecution, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Agents == nil {
		return nil, notWired("agent runner")
	}
	return jc.Deps.Agents.Resume(ctx, jc.OrgID, args)
}

func handleBrainstorm(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[BrainstormArgs](KindRunBrainstorming, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Agents == nil {
		return nil, notWired("agent runner")
	}
	return jc.Deps.Agents.Brainstorm(ctx, jc.OrgID, args)
}

func handleSynthesis(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[SynthesisArgs](KindRunSynthesis, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Agents == nil {
		return nil, notWired("agent runner")
	}
	return jc.Deps.Agents.Synthesize(ctx, jc.OrgID, args)
}

func handleMaterialize(ctx context.Context, jc *JobContext, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[MaterializeArgs](KindRunMaterialization, raw)
	if err != nil {
		return nil, err
	}
	if jc.Deps.Agents == nil {
		return nil, notWired("agent runner")
	}
	return jc.Deps.Agents.Materialize(ctx, jc.OrgID, args)
}

// handleStatusHint takes no arguments beyond the org the job was enqueued
// for.
func handleStatusHint(ctx context.Context, jc *JobContext, _ json.RawMessage) (any, error) {
	if jc.Deps.Hints == nil {
		return nil, notWired("hint generator")
	}
	if jc.OrgID == "" {
		return nil, apperrors.NewValidation("generate_status_hint: job has no organization")
	}
	hint, err := jc.Deps.Hints.GenerateStatusHint(ctx, jc.OrgID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"hint": hint}, nil
}
