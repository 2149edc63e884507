package manage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhangjihua396/sibyl-sub003/internal/auth"
	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	"github.com/zhangjihua396/sibyl-sub003/internal/jobs"
	"github.com/zhangjihua396/sibyl-sub003/internal/search"
	apperrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

var _ jobs.HintGenerator = (*Service)(nil)

// CycleReport is the dependency health result for one scope. Healthy
// means no loop was found among the checked edges.
type CycleReport struct {
	Healthy      bool       `json:"healthy"`
	EdgesChecked int        `json:"edges_checked"`
	Cycles       [][]string `json:"cycles,omitempty"`
}

// DetectCycles checks the depends_on/blocks edges for loops. With a
// project the check is scoped to edges inside it and the caller needs
// viewer there; without one it spans every project the caller can read.
func (s *Service) DetectCycles(ctx context.Context, ac *auth.Context, graphProjectID string) (*CycleReport, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return nil, err
	}

	if graphProjectID != "" {
		role, project, err := s.roles.EffectiveProjectRole(ctx, ac, graphProjectID)
		if err != nil {
			return nil, err
		}
		if !role.AtLeast(domain.ProjectRoleViewer) {
			return nil, projectDenied(domain.ProjectRoleViewer, role, project.GraphID)
		}
		edges, err := s.graph.ListEdgesByTypes(ctx, orgID, search.DependencyRelations, graphProjectID)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to load dependency edges")
		}
		return cycleReport(edges), nil
	}

	access, err := s.roles.AccessibleProjects(ctx, ac)
	if err != nil {
		return nil, err
	}
	edges, err := s.graph.ListEdgesByTypes(ctx, orgID, search.DependencyRelations, "")
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load dependency edges")
	}
	induced, err := s.visibleEdges(ctx, orgID, access, edges)
	if err != nil {
		return nil, err
	}
	return cycleReport(induced), nil
}

// visibleEdges keeps the edges whose endpoints the caller can both read.
// The migration window has nothing to filter.
func (s *Service) visibleEdges(ctx context.Context, orgID string, access domain.AccessFilter, edges []domain.Relationship) ([]domain.Relationship, error) {
	if access.Projects.IsMigrationMode() || len(edges) == 0 {
		return edges, nil
	}

	idSet := make(map[string]struct{}, len(edges)*2)
	ids := make([]string, 0, len(edges)*2)
	for _, edge := range edges {
		for _, id := range []string{edge.SourceID, edge.TargetID} {
			if _, ok := idSet[id]; !ok {
				idSet[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	entities, err := s.graph.GetEntities(ctx, orgID, ids)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to resolve edge endpoints")
	}
	readable := make(map[string]bool, len(entities))
	for i := range entities {
		readable[entities[i].ID] = access.AllowsProject(entities[i].ProjectID)
	}

	induced := make([]domain.Relationship, 0, len(edges))
	for _, edge := range edges {
		if readable[edge.SourceID] && readable[edge.TargetID] {
			induced = append(induced, edge)
		}
	}
	return induced, nil
}

func cycleReport(edges []domain.Relationship) *CycleReport {
	cycles := search.DetectCycles(edges)
	return &CycleReport{
		Healthy:      len(cycles) == 0,
		EdgesChecked: len(edges),
		Cycles:       cycles,
	}
}

// staleAfter is how long an in-flight task can sit untouched before the
// digest calls it out.
const staleAfter = 7 * 24 * time.Hour

const (
	hintTaskScan  = 500
	maxStaleNamed = 10
)

const hintSystemPrompt = "You summarize an engineering task board. " +
	"Answer in at most three short sentences of plain prose, no markdown."

func statusHintKey(orgID string) string { return "status_hint:" + orgID }

// StatusHint is the cached work digest the generate_status_hint job
// produces for an organization.
type StatusHint struct {
	Text        string    `json:"hint"`
	GeneratedAt time.Time `json:"generated_at"`
}

// StatusHint returns the cached digest for the caller's organization.
// Any member can read it; the digest spans every project.
func (s *Service) StatusHint(ctx context.Context, ac *auth.Context) (*StatusHint, error) {
	orgID, err := ac.RequireOrg()
	if err != nil {
		return nil, err
	}
	if err := s.requireProjectRole(ctx, ac, "", domain.ProjectRoleViewer); err != nil {
		return nil, err
	}

	raw, err := s.settings.GetSetting(ctx, statusHintKey(orgID))
	if apperrors.IsNotFound(err) {
		return nil, apperrors.NewNotFound("no status hint has been generated yet")
	}
	if err != nil {
		return nil, err
	}
	var hint StatusHint
	if err := json.Unmarshal([]byte(raw), &hint); err != nil {
		return nil, apperrors.NewInternal("stored status hint is corrupt", err)
	}
	return &hint, nil
}

type staleTask struct {
	name   string
	status domain.TaskStatus
	idle   time.Duration
}

// GenerateStatusHint builds the org's work digest and caches it in the
// settings store. Workers call this through the job queue; the org came
// off the job, so there is no per-project gate.
func (s *Service) GenerateStatusHint(ctx context.Context, orgID string) (string, error) {
	if orgID == "" {
		return "", apperrors.NewValidation("status hint requires an organization")
	}
	tasks, _, err := s.graph.ListByType(ctx, orgID, domain.EntityTask, nil, hintTaskScan, 0)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	counts := make(map[domain.TaskStatus]int, 4)
	stale := make([]staleTask, 0)
	for i := range tasks {
		status, err := taskStatusOf(tasks[i])
		if err != nil || !domain.IsValidTaskStatus(status) {
			continue
		}
		if status == domain.TaskDone || status == domain.TaskCancelled {
			continue
		}
		counts[status]++
		if status == domain.TaskTodo {
			// Backlog items sit by nature; only in-flight work goes stale.
			continue
		}
		if idle := now.Sub(tasks[i].UpdatedAt); idle > staleAfter {
			stale = append(stale, staleTask{name: tasks[i].Name, status: status, idle: idle})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].idle > stale[j].idle })

	hint := s.phraseHint(ctx, counts, stale)

	cached, err := json.Marshal(StatusHint{Text: hint, GeneratedAt: now})
	if err != nil {
		return "", apperrors.NewInternal("failed to encode status hint", err)
	}
	if err := s.settings.PutSetting(ctx, statusHintKey(orgID), string(cached)); err != nil {
		return "", err
	}
	return hint, nil
}

// phraseHint asks the completer to phrase the digest, falling back to
// the deterministic summary when no completer is wired or the call
// fails.
func (s *Service) phraseHint(ctx context.Context, counts map[domain.TaskStatus]int, stale []staleTask) string {
	summary := digest(counts, stale)
	if s.completer == nil {
		return summary
	}
	phrased, err := s.completer.Complete(ctx, hintSystemPrompt, hintPrompt(counts, stale))
	if err != nil {
		s.logger.Warn("status hint completion failed, using plain digest", zap.Error(err))
		return summary
	}
	if strings.TrimSpace(phrased) == "" {
		return summary
	}
	return strings.TrimSpace(phrased)
}

// digest is the deterministic one-line summary of the board.
func digest(counts map[domain.TaskStatus]int, stale []staleTask) string {
	open := counts[domain.TaskTodo] + counts[domain.TaskDoing] + counts[domain.TaskReview] + counts[domain.TaskBlocked]
	if open == 0 {
		return "No open tasks."
	}
	noun := "tasks"
	if open == 1 {
		noun = "task"
	}
	text := fmt.Sprintf("%d open %s: %d todo, %d doing, %d review, %d blocked.",
		open, noun, counts[domain.TaskTodo], counts[domain.TaskDoing],
		counts[domain.TaskReview], counts[domain.TaskBlocked])
	if len(stale) > 0 {
		text += fmt.Sprintf(" %d untouched for over a week.", len(stale))
	}
	return text
}

// hintPrompt lays the board state out for the completer, oldest idle
// tasks first.
func hintPrompt(counts map[domain.TaskStatus]int, stale []staleTask) string {
	var b strings.Builder
	b.WriteString(digest(counts, stale))
	if len(stale) > 0 {
		b.WriteString("\nIdle tasks, oldest first:\n")
		named := stale
		if len(named) > maxStaleNamed {
			named = named[:maxStaleNamed]
		}
		for _, t := range named {
			fmt.Fprintf(&b, "- %s (%s, idle %dd)\n", t.name, t.status, int(t.idle.Hours()/24))
		}
	}
	b.WriteString("Write a status hint for the team.")
	return b.String()
}
