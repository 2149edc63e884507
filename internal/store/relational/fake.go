package relational

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhangjihua396/sibyl-sub003/internal/domain"
	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// Fake is an in-memory relational store for unit tests. It mirrors the
// real store's semantics: the last-owner guard, shared-project
// uniqueness, slug uniqueness, and the credential/project directory
// surfaces the auth layer consumes. Error injection works per method
// name.
type Fake struct {
	mu sync.RWMutex

	orgs        map[string]domain.Organization
	memberships map[string]domain.Membership // orgID/userID
	teams       map[string]domain.Team
	teamMembers map[string]domain.TeamMember // teamID/userID
	projects    map[string]domain.Project
	projMembers map[string]domain.ProjectMember // projectID/userID
	teamGrants  map[string]domain.TeamProject   // teamID/projectID
	apiKeys     map[string]domain.APIKey
	sources     map[string]domain.Source
	crawlJobs   map[string]domain.CrawlJob
	sessions    map[string]domain.AgentSession
	messages    map[string][]domain.AgentMessage // sessionID -> ordered turns
	audits      []domain.AuditLog
	settings    map[string]string
	invitations map[string]domain.OrganizationInvitation

	shouldFailOn map[string]error
}

// NewFake creates an empty in-memory relational store.
func NewFake() *Fake {
	return &Fake{
		orgs:         make(map[string]domain.Organization),
		memberships:  make(map[string]domain.Membership),
		teams:        make(map[string]domain.Team),
		teamMembers:  make(map[string]domain.TeamMember),
		projects:     make(map[string]domain.Project),
		projMembers:  make(map[string]domain.ProjectMember),
		teamGrants:   make(map[string]domain.TeamProject),
		apiKeys:      make(map[string]domain.APIKey),
		sources:      make(map[string]domain.Source),
		crawlJobs:    make(map[string]domain.CrawlJob),
		sessions:     make(map[string]domain.AgentSession),
		messages:     make(map[string][]domain.AgentMessage),
		settings:     make(map[string]string),
		invitations:  make(map[string]domain.OrganizationInvitation),
		shouldFailOn: make(map[string]error),
	}
}

// SetError configures the fake to return an error for a specific method.
func (f *Fake) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shouldFailOn[method] = err
}

// ClearErrors removes all configured errors.
func (f *Fake) ClearErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shouldFailOn = make(map[string]error)
}

func (f *Fake) checkError(method string) error {
	if err, exists := f.shouldFailOn[method]; exists {
		return err
	}
	return nil
}

func pairKey(a, b string) string { return a + "/" + b }

// WithOrgTx runs fn directly; the fake has no transactions or session
// variables.
func (f *Fake) WithOrgTx(ctx context.Context, orgID, userID string, fn func(ctx context.Context) error) error {
	if err := f.checkError("WithOrgTx"); err != nil {
		return err
	}
	return fn(ctx)
}

// Organizations -----------------------------------------------------------

func (f *Fake) CreateOrganization(ctx context.Context, name, slug, ownerUserID string) (*domain.Organization, error) {
	if err := f.checkError("CreateOrganization"); err != nil {
		return nil, err
	}
	if name == "" || slug == "" {
		return nil, appErrors.NewValidation("organization requires name and slug")
	}
	if ownerUserID == "" {
		return nil, appErrors.NewValidation("organization requires an owner")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, org := range f.orgs {
		if org.Slug == slug {
			return nil, appErrors.NewConflict("organization slug already in use")
		}
	}

	now := time.Now().UTC()
	org := domain.Organization{
		ID:        uuid.NewString(),
		Name:      name,
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.orgs[org.ID] = org
	shared := domain.Project{
		ID:             uuid.NewString(),
		OrganizationID: org.ID,
		Name:           "Shared",
		Slug:           domain.SharedProjectSlug,
		Visibility:     domain.VisibilityOrg,
		DefaultRole:    domain.ProjectRoleContributor,
		GraphID:        uuid.NewString(),
		IsShared:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.projects[shared.ID] = shared
	f.memberships[pairKey(org.ID, ownerUserID)] = domain.Membership{
		OrganizationID: org.ID,
		UserID:         ownerUserID,
		Role:           domain.OrgRoleOwner,
		CreatedAt:      now,
	}
	return &org, nil
}

func (f *Fake) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	if err := f.checkError("GetOrganization"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	org, ok := f.orgs[id]
	if !ok {
		return nil, appErrors.NewNotFound("organization not found")
	}
	return &org, nil
}

func (f *Fake) UpsertMembership(ctx context.Context, m domain.Membership) error {
	if err := f.checkError("UpsertMembership"); err != nil {
		return err
	}
	if !m.Role.IsValid() {
		return appErrors.NewValidationf("unknown org role %q", m.Role)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := pairKey(m.OrganizationID, m.UserID)
	if existing, ok := f.memberships[key]; ok {
		if err := guardLastOwner(existing.Role, &m.Role, f.countOtherOwnersLocked(m.OrganizationID, m.UserID)); err != nil {
			return err
		}
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	f.memberships[key] = m
	return nil
}

func (f *Fake) RemoveMembership(ctx context.Context, orgID, userID string) error {
	if err := f.checkError("RemoveMembership"); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := pairKey(orgID, userID)
	existing, ok := f.memberships[key]
	if !ok {
		return appErrors.NewNotFound("membership not found")
	}
	if err := guardLastOwner(existing.Role, nil, f.countOtherOwnersLocked(orgID, userID)); err != nil {
		return err
	}
	delete(f.memberships, key)
	return nil
}

func (f *Fake) countOtherOwnersLocked(orgID, userID string) int {
	n := 0
	for _, m := range f.memberships {
		if m.OrganizationID == orgID && m.Role == domain.OrgRoleOwner && m.UserID != userID {
			n++
		}
	}
	return n
}

func (f *Fake) GetMembership(ctx context.Context, orgID, userID string) (*domain.Membership, error) {
	if err := f.checkError("GetMembership"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.memberships[pairKey(orgID, userID)]
	if !ok {
		return nil, appErrors.NewNotFound("membership not found")
	}
	return &m, nil
}

func (f *Fake) ListMemberships(ctx context.Context, orgID string) ([]domain.Membership, error) {
	if err := f.checkError("ListMemberships"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	members := make([]domain.Membership, 0)
	for _, m := range f.memberships {
		if m.OrganizationID == orgID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

// Projects ------------------------------------------------------------------

func (f *Fake) CreateProject(ctx context.Context, p domain.Project) (*domain.Project, error) {
	if err := f.checkError("CreateProject"); err != nil {
		return nil, err
	}
	if p.OrganizationID == "" || p.Name == "" || p.Slug == "" {
		return nil, appErrors.NewValidation("project requires organization, name, and slug")
	}
	if !p.Visibility.IsValid() {
		return nil, appErrors.NewValidationf("unknown project visibility %q", p.Visibility)
	}
	if !p.DefaultRole.IsValid() {
		return nil, appErrors.NewValidationf("unknown project role %q", p.DefaultRole)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.projects {
		if existing.OrganizationID != p.OrganizationID {
			continue
		}
		if existing.Slug == p.Slug {
			return nil, appErrors.NewConflict("project slug already in use")
		}
		if p.IsShared && existing.IsShared {
			return nil, appErrors.NewConflict("organization already has a shared project")
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.GraphID == "" {
		p.GraphID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	f.projects[p.ID] = p
	return &p, nil
}

func (f *Fake) GetProject(ctx context.Context, orgID, id string) (*domain.Project, error) {
	if err := f.checkError("GetProject"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.projects[id]
	if !ok || p.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("project not found")
	}
	return &p, nil
}

func (f *Fake) GetProjectByGraphID(ctx context.Context, orgID, graphID string) (*domain.Project, error) {
	if err := f.checkError("GetProjectByGraphID"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.projects {
		if p.OrganizationID == orgID && p.GraphID == graphID {
			return &p, nil
		}
	}
	return nil, appErrors.NewNotFound("project not found")
}

func (f *Fake) GetSharedProject(ctx context.Context, orgID string) (*domain.Project, error) {
	if err := f.checkError("GetSharedProject"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.projects {
		if p.OrganizationID == orgID && p.IsShared {
			return &p, nil
		}
	}
	return nil, appErrors.NewNotFound("project not found")
}

func (f *Fake) CountProjects(ctx context.Context, orgID string) (int, error) {
	if err := f.checkError("CountProjects"); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, p := range f.projects {
		if p.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

func (f *Fake) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	if err := f.checkError("ListProjects"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	projects := make([]domain.Project, 0)
	for _, p := range f.projects {
		if p.OrganizationID == orgID {
			projects = append(projects, p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].IsShared != projects[j].IsShared {
			return projects[i].IsShared
		}
		return projects[i].Name < projects[j].Name
	})
	return projects, nil
}

func (f *Fake) DeleteProject(ctx context.Context, orgID, id string) error {
	if err := f.checkError("DeleteProject"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok || p.OrganizationID != orgID {
		return appErrors.NewNotFound("project not found")
	}
	if p.IsShared {
		return appErrors.NewConflict("the shared project cannot be deleted")
	}
	delete(f.projects, id)
	return nil
}

func (f *Fake) UpsertProjectMember(ctx context.Context, orgID string, m domain.ProjectMember) error {
	if err := f.checkError("UpsertProjectMember"); err != nil {
		return err
	}
	if !m.Role.IsValid() {
		return appErrors.NewValidationf("unknown project role %q", m.Role)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	f.projMembers[pairKey(m.ProjectID, m.UserID)] = m
	return nil
}

func (f *Fake) ListDirectProjectRoles(ctx context.Context, orgID, userID string) (map[string]domain.ProjectRole, error) {
	if err := f.checkError("ListDirectProjectRoles"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	roles := make(map[string]domain.ProjectRole)
	for _, m := range f.projMembers {
		if m.UserID != userID {
			continue
		}
		if p, ok := f.projects[m.ProjectID]; ok && p.OrganizationID == orgID {
			roles[m.ProjectID] = m.Role
		}
	}
	return roles, nil
}

func (f *Fake) CreateTeam(ctx context.Context, t domain.Team) (*domain.Team, error) {
	if err := f.checkError("CreateTeam"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.teams {
		if existing.OrganizationID == t.OrganizationID && existing.Slug == t.Slug {
			return nil, appErrors.NewConflict("team slug already in use")
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	f.teams[t.ID] = t
	return &t, nil
}

func (f *Fake) AddTeamMember(ctx context.Context, orgID, teamID, userID string) error {
	if err := f.checkError("AddTeamMember"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.teams[teamID]; !ok {
		return appErrors.NewNotFound("team not found")
	}
	f.teamMembers[pairKey(teamID, userID)] = domain.TeamMember{
		TeamID:    teamID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (f *Fake) SetTeamProjectRole(ctx context.Context, orgID string, grant domain.TeamProject) error {
	if err := f.checkError("SetTeamProjectRole"); err != nil {
		return err
	}
	if !grant.Role.IsValid() {
		return appErrors.NewValidationf("unknown project role %q", grant.Role)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	grant.CreatedAt = time.Now().UTC()
	f.teamGrants[pairKey(grant.TeamID, grant.ProjectID)] = grant
	return nil
}

func (f *Fake) ListTeamProjectRoles(ctx context.Context, orgID, userID string) (map[string]domain.ProjectRole, error) {
	if err := f.checkError("ListTeamProjectRoles"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	roles := make(map[string]domain.ProjectRole)
	for _, grant := range f.teamGrants {
		if _, member := f.teamMembers[pairKey(grant.TeamID, userID)]; !member {
			continue
		}
		if p, ok := f.projects[grant.ProjectID]; !ok || p.OrganizationID != orgID {
			continue
		}
		roles[grant.ProjectID] = domain.MaxProjectRole(roles[grant.ProjectID], grant.Role)
	}
	return roles, nil
}

// API keys --------------------------------------------------------------

func (f *Fake) CreateAPIKey(ctx context.Context, key domain.APIKey) (*domain.APIKey, error) {
	if err := f.checkError("CreateAPIKey"); err != nil {
		return nil, err
	}
	if key.OrganizationID == "" || key.UserID == "" {
		return nil, appErrors.NewValidation("api key requires organization and user")
	}
	if key.Prefix == "" || key.SaltHex == "" || key.HashHex == "" {
		return nil, appErrors.NewValidation("api key requires prefix, salt, and hash")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.apiKeys {
		if existing.Prefix == key.Prefix {
			return nil, appErrors.NewConflict("api key prefix already in use")
		}
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	f.apiKeys[key.ID] = key
	return &key, nil
}

func (f *Fake) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	if err := f.checkError("GetAPIKeyByPrefix"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, key := range f.apiKeys {
		if key.Prefix == prefix {
			return &key, nil
		}
	}
	return nil, appErrors.NewNotFound("api key not found")
}

func (f *Fake) TouchAPIKey(ctx context.Context, keyID string, usedAt time.Time) error {
	if err := f.checkError("TouchAPIKey"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.apiKeys[keyID]; ok {
		usedAt = usedAt.UTC()
		key.LastUsedAt = &usedAt
		f.apiKeys[keyID] = key
	}
	return nil
}

func (f *Fake) ListAPIKeys(ctx context.Context, orgID string) ([]domain.APIKey, error) {
	if err := f.checkError("ListAPIKeys"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]domain.APIKey, 0)
	for _, key := range f.apiKeys {
		if key.OrganizationID == orgID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].ID < keys[j].ID
	})
	return keys, nil
}

func (f *Fake) RevokeAPIKey(ctx context.Context, orgID, keyID string) error {
	if err := f.checkError("RevokeAPIKey"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.apiKeys[keyID]
	if !ok || key.OrganizationID != orgID {
		return appErrors.NewNotFound("api key not found")
	}
	if key.RevokedAt == nil {
		now := time.Now().UTC()
		key.RevokedAt = &now
		f.apiKeys[keyID] = key
	}
	return nil
}

// Sources ---------------------------------------------------------------

func (f *Fake) CreateSource(ctx context.Context, src domain.Source) (*domain.Source, error) {
	if err := f.checkError("CreateSource"); err != nil {
		return nil, err
	}
	if src.OrganizationID == "" || src.URL == "" {
		return nil, appErrors.NewValidation("source requires organization and url")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Name == "" {
		src.Name = src.URL
	}
	if src.MaxDepth <= 0 {
		src.MaxDepth = defaultMaxDepth
	}
	if src.MaxPages <= 0 {
		src.MaxPages = defaultMaxPages
	}
	src.Status = domain.SourcePending
	now := time.Now().UTC()
	src.CreatedAt = now
	src.UpdatedAt = now
	f.sources[src.ID] = src
	return &src, nil
}

func (f *Fake) GetSource(ctx context.Context, orgID, id string) (*domain.Source, error) {
	if err := f.checkError("GetSource"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	src, ok := f.sources[id]
	if !ok || src.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("source not found")
	}
	return &src, nil
}

func (f *Fake) ListSources(ctx context.Context, orgID string, projects *[]string, limit, offset int) ([]domain.Source, int, error) {
	if err := f.checkError("ListSources"); err != nil {
		return nil, 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	allowed := func(projectID string) bool {
		if projects == nil {
			return true
		}
		for _, id := range *projects {
			if id == projectID {
				return true
			}
		}
		return false
	}

	matches := make([]domain.Source, 0)
	for _, src := range f.sources {
		if src.OrganizationID == orgID && allowed(src.ProjectID) {
			matches = append(matches, src)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})

	total := len(matches)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matches) {
		return []domain.Source{}, total, nil
	}
	end := offset + limit
	if end > len(matches) {
		end = len(matches)
	}
	return matches[offset:end], total, nil
}

func (f *Fake) TransitionSource(ctx context.Context, orgID, id string, to domain.SourceStatus) (*domain.Source, error) {
	if err := f.checkError("TransitionSource"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok || src.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("source not found")
	}
	if err := domain.TransitionSourceStatus(src.Status, to); err != nil {
		return nil, err
	}
	src.Status = to
	src.UpdatedAt = time.Now().UTC()
	f.sources[id] = src
	return &src, nil
}

func (f *Fake) FinishCrawl(ctx context.Context, orgID, id string, status domain.SourceStatus, documents, chunks, errCount int, lastError string) error {
	if err := f.checkError("FinishCrawl"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok || src.OrganizationID != orgID {
		return appErrors.NewNotFound("source not found")
	}
	now := time.Now().UTC()
	src.Status = status
	src.DocumentCount = documents
	src.ChunkCount = chunks
	src.ErrorCount = errCount
	src.LastError = lastError
	src.LastCrawledAt = &now
	src.UpdatedAt = now
	f.sources[id] = src
	return nil
}

func (f *Fake) DeleteSource(ctx context.Context, orgID, id string) error {
	if err := f.checkError("DeleteSource"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[id]
	if !ok || src.OrganizationID != orgID {
		return appErrors.NewNotFound("source not found")
	}
	delete(f.sources, id)
	return nil
}

func (f *Fake) StartCrawlJob(ctx context.Context, orgID, sourceID, jobID string) (*domain.CrawlJob, error) {
	if err := f.checkError("StartCrawlJob"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job := domain.CrawlJob{
		ID:             jobID,
		SourceID:       sourceID,
		OrganizationID: orgID,
		Status:         domain.SourceRunning,
		StartedAt:      time.Now().UTC(),
	}
	f.crawlJobs[job.ID] = job
	return &job, nil
}

func (f *Fake) FinishCrawlJob(ctx context.Context, orgID, jobID string, status domain.SourceStatus, fetched, failed int, errMsg string) error {
	if err := f.checkError("FinishCrawlJob"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.crawlJobs[jobID]
	if !ok || job.OrganizationID != orgID {
		return appErrors.NewNotFound("crawl job not found")
	}
	now := time.Now().UTC()
	job.Status = status
	job.PagesFetched = fetched
	job.PagesFailed = failed
	job.Error = errMsg
	job.FinishedAt = &now
	f.crawlJobs[jobID] = job
	return nil
}

func (f *Fake) ListCrawlJobs(ctx context.Context, orgID, sourceID string, limit int) ([]domain.CrawlJob, error) {
	if err := f.checkError("ListCrawlJobs"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	jobs := make([]domain.CrawlJob, 0)
	for _, job := range f.crawlJobs {
		if job.OrganizationID == orgID && job.SourceID == sourceID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].StartedAt.After(jobs[j].StartedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Agent sessions -----------------------------------------------------------

func (f *Fake) CreateAgentSession(ctx context.Context, sess domain.AgentSession) (*domain.AgentSession, error) {
	if err := f.checkError("CreateAgentSession"); err != nil {
		return nil, err
	}
	if sess.OrganizationID == "" || sess.Kind == "" {
		return nil, appErrors.NewValidation("agent session requires organization and kind")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = "active"
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	f.sessions[sess.ID] = sess
	return &sess, nil
}

func (f *Fake) GetAgentSession(ctx context.Context, orgID, id string) (*domain.AgentSession, error) {
	if err := f.checkError("GetAgentSession"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	sess, ok := f.sessions[id]
	if !ok || sess.OrganizationID != orgID {
		return nil, appErrors.NewNotFound("agent session not found")
	}
	return &sess, nil
}

func (f *Fake) SetAgentSessionStatus(ctx context.Context, orgID, id, status string) error {
	if err := f.checkError("SetAgentSessionStatus"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok || sess.OrganizationID != orgID {
		return appErrors.NewNotFound("agent session not found")
	}
	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	f.sessions[id] = sess
	return nil
}

func (f *Fake) AppendAgentMessage(ctx context.Context, msg domain.AgentMessage) (*domain.AgentMessage, error) {
	if err := f.checkError("AppendAgentMessage"); err != nil {
		return nil, err
	}
	if msg.SessionID == "" || msg.OrgID == "" || msg.Role == "" {
		return nil, appErrors.NewValidation("agent message requires session, organization, and role")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	f.messages[msg.SessionID] = append(f.messages[msg.SessionID], msg)
	if sess, ok := f.sessions[msg.SessionID]; ok {
		sess.UpdatedAt = msg.CreatedAt
		f.sessions[msg.SessionID] = sess
	}
	return &msg, nil
}

func (f *Fake) ListAgentMessages(ctx context.Context, orgID, sessionID string, limit int) ([]domain.AgentMessage, error) {
	if err := f.checkError("ListAgentMessages"); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	all := f.messages[sessionID]
	messages := make([]domain.AgentMessage, 0, len(all))
	for _, msg := range all {
		if msg.OrgID == orgID {
			messages = append(messages, msg)
		}
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// Audit, settings, invitations ----------------------------------------------

func (f *Fake) AppendAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if err := f.checkError("AppendAuditLog"); err != nil {
		return err
	}
	if entry.OrganizationID == "" || entry.Action == "" {
		return appErrors.NewValidation("audit entry requires organization and action")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	f.audits = append(f.audits, entry)
	return nil
}

func (f *Fake) ListAuditLogs(ctx context.Context, orgID string, limit, offset int) ([]domain.AuditLog, int, error) {
	if err := f.checkError("ListAuditLogs"); err != nil {
		return nil, 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	matches := make([]domain.AuditLog, 0)
	for _, entry := range f.audits {
		if entry.OrganizationID == orgID {
			matches = append(matches, entry)
		}
	}
	// Newest first, mirroring the SQL ordering.
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	total := len(matches)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matches) {
		return []domain.AuditLog{}, total, nil
	}
	end := offset + limit
	if end > len(matches) {
		end = len(matches)
	}
	return matches[offset:end], total, nil
}

func (f *Fake) GetSetting(ctx context.Context, key string) (string, error) {
	if err := f.checkError("GetSetting"); err != nil {
		return "", err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, ok := f.settings[key]
	if !ok {
		return "", appErrors.NewNotFound("setting not found")
	}
	return value, nil
}

func (f *Fake) PutSetting(ctx context.Context, key, value string) error {
	if err := f.checkError("PutSetting"); err != nil {
		return err
	}
	if key == "" {
		return appErrors.NewValidation("setting key cannot be empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *Fake) CreateInvitation(ctx context.Context, inv domain.OrganizationInvitation) (*domain.OrganizationInvitation, error) {
	if err := f.checkError("CreateInvitation"); err != nil {
		return nil, err
	}
	if inv.OrganizationID == "" || inv.Email == "" || inv.TokenHash == "" {
		return nil, appErrors.NewValidation("invitation requires organization, email, and token hash")
	}
	if !inv.Role.IsValid() {
		return nil, appErrors.NewValidationf("unknown org role %q", inv.Role)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = inv.CreatedAt.Add(7 * 24 * time.Hour)
	}
	f.invitations[inv.TokenHash] = inv
	return &inv, nil
}

func (f *Fake) AcceptInvitation(ctx context.Context, tokenHash, userID string) (*domain.Membership, error) {
	if err := f.checkError("AcceptInvitation"); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, appErrors.NewValidation("accepting an invitation requires a user")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	inv, ok := f.invitations[tokenHash]
	if !ok {
		return nil, appErrors.NewNotFound("invitation not found")
	}
	now := time.Now().UTC()
	if inv.AcceptedAt != nil {
		return nil, appErrors.NewConflict("invitation already accepted")
	}
	if !inv.ExpiresAt.After(now) {
		return nil, appErrors.NewConflict("invitation has expired")
	}

	inv.AcceptedAt = &now
	f.invitations[tokenHash] = inv

	key := pairKey(inv.OrganizationID, userID)
	if _, exists := f.memberships[key]; !exists {
		f.memberships[key] = domain.Membership{
			OrganizationID: inv.OrganizationID,
			UserID:         userID,
			Role:           inv.Role,
			CreatedAt:      now,
		}
	}
	m := f.memberships[key]
	return &m, nil
}

// SearchableAudit returns audit entries whose action contains the
// fragment, for test assertions.
func (f *Fake) SearchableAudit(fragment string) []domain.AuditLog {
	f.mu.RLock()
	defer f.mu.RUnlock()
	matches := make([]domain.AuditLog, 0)
	for _, entry := range f.audits {
		if strings.Contains(entry.Action, fragment) {
			matches = append(matches, entry)
		}
	}
	return matches
}
