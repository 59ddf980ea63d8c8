package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
	"github.com/korenhskoh/SocyBase-sub000/internal/progress"
	"github.com/korenhskoh/SocyBase-sub000/internal/ratelimit"
	"github.com/korenhskoh/SocyBase-sub000/internal/source"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	// onCheckpoint fires after every SaveCheckpoint with the stored
	// job, letting tests flip the persisted status mid-run the way
	// the pause/cancel endpoints would.
	onCheckpoint func(job *models.Job)
	statusPolls  int
}

func newFakeJobStore(jobs ...*models.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*models.Job)}
	for _, j := range jobs {
		cp := *j
		s.jobs[j.ID] = &cp
	}
	return s
}

func (s *fakeJobStore) get(jobID string) (*models.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

func (s *fakeJobStore) GetByID(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return nil, err
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) GetStatus(_ context.Context, jobID string) (models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusPolls++
	job, err := s.get(jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (s *fakeJobStore) Update(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeJobStore) CompareAndSetStatus(_ context.Context, jobID string, from, to models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.get(jobID)
	if err != nil {
		return false, err
	}
	if job.Status != from {
		return false, nil
	}
	job.Status = to
	return true, nil
}

func (s *fakeJobStore) SaveCheckpoint(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	stored, err := s.get(job.ID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stored.PipelineState = job.PipelineState
	stored.TotalItems = job.TotalItems
	stored.ProcessedItems = job.ProcessedItems
	stored.FailedItems = job.FailedItems
	stored.ProgressPct = job.ProgressPct
	hook := s.onCheckpoint
	s.mu.Unlock()

	if hook != nil {
		hook(stored)
	}
	return nil
}

func (s *fakeJobStore) setStatus(jobID string, status models.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Status = status
	}
}

func (s *fakeJobStore) stored(jobID string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.jobs[jobID]
	return &cp
}

type fakeResultStore struct {
	mu   sync.Mutex
	rows map[string]map[string]*models.ResultRecord
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{rows: make(map[string]map[string]*models.ResultRecord)}
}

func resultKey(kind models.ResultKind, externalID string) string {
	return string(kind) + "|" + externalID
}

func (s *fakeResultStore) insert(rec *models.ResultRecord) bool {
	if s.rows[rec.JobID] == nil {
		s.rows[rec.JobID] = make(map[string]*models.ResultRecord)
	}
	key := resultKey(rec.Kind, rec.ExternalID)
	if _, exists := s.rows[rec.JobID][key]; exists {
		return false
	}
	cp := *rec
	s.rows[rec.JobID][key] = &cp
	return true
}

func (s *fakeResultStore) BatchInsert(_ context.Context, records []*models.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.insert(rec)
	}
	return nil
}

func (s *fakeResultStore) MarkProfile(_ context.Context, jobID, externalID string, status models.ResultStatus, errorMessage string, payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[jobID][resultKey(models.ResultProfile, externalID)]
	if !ok {
		return fmt.Errorf("profile row not found: %s", externalID)
	}
	row.Status = status
	row.ErrorMessage = errorMessage
	if payload != nil {
		row.Payload = payload
	}
	return nil
}

func (s *fakeResultStore) CopyToJob(_ context.Context, fromJobID, toJobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := 0
	for _, row := range s.rows[fromJobID] {
		cp := *row
		cp.JobID = toJobID
		cp.CopiedFromJobID = fromJobID
		if s.insert(&cp) {
			copied++
		}
	}
	return copied, nil
}

func (s *fakeResultStore) CopyProfilesForInput(_ context.Context, tenantID, sourceInput, toJobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := 0
	for jobID, rows := range s.rows {
		if jobID == toJobID {
			continue
		}
		for _, row := range rows {
			if row.Kind != models.ResultProfile || row.Status != models.ResultSuccess {
				continue
			}
			if row.TenantID != tenantID || row.SourceInput != sourceInput {
				continue
			}
			cp := *row
			cp.JobID = toJobID
			cp.CopiedFromJobID = jobID
			if s.insert(&cp) {
				copied++
			}
		}
	}
	return copied, nil
}

func (s *fakeResultStore) ListSuccessfulProfileIDs(_ context.Context, tenantID, sourceInput, excludeJobID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for jobID, rows := range s.rows {
		if jobID == excludeJobID {
			continue
		}
		for _, row := range rows {
			if row.Kind == models.ResultProfile && row.Status == models.ResultSuccess &&
				row.TenantID == tenantID && row.SourceInput == sourceInput {
				seen[row.ExternalID] = true
			}
		}
	}
	return seen, nil
}

func (s *fakeResultStore) GetByJob(_ context.Context, jobID string, kind models.ResultKind) ([]*models.ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ResultRecord
	for _, row := range s.rows[jobID] {
		if row.Kind == kind {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeResultStore) CountByJob(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[jobID]), nil
}

func (s *fakeResultStore) countByKind(jobID string, kind models.ResultKind, status models.ResultStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows[jobID] {
		if row.Kind == kind && (status == "" || row.Status == status) {
			n++
		}
	}
	return n
}

type ledgerEntry struct {
	tenantID    string
	amount      int64
	jobID       string
	description string
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	debits   []ledgerEntry
}

func newFakeLedger(balances map[string]int64) *fakeLedger {
	if balances == nil {
		balances = make(map[string]int64)
	}
	return &fakeLedger{balances: balances}
}

func (l *fakeLedger) GetBalance(_ context.Context, tenantID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tenantID], nil
}

func (l *fakeLedger) Debit(_ context.Context, tenantID string, amount int64, jobID, description string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[tenantID]
	if balance < amount {
		return 0, harvesterrors.NewInsufficientCredits(tenantID, amount, balance)
	}
	l.balances[tenantID] = balance - amount
	l.debits = append(l.debits, ledgerEntry{tenantID: tenantID, amount: amount, jobID: jobID, description: description})
	return l.balances[tenantID], nil
}

func (l *fakeLedger) debitsFor(jobID string) []ledgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledgerEntry
	for _, d := range l.debits {
		if d.jobID == jobID {
			out = append(out, d)
		}
	}
	return out
}

type fakeLimiter struct {
	mu sync.Mutex
	// denyAt makes specific waits (1-based) time out.
	denyAt map[int]bool
	waits  int
}

func (l *fakeLimiter) WaitForDualSlot(_ context.Context, _ string, _ ratelimit.Limit, _ string, _ ratelimit.Limit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	if l.denyAt[l.waits] {
		return false, nil
	}
	return true, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	snaps []progress.Snapshot
}

func (p *fakePublisher) Publish(_ context.Context, snap progress.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
}

func (p *fakePublisher) last() progress.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snaps) == 0 {
		return progress.Snapshot{}
	}
	return p.snaps[len(p.snaps)-1]
}

// scriptedSource plays back predetermined pages and failures.
type scriptedSource struct {
	mu sync.Mutex

	parseResult *source.ParsedInput
	parseErr    error

	commentPages  []*source.CommentPage
	commentCalls  int
	commentErr    func(call int) error
	commentParams []source.PageParams

	feedPages    []*source.FeedPage
	feedCalls    int
	feedErr      func(call int, variant source.TokenVariant) error
	feedVariants []source.TokenVariant

	profiles     map[string]*source.Profile
	profileErr   map[string]error
	profileCalls map[string]int

	details         *source.ObjectDetails
	detailsErr      func(variant source.TokenVariant) error
	detailsVariants []source.TokenVariant
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{
		parseResult:  &source.ParsedInput{ItemID: "100_200", ContainerID: "100"},
		profiles:     make(map[string]*source.Profile),
		profileErr:   make(map[string]error),
		profileCalls: make(map[string]int),
	}
}

func (s *scriptedSource) ParseInput(_ context.Context, _ string) (*source.ParsedInput, error) {
	if s.parseErr != nil {
		return nil, s.parseErr
	}
	return s.parseResult, nil
}

func (s *scriptedSource) ListComments(_ context.Context, _ string, _ bool, params source.PageParams) (*source.CommentPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commentParams = append(s.commentParams, params.Clone())
	call := s.commentCalls
	s.commentCalls++
	if s.commentErr != nil {
		if err := s.commentErr(call); err != nil {
			return nil, err
		}
	}
	if call >= len(s.commentPages) {
		return &source.CommentPage{}, nil
	}
	return s.commentPages[call], nil
}

func (s *scriptedSource) ListFeed(_ context.Context, _ string, variant source.TokenVariant, _ source.PageParams) (*source.FeedPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.feedCalls
	s.feedVariants = append(s.feedVariants, variant)
	if s.feedErr != nil {
		if err := s.feedErr(call, variant); err != nil {
			return nil, err
		}
	}
	s.feedCalls++
	if call >= len(s.feedPages) {
		return &source.FeedPage{}, nil
	}
	return s.feedPages[call], nil
}

func (s *scriptedSource) GetProfile(_ context.Context, userID string) (*source.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profileCalls[userID]++
	if err := s.profileErr[userID]; err != nil {
		return nil, err
	}
	if p, ok := s.profiles[userID]; ok {
		return p, nil
	}
	return &source.Profile{ID: userID, Name: "user " + userID, Raw: map[string]interface{}{"id": userID}}, nil
}

func (s *scriptedSource) GetObjectDetails(_ context.Context, id string, variant source.TokenVariant) (*source.ObjectDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailsVariants = append(s.detailsVariants, variant)
	if s.detailsErr != nil {
		if err := s.detailsErr(variant); err != nil {
			return nil, err
		}
	}
	if s.details != nil {
		return s.details, nil
	}
	return &source.ObjectDetails{ID: id, Name: "container " + id}, nil
}

// commentPage builds one scripted page. next == "" marks the last
// page.
func commentPage(next string, authorIDs ...string) *source.CommentPage {
	page := &source.CommentPage{}
	for i, author := range authorIDs {
		page.Comments = append(page.Comments, source.Comment{
			ID:         fmt.Sprintf("c-%s-%d", author, i),
			AuthorID:   author,
			AuthorName: "name " + author,
			Message:    "hello",
			Raw:        map[string]interface{}{"id": fmt.Sprintf("c-%s-%d", author, i)},
		})
	}
	if next != "" {
		page.Paging = source.PageParams{"after": next, "__paging_token": "tok-" + next}
	}
	return page
}

// feedPage builds one scripted feed page holding the given post ids.
func feedPage(next string, postIDs ...string) *source.FeedPage {
	page := &source.FeedPage{}
	for _, id := range postIDs {
		page.Items = append(page.Items, source.Post{
			ID:  id,
			Raw: map[string]interface{}{"id": id},
		})
	}
	if next != "" {
		page.Paging = source.PageParams{"after": next}
	}
	return page
}

type testEnv struct {
	jobs    *fakeJobStore
	results *fakeResultStore
	ledger  *fakeLedger
	limiter *fakeLimiter
	pub     *fakePublisher
	src     *scriptedSource
	runner  *Runner
}

func newTestEnv(balance int64, jobs ...*models.Job) *testEnv {
	env := &testEnv{
		jobs:    newFakeJobStore(jobs...),
		results: newFakeResultStore(),
		ledger:  newFakeLedger(map[string]int64{"tenant-1": balance}),
		limiter: &fakeLimiter{},
		pub:     &fakePublisher{},
		src:     newScriptedSource(),
	}
	env.runner = NewRunner(RunnerOptions{
		Jobs:      env.jobs,
		Results:   env.results,
		Ledger:    env.ledger,
		Limiter:   env.limiter,
		Publisher: env.pub,
		Source:    env.src,
		Pipeline: config.PipelineConfig{
			RunDeadline:         time.Minute,
			DefaultMaxPages:     100,
			DefaultProfileRetry: 0,
			CheckpointEvery:     5,
		},
		RateLimit: config.RateLimitConfig{
			TenantMaxRequests: 30,
			TenantWindow:      time.Minute,
			GlobalMaxRequests: 200,
			GlobalWindow:      time.Minute,
		},
	})
	return env
}

func queuedJob(id string, kind models.JobKind) *models.Job {
	return &models.Job{
		ID:       id,
		TenantID: "tenant-1",
		Kind:     kind,
		Status:   models.StatusQueued,
		Input:    "https://social.example.com/somepage/posts/200",
	}
}
