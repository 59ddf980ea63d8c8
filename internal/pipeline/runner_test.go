package pipeline

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
	"github.com/korenhskoh/SocyBase-sub000/internal/source"
)

func TestCommentHarvestHappyPath(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	env := newTestEnv(1000, job)
	env.src.commentPages = []*source.CommentPage{
		commentPage("p2", "u1", "u2"),
		commentPage("", "u2", "u3"),
	}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.TotalItems)
	assert.Equal(t, 3, stored.ProcessedItems)
	assert.Zero(t, stored.FailedItems)
	assert.NotNil(t, stored.CompletedAt)

	// 2 pages + 3 enriched profiles.
	debits := env.ledger.debitsFor("job-1")
	require.Len(t, debits, 1)
	assert.Equal(t, int64(5), debits[0].amount)
	assert.Equal(t, int64(5), stored.CreditsUsed)

	assert.Equal(t, 4, env.results.countByKind("job-1", models.ResultComment, ""))
	assert.Equal(t, 3, env.results.countByKind("job-1", models.ResultProfile, models.ResultSuccess))

	final := env.pub.last()
	assert.Equal(t, "completed", final.Status)
	assert.InDelta(t, 100.0, final.ProgressPct, 0.001)
}

func TestBillingHappensExactlyOnce(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	env := newTestEnv(1000, job)
	env.src.commentPages = []*source.CommentPage{commentPage("", "u1")}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	require.Len(t, env.ledger.debitsFor("job-1"), 1)

	// A second run attempt on the settled job must not bill again.
	require.NoError(t, env.runner.Run(context.Background(), "job-1"))
	assert.Len(t, env.ledger.debitsFor("job-1"), 1)
}

func TestCancelBeforeFirstPageChargesNothing(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	env := newTestEnv(1000, job)
	env.src.commentPages = []*source.CommentPage{commentPage("", "u1")}
	// Cancel lands right after the first checkpoint, before any page
	// is fetched.
	env.jobs.onCheckpoint = func(stored *models.Job) {
		stored.Status = models.StatusCancelled
	}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Empty(t, env.ledger.debitsFor("job-1"))
	assert.Zero(t, stored.CreditsUsed)
	assert.Equal(t, 0, env.src.commentCalls)
}

func TestPauseMidFetchKeepsCheckpointAndRows(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	env := newTestEnv(1000, job)
	env.src.commentPages = []*source.CommentPage{
		commentPage("p2", "u1", "u2"),
		commentPage("", "u3"),
	}
	env.jobs.onCheckpoint = func(stored *models.Job) {
		// Pause once the first page has been processed.
		if stored.PipelineState.Stage(models.StageFetchComments).PagesFetched >= 1 {
			stored.Status = models.StatusPaused
		}
	}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusPaused, stored.Status)

	// The saved descriptor points at the second page, with every
	// pagination key intact.
	st := stored.PipelineState.Stage(models.StageFetchComments)
	assert.Equal(t, 1, st.PagesFetched)
	assert.Equal(t, "p2", st.PageParams["after"])
	assert.Equal(t, "tok-p2", st.PageParams["__paging_token"])

	// Rows from the fetched page survive, and the fetched page was
	// charged.
	assert.Equal(t, 2, env.results.countByKind("job-1", models.ResultComment, ""))
	debits := env.ledger.debitsFor("job-1")
	require.Len(t, debits, 1)
	assert.Equal(t, int64(1), debits[0].amount)
}

func TestResumeNeverRechargesCopiedRows(t *testing.T) {
	// The prior run fetched all comments, enriched u1, and left u2
	// pending before it was paused.
	done := time.Now().UTC()
	prior := queuedJob("job-1", models.KindCommentHarvest)
	prior.Status = models.StatusPaused
	prior.PipelineState = prior.PipelineState.MergeStage(models.StageFetchComments, models.StageState{
		PagesFetched: 3,
		ItemsFetched: 4,
		CompletedAt:  &done,
	})

	resume := queuedJob("job-2", models.KindCommentHarvest)
	resume.Settings.ResumeFromJobID = "job-1"

	env := newTestEnv(1000, prior, resume)
	seedRows := []*models.ResultRecord{
		{ID: "r1", JobID: "job-1", TenantID: "tenant-1", Kind: models.ResultComment, ExternalID: "c1", SourceInput: "100_200", Status: models.ResultSuccess},
		{ID: "r2", JobID: "job-1", TenantID: "tenant-1", Kind: models.ResultComment, ExternalID: "c2", SourceInput: "100_200", Status: models.ResultSuccess},
		{ID: "r3", JobID: "job-1", TenantID: "tenant-1", Kind: models.ResultProfile, ExternalID: "u1", Name: "name u1", SourceInput: "100_200", Status: models.ResultSuccess},
		{ID: "r4", JobID: "job-1", TenantID: "tenant-1", Kind: models.ResultProfile, ExternalID: "u2", Name: "name u2", SourceInput: "100_200", Status: models.ResultPending},
	}
	require.NoError(t, env.results.BatchInsert(context.Background(), seedRows))

	require.NoError(t, env.runner.Run(context.Background(), "job-2"))

	stored := env.jobs.stored("job-2")
	assert.Equal(t, models.StatusCompleted, stored.Status)

	// No comment page was re-fetched.
	assert.Equal(t, 0, env.src.commentCalls)
	// Only u2 was enriched; u1 came over as a copy.
	assert.Equal(t, 1, env.src.profileCalls["u2"])
	assert.Zero(t, env.src.profileCalls["u1"])

	// Copied rows exist under the new job.
	count, err := env.results.CountByJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// The only charge is the one newly enriched profile.
	debits := env.ledger.debitsFor("job-2")
	require.Len(t, debits, 1)
	assert.Equal(t, int64(1), debits[0].amount)
}

func TestResumeReentersMidPagination(t *testing.T) {
	prior := queuedJob("job-1", models.KindCommentHarvest)
	prior.Status = models.StatusPaused
	prior.PipelineState = prior.PipelineState.MergeStage(models.StageFetchComments, models.StageState{
		PageParams:   map[string]string{"after": "p3", "__paging_token": "tok-p3"},
		Cursor:       "p3",
		PagesFetched: 2,
	})

	resume := queuedJob("job-2", models.KindCommentHarvest)
	resume.Settings.ResumeFromJobID = "job-1"

	env := newTestEnv(1000, prior, resume)
	env.src.commentPages = []*source.CommentPage{commentPage("", "u9")}

	require.NoError(t, env.runner.Run(context.Background(), "job-2"))

	// Pagination resumed with the full saved descriptor.
	require.NotEmpty(t, env.src.commentParams)
	assert.Equal(t, "p3", env.src.commentParams[0]["after"])
	assert.Equal(t, "tok-p3", env.src.commentParams[0]["__paging_token"])

	// One new page and one new profile were billed; the two prior
	// pages were not.
	debits := env.ledger.debitsFor("job-2")
	require.Len(t, debits, 1)
	assert.Equal(t, int64(2), debits[0].amount)
}

func TestCrossJobDedupCopiesInsteadOfRefetching(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	job.Settings.IgnoreDuplicateUsers = true
	env := newTestEnv(1000, job)

	// A prior job of the same tenant already scraped u1..u40 for this
	// input.
	prior := make([]*models.ResultRecord, 0, 40)
	for i := 1; i <= 40; i++ {
		id := userID(i)
		prior = append(prior, &models.ResultRecord{
			ID: "prior-" + id, JobID: "job-0", TenantID: "tenant-1",
			Kind: models.ResultProfile, ExternalID: id, Name: "name " + id,
			SourceInput: "100_200", Status: models.ResultSuccess,
		})
	}
	require.NoError(t, env.results.BatchInsert(context.Background(), prior))

	// Two pages yielding 200 unique commenters.
	var page1, page2 []string
	for i := 1; i <= 100; i++ {
		page1 = append(page1, userID(i))
		page2 = append(page2, userID(100+i))
	}
	env.src.commentPages = []*source.CommentPage{
		commentPage("p2", page1...),
		commentPage("", page2...),
	}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 200, stored.TotalItems)
	assert.Equal(t, 200, stored.ProcessedItems)

	// 160 enriched, 40 copied at no charge.
	assert.Equal(t, 200, env.results.countByKind("job-1", models.ResultProfile, models.ResultSuccess))
	assert.Zero(t, env.src.profileCalls[userID(1)])
	assert.Equal(t, 1, env.src.profileCalls[userID(41)])

	debits := env.ledger.debitsFor("job-1")
	require.Len(t, debits, 1)
	assert.Equal(t, int64(2+160), debits[0].amount)
}

func TestPostDiscoveryEmptyStreakBilling(t *testing.T) {
	job := queuedJob("job-1", models.KindPostDiscovery)
	maxPages := 5
	job.Settings.MaxPages = &maxPages
	env := newTestEnv(1000, job)

	var posts1, posts2 []string
	for i := 0; i < 10; i++ {
		posts1 = append(posts1, userID(i))
	}
	for i := 10; i < 18; i++ {
		posts2 = append(posts2, userID(i))
	}
	env.src.feedPages = []*source.FeedPage{
		feedPage("p2", posts1...),
		feedPage("p3", posts2...),
		feedPage("p4"),
		feedPage("p5"),
		feedPage("p6"),
	}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 18, stored.ProcessedItems)

	st := stored.PipelineState.Stage(models.StageFetchPosts)
	assert.Equal(t, 5, st.PagesFetched)
	assert.Equal(t, 2, st.PagesWithNewItems)

	// min(5, max(2+1, 1)) = 3.
	debits := env.ledger.debitsFor("job-1")
	require.Len(t, debits, 1)
	assert.Equal(t, int64(3), debits[0].amount)
}

func TestProfileFailureIsLocal(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	env := newTestEnv(1000, job)
	env.src.commentPages = []*source.CommentPage{commentPage("", "u1", "u2", "u3")}
	env.src.profileErr["u2"] = harvesterrors.NewUpstream("profile gone", nil)

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 2, stored.ProcessedItems)
	assert.Equal(t, 1, stored.FailedItems)

	assert.Equal(t, 1, env.results.countByKind("job-1", models.ResultProfile, models.ResultFailed))

	// The failed profile is not billed: 1 page + 2 profiles.
	debits := env.ledger.debitsFor("job-1")
	require.Len(t, debits, 1)
	assert.Equal(t, int64(3), debits[0].amount)
}

func TestAuthVariantRotationPinsWorkingVariant(t *testing.T) {
	job := queuedJob("job-1", models.KindPostDiscovery)
	env := newTestEnv(1000, job)
	env.src.feedPages = []*source.FeedPage{
		feedPage("p2", "post-1"),
		feedPage("", "post-2"),
	}
	// The page variant is rejected everywhere; the user variant works.
	authErr := func(variant source.TokenVariant) error {
		if variant == source.VariantPage {
			return harvesterrors.NewAuthVariant("wrong token type", nil)
		}
		return nil
	}
	env.src.detailsErr = authErr
	env.src.feedErr = func(_ int, variant source.TokenVariant) error { return authErr(variant) }

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusCompleted, stored.Status)

	// The author lookup probed page then user and pinned user; every
	// feed call afterwards went straight to the pinned variant.
	require.GreaterOrEqual(t, len(env.src.detailsVariants), 2)
	assert.Equal(t, source.VariantPage, env.src.detailsVariants[0])
	assert.Equal(t, source.VariantUser, env.src.detailsVariants[1])
	for _, v := range env.src.feedVariants {
		assert.Equal(t, source.VariantUser, v)
	}
}

func TestInsufficientCreditsFailsBeforeUpstreamCalls(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	env := newTestEnv(0, job)
	env.src.commentPages = []*source.CommentPage{commentPage("", "u1")}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, string(harvesterrors.CategoryInsufficientCredits), stored.Error.Kind)

	assert.Equal(t, 0, env.src.commentCalls)
	assert.Empty(t, env.ledger.debitsFor("job-1"))
}

func TestRunDeadlineReportsResumableTimeout(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	env := newTestEnv(1000, job)
	env.runner = NewRunner(RunnerOptions{
		Jobs:      env.jobs,
		Results:   env.results,
		Ledger:    env.ledger,
		Limiter:   env.limiter,
		Publisher: env.pub,
		Source:    env.src,
		Pipeline: config.PipelineConfig{
			RunDeadline:     30 * time.Millisecond,
			DefaultMaxPages: 100,
		},
	})
	// Every comment fetch fails transiently; the 5s backoff outlives
	// the run deadline.
	env.src.commentErr = func(int) error {
		return harvesterrors.NewTransient("connection reset", nil)
	}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, string(harvesterrors.CategoryRunTimeout), stored.Error.Kind)
	assert.True(t, strings.Contains(strings.ToLower(stored.Error.Message), "resume"))
}

func TestRateLimitTimeoutFailsClosed(t *testing.T) {
	job := queuedJob("job-1", models.KindCommentHarvest)
	env := newTestEnv(1000, job)
	env.src.commentPages = []*source.CommentPage{commentPage("", "u1", "u2")}
	// Wait 3 is the first profile fetch (after the author lookup and
	// the comment page). With zero profile retries the timed-out wait
	// fails that item without ever reaching the upstream.
	env.limiter.denyAt = map[int]bool{3: true}

	require.NoError(t, env.runner.Run(context.Background(), "job-1"))

	stored := env.jobs.stored("job-1")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.FailedItems)
	assert.Equal(t, 1, stored.ProcessedItems)
	// The denied item was not billed: 1 page + 1 profile.
	debits := env.ledger.debitsFor("job-1")
	require.Len(t, debits, 1)
	assert.Equal(t, int64(2), debits[0].amount)
}

func userID(i int) string {
	return "u" + strconv.Itoa(i)
}
