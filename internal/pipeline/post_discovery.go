package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
	"github.com/korenhskoh/SocyBase-sub000/internal/retry"
	"github.com/korenhskoh/SocyBase-sub000/internal/source"
)

// runPostDiscovery executes parse_input, fetch_author, fetch_posts and
// finalize. The input only needs to identify a container.
func (r *Runner) runPostDiscovery(ctx context.Context, rs *runState) error {
	if err := r.stageParseInput(ctx, rs, false); err != nil {
		return err
	}
	r.stageFetchAuthor(ctx, rs)
	return r.stageFetchPosts(ctx, rs)
}

// stageFetchPosts paginates the container's feed, storing new posts
// and tracking which pages were productive for billing. Three
// consecutive pages without a new post stop pagination early.
func (r *Runner) stageFetchPosts(ctx context.Context, rs *runState) error {
	job := rs.job
	stage := models.StageFetchPosts

	if job.PipelineState.Stage(stage).CompletedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	if err := r.checkpoint(ctx, rs, stage, models.StageState{StartedAt: &now}); err != nil {
		return err
	}

	params := rs.seedPageParams(stage)
	prior := job.PipelineState.Stage(stage)
	pagesFetched := prior.PagesFetched
	itemsFetched := prior.ItemsFetched
	pagesWithNew := prior.PagesWithNewItems
	pageCap := job.PageCap(r.cfg.DefaultMaxPages)
	emptyStreak := 0

	for pagesFetched < pageCap {
		if err := r.checkHalt(ctx, rs); err != nil {
			return err
		}

		var page *source.FeedPage
		err := r.callUpstream(ctx, rs, retry.NetworkPolicy(), func(ctx context.Context, variant source.TokenVariant) error {
			var ferr error
			page, ferr = r.source.ListFeed(ctx, rs.parsed.ContainerID, variant, params)
			return ferr
		})
		if err != nil {
			return err
		}

		pagesFetched++
		rs.bill.pagesFetched++

		newRows := make([]*models.ResultRecord, 0, len(page.Items))
		for _, post := range page.Items {
			if post.ID == "" || !rs.markSeen(models.ResultPost, post.ID) {
				continue
			}
			newRows = append(newRows, &models.ResultRecord{
				ID:          uuid.New().String(),
				JobID:       job.ID,
				TenantID:    job.TenantID,
				Kind:        models.ResultPost,
				ExternalID:  post.ID,
				Payload:     post.Raw,
				Status:      models.ResultSuccess,
				SourceInput: rs.parsed.ContainerID,
				CreatedAt:   time.Now().UTC(),
			})
		}
		if err := r.results.BatchInsert(ctx, newRows); err != nil {
			return harvesterrors.NewInternal("failed to store posts", err)
		}
		rs.resultRows += len(newRows)
		itemsFetched += len(newRows)
		job.ProcessedItems += len(newRows)
		job.TotalItems = job.ProcessedItems

		if len(newRows) == 0 {
			emptyStreak++
		} else {
			emptyStreak = 0
			pagesWithNew++
			rs.bill.pagesWithNew++
		}

		params = page.Paging
		patch := models.StageState{
			PagesFetched:      pagesFetched,
			ItemsFetched:      itemsFetched,
			PagesWithNewItems: pagesWithNew,
		}
		if params != nil {
			patch.PageParams = params
			patch.Cursor = params.Cursor()
		}
		if err := r.checkpoint(ctx, rs, stage, patch); err != nil {
			return err
		}

		if params == nil || emptyStreak >= emptyStreakLimit {
			break
		}
	}

	done := time.Now().UTC()
	return r.checkpoint(ctx, rs, stage, models.StageState{
		PagesFetched:      pagesFetched,
		ItemsFetched:      itemsFetched,
		PagesWithNewItems: pagesWithNew,
		CompletedAt:       &done,
	})
}
