package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
	"github.com/korenhskoh/SocyBase-sub000/internal/retry"
	"github.com/korenhskoh/SocyBase-sub000/internal/source"
)

// emptyStreakLimit stops pagination after this many consecutive pages
// that yield zero new items. Trailing empty pages are an upstream
// quirk; three in a row means the feed is exhausted.
const emptyStreakLimit = 3

// defaultCheckpointEvery is the enrichment checkpoint cadence when the
// configuration carries none.
const defaultCheckpointEvery = 5

func (r *Runner) checkpointEvery() int {
	if r.cfg.CheckpointEvery > 0 {
		return r.cfg.CheckpointEvery
	}
	return defaultCheckpointEvery
}

// runCommentHarvest executes parse_input, fetch_author,
// fetch_comments, deduplicate_users, enrich_profiles and finalize in
// order, honoring pause/cancel at every cooperative point.
func (r *Runner) runCommentHarvest(ctx context.Context, rs *runState) error {
	if err := r.stageParseInput(ctx, rs, true); err != nil {
		return err
	}
	r.stageFetchAuthor(ctx, rs)
	if err := r.stageFetchComments(ctx, rs); err != nil {
		return err
	}
	if err := r.stageDeduplicateUsers(ctx, rs); err != nil {
		return err
	}
	if err := r.stageEnrichProfiles(ctx, rs); err != nil {
		return err
	}
	return nil
}

// stageParseInput resolves the job input into upstream identifiers.
// needItem requires the input to identify a single post.
func (r *Runner) stageParseInput(ctx context.Context, rs *runState, needItem bool) error {
	if err := r.checkHalt(ctx, rs); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := r.checkpoint(ctx, rs, models.StageParseInput, models.StageState{StartedAt: &now}); err != nil {
		return err
	}

	parsed, err := r.source.ParseInput(ctx, rs.job.Input)
	if err != nil {
		return err
	}
	if needItem && parsed.ItemID == "" {
		return harvesterrors.NewUpstream(fmt.Sprintf("input does not identify a post: %s", rs.job.Input), nil)
	}
	if parsed.ContainerID == "" {
		return harvesterrors.NewUpstream(fmt.Sprintf("input does not identify a container: %s", rs.job.Input), nil)
	}
	rs.parsed = parsed

	done := time.Now().UTC()
	return r.checkpoint(ctx, rs, models.StageParseInput, models.StageState{CompletedAt: &done})
}

// stageFetchAuthor looks up the owning page/group. Best effort: a
// failure is logged on the job and the run continues. A success pins
// the working token variant for the rest of the run.
func (r *Runner) stageFetchAuthor(ctx context.Context, rs *runState) {
	now := time.Now().UTC()
	if err := r.checkpoint(ctx, rs, models.StageFetchAuthor, models.StageState{StartedAt: &now}); err != nil {
		rs.logger.WithError(err).Warn("fetch_author checkpoint failed")
		return
	}

	err := r.callUpstream(ctx, rs, retry.NetworkPolicy(), func(ctx context.Context, variant source.TokenVariant) error {
		details, err := r.source.GetObjectDetails(ctx, rs.parsed.ContainerID, variant)
		if err != nil {
			return err
		}
		r.appendLog(ctx, rs, "info", models.StageFetchAuthor,
			fmt.Sprintf("author resolved: %s (%s)", details.Name, details.ID))
		return nil
	})
	if err != nil {
		rs.logger.WithError(err).Warn("author lookup failed, continuing")
		r.appendLog(ctx, rs, "warn", models.StageFetchAuthor,
			fmt.Sprintf("author lookup failed: %v", err))
	}

	done := time.Now().UTC()
	if err := r.checkpoint(ctx, rs, models.StageFetchAuthor, models.StageState{CompletedAt: &done}); err != nil {
		rs.logger.WithError(err).Warn("fetch_author checkpoint failed")
	}
}

// seedPageParams returns the pagination descriptor to start a fetch
// stage from: caller-supplied continuations win, then a prior run's
// mid-pagination checkpoint, then the first page.
func (rs *runState) seedPageParams(stage string) source.PageParams {
	if len(rs.job.Settings.StartFromPageParams) > 0 {
		return source.PageParams(rs.job.Settings.StartFromPageParams).Clone()
	}
	if rs.job.Settings.StartFromCursor != "" {
		return source.FromCursor(rs.job.Settings.StartFromCursor)
	}
	if rs.job.PipelineState.MidPagination(stage) {
		st := rs.job.PipelineState.Stage(stage)
		if len(st.PageParams) > 0 {
			return source.PageParams(st.PageParams).Clone()
		}
		if st.Cursor != "" {
			return source.FromCursor(st.Cursor)
		}
	}
	return nil
}

// stageFetchComments paginates the post's comments, storing new rows
// and collecting commenter ids in first-seen order.
func (r *Runner) stageFetchComments(ctx context.Context, rs *runState) error {
	job := rs.job
	stage := models.StageFetchComments

	// A resume whose prior run already finished this stage proceeds
	// straight to deduplication.
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
	pageCap := job.PageCap(r.cfg.DefaultMaxPages)
	emptyStreak := 0

	for pagesFetched < pageCap {
		if err := r.checkHalt(ctx, rs); err != nil {
			return err
		}

		var page *source.CommentPage
		err := r.callUpstream(ctx, rs, retry.NetworkPolicy(), func(ctx context.Context, _ source.TokenVariant) error {
			var ferr error
			page, ferr = r.source.ListComments(ctx, rs.parsed.ItemID, rs.parsed.IsGroup, params)
			return ferr
		})
		if err != nil {
			return err
		}

		pagesFetched++
		rs.bill.pagesFetched++

		newRows := make([]*models.ResultRecord, 0, len(page.Comments))
		for _, comment := range page.Comments {
			if comment.ID == "" || !rs.markSeen(models.ResultComment, comment.ID) {
				continue
			}
			newRows = append(newRows, &models.ResultRecord{
				ID:          uuid.New().String(),
				JobID:       job.ID,
				TenantID:    job.TenantID,
				Kind:        models.ResultComment,
				ExternalID:  comment.ID,
				Name:        comment.AuthorName,
				Payload:     comment.Raw,
				Status:      models.ResultSuccess,
				SourceInput: rs.parsed.ItemID,
				CreatedAt:   time.Now().UTC(),
			})
			// First-seen name wins for commenter dedup.
			if comment.AuthorID != "" {
				if _, known := rs.names[comment.AuthorID]; !known {
					rs.names[comment.AuthorID] = comment.AuthorName
					rs.toEnrich = append(rs.toEnrich, comment.AuthorID)
				}
			}
		}
		if err := r.results.BatchInsert(ctx, newRows); err != nil {
			return harvesterrors.NewInternal("failed to store comments", err)
		}
		rs.resultRows += len(newRows)
		itemsFetched += len(newRows)

		if len(newRows) == 0 {
			emptyStreak++
		} else {
			emptyStreak = 0
		}

		params = page.Paging
		patch := models.StageState{
			PagesFetched: pagesFetched,
			ItemsFetched: itemsFetched,
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
		PagesFetched: pagesFetched,
		ItemsFetched: itemsFetched,
		CompletedAt:  &done,
	})
}

// stageDeduplicateUsers finalizes the enrichment worklist: commenters
// already enriched under this job (resume copies) are dropped, and
// with cross-job dedup enabled, commenters scraped for the same input
// by earlier jobs are copied over at zero cost instead of re-fetched.
func (r *Runner) stageDeduplicateUsers(ctx context.Context, rs *runState) error {
	job := rs.job
	stage := models.StageDeduplicateUsers

	if err := r.checkHalt(ctx, rs); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := r.checkpoint(ctx, rs, stage, models.StageState{StartedAt: &now}); err != nil {
		return err
	}

	var priorIDs map[string]bool
	if job.Settings.IgnoreDuplicateUsers {
		var err error
		priorIDs, err = r.results.ListSuccessfulProfileIDs(ctx, job.TenantID, rs.parsed.ItemID, job.ID)
		if err != nil {
			return harvesterrors.NewInternal("failed to list prior profiles", err)
		}
	}

	remaining := make([]string, 0, len(rs.toEnrich))
	excluded := 0
	for _, userID := range rs.toEnrich {
		if rs.seen[models.ResultProfile][userID] {
			continue
		}
		if priorIDs[userID] {
			excluded++
			continue
		}
		remaining = append(remaining, userID)
	}
	rs.toEnrich = remaining

	if excluded > 0 {
		copied, err := r.results.CopyProfilesForInput(ctx, job.TenantID, rs.parsed.ItemID, job.ID)
		if err != nil {
			return harvesterrors.NewInternal("failed to copy deduplicated profiles", err)
		}
		job.ProcessedItems += copied
		r.appendLog(ctx, rs, "info", stage,
			fmt.Sprintf("%d commenters already scraped for this input, copied at no charge", excluded))
	}

	// Pending rows for everything left to enrich.
	pending := make([]*models.ResultRecord, 0, len(remaining))
	for _, userID := range remaining {
		pending = append(pending, &models.ResultRecord{
			ID:          uuid.New().String(),
			JobID:       job.ID,
			TenantID:    job.TenantID,
			Kind:        models.ResultProfile,
			ExternalID:  userID,
			Name:        rs.names[userID],
			Status:      models.ResultPending,
			SourceInput: rs.parsed.ItemID,
			CreatedAt:   time.Now().UTC(),
		})
		rs.seen[models.ResultProfile][userID] = true
	}
	if err := r.results.BatchInsert(ctx, pending); err != nil {
		return harvesterrors.NewInternal("failed to store pending profiles", err)
	}
	if count, err := r.results.CountByJob(ctx, job.ID); err == nil {
		rs.resultRows = count
	}

	job.TotalItems = job.ProcessedItems + len(remaining)

	done := time.Now().UTC()
	return r.checkpoint(ctx, rs, stage, models.StageState{
		ItemsFetched: len(remaining),
		CompletedAt:  &done,
	})
}

// stageEnrichProfiles fetches each remaining commenter's profile with
// per-item retries. A profile that exhausts its retries is marked
// failed and the run continues.
func (r *Runner) stageEnrichProfiles(ctx context.Context, rs *runState) error {
	job := rs.job
	stage := models.StageEnrichProfiles

	now := time.Now().UTC()
	if err := r.checkpoint(ctx, rs, stage, models.StageState{StartedAt: &now}); err != nil {
		return err
	}

	policy := retry.ProfilePolicy(job.ProfileRetry(r.cfg.DefaultProfileRetry))
	cadence := r.checkpointEvery()
	enriched := 0

	for i, userID := range rs.toEnrich {
		if i%cadence == 0 {
			if err := r.checkHalt(ctx, rs); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return harvesterrors.NewTransient("run interrupted", ctx.Err())
		}

		var profile *source.Profile
		err := r.callUpstream(ctx, rs, policy, func(ctx context.Context, _ source.TokenVariant) error {
			var ferr error
			profile, ferr = r.source.GetProfile(ctx, userID)
			return ferr
		})
		if err != nil {
			if _, halted := err.(*haltError); halted {
				return err
			}
			if harvesterrors.CategoryOf(err) == harvesterrors.CategoryInternal {
				return err
			}
			// Local recovery: only this row fails, the job goes on.
			if merr := r.results.MarkProfile(ctx, job.ID, userID, models.ResultFailed, err.Error(), nil); merr != nil {
				return harvesterrors.NewInternal("failed to record profile failure", merr)
			}
			job.FailedItems++
			rs.logger.WithError(err).WithField("user_id", userID).Warn("profile enrichment failed")
		} else {
			if merr := r.results.MarkProfile(ctx, job.ID, userID, models.ResultSuccess, "", profile.Raw); merr != nil {
				return harvesterrors.NewInternal("failed to record profile", merr)
			}
			job.ProcessedItems++
			rs.bill.profilesEnriched++
			enriched++
		}

		if (i+1)%cadence == 0 {
			if err := r.checkpoint(ctx, rs, stage, models.StageState{ItemsFetched: enriched}); err != nil {
				return err
			}
		}
	}

	done := time.Now().UTC()
	return r.checkpoint(ctx, rs, stage, models.StageState{
		ItemsFetched: enriched,
		CompletedAt:  &done,
	})
}
