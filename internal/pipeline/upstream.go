package pipeline

import (
	"context"

	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
	"github.com/korenhskoh/SocyBase-sub000/internal/ratelimit"
	"github.com/korenhskoh/SocyBase-sub000/internal/retry"
	"github.com/korenhskoh/SocyBase-sub000/internal/source"
)

// acquireSlot blocks until both the tenant and global windows admit
// one upstream call. A timed-out wait is fail-closed: it surfaces as a
// transient error so the page attempt consumes a retry instead of
// bypassing the limit.
func (r *Runner) acquireSlot(ctx context.Context, tenantID string) error {
	granted, err := r.limiter.WaitForDualSlot(ctx,
		ratelimit.TenantScope(tenantID), r.tenantLimit(),
		ratelimit.GlobalScope(), r.globalLimit())
	if err != nil {
		return harvesterrors.NewInternal("rate limiter failure", err)
	}
	if !granted {
		return harvesterrors.NewTransient("timed out waiting for a rate limit slot", nil)
	}
	return nil
}

// variantOrder returns the probe order for this run: the pinned
// variant first when one succeeded before, then the remaining
// defaults.
func (rs *runState) variantOrder() []source.TokenVariant {
	defaults := source.DefaultVariantOrder()
	if rs.pinned == "" {
		return defaults
	}
	order := []source.TokenVariant{rs.pinned}
	for _, v := range defaults {
		if v != rs.pinned {
			order = append(order, v)
		}
	}
	return order
}

// callUpstream runs one upstream operation through the full admission
// pipeline: a rate limit slot per attempt, linear-backoff retries for
// transient failures, and token variant rotation on authorization
// failures. Rotation never consumes a retry attempt. The variant that
// succeeds is pinned for the rest of the run.
func (r *Runner) callUpstream(ctx context.Context, rs *runState, p retry.Policy, fn func(ctx context.Context, variant source.TokenVariant) error) error {
	order := rs.variantOrder()
	idx := 0
	transientFailures := 0

	for {
		err := r.acquireSlot(ctx, rs.job.TenantID)
		if err == nil {
			err = fn(ctx, order[idx])
		}
		if err == nil {
			rs.pinned = order[idx]
			return nil
		}

		decision := retry.Decide(p, transientFailures+1, len(order)-idx-1, err)
		switch decision.Action {
		case retry.ActionRotate:
			idx++
			rs.logger.WithField("variant", order[idx]).Debug("rotating token variant")
		case retry.ActionRetry:
			transientFailures++
			if sleepErr := retry.Sleep(ctx, decision.Delay); sleepErr != nil {
				return harvesterrors.NewTransient("retry backoff interrupted", sleepErr)
			}
		default:
			return err
		}
	}
}
