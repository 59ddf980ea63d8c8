package pipeline

import "github.com/korenhskoh/SocyBase-sub000/internal/models"

// billable tracks the chargeable work of the current run. It counts
// only work performed by this job: rows copied on resume and
// commenters excluded by cross-job deduplication never enter it.
type billable struct {
	pagesFetched     int
	pagesWithNew     int
	profilesEnriched int
}

// commentHarvestCredits is the comment-harvest charge: one credit per
// fetched page plus one per newly enriched profile.
func commentHarvestCredits(pagesFetched, profilesEnriched int) int64 {
	return int64(pagesFetched) + int64(profilesEnriched)
}

// postDiscoveryCredits is the post-discovery charge: every productive
// page plus one confirming empty page, capped at pages actually
// fetched.
func postDiscoveryCredits(pagesFetched, pagesWithNew int) int64 {
	if pagesFetched <= 0 {
		return 0
	}
	charge := int64(pagesWithNew) + 1
	if charge < 1 {
		charge = 1
	}
	if charge > int64(pagesFetched) {
		charge = int64(pagesFetched)
	}
	return charge
}

// credits returns the charge for the run under the given job kind
// formula.
func (b billable) credits(kind models.JobKind) int64 {
	if kind == models.KindPostDiscovery {
		return postDiscoveryCredits(b.pagesFetched, b.pagesWithNew)
	}
	return commentHarvestCredits(b.pagesFetched, b.profilesEnriched)
}
