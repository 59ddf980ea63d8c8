// Package source is the boundary to the external social-graph API. It
// isolates the pipeline from upstream payload variance, pagination
// quirks and authorization token variants.
package source

import (
	"context"
)

// TokenVariant is one of the mutually exclusive authorization modes
// the upstream accepts for read operations. The right one is not
// knowable in advance; the pipeline probes an ordered list and pins
// whichever succeeds.
type TokenVariant string

const (
	VariantPage  TokenVariant = "page"
	VariantUser  TokenVariant = "user"
	VariantGroup TokenVariant = "group"
)

// DefaultVariantOrder is the probe order for token variants.
func DefaultVariantOrder() []TokenVariant {
	return []TokenVariant{VariantPage, VariantUser, VariantGroup}
}

// ParsedInput identifies the upstream target of a job.
type ParsedInput struct {
	// ItemID is the post identifier, composite for page posts.
	ItemID string
	// IsGroup is true when the input points into a group.
	IsGroup bool
	// ContainerID is the owning page/group identifier.
	ContainerID string
}

// Comment is one normalized comment.
type Comment struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Message     string
	CreatedTime string
	Raw         map[string]interface{}
}

// Post is one normalized feed item.
type Post struct {
	ID          string
	Message     string
	CreatedTime string
	Raw         map[string]interface{}
}

// Profile is one normalized commenter profile.
type Profile struct {
	ID   string
	Name string
	Raw  map[string]interface{}
}

// ObjectDetails describes a page, group or post object.
type ObjectDetails struct {
	ID   string
	Name string
	Kind string
	Raw  map[string]interface{}
}

// CommentPage is one page of comments plus the descriptor for the
// next page. A nil Paging means end of feed.
type CommentPage struct {
	Comments []Comment
	Paging   PageParams
}

// FeedPage is one page of posts plus the descriptor for the next page.
type FeedPage struct {
	Items  []Post
	Paging PageParams
}

// Client is the external source collaborator. Implementations must
// classify failures through the internal errors taxonomy: timeouts as
// transient, authorization rejections as auth-variant, everything else
// as upstream.
type Client interface {
	// ParseInput resolves a raw job input (post URL, page handle,
	// group URL) into the upstream identifiers.
	ParseInput(ctx context.Context, value string) (*ParsedInput, error)

	// ListFeed fetches one page of a container's feed.
	ListFeed(ctx context.Context, containerID string, variant TokenVariant, params PageParams) (*FeedPage, error)

	// ListComments fetches one page of comments for an item.
	ListComments(ctx context.Context, itemID string, isGroup bool, params PageParams) (*CommentPage, error)

	// GetProfile fetches the detailed profile of a commenter.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// GetObjectDetails fetches page/group/post metadata.
	GetObjectDetails(ctx context.Context, id string, variant TokenVariant) (*ObjectDetails, error)
}
