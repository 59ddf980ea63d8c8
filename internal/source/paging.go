package source

import (
	"net/url"
)

// PageParams is the opaque multi-field pagination descriptor for the
// upstream feed. Advancing correctly requires replaying the entire set
// of recognized keys from the previous response: some keys must travel
// together, and reducing the set to a single token makes the upstream
// silently re-serve the first page.
type PageParams map[string]string

// paginationKeys are the recognized pagination-related query keys in a
// "next" link. Everything matched is carried forward verbatim.
var paginationKeys = []string{
	"after",
	"before",
	"until",
	"since",
	"offset",
	"limit",
	"cursor",
	"__paging_token",
}

// ParseNextLink extracts the full pagination descriptor from a "next"
// link. Returns nil when the link is empty or carries no recognized
// pagination keys, which callers treat as end of feed.
func ParseNextLink(next string) PageParams {
	if next == "" {
		return nil
	}
	u, err := url.Parse(next)
	if err != nil {
		return nil
	}

	query := u.Query()
	params := PageParams{}
	for _, key := range paginationKeys {
		if v := query.Get(key); v != "" {
			params[key] = v
		}
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// FromCursor builds a descriptor from a single saved cursor, the
// lighter-weight continuation callers may supply for comments.
func FromCursor(cursor string) PageParams {
	if cursor == "" {
		return nil
	}
	return PageParams{"after": cursor}
}

// Cursor returns the single-token continuation of the descriptor,
// empty when the descriptor has none.
func (p PageParams) Cursor() string {
	return p["after"]
}

// Clone returns a copy of the descriptor.
func (p PageParams) Clone() PageParams {
	if p == nil {
		return nil
	}
	out := make(PageParams, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
