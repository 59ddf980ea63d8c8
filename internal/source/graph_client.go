package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
)

// GraphClient talks to the social-graph HTTP API. It applies a local
// pacing floor beneath the distributed rate limiter so one process can
// never burst past the upstream per-app budget even when the shared
// windows have room.
type GraphClient struct {
	http   *resty.Client
	pacer  *rate.Limiter
	tokens map[TokenVariant]string
}

// NewGraphClient creates a client from the source configuration.
func NewGraphClient(cfg *config.SourceConfig) *GraphClient {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}

	return &GraphClient{
		http:  http,
		pacer: rate.NewLimiter(rate.Limit(rps), 1),
		tokens: map[TokenVariant]string{
			VariantPage:  cfg.PageToken,
			VariantUser:  cfg.UserToken,
			VariantGroup: cfg.GroupToken,
		},
	}
}

var (
	groupPostRe = regexp.MustCompile(`groups/(\d+)[/?].*?(?:posts|permalink)/(\d+)`)
	pagePostRe  = regexp.MustCompile(`(?:posts|videos|photos)/(\d+)`)
	compositeRe = regexp.MustCompile(`^(\d+)_(\d+)$`)
)

// ParseInput resolves a raw job input into upstream identifiers. It
// accepts group post URLs, page post URLs, composite `page_post` ids
// and bare container ids; no network call is made.
func (c *GraphClient) ParseInput(ctx context.Context, value string) (*ParsedInput, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, harvesterrors.NewUpstream("empty input", nil)
	}

	if m := groupPostRe.FindStringSubmatch(value); m != nil {
		return &ParsedInput{
			ItemID:      m[1] + "_" + m[2],
			IsGroup:     true,
			ContainerID: m[1],
		}, nil
	}

	if strings.Contains(value, "://") {
		u, err := url.Parse(value)
		if err != nil {
			return nil, harvesterrors.NewUpstream(fmt.Sprintf("unparseable input url: %s", value), err)
		}
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		if m := pagePostRe.FindStringSubmatch(u.Path); m != nil && len(segments) > 0 {
			return &ParsedInput{
				ItemID:      m[1],
				ContainerID: segments[0],
			}, nil
		}
		if len(segments) == 1 && segments[0] != "" {
			// A bare page/group link is a container for post discovery.
			return &ParsedInput{ContainerID: segments[0]}, nil
		}
		return nil, harvesterrors.NewUpstream(fmt.Sprintf("unrecognized input url: %s", value), nil)
	}

	if m := compositeRe.FindStringSubmatch(value); m != nil {
		return &ParsedInput{ItemID: value, ContainerID: m[1]}, nil
	}

	// Bare identifier or handle.
	return &ParsedInput{ItemID: value, ContainerID: value}, nil
}

// ListFeed fetches one page of a container's feed with the given token
// variant and pagination descriptor.
func (c *GraphClient) ListFeed(ctx context.Context, containerID string, variant TokenVariant, params PageParams) (*FeedPage, error) {
	body, err := c.get(ctx, fmt.Sprintf("/%s/feed", url.PathEscape(containerID)), variant, params, map[string]string{
		"fields": "id,message,created_time",
	})
	if err != nil {
		return nil, err
	}

	items, next, err := normalizeList(body)
	if err != nil {
		return nil, err
	}

	page := &FeedPage{Paging: next}
	for _, item := range items {
		page.Items = append(page.Items, normalizePost(item))
	}
	return page, nil
}

// ListComments fetches one page of comments for an item. Group items
// authorize with the group token, everything else with the page token.
func (c *GraphClient) ListComments(ctx context.Context, itemID string, isGroup bool, params PageParams) (*CommentPage, error) {
	variant := VariantPage
	if isGroup {
		variant = VariantGroup
	}

	body, err := c.get(ctx, fmt.Sprintf("/%s/comments", url.PathEscape(itemID)), variant, params, map[string]string{
		"fields": "id,message,created_time,from",
		"order":  "chronological",
	})
	if err != nil {
		return nil, err
	}

	items, next, err := normalizeList(body)
	if err != nil {
		return nil, err
	}

	page := &CommentPage{Paging: next}
	for _, item := range items {
		page.Comments = append(page.Comments, normalizeComment(item))
	}
	return page, nil
}

// GetProfile fetches the detailed profile of a commenter.
func (c *GraphClient) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	body, err := c.get(ctx, "/"+url.PathEscape(userID), VariantPage, nil, map[string]string{
		"fields": "id,name,link,picture",
	})
	if err != nil {
		return nil, err
	}

	item, err := normalizeObject(body)
	if err != nil {
		return nil, err
	}
	return &Profile{
		ID:   stringField(item, "id"),
		Name: stringField(item, "name"),
		Raw:  item,
	}, nil
}

// GetObjectDetails fetches page/group/post metadata with the given
// token variant.
func (c *GraphClient) GetObjectDetails(ctx context.Context, id string, variant TokenVariant) (*ObjectDetails, error) {
	body, err := c.get(ctx, "/"+url.PathEscape(id), variant, nil, map[string]string{
		"fields": "id,name",
	})
	if err != nil {
		return nil, err
	}

	item, err := normalizeObject(body)
	if err != nil {
		return nil, err
	}
	return &ObjectDetails{
		ID:   stringField(item, "id"),
		Name: stringField(item, "name"),
		Kind: stringField(item, "type"),
		Raw:  item,
	}, nil
}

// get performs one paced GET. Pagination params are replayed verbatim
// after the fixed params so the upstream sees the full descriptor.
func (c *GraphClient) get(ctx context.Context, path string, variant TokenVariant, paging PageParams, fixed map[string]string) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().SetContext(ctx)
	for k, v := range fixed {
		req.SetQueryParam(k, v)
	}
	for k, v := range paging {
		req.SetQueryParam(k, v)
	}
	if token := c.tokens[variant]; token != "" {
		req.SetQueryParam("access_token", token)
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	body := resp.Body()
	if resp.IsError() {
		// Error envelopes are classified by the normalizer; fall back
		// to the HTTP status when the body carries none.
		if _, _, nerr := normalizeList(body); nerr != nil {
			return nil, nerr
		}
		return nil, harvesterrors.NewUpstream(fmt.Sprintf("upstream returned %s", resp.Status()), nil)
	}

	return body, nil
}

// classifyTransportError maps resty transport failures onto the
// taxonomy: timeouts are transient, everything else upstream.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return harvesterrors.NewTransient("request deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvesterrors.NewTransient("network timeout", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return harvesterrors.NewTransient("connection failure", err)
	}
	return harvesterrors.NewUpstream("transport failure", err)
}

// normalizeObject decodes a single-object response body.
func normalizeObject(body []byte) (map[string]interface{}, error) {
	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, harvesterrors.NewUpstream("unparseable object body", err)
	}
	if env.Error != nil {
		return nil, classifyAPIError(env.Error)
	}

	var item map[string]interface{}
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, harvesterrors.NewUpstream("unparseable object body", err)
	}
	return item, nil
}
