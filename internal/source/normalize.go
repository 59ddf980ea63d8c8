package source

import (
	"encoding/json"
	"fmt"

	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
)

// The upstream answers list reads with more than one envelope shape:
// a flat `{"data":[...],"paging":{...}}`, or the same list wrapped
// under a field named after the edge (`comments`, `feed`, `posts`).
// This file is the tagged-union normalizer that folds every shape into
// one list plus a "next" link before anything reaches the pipeline.

type listEnvelope struct {
	Data   []json.RawMessage `json:"data"`
	Paging *pagingEnvelope   `json:"paging"`
}

type pagingEnvelope struct {
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Cursors  *struct {
		After  string `json:"after"`
		Before string `json:"before"`
	} `json:"cursors"`
}

type apiError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	TraceID   string `json:"fbtrace_id"`
	UserTitle string `json:"error_user_title"`
}

type responseEnvelope struct {
	listEnvelope
	Comments *listEnvelope `json:"comments"`
	Feed     *listEnvelope `json:"feed"`
	Posts    *listEnvelope `json:"posts"`
	Error    *apiError     `json:"error"`
}

// normalizeList decodes a list response body into raw items plus the
// pagination descriptor for the next page.
func normalizeList(body []byte) ([]map[string]interface{}, PageParams, error) {
	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, harvesterrors.NewUpstream("unparseable response body", err)
	}
	if env.Error != nil {
		return nil, nil, classifyAPIError(env.Error)
	}

	list := env.listEnvelope
	// Wrapped shapes take priority only when the flat list is absent.
	if list.Data == nil {
		switch {
		case env.Comments != nil:
			list = *env.Comments
		case env.Feed != nil:
			list = *env.Feed
		case env.Posts != nil:
			list = *env.Posts
		}
	}

	items := make([]map[string]interface{}, 0, len(list.Data))
	for _, raw := range list.Data {
		var item map[string]interface{}
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, nil, harvesterrors.NewUpstream("unparseable list item", err)
		}
		items = append(items, item)
	}

	var next PageParams
	if list.Paging != nil {
		next = ParseNextLink(list.Paging.Next)
		// Some responses carry only cursors without a next link.
		if next == nil && list.Paging.Cursors != nil && list.Paging.Cursors.After != "" && len(items) > 0 {
			next = FromCursor(list.Paging.Cursors.After)
		}
	}

	return items, next, nil
}

// authErrorCodes are upstream error codes that mean the supplied token
// variant is wrong for this object, not that the request is broken.
var authErrorCodes = map[int]bool{
	102: true, // session key invalid
	104: true, // access token required
	190: true, // access token invalid
	200: true, // permission error
	210: true, // wrong token subject type
}

// classifyAPIError maps an upstream error envelope onto the internal
// taxonomy.
func classifyAPIError(apiErr *apiError) error {
	msg := fmt.Sprintf("%s (code %d/%d)", apiErr.Message, apiErr.Code, apiErr.Subcode)
	if apiErr.Type == "OAuthException" || authErrorCodes[apiErr.Code] {
		return harvesterrors.NewAuthVariant(msg, nil)
	}
	return harvesterrors.NewUpstream(msg, nil)
}

func stringField(item map[string]interface{}, key string) string {
	if v, ok := item[key].(string); ok {
		return v
	}
	return ""
}

// nestedFrom extracts the author of a comment. The upstream emits the
// author either as a nested `from` object or as flattened
// `from_id`/`from_name` fields depending on the edge.
func nestedFrom(item map[string]interface{}) (id, name string) {
	if from, ok := item["from"].(map[string]interface{}); ok {
		return stringField(from, "id"), stringField(from, "name")
	}
	return stringField(item, "from_id"), stringField(item, "from_name")
}

func normalizeComment(item map[string]interface{}) Comment {
	id, name := nestedFrom(item)
	return Comment{
		ID:          stringField(item, "id"),
		AuthorID:    id,
		AuthorName:  name,
		Message:     stringField(item, "message"),
		CreatedTime: stringField(item, "created_time"),
		Raw:         item,
	}
}

func normalizePost(item map[string]interface{}) Post {
	return Post{
		ID:          stringField(item, "id"),
		Message:     stringField(item, "message"),
		CreatedTime: stringField(item, "created_time"),
		Raw:         item,
	}
}
